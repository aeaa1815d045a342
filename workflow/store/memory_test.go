package store

import (
	"context"
	"testing"

	"github.com/agentcore/workflow/workflow"
)

func TestMemStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	cp := workflow.Checkpoint{RunID: "run-1", StepNumber: 3, Label: "before_summary"}
	id, err := s.Save(ctx, cp)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id == "" {
		t.Fatal("Save returned empty id")
	}

	got, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RunID != "run-1" || got.StepNumber != 3 || got.Label != "before_summary" {
		t.Fatalf("Load returned %+v, want matching run-1/3/before_summary", got)
	}
}

func TestMemStoreLoadUnknown(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Load(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("Load(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemStoreListOrdersBySaveTime(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	var want []string
	for i := 0; i < 3; i++ {
		id, err := s.Save(ctx, workflow.Checkpoint{RunID: "run-1", StepNumber: i})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		want = append(want, id)
	}
	if _, err := s.Save(ctx, workflow.Checkpoint{RunID: "run-2", StepNumber: 0}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("List returned %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
