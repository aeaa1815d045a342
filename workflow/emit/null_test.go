package emit

import "testing"

func TestNullEmitter_NoOp(t *testing.T) {
	t.Run("emits events without error", func(t *testing.T) {
		emitter := NewNullEmitter()
		events := []Event{
			{RunID: "run-001", Step: 1, ExecutorID: "a", Msg: "executor_invoked"},
			{RunID: "run-001", Step: 1, ExecutorID: "a", Msg: "executor_completed"},
			{RunID: "run-001", Step: 2, ExecutorID: "b", Msg: "executor_failed", Meta: map[string]interface{}{"error": "test"}},
		}
		for _, event := range events {
			emitter.Emit(event)
		}
	})

	t.Run("emits with nil meta", func(t *testing.T) {
		emitter := NewNullEmitter()
		emitter.Emit(Event{RunID: "run-001", Step: 0, ExecutorID: "a", Msg: "test", Meta: nil})
	})
}

func TestNullEmitter_InterfaceContract(t *testing.T) {
	var _ Emitter = NewNullEmitter()
}
