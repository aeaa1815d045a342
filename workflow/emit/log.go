package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes events to an io.Writer, either as human-readable
// key=value lines or as JSONL (one JSON object per line).
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter returns a LogEmitter writing to writer (os.Stdout if nil) in
// JSON mode if jsonMode is true, text mode otherwise.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID      string                 `json:"run_id"`
		Step       int                    `json:"step"`
		ExecutorID string                 `json:"executor_id"`
		Msg        string                 `json:"msg"`
		Meta       map[string]interface{} `json:"meta,omitempty"`
	}{
		RunID:      event.RunID,
		Step:       event.Step,
		ExecutorID: event.ExecutorID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] run_id=%s step=%d executor_id=%s",
		event.Msg, event.RunID, event.Step, event.ExecutorID)

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes every event in order, one write per event. Batching only
// saves call overhead here — LogEmitter has no internal buffer to amortize
// across.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: every Emit call already wrote synchronously to the
// underlying io.Writer. Wrap writer in a bufio.Writer and flush that
// directly if buffering is needed.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
