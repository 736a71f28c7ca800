package tasklog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TaskIDKey is the attribute key that associates a log record with a task.
const TaskIDKey = "task_id"

// Entry is one captured log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	TaskID  string    `json:"task_id,omitempty"`
}

// Recorder keeps the most recent log entries in a fixed-size ring so the
// API can serve per-task logs without touching external systems.
type Recorder struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewRecorder creates a recorder holding up to max entries.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 1000
	}
	return &Recorder{entries: make([]Entry, max)}
}

// Add appends one entry, evicting the oldest when the ring is full.
func (r *Recorder) Add(entry Entry) {
	r.mu.Lock()
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Query returns entries in insertion order, optionally filtered by task id,
// capped at limit when limit > 0.
func (r *Recorder) Query(taskID string, limit int) []Entry {
	r.mu.RLock()
	ordered := make([]Entry, 0, len(r.entries))
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
	}
	ordered = append(ordered, r.entries[:r.next]...)
	r.mu.RUnlock()

	out := make([]Entry, 0, len(ordered))
	for _, e := range ordered {
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Handler tees slog records into a Recorder while delegating to an inner
// handler for normal output.
type Handler struct {
	inner    slog.Handler
	recorder *Recorder
	taskID   string
}

// NewHandler wraps the inner handler with record capture.
func NewHandler(inner slog.Handler, recorder *Recorder) *Handler {
	return &Handler{inner: inner, recorder: recorder}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	taskID := h.taskID
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == TaskIDKey {
			taskID = attr.Value.String()
			return false
		}
		return true
	})
	h.recorder.Add(Entry{
		Time:    record.Time,
		Level:   record.Level.String(),
		Message: record.Message,
		TaskID:  taskID,
	})
	return h.inner.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &Handler{
		inner:    h.inner.WithAttrs(attrs),
		recorder: h.recorder,
		taskID:   h.taskID,
	}
	for _, attr := range attrs {
		if attr.Key == TaskIDKey {
			clone.taskID = attr.Value.String()
		}
	}
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner:    h.inner.WithGroup(name),
		recorder: h.recorder,
		taskID:   h.taskID,
	}
}
