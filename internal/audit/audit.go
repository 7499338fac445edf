// Package audit defines the structured event emitted on every order state
// transition and the Sink interface an external audit collaborator consumes.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event records one order state transition for the audit trail.
type Event struct {
	Action       string            // e.g. "order.created", "order.filled"
	ResourceType string            // always "order" for engine events
	ResourceID   string
	OldStatus    string
	NewStatus    string
	Actor        string
	Timestamp    time.Time
	Metadata     map[string]string
}

// Sink receives audit events. Implementations must not block the caller for
// long; persistence is the external collaborator's concern.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// ---------------------------------------------------------------------------
// LogSink
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Sink = (*LogSink)(nil)

// LogSink writes audit events to the structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink writing through the default logger.
func NewLogSink() *LogSink {
	return &LogSink{log: slog.Default().With("component", "audit")}
}

// Record logs the event at info level.
func (s *LogSink) Record(_ context.Context, ev Event) {
	attrs := []any{
		"action", ev.Action,
		"resource_type", ev.ResourceType,
		"resource_id", ev.ResourceID,
		"old_status", ev.OldStatus,
		"new_status", ev.NewStatus,
		"actor", ev.Actor,
		"timestamp", ev.Timestamp,
	}
	for k, v := range ev.Metadata {
		attrs = append(attrs, "meta_"+k, v)
	}
	s.log.Info("audit", attrs...)
}

// ---------------------------------------------------------------------------
// MemorySink
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Sink = (*MemorySink)(nil)

// MemorySink captures events in memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends the event.
func (s *MemorySink) Record(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of all recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByAction returns recorded events with the given action.
func (s *MemorySink) ByAction(action string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}
