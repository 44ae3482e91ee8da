package models

import "time"

// EventKind names a state transition published to watchers.
type EventKind string

const (
	EventDocument EventKind = "document"
	EventTask     EventKind = "task"
	EventRun      EventKind = "run"
)

// Event describes one transition of a document, task or run.
type Event struct {
	Kind   EventKind `json:"kind"`
	ID     string    `json:"id"`
	RunID  string    `json:"run_id,omitempty"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier receives events. Implementations must not block.
type Notifier interface {
	Publish(Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

// Publish implements Notifier.
func (NopNotifier) Publish(Event) {}
