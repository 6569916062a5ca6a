package models

import "time"

type EventKind string

const (
	RunStartedEvent     EventKind = "run_started"
	StageStartedEvent   EventKind = "stage_started"
	StageProgressEvent  EventKind = "stage_progress"
	StageSucceededEvent EventKind = "stage_succeeded"
	StageFailedEvent    EventKind = "stage_failed"
	RunCompletedEvent   EventKind = "run_completed"
	RunFailedEvent      EventKind = "run_failed"

	// EventsDroppedEvent is a gap marker injected into a subscriber's
	// stream when its buffer overflowed and older events were discarded.
	EventsDroppedEvent EventKind = "events_dropped"
)

// ProgressEvent is one entry of a run's live progress feed. Seq is
// monotonically increasing per run and assigned by the event bus.
type ProgressEvent struct {
	Seq       uint64    `json:"seq"`
	RunID     string    `json:"run_id"`
	Kind      EventKind `json:"kind"`
	Stage     Stage     `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Percent   int       `json:"percent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
