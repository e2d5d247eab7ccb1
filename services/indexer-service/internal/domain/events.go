package domain

import (
	"time"

	"github.com/soyaya/metagauge/shared/errors"
)

// EventKind tags a progress event
type EventKind string

const (
	EventProgress         EventKind = "progress"
	EventMetric           EventKind = "metric"
	EventChunkCompleted   EventKind = "chunk-completed"
	EventChunkFailed      EventKind = "chunk-failed"
	EventSessionCompleted EventKind = "session-completed"
	EventSessionFailed    EventKind = "session-failed"
	EventSessionCancelled EventKind = "session-cancelled"
	EventRpcDegraded      EventKind = "rpc-degraded"
)

// IsTerminal reports whether the event closes the session stream
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventSessionCompleted, EventSessionFailed, EventSessionCancelled:
		return true
	}
	return false
}

// ProgressEvent is one frame on the session stream. Delivered at-least-once
// to each active subscriber, then discarded.
type ProgressEvent struct {
	Kind       EventKind     `json:"kind"`
	SessionID  string        `json:"sessionId"`
	Progress   float64       `json:"progress,omitempty"`
	Metrics    *Metrics      `json:"metrics,omitempty"`
	ChunkIndex *int          `json:"chunkIndex,omitempty"`
	Slow       bool          `json:"slow,omitempty"`
	HeadBlock  uint64        `json:"headBlock,omitempty"`
	Error      *errors.Error `json:"error,omitempty"`
	TS         time.Time     `json:"ts"`
}

// NewProgressEvent builds a progress frame stamped with the current time
func NewProgressEvent(kind EventKind, sessionID string) *ProgressEvent {
	return &ProgressEvent{
		Kind:      kind,
		SessionID: sessionID,
		TS:        time.Now().UTC(),
	}
}
