package events

import (
	"fmt"
	"strings"
	"time"
)

// Event represents a single occurrence in a batch or transaction lifecycle
type Event struct {
	// Time is when the event occurred (set by bus on emit)
	Time time.Time `json:"time"`

	// Type identifies what happened
	Type EventType `json:"type"`

	// Job is the image label this event relates to (empty for batch events)
	Job string `json:"job,omitempty"`

	// Txn is the transaction ID (empty before a transaction exists)
	Txn string `json:"txn,omitempty"`

	// Action is the 1-based action index (nil if not action-related)
	Action *int `json:"action,omitempty"`

	// Payload contains event-specific data
	Payload map[string]any `json:"payload,omitempty"`

	// Error contains error message if this is a failure event
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category
type EventType string

// Batch lifecycle events
const (
	BatchStarted   EventType = "batch.started"
	BatchCompleted EventType = "batch.completed"
	BatchCancelled EventType = "batch.cancelled"
)

// Transaction lifecycle events
const (
	TxnQueued      EventType = "txn.queued"
	TxnStateChange EventType = "txn.state"
	TxnMounted     EventType = "txn.mounted"
	TxnCommitted   EventType = "txn.committed"
	TxnRolledBack  EventType = "txn.rolledback"
	TxnFailed      EventType = "txn.failed"
	TxnLockWait    EventType = "txn.lock.wait"
	TxnMountRetry  EventType = "txn.mount.retry"
)

// Action events
const (
	ActionStarted   EventType = "action.started"
	ActionCompleted EventType = "action.completed"
	ActionFailed    EventType = "action.failed"
)

// Checkpoint events
const (
	CheckpointCreated  EventType = "checkpoint.created"
	CheckpointRestored EventType = "checkpoint.restored"
	CheckpointCorrupt  EventType = "checkpoint.corrupt"
)

// NewEvent creates an event with the given type and job label
func NewEvent(eventType EventType, job string) Event {
	return Event{
		Type: eventType,
		Job:  job,
	}
}

// WithTxn returns a copy of the event with the transaction ID set
func (e Event) WithTxn(id string) Event {
	e.Txn = id
	return e
}

// WithAction returns a copy of the event with the action index set
func (e Event) WithAction(index int) Event {
	e.Action = &index
	return e
}

// WithPayload returns a copy of the event with the payload set
func (e Event) WithPayload(payload map[string]any) Event {
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure returns true if this is a failure event type
func (e Event) IsFailure() bool {
	return strings.HasSuffix(string(e.Type), ".failed") || e.Type == CheckpointCorrupt
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.Job != "" {
		parts = append(parts, e.Job)
	}
	if e.Action != nil {
		parts = append(parts, fmt.Sprintf("action=#%d", *e.Action))
	}
	if state, ok := e.Payload["state"].(string); ok {
		parts = append(parts, "state="+state)
	}

	return strings.Join(parts, " ")
}
