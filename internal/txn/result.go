package txn

import (
	"time"

	"github.com/RevCBH/winforge/internal/events"
	"github.com/RevCBH/winforge/internal/image"
)

// Result is the outcome of one transaction.
type Result struct {
	TxnID      string
	Image      image.Image
	FinalState State
	Committed  bool

	// FailedAction is the 1-based index of the failing action, 0 if none
	FailedAction     int
	FailedActionName string
	Err              error

	Checkpoints        int
	Degraded           bool
	SkippedCheckpoints []string

	// RestoredCheckpoint is the checkpoint the mount was last restored
	// to before rollback discarded it. Empty when nothing was restored.
	RestoredCheckpoint string
	RestoredSeq        int

	StartedAt time.Time
	// LockedAt is when the image lock was granted
	LockedAt time.Time
	EndedAt  time.Time
}

// Duration is the wall time between Begin and End.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Result reports the transaction outcome. FinalState is Committed,
// RolledBack or Failed once End has run.
func (c *Coordinator) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resultLocked()
}

func (c *Coordinator) resultLocked() Result {
	final := c.outcome
	if final == "" {
		final = c.txn.State
	}
	r := Result{
		TxnID:              c.txn.ID,
		Image:              c.txn.Image,
		FinalState:         final,
		Committed:          c.committed,
		Err:                c.err,
		Checkpoints:        len(c.txn.Checkpoints),
		Degraded:           len(c.skipped) > 0,
		SkippedCheckpoints: append([]string(nil), c.skipped...),
		StartedAt:          c.txn.StartedAt,
		LockedAt:           c.lockedAt,
		EndedAt:            c.txn.EndedAt,
	}
	if c.restored != nil {
		r.RestoredCheckpoint = c.restored.ID
		r.RestoredSeq = c.restored.Seq
	}
	if c.failure != nil {
		r.FailedAction = c.failure.Index
		r.FailedActionName = c.failure.Name
	}
	return r
}

func finalEvent(job string, r Result) events.Event {
	typ := events.TxnFailed
	switch r.FinalState {
	case StateCommitted:
		typ = events.TxnCommitted
	case StateRolledBack:
		typ = events.TxnRolledBack
	}
	payload := map[string]any{
		"state":       string(r.FinalState),
		"committed":   r.Committed,
		"checkpoints": r.Checkpoints,
		"duration_ms": r.Duration().Milliseconds(),
	}
	if r.FailedAction > 0 {
		payload["failed_action"] = r.FailedAction
		payload["failed_action_name"] = r.FailedActionName
	}
	if r.RestoredCheckpoint != "" {
		payload["restored_checkpoint"] = r.RestoredCheckpoint
		payload["restored_seq"] = r.RestoredSeq
	}
	if r.Degraded {
		payload["degraded"] = true
	}
	e := events.NewEvent(typ, job).WithPayload(payload)
	if r.FinalState != StateCommitted {
		e = e.WithError(r.Err)
	}
	return e
}
