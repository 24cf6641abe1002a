package batch

import (
	"time"

	"github.com/samber/lo"

	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/txn"
)

// StateCancelled marks a job that was never dispatched.
const StateCancelled txn.State = "cancelled"

// Status summarizes a batch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
)

// Entry is the outcome of one job.
type Entry struct {
	// Index is the job's position in the submitted slice
	Index int
	Label string
	Image image.Image
	TxnID string

	FinalState       txn.State
	Committed        bool
	FailedAction     int
	FailedActionName string
	Error            error

	Checkpoints int
	Degraded    bool
	// RestoredCheckpoint is the checkpoint rollback restored, if any
	RestoredCheckpoint string
	RestoredSeq        int

	StartedAt time.Time
	// LockedAt is when the job obtained exclusive use of its image
	LockedAt time.Time
	EndedAt  time.Time
	Duration time.Duration
}

// Result holds one entry per submitted job, in submission order.
type Result struct {
	Entries []Entry
	Status  Status
}

// Failed returns the entries that did not commit.
func (r *Result) Failed() []Entry {
	return lo.Filter(r.Entries, func(e Entry, _ int) bool {
		return !e.Committed
	})
}

// Committed counts the entries that committed.
func (r *Result) Committed() int {
	return lo.CountBy(r.Entries, func(e Entry) bool { return e.Committed })
}

// Err returns *PartialBatchFailure unless every job committed.
func (r *Result) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return &PartialBatchFailure{Total: len(r.Entries), Failed: failed}
}

func entryFromResult(index int, label string, res txn.Result) Entry {
	return Entry{
		Index:              index,
		Label:              label,
		Image:              res.Image,
		TxnID:              res.TxnID,
		FinalState:         res.FinalState,
		Committed:          res.Committed,
		FailedAction:       res.FailedAction,
		FailedActionName:   res.FailedActionName,
		Error:              res.Err,
		Checkpoints:        res.Checkpoints,
		Degraded:           res.Degraded,
		RestoredCheckpoint: res.RestoredCheckpoint,
		RestoredSeq:        res.RestoredSeq,
		StartedAt:          res.StartedAt,
		LockedAt:           res.LockedAt,
		EndedAt:            res.EndedAt,
		Duration:           res.Duration(),
	}
}

func statusOf(entries []Entry) Status {
	if lo.EveryBy(entries, func(e Entry) bool { return e.Committed }) {
		return StatusSuccess
	}
	return StatusPartial
}
