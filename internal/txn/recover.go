package txn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/RevCBH/winforge/internal/events"
	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/lock"
	"github.com/RevCBH/winforge/internal/logging"
	"github.com/RevCBH/winforge/internal/mount"
	"github.com/RevCBH/winforge/internal/store"
)

// Recovered describes one transaction closed by Recover.
type Recovered struct {
	TxnID      string
	ImageID    string
	MountPoint string
	PriorState State
	FinalState State

	// DiscardErr is set when the leftover mount could not be removed
	DiscardErr error
}

// running holds the IDs of journaled transactions this process has not
// ended yet, across every Engine.
var running sync.Map

// Recover closes transactions a previous process left unfinished. Live
// mounts are force-discarded, the transactions are marked Failed with
// "interrupted", and the image generation is bumped so any surviving handle
// is stale. Transactions that had already committed or rolled back are
// finished with that outcome.
//
// Rows still owned by a running process, this one included, are left alone.
func (e *Engine) Recover(ctx context.Context) ([]Recovered, error) {
	logger := logging.OrNop(e.Logger)
	open, err := e.Store.ListOpenTxns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}

	var out []Recovered
	var errs []error
	for _, rec := range open {
		if e.ownerRunning(rec) {
			logger.Debug("transaction owned by a running process", "txn", rec.ID, "pid", rec.OwnerPID)
			continue
		}
		r, err := e.recoverOne(ctx, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", rec.ID, err))
		}
		out = append(out, r)
		logger.Info("recovered transaction",
			"txn", r.TxnID, "image", r.ImageID, "prior_state", r.PriorState, "state", r.FinalState)
	}
	return out, errors.Join(errs...)
}

// ownerRunning reports whether rec belongs to a live transaction. A row
// naming this process but unknown to it was left by an earlier process that
// happened to have the same pid.
func (e *Engine) ownerRunning(rec *store.TxnRecord) bool {
	if _, ok := running.Load(rec.ID); ok {
		return true
	}
	if rec.OwnerPID <= 0 || rec.OwnerPID == os.Getpid() {
		return false
	}
	alive := e.ProcessAlive
	if alive == nil {
		alive = lock.ProcessAlive
	}
	return alive(rec.OwnerPID)
}

func (e *Engine) recoverOne(ctx context.Context, rec *store.TxnRecord) (Recovered, error) {
	logger := logging.OrNop(e.Logger).With("txn", rec.ID)
	prior, err := ParseState(rec.State)
	if err != nil {
		prior = StateFailed
	}
	r := Recovered{
		TxnID:      rec.ID,
		ImageID:    rec.ImageID,
		MountPoint: rec.MountPoint,
		PriorState: prior,
		FinalState: StateFailed,
	}

	out := store.TxnOutcome{
		FailedAction:     rec.FailedAction,
		FailedActionName: rec.FailedActionName,
		Error:            ErrInterrupted.Error(),
	}
	switch {
	case prior == StateCommitted || prior == StateRolledBack:
		r.FinalState = prior
		out.Error = rec.Error
	case prior.HoldsMount() && rec.MountPoint != "":
		r.DiscardErr = e.forceDiscard(ctx, rec)
		if r.DiscardErr != nil {
			logger.Error("discard leftover mount", "mount_point", rec.MountPoint, "err", r.DiscardErr)
		}
	}

	if e.Generations != nil {
		if _, err := e.Generations.Bump(ctx, rec.ImageID); err != nil {
			return r, err
		}
	}
	if e.Checkpoints != nil {
		if err := e.Checkpoints.Seal(ctx, rec.ID); err != nil {
			logger.Warn("seal checkpoints", "err", err)
		}
	}
	if err := e.Store.FinishTxn(ctx, rec.ID, string(r.FinalState), out); err != nil {
		return r, err
	}

	e.Bus.Emit(events.NewEvent(events.TxnStateChange, "").WithTxn(rec.ID).WithPayload(map[string]any{
		"from":      string(prior),
		"state":     string(r.FinalState),
		"recovered": true,
	}))
	return r, nil
}

// forceDiscard unmounts a leftover mount point without committing.
func (e *Engine) forceDiscard(ctx context.Context, rec *store.TxnRecord) error {
	format, err := image.ParseFormat(rec.Format)
	if err != nil {
		return err
	}
	img := image.Image{Path: rec.ImagePath, Format: format, Index: rec.ImageIndex}
	d, err := e.Drivers.Lookup(format)
	if err != nil {
		return err
	}
	h := &mount.Handle{
		Image:      img,
		MountPoint: rec.MountPoint,
		Driver:     d.Name(),
		Generation: rec.Generation,
	}
	cctx, cancel := e.cleanupContext(ctx)
	defer cancel()
	return d.Unmount(cctx, h, false)
}
