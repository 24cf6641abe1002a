package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/RevCBH/winforge/internal/action"
	"github.com/RevCBH/winforge/internal/checkpoint"
	"github.com/RevCBH/winforge/internal/events"
	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/lock"
	"github.com/RevCBH/winforge/internal/mount"
	"github.com/RevCBH/winforge/internal/store"
)

// Transaction is a snapshot of one coordinator's progress.
type Transaction struct {
	ID          string
	Image       image.Image
	Actions     []action.Action
	State       State
	Checkpoints []*checkpoint.Checkpoint
	StartedAt   time.Time
	EndedAt     time.Time
}

// RestoreReport describes which checkpoint a restore actually landed on.
type RestoreReport struct {
	Requested string
	Restored  string

	// Skipped lists checkpoints that failed verification, newest first
	Skipped []string

	// Degraded is set when the restore fell back past the requested checkpoint
	Degraded bool
}

// Coordinator owns one transaction and its mount from Begin to End.
// Its methods are meant to be called from a single goroutine; State and
// Snapshot may be read concurrently.
type Coordinator struct {
	eng    *Engine
	job    string
	logger *slog.Logger

	mu  sync.Mutex
	txn Transaction

	journaled bool
	lease     *lock.Lease
	lockedAt  time.Time
	driver    mount.Driver
	handle    *mount.Handle
	last      *checkpoint.Checkpoint
	applied   bool
	committed bool
	ended     bool
	outcome   State
	err       error
	failure   *ActionFailure
	skipped   []string
	restored  *checkpoint.Checkpoint
}

// ID returns the transaction ID.
func (c *Coordinator) ID() string {
	return c.txn.ID
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txn.State
}

// Snapshot returns a copy of the transaction.
func (c *Coordinator) Snapshot() Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.txn
	t.Actions = append([]action.Action(nil), c.txn.Actions...)
	t.Checkpoints = append([]*checkpoint.Checkpoint(nil), c.txn.Checkpoints...)
	return t
}

// Begin locks the image, mounts it and records the pristine root checkpoint.
func (c *Coordinator) Begin(ctx context.Context) error {
	if st := c.State(); st != StateIdle {
		return &TransitionError{From: st, To: StateMounting}
	}
	img := c.txn.Image
	now := time.Now()
	c.mu.Lock()
	c.txn.StartedAt = now
	c.mu.Unlock()

	c.eng.Metrics.TxnStarted(ctx, string(img.Format))
	err := c.eng.Store.CreateTxn(ctx, &store.TxnRecord{
		ID:         c.txn.ID,
		ImageID:    img.ID(),
		ImagePath:  img.Path,
		Format:     string(img.Format),
		ImageIndex: img.Index,
		State:      string(StateIdle),
		StartedAt:  now,
		OwnerPID:   os.Getpid(),
	})
	if err != nil {
		return c.fail(ctx, fmt.Errorf("journal transaction: %w", err))
	}
	c.journaled = true
	running.Store(c.txn.ID, struct{}{})

	driver, err := c.eng.Drivers.Lookup(img.Format)
	if err != nil {
		return c.fail(ctx, err)
	}
	c.driver = driver

	if holder := c.eng.Locks.Holder(img.ContainerKey()); holder != "" {
		c.logger.Info("waiting for image lock", "holder", holder)
		c.emit(events.NewEvent(events.TxnLockWait, c.job).
			WithPayload(map[string]any{"holder": holder}))
	}
	lease, err := c.eng.Locks.Acquire(ctx, img.ContainerKey(), c.txn.ID, c.eng.LockWait)
	if err != nil {
		return c.fail(ctx, err)
	}
	c.mu.Lock()
	c.lease = lease
	c.lockedAt = lease.AcquiredAt
	c.mu.Unlock()

	if err := c.transition(ctx, StateMounting); err != nil {
		return c.fail(ctx, err)
	}
	mountPoint := filepath.Join(c.eng.WorkDir, c.txn.ID)
	h, res := mount.MountWithRetry(ctx, driver, img, mountPoint, c.eng.Retry, c.logger,
		func(attempt int, err error) {
			c.eng.Metrics.MountRetried(ctx, string(img.Format))
			c.emit(events.NewEvent(events.TxnMountRetry, c.job).
				WithPayload(map[string]any{"attempt": attempt}).
				WithError(err))
		})
	if !res.Success {
		return c.fail(ctx, res.LastErr)
	}
	c.handle = h

	if c.eng.Generations != nil {
		if err := c.eng.Generations.Stamp(ctx, h); err != nil {
			return c.fail(ctx, err)
		}
	}
	if err := c.eng.Store.SetTxnMount(ctx, c.txn.ID, h.MountPoint, h.Generation, 0); err != nil {
		c.logger.Error("persist mount point", "err", err)
	}
	c.logger.Info("image mounted",
		"mount_point", h.MountPoint, "driver", h.Driver, "generation", h.Generation,
		"attempts", res.Attempts)
	c.emit(events.NewEvent(events.TxnMounted, c.job).WithPayload(map[string]any{
		"mount_point": h.MountPoint,
		"driver":      h.Driver,
		"generation":  h.Generation,
	}))

	if _, err := c.checkpoint(ctx, "pristine"); err != nil {
		return c.fail(ctx, fmt.Errorf("root checkpoint: %w", err))
	}
	return c.transition(ctx, StateMounted)
}

// Apply runs actions in order against the mount. The first failing or
// panicking action stops the sequence, the mount is rolled back to the most
// recent valid checkpoint and discarded, and an *ActionFailure is returned.
// A cancelled ctx between actions is treated as a rollback request.
func (c *Coordinator) Apply(ctx context.Context, actions []action.Action) error {
	if st := c.State(); st != StateMounted {
		return &TransitionError{From: st, To: StateApplying}
	}
	c.mu.Lock()
	c.txn.Actions = actions
	c.mu.Unlock()
	if err := c.eng.Store.SetTxnMount(ctx, c.txn.ID, c.handle.MountPoint, c.handle.Generation, len(actions)); err != nil {
		c.logger.Error("persist action count", "err", err)
	}
	if err := c.transition(ctx, StateApplying); err != nil {
		return err
	}

	every := max(c.eng.CheckpointEvery, 1)
	pending := 0
	for i, a := range actions {
		idx := i + 1
		if err := ctx.Err(); err != nil {
			return c.abort(ctx, fmt.Errorf("cancelled before action #%d: %w", idx, err))
		}

		c.emit(events.NewEvent(events.ActionStarted, c.job).WithAction(idx).
			WithPayload(map[string]any{"name": a.Name(), "idempotent": a.Idempotent()}))
		start := time.Now()
		if err := safeApply(ctx, a, c.handle.MountPoint); err != nil {
			af := &ActionFailure{Index: idx, Name: a.Name(), Err: err}
			c.mu.Lock()
			c.failure = af
			c.mu.Unlock()
			c.logger.Warn("action failed", "action", idx, "name", a.Name(), "err", err)
			c.emit(events.NewEvent(events.ActionFailed, c.job).WithAction(idx).
				WithPayload(map[string]any{"name": a.Name()}).
				WithError(err))
			return c.abort(ctx, af)
		}
		c.emit(events.NewEvent(events.ActionCompleted, c.job).WithAction(idx).
			WithPayload(map[string]any{"name": a.Name(), "duration_ms": time.Since(start).Milliseconds()}))

		pending++
		if pending == every || idx == len(actions) {
			if _, err := c.checkpoint(ctx, fmt.Sprintf("after #%d %s", idx, a.Name())); err != nil {
				return c.abort(ctx, fmt.Errorf("checkpoint after action #%d: %w", idx, err))
			}
			pending = 0
		}
	}

	c.mu.Lock()
	c.applied = true
	c.mu.Unlock()
	return nil
}

// Commit writes the mount back to the image. Allowed from Mounted or after a
// successful Apply. A failed commit leaves the transaction Failed with the
// mount discarded and returns *mount.CommitError.
func (c *Coordinator) Commit(ctx context.Context) error {
	c.mu.Lock()
	st, applied := c.txn.State, c.applied
	c.mu.Unlock()
	if st != StateMounted && !(st == StateApplying && applied) {
		return &TransitionError{From: st, To: StateCommitting}
	}
	if err := c.transition(ctx, StateCommitting); err != nil {
		return err
	}

	// Once started, a commit runs to completion even if ctx is cancelled.
	cctx, cancel := c.eng.cleanupContext(ctx)
	defer cancel()

	if c.eng.Generations != nil {
		stale, err := c.eng.Generations.IsStale(cctx, c.handle)
		if err != nil {
			c.logger.Warn("generation check failed", "err", err)
		} else if stale {
			return c.fail(cctx, &mount.CommitError{Image: c.txn.Image.String(), Err: mount.ErrStaleHandle})
		}
	}

	if err := c.driver.Unmount(cctx, c.handle, true); err != nil {
		var ce *mount.CommitError
		if errors.As(err, &ce) {
			c.handle = nil
		} else {
			err = &mount.CommitError{Image: c.txn.Image.String(), Err: err}
		}
		c.logger.Error("commit failed", "err", err)
		return c.fail(cctx, err)
	}
	c.handle = nil
	c.mu.Lock()
	c.committed = true
	c.mu.Unlock()
	c.logger.Info("image committed")
	return c.transition(cctx, StateCommitted)
}

// Rollback aborts the transaction: the mount is restored to its most recent
// valid checkpoint and discarded.
func (c *Coordinator) Rollback(ctx context.Context) error {
	if st := c.State(); st != StateMounted && st != StateApplying {
		return &TransitionError{From: st, To: StateRollingBack}
	}
	return c.rollback(ctx, ErrAborted)
}

// RestoreCheckpoint reconciles the mount to checkpoint id. If id does not
// verify, the nearest verified ancestor is used and the report is Degraded.
// If nothing verifies the transaction fails and the mount is discarded.
func (c *Coordinator) RestoreCheckpoint(ctx context.Context, id string) (RestoreReport, error) {
	if st := c.State(); st != StateMounted && st != StateApplying {
		return RestoreReport{}, fmt.Errorf("%w: restore requested in state %s", ErrInvalidTransition, st)
	}
	cp, err := c.eng.Checkpoints.Get(ctx, id)
	if err != nil {
		return RestoreReport{}, err
	}
	if cp.TxnID != c.txn.ID {
		return RestoreReport{}, fmt.Errorf("%w: %s", checkpoint.ErrForeignParent, id)
	}
	rep, err := c.restoreVerified(ctx, id)
	if err != nil {
		return rep, c.fail(ctx, err)
	}
	return rep, nil
}

// End finishes the transaction whatever state it is in: a live mount is
// rolled back, the checkpoint namespace is sealed, the lock released and the
// outcome journaled. Safe to call more than once.
func (c *Coordinator) End(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	c.mu.Unlock()

	cctx, cancel := c.eng.cleanupContext(ctx)
	defer cancel()
	defer c.lease.Release()

	var errs []error
	switch c.State() {
	case StateIdle:
		return nil
	case StateMounted, StateApplying:
		if err := c.rollback(cctx, ErrAborted); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.discardMount(cctx); err != nil {
		errs = append(errs, err)
	}

	if c.journaled {
		if err := c.eng.Checkpoints.Seal(cctx, c.txn.ID); err != nil {
			c.logger.Error("seal checkpoints", "err", err)
			errs = append(errs, fmt.Errorf("seal checkpoints: %w", err))
		}
	}

	outcome := c.State()
	if outcome == StateCommitted || outcome == StateRolledBack {
		if err := c.transition(cctx, StateUnmounted); err != nil {
			errs = append(errs, err)
		}
	}

	ended := time.Now()
	c.mu.Lock()
	c.outcome = outcome
	c.txn.EndedAt = ended
	res := c.resultLocked()
	c.mu.Unlock()

	if c.journaled {
		defer running.Delete(c.txn.ID)
		out := store.TxnOutcome{FailedAction: res.FailedAction, FailedActionName: res.FailedActionName}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		if err := c.eng.Store.FinishTxn(cctx, c.txn.ID, string(outcome), out); err != nil {
			c.logger.Error("journal outcome", "err", err)
			errs = append(errs, fmt.Errorf("journal outcome: %w", err))
		}
	}

	c.eng.Metrics.TxnFinished(cctx, string(c.txn.Image.Format), string(outcome), res.Duration())
	c.emit(finalEvent(c.job, res))
	c.logger.Info("transaction ended",
		"state", outcome, "committed", res.Committed, "checkpoints", res.Checkpoints,
		"duration", res.Duration())
	return errors.Join(errs...)
}

// Run drives the whole lifecycle: Begin, Apply, then Commit, or a rollback
// when ctx was cancelled, and finally End.
func (c *Coordinator) Run(ctx context.Context, actions []action.Action) Result {
	if err := c.Begin(ctx); err == nil {
		if err := c.Apply(ctx, actions); err == nil {
			if cerr := ctx.Err(); cerr != nil {
				_ = c.abort(ctx, fmt.Errorf("cancelled before commit: %w", cerr))
			} else {
				_ = c.Commit(ctx)
			}
		}
	}
	if err := c.End(ctx); err != nil {
		c.logger.Warn("end transaction", "err", err)
	}
	return c.Result()
}

// abort rolls back on behalf of cause and returns the error to report.
func (c *Coordinator) abort(ctx context.Context, cause error) error {
	if err := c.rollback(ctx, cause); err != nil {
		return err
	}
	return cause
}

// rollback restores the newest valid checkpoint and discards the mount.
// It returns nil when the transaction ended RolledBack.
func (c *Coordinator) rollback(ctx context.Context, cause error) error {
	c.setErr(cause)
	if err := c.transition(ctx, StateRollingBack); err != nil {
		return err
	}
	cctx, cancel := c.eng.cleanupContext(ctx)
	defer cancel()

	c.logger.Info("rolling back", "cause", cause)
	if c.last != nil {
		if _, err := c.restoreVerified(cctx, c.last.ID); err != nil {
			return c.fail(cctx, errors.Join(cause, err))
		}
	}
	if err := c.discardMount(cctx); err != nil {
		return c.fail(cctx, errors.Join(cause, err))
	}
	return c.transition(cctx, StateRolledBack)
}

// restoreVerified walks from id toward the root and restores the first
// checkpoint that verifies.
func (c *Coordinator) restoreVerified(ctx context.Context, id string) (RestoreReport, error) {
	rep := RestoreReport{Requested: id}
	chain, err := c.eng.Checkpoints.Ancestors(ctx, id)
	if err != nil {
		return rep, err
	}

	var lastErr error
	for _, cp := range chain {
		err := c.eng.Checkpoints.Verify(ctx, cp.ID)
		if err == nil {
			err = c.eng.Checkpoints.Restore(ctx, cp.ID, c.handle.MountPoint)
		}
		if err != nil {
			if !errors.Is(err, checkpoint.ErrCorrupt) {
				return rep, fmt.Errorf("restore checkpoint %s: %w", cp.ID, err)
			}
			lastErr = err
			rep.Skipped = append(rep.Skipped, cp.ID)
			c.logger.Warn("checkpoint failed verification", "checkpoint", cp.ID, "seq", cp.Seq, "err", err)
			c.emit(events.NewEvent(events.CheckpointCorrupt, c.job).
				WithPayload(map[string]any{"checkpoint": cp.ID, "seq": cp.Seq}).
				WithError(err))
			continue
		}

		rep.Restored = cp.ID
		rep.Degraded = len(rep.Skipped) > 0
		c.mu.Lock()
		c.last = cp
		c.restored = cp
		c.skipped = append(c.skipped, rep.Skipped...)
		c.mu.Unlock()
		c.logger.Info("checkpoint restored", "checkpoint", cp.ID, "seq", cp.Seq, "degraded", rep.Degraded)
		c.emit(events.NewEvent(events.CheckpointRestored, c.job).WithPayload(map[string]any{
			"checkpoint": cp.ID,
			"seq":        cp.Seq,
			"requested":  id,
			"degraded":   rep.Degraded,
			"skipped":    rep.Skipped,
		}))
		return rep, nil
	}

	c.mu.Lock()
	c.skipped = append(c.skipped, rep.Skipped...)
	c.mu.Unlock()
	return rep, fmt.Errorf("%w from %s (skipped %s): %w",
		ErrNoValidCheckpoint, id, strings.Join(rep.Skipped, ", "), lastErr)
}

// checkpoint records the mount as a child of the newest checkpoint.
func (c *Coordinator) checkpoint(ctx context.Context, label string) (*checkpoint.Checkpoint, error) {
	parent := ""
	if c.last != nil {
		parent = c.last.ID
	}
	cp, err := c.eng.Checkpoints.Create(ctx, c.txn.ID, c.txn.Image, c.handle.MountPoint, parent, label)
	if err != nil {
		return nil, err
	}
	hdr := *cp
	hdr.Entries = nil

	c.mu.Lock()
	c.txn.Checkpoints = append(c.txn.Checkpoints, &hdr)
	c.last = &hdr
	c.mu.Unlock()

	c.eng.Metrics.CheckpointCreated(ctx, string(cp.Kind), cp.StoredBytes)
	c.emit(events.NewEvent(events.CheckpointCreated, c.job).WithPayload(map[string]any{
		"checkpoint":   cp.ID,
		"seq":          cp.Seq,
		"kind":         string(cp.Kind),
		"label":        label,
		"entries":      len(cp.Entries),
		"stored_bytes": cp.StoredBytes,
	}))
	return cp, nil
}

// fail records cause, discards any live mount and moves to Failed.
func (c *Coordinator) fail(ctx context.Context, cause error) error {
	c.setErr(cause)
	if err := c.discardMount(ctx); err != nil {
		c.setErr(errors.Join(cause, err))
	}
	if c.State() != StateFailed {
		if err := c.transition(ctx, StateFailed); err != nil {
			c.logger.Error("mark transaction failed", "err", err)
		}
	}
	return c.currentErr()
}

// discardMount unmounts without committing, if a mount is still held.
func (c *Coordinator) discardMount(ctx context.Context) error {
	if c.handle == nil {
		return nil
	}
	cctx, cancel := c.eng.cleanupContext(ctx)
	defer cancel()
	h := c.handle
	c.handle = nil
	if err := c.driver.Unmount(cctx, h, false); err != nil {
		c.logger.Error("discard unmount failed", "mount_point", h.MountPoint, "err", err)
		return fmt.Errorf("discard unmount: %w", err)
	}
	return nil
}

// transition validates, persists and publishes a state change.
func (c *Coordinator) transition(ctx context.Context, to State) error {
	c.mu.Lock()
	from := c.txn.State
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	c.txn.State = to
	c.mu.Unlock()

	if c.journaled {
		if err := c.eng.Store.UpdateTxnState(context.WithoutCancel(ctx), c.txn.ID, string(to)); err != nil {
			c.logger.Error("persist state", "state", to, "err", err)
		}
	}
	c.logger.Debug("state transition", "from", from, "to", to)
	c.emit(events.NewEvent(events.TxnStateChange, c.job).
		WithPayload(map[string]any{"from": string(from), "state": string(to)}))
	return nil
}

func (c *Coordinator) emit(e events.Event) {
	c.eng.Bus.Emit(e.WithTxn(c.txn.ID))
}

func (c *Coordinator) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Coordinator) currentErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// safeApply converts an action panic into an error.
func safeApply(ctx context.Context, a action.Action, mountPoint string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return a.Apply(ctx, mountPoint)
}
