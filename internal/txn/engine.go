// Package txn drives one image through mount, ordered action application,
// checkpointing, and commit or rollback, with a journaled state machine.
package txn

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/RevCBH/winforge/internal/checkpoint"
	"github.com/RevCBH/winforge/internal/events"
	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/lock"
	"github.com/RevCBH/winforge/internal/logging"
	"github.com/RevCBH/winforge/internal/metrics"
	"github.com/RevCBH/winforge/internal/mount"
	"github.com/RevCBH/winforge/internal/store"
)

// DefaultCleanupTimeout bounds rollback and unmount work that runs after the
// caller's context is gone.
const DefaultCleanupTimeout = 30 * time.Minute

// Engine holds the shared collaborators every coordinator needs.
// One Engine serves all transactions of a process.
type Engine struct {
	Locks       *lock.Registry
	Drivers     *mount.Registry
	Checkpoints *checkpoint.Store
	Store       *store.DB
	Generations *mount.Generations
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// WorkDir is the parent of every per-transaction mount point
	WorkDir string

	// LockWait is how long Begin waits for another transaction on the same image
	LockWait time.Duration

	// CheckpointEvery creates an incremental checkpoint after this many actions
	CheckpointEvery int

	// Retry bounds transient mount retries
	Retry mount.RetryConfig

	// CleanupTimeout bounds rollback work run without the caller's context
	CleanupTimeout time.Duration

	// ProcessAlive reports whether the process owning a journal row still
	// runs. Nil means lock.ProcessAlive.
	ProcessAlive func(pid int) bool
}

// NewCoordinator creates an idle coordinator for img. job labels its events.
func (e *Engine) NewCoordinator(img image.Image, job string) *Coordinator {
	if job == "" {
		job = img.Name()
	}
	id := ulid.Make().String()
	return &Coordinator{
		eng:    e,
		job:    job,
		logger: logging.OrNop(e.Logger).With("txn", id, "image", img.Name()),
		txn: Transaction{
			ID:    id,
			Image: img,
			State: StateIdle,
		},
	}
}

func (e *Engine) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.CleanupTimeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
