package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/logging"
)

// forceDiscardTimeout bounds the discard issued after a timed out call when
// no unmount timeout is configured.
const forceDiscardTimeout = 5 * time.Minute

// timedDriver bounds every call of the wrapped driver with a deadline.
type timedDriver struct {
	Driver
	mountTimeout   time.Duration
	unmountTimeout time.Duration
	logger         *slog.Logger
}

// WithTimeouts wraps d so that Mount and Unmount are cut off after the given
// durations. A timed out call is followed by a forced discard unmount before
// the *MountError is returned. Zero disables the respective deadline.
func WithTimeouts(d Driver, mount, unmount time.Duration, logger *slog.Logger) Driver {
	if mount <= 0 && unmount <= 0 {
		return d
	}
	return &timedDriver{Driver: d, mountTimeout: mount, unmountTimeout: unmount, logger: logging.OrNop(logger)}
}

func (t *timedDriver) Mount(ctx context.Context, img image.Image, dir string) (*Handle, error) {
	if t.mountTimeout <= 0 {
		return t.Driver.Mount(ctx, img, dir)
	}
	mctx, cancel := context.WithTimeout(ctx, t.mountTimeout)
	defer cancel()

	h, err := t.Driver.Mount(mctx, img, dir)
	if err == nil {
		return h, nil
	}
	if !timedOut(ctx, mctx) {
		return nil, err
	}

	derr := t.forceDiscard(ctx, &Handle{Image: img, MountPoint: dir, Driver: t.Name()})
	return nil, &MountError{
		Op:    "mount",
		Image: img.Name(),
		Err:   errors.Join(fmt.Errorf("%w after %s", ErrTimeout, t.mountTimeout), derr),
	}
}

func (t *timedDriver) Unmount(ctx context.Context, h *Handle, commit bool) error {
	if t.unmountTimeout <= 0 {
		return t.Driver.Unmount(ctx, h, commit)
	}
	uctx, cancel := context.WithTimeout(ctx, t.unmountTimeout)
	defer cancel()

	err := t.Driver.Unmount(uctx, h, commit)
	if err == nil || !timedOut(ctx, uctx) {
		return err
	}

	timeoutErr := &MountError{
		Op:    "unmount",
		Image: h.Image.Name(),
		Err:   fmt.Errorf("%w after %s", ErrTimeout, t.unmountTimeout),
	}
	derr := t.forceDiscard(ctx, h)
	if commit {
		return &CommitError{Image: h.Image.Name(), Err: timeoutErr, DiscardErr: derr}
	}
	if derr != nil {
		timeoutErr.Err = errors.Join(timeoutErr.Err, derr)
	}
	return timeoutErr
}

func (t *timedDriver) forceDiscard(ctx context.Context, h *Handle) error {
	timeout := t.unmountTimeout
	if timeout <= 0 {
		timeout = forceDiscardTimeout
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	t.logger.Warn("forcing discard after timeout", "image", h.Image.Name(), "mount_point", h.MountPoint)
	return t.Driver.Unmount(dctx, h, false)
}

// timedOut reports whether the inner deadline fired while the caller's
// context was still live.
func timedOut(parent, inner context.Context) bool {
	return errors.Is(inner.Err(), context.DeadlineExceeded) && parent.Err() == nil
}
