package mount

import (
	"errors"
	"fmt"
)

var (
	// ErrMount matches every *MountError via errors.Is
	ErrMount = errors.New("mount failed")

	// ErrCommit matches every *CommitError via errors.Is
	ErrCommit = errors.New("commit failed")

	// ErrToolMissing indicates the driver's external tool is not on PATH
	ErrToolMissing = errors.New("mount tool not found")

	// ErrImageMissing indicates the image file does not exist
	ErrImageMissing = errors.New("image not found")

	// ErrInsufficientSpace indicates the work volume is below the free-space floor
	ErrInsufficientSpace = errors.New("insufficient free space")

	// ErrTimeout indicates a mount or unmount call exceeded its deadline
	ErrTimeout = errors.New("mount operation timed out")

	// ErrNoDriver indicates no driver is registered for a format
	ErrNoDriver = errors.New("no driver for format")

	// ErrStaleHandle indicates a handle from an older mount generation
	ErrStaleHandle = errors.New("stale mount handle")
)

// MountError reports a failed mount or unmount. Transient errors (OS lock
// contention on the image or mount directory) may be retried by the caller.
type MountError struct {
	Op        string
	Image     string
	Tool      string
	Transient bool
	Err       error
}

func (e *MountError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Image)
	if e.Tool != "" {
		msg += " (" + e.Tool + ")"
	}
	if e.Transient {
		msg += " [transient]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MountError) Unwrap() error {
	return e.Err
}

func (e *MountError) Is(target error) bool {
	return target == ErrMount
}

// CommitError reports a commit that did not persist. DiscardErr is set if the
// follow-up discard unmount failed too.
type CommitError struct {
	Image      string
	Err        error
	DiscardErr error
}

func (e *CommitError) Error() string {
	msg := fmt.Sprintf("commit %s: %v", e.Image, e.Err)
	if e.DiscardErr != nil {
		msg += fmt.Sprintf(" (discard also failed: %v)", e.DiscardErr)
	}
	return msg
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func (e *CommitError) Is(target error) bool {
	return target == ErrCommit
}

// IsTransient reports whether err is a mount failure worth retrying.
func IsTransient(err error) bool {
	var me *MountError
	return errors.As(err, &me) && me.Transient
}
