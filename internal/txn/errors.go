package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrActionFailed matches every *ActionFailure via errors.Is
	ErrActionFailed = errors.New("action failed")

	// ErrInvalidTransition indicates an operation called in the wrong state
	ErrInvalidTransition = errors.New("invalid transaction state transition")

	// ErrNoValidCheckpoint indicates that every checkpoint on the restore path failed verification
	ErrNoValidCheckpoint = errors.New("no valid checkpoint to restore")

	// ErrAborted is the cause recorded for an explicit Rollback
	ErrAborted = errors.New("transaction aborted")

	// ErrInterrupted is recorded for transactions found unfinished at startup
	ErrInterrupted = errors.New("interrupted")
)

// ActionFailure reports the action that stopped a transaction.
type ActionFailure struct {
	// Index is 1-based
	Index int
	Name  string
	Err   error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("action #%d (%s) failed: %v", e.Index, e.Name, e.Err)
}

func (e *ActionFailure) Unwrap() error {
	return e.Err
}

func (e *ActionFailure) Is(target error) bool {
	return target == ErrActionFailed
}

// TransitionError reports an operation that is not allowed in the current state.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move transaction from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// PanicError wraps a value recovered from a panicking action.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
