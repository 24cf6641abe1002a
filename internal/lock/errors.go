package lock

import (
	"errors"
	"fmt"
	"time"
)

// ErrLockTimeout indicates another transaction held the image past the wait
var ErrLockTimeout = errors.New("mount lock wait exceeded")

// LockTimeoutError reports which owner blocked an acquire and for how long
// the caller waited.
type LockTimeoutError struct {
	Key    string
	Owner  string
	Holder string
	Wait   time.Duration
}

func (e *LockTimeoutError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock %s: held by %s, gave up after %s", e.Key, e.Holder, e.Wait)
	}
	return fmt.Sprintf("lock %s: gave up after %s", e.Key, e.Wait)
}

func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}
