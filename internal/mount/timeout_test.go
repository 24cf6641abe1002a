package mount

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeoutsMountForcesDiscard(t *testing.T) {
	var (
		mu       sync.Mutex
		discards int
	)
	d := &scriptedDriver{
		delay: time.Second,
		unmount: func(h *Handle, commit bool) error {
			mu.Lock()
			defer mu.Unlock()
			if !commit {
				discards++
			}
			return nil
		},
	}
	td := WithTimeouts(d, 10*time.Millisecond, time.Second, nil)

	_, err := td.Mount(context.Background(), testImage(t), "mnt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrMount)
	assert.Equal(t, 1, discards)
}

func TestWithTimeoutsParentCancelIsNotTimeout(t *testing.T) {
	d := &scriptedDriver{delay: time.Second}
	td := WithTimeouts(d, time.Minute, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := td.Mount(ctx, testImage(t), "mnt")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestWithTimeoutsCommitTimeout(t *testing.T) {
	var commits, discards int
	d := &scriptedDriver{
		unmount: func(h *Handle, commit bool) error {
			if commit {
				commits++
				time.Sleep(50 * time.Millisecond)
				return context.DeadlineExceeded
			}
			discards++
			return nil
		},
	}
	td := WithTimeouts(d, 0, 10*time.Millisecond, nil)

	err := td.Unmount(context.Background(), &Handle{Image: testImage(t), MountPoint: "mnt"}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommit)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, discards)
}

func TestWithTimeoutsDisabled(t *testing.T) {
	d := &scriptedDriver{}
	assert.Same(t, Driver(d), WithTimeouts(d, 0, 0, nil))
}
