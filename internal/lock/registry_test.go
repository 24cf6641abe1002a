package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	lease, err := reg.Acquire(ctx, "img#1", "txn-a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "txn-a", reg.Holder("img#1"))
	require.Len(t, reg.Held(), 1)

	lease.Release()
	lease.Release()
	assert.Equal(t, "", reg.Holder("img#1"))
	assert.Empty(t, reg.Held())
	assert.Empty(t, reg.entries)
}

func TestAcquireTimeoutReportsHolder(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	lease, err := reg.Acquire(ctx, "img#1", "txn-a", 0)
	require.NoError(t, err)
	defer lease.Release()

	_, err = reg.Acquire(ctx, "img#1", "txn-b", 20*time.Millisecond)
	require.Error(t, err)

	var lte *LockTimeoutError
	require.True(t, errors.As(err, &lte))
	assert.Equal(t, "txn-a", lte.Holder)
	assert.Equal(t, "txn-b", lte.Owner)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestTryLock(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	lease, err := reg.Acquire(ctx, "k", "a", 0)
	require.NoError(t, err)

	_, err = reg.Acquire(ctx, "k", "b", 0)
	assert.ErrorIs(t, err, ErrLockTimeout)

	lease.Release()
	lease2, err := reg.Acquire(ctx, "k", "b", 0)
	require.NoError(t, err)
	lease2.Release()
}

func TestAcquireWaitsForRelease(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	lease, err := reg.Acquire(ctx, "k", "a", 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.Release()
	}()

	lease2, err := reg.Acquire(ctx, "k", "b", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", reg.Holder("k"))
	lease2.Release()
}

func TestAcquireContextCancelled(t *testing.T) {
	reg := NewRegistry()
	lease, err := reg.Acquire(context.Background(), "k", "a", 0)
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = reg.Acquire(ctx, "k", "b", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "a", reg.Holder("k"))
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	a, err := reg.Acquire(ctx, "one", "a", 0)
	require.NoError(t, err)
	b, err := reg.Acquire(ctx, "two", "b", 0)
	require.NoError(t, err)
	a.Release()
	b.Release()
}

func TestMutualExclusion(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := reg.Acquire(ctx, "shared", "w", 10*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			lease.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Empty(t, reg.entries)
}

func TestNilLeaseRelease(t *testing.T) {
	var l *Lease
	assert.NotPanics(t, func() { l.Release() })
}
