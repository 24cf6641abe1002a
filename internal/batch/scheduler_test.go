package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/winforge/internal/action"
	"github.com/RevCBH/winforge/internal/checkpoint"
	"github.com/RevCBH/winforge/internal/events"
	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/lock"
	"github.com/RevCBH/winforge/internal/metrics"
	"github.com/RevCBH/winforge/internal/mount"
	"github.com/RevCBH/winforge/internal/store"
	"github.com/RevCBH/winforge/internal/testutil"
	"github.com/RevCBH/winforge/internal/txn"
)

func newEngine(t *testing.T) *txn.Engine {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cps, err := checkpoint.NewStore(db, checkpoint.Options{Root: filepath.Join(dir, "checkpoints"), HashWorkers: 2})
	require.NoError(t, err)

	bus := events.NewBus(1024)
	t.Cleanup(func() { bus.Close() })

	return &txn.Engine{
		Locks:           lock.NewRegistry(),
		Drivers:         mount.NewRegistry(mount.NewDirDriver(&mount.Preflight{Runner: testutil.NewStubRunner()})),
		Checkpoints:     cps,
		Store:           db,
		Generations:     mount.NewGenerations(db),
		Bus:             bus,
		Metrics:         metrics.Nop(),
		WorkDir:         filepath.Join(dir, "work"),
		LockWait:        10 * time.Second,
		CheckpointEvery: 1,
		Retry:           mount.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiply: 2},
	}
}

func newImage(t *testing.T, name string) image.Image {
	t.Helper()
	root := filepath.Join(t.TempDir(), name)
	testutil.WriteTree(t, root, map[string]string{
		"Windows/win.ini": "[fonts]",
		"Windows/Temp/":   "",
	})
	img, err := image.New(root, image.FormatDir, 1)
	require.NoError(t, err)
	return img
}

func writeActions(n int) []action.Action {
	out := make([]action.Action, n)
	for i := range out {
		name := fmt.Sprintf("step-%d", i+1)
		out[i] = action.New(name, true, func(_ context.Context, mnt string) error {
			return os.WriteFile(filepath.Join(mnt, "Windows", "Temp", name+".log"), []byte(name), 0o644)
		})
	}
	return out
}

func TestSubmitIsolatesFailures(t *testing.T) {
	eng := newEngine(t)
	imgs := []image.Image{newImage(t, "one"), newImage(t, "two"), newImage(t, "three")}
	before := testutil.Snapshot(t, imgs[1].Path)

	failing := writeActions(5)
	failing[2] = action.New("step-3", false, func(context.Context, string) error {
		return errors.New("driver package rejected")
	})
	jobs := []Job{
		{Image: imgs[0], Actions: writeActions(5)},
		{Image: imgs[1], Actions: failing},
		{Image: imgs[2], Actions: writeActions(5)},
	}

	res, err := New(eng).Submit(context.Background(), jobs, 3)
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 2, res.Committed())

	assert.True(t, res.Entries[0].Committed)
	assert.True(t, res.Entries[2].Committed)
	assert.FileExists(t, filepath.Join(imgs[0].Path, "Windows", "Temp", "step-5.log"))

	second := res.Entries[1]
	assert.Equal(t, txn.StateRolledBack, second.FinalState)
	assert.False(t, second.Committed)
	assert.Equal(t, 3, second.FailedAction)
	assert.Equal(t, "step-3", second.FailedActionName)
	assert.NotEmpty(t, second.RestoredCheckpoint)
	assert.Equal(t, 3, second.RestoredSeq)
	assert.Empty(t, res.Entries[0].RestoredCheckpoint)
	assert.Equal(t, before, testutil.Snapshot(t, imgs[1].Path))

	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Index)

	err = res.Err()
	var pbf *PartialBatchFailure
	require.True(t, errors.As(err, &pbf))
	assert.Equal(t, 3, pbf.Total)
	assert.ErrorIs(t, err, ErrPartialBatch)
	assert.ErrorIs(t, err, txn.ErrActionFailed)
	var af *txn.ActionFailure
	require.True(t, errors.As(err, &af))
	assert.Equal(t, 3, af.Index)
}

func TestSubmitAllCommitted(t *testing.T) {
	eng := newEngine(t)
	jobs := []Job{
		{Image: newImage(t, "a"), Actions: writeActions(2)},
		{Image: newImage(t, "b"), Actions: writeActions(2)},
	}
	res, err := New(eng).Submit(context.Background(), jobs, 4)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.NoError(t, res.Err())
	assert.Empty(t, res.Failed())
	for _, e := range res.Entries {
		assert.Equal(t, txn.StateCommitted, e.FinalState)
		assert.Equal(t, 3, e.Checkpoints)
		assert.NotEmpty(t, e.TxnID)
	}
}

func TestSubmitSerializesSameImage(t *testing.T) {
	eng := newEngine(t)
	img := newImage(t, "install")

	slow := func(tag string) []action.Action {
		return []action.Action{action.New("slow-"+tag, true, func(_ context.Context, mnt string) error {
			time.Sleep(50 * time.Millisecond)
			return os.WriteFile(filepath.Join(mnt, tag+".txt"), []byte(tag), 0o644)
		})}
	}
	jobs := []Job{
		{Image: img, Actions: slow("first"), Label: "first"},
		{Image: img, Actions: slow("second"), Label: "second"},
	}

	res, err := New(eng).Submit(context.Background(), jobs, 2)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)

	a, b := res.Entries[0], res.Entries[1]
	if b.LockedAt.Before(a.LockedAt) {
		a, b = b, a
	}
	assert.False(t, b.LockedAt.Before(a.EndedAt), "second lock at %s before first end at %s", b.LockedAt, a.EndedAt)
	assert.FileExists(t, filepath.Join(img.Path, "first.txt"))
	assert.FileExists(t, filepath.Join(img.Path, "second.txt"))
}

func TestSubmitRespectsLimit(t *testing.T) {
	eng := newEngine(t)
	var running, peak atomic.Int32
	track := action.New("track", true, func(context.Context, string) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	var jobs []Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, Job{Image: newImage(t, fmt.Sprintf("img%d", i)), Actions: []action.Action{track}})
	}

	s := New(eng)
	res, err := s.Submit(context.Background(), jobs, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	stats := s.Stats()
	assert.LessOrEqual(t, stats.HighWater, 2)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 6, stats.Completed)
}

func TestSubmitCancellation(t *testing.T) {
	eng := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newImage(t, "first")
	before := testutil.Snapshot(t, first.Path)
	stop := action.New("stop", true, func(context.Context, string) error {
		cancel()
		return nil
	})
	jobs := []Job{
		{Image: first, Actions: append([]action.Action{stop}, writeActions(2)...)},
		{Image: newImage(t, "second"), Actions: writeActions(1)},
		{Image: newImage(t, "third"), Actions: writeActions(1)},
	}

	res, err := New(eng).Submit(ctx, jobs, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)

	assert.Equal(t, txn.StateRolledBack, res.Entries[0].FinalState)
	assert.ErrorIs(t, res.Entries[0].Error, context.Canceled)
	assert.Equal(t, before, testutil.Snapshot(t, first.Path))

	for _, e := range res.Entries[1:] {
		assert.Equal(t, StateCancelled, e.FinalState)
		assert.ErrorIs(t, e.Error, ErrCancelled)
		assert.Empty(t, e.TxnID)
	}
	assert.Len(t, res.Failed(), 3)
}

// panicName panics outside Apply, which the coordinator does not guard.
type panicName struct{}

func (panicName) Name() string                        { panic("catalog entry missing") }
func (panicName) Idempotent() bool                    { return false }
func (panicName) Apply(context.Context, string) error { return nil }

func TestSubmitContainsJobPanic(t *testing.T) {
	eng := newEngine(t)
	bad := newImage(t, "bad")
	before := testutil.Snapshot(t, bad.Path)
	jobs := []Job{
		{Image: bad, Actions: []action.Action{panicName{}}},
		{Image: newImage(t, "good"), Actions: writeActions(1)},
	}

	s := New(eng)
	res, err := s.Submit(context.Background(), jobs, 2)
	require.NoError(t, err)

	assert.Equal(t, txn.StateFailed, res.Entries[0].FinalState)
	assert.ErrorContains(t, res.Entries[0].Error, "catalog entry missing")
	assert.True(t, res.Entries[1].Committed)

	assert.Equal(t, before, testutil.Snapshot(t, bad.Path))
	assert.Empty(t, eng.Locks.Held())
	assert.Equal(t, 0, s.Stats().Active)
}

func TestSubmitStructuralErrors(t *testing.T) {
	eng := newEngine(t)
	_, err := New(eng).Submit(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	eng.Drivers = mount.NewRegistry()
	_, err = New(eng).Submit(context.Background(), nil, 1)
	assert.ErrorIs(t, err, ErrNoDrivers)
}

func TestSubmitEmptyBatch(t *testing.T) {
	res, err := New(newEngine(t)).Submit(context.Background(), nil, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.Entries)
	assert.NoError(t, res.Err())
}
