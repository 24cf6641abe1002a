package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/winforge/internal/batch"
	"github.com/RevCBH/winforge/internal/events"
	"github.com/RevCBH/winforge/internal/mount"
	"github.com/RevCBH/winforge/internal/testutil"
	"github.com/RevCBH/winforge/internal/txn"
)

// syncBuffer is shared by the logger and the event log handler.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	dir    string
	app    *App
	stdout *syncBuffer
	stderr *syncBuffer
	runner *testutil.StubRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfgPath := write(t, dir, "winforge.yaml", "work_dir: work\nstate_dir: state\nlog_level: debug\n")

	f := &fixture{
		dir:    dir,
		app:    New(),
		stdout: &syncBuffer{},
		stderr: &syncBuffer{},
		runner: testutil.NewStubRunner(),
	}
	f.app.configPath = cfgPath
	f.app.SetOutput(f.stdout, f.stderr)
	return f
}

func (f *fixture) wire() WireOptions {
	return WireOptions{
		Runner:  f.runner,
		Drivers: mount.NewRegistry(mount.NewDirDriver(&mount.Preflight{Runner: f.runner})),
	}
}

func write(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// batchFiles lays out two directory images, a working profile and a profile
// whose second step fails.
func (f *fixture) batchFiles(t *testing.T) string {
	t.Helper()
	write(t, f.dir, "images/pro/Windows/win.ini", "[pro]")
	write(t, f.dir, "images/home/Windows/win.ini", "[home]")
	write(t, f.dir, "profiles/base.yaml", `
name: base
steps:
  - type: write_file
    path: Windows/Setup/marker.txt
    content: customized
  - type: exec
    command: reg.exe query HKLM
`)
	write(t, f.dir, "profiles/broken.yaml", `
name: broken
steps:
  - type: write_file
    path: Windows/Setup/marker.txt
    content: half done
  - type: remove
    path: Windows/NotThere
`)
	return write(t, f.dir, "jobs.yaml", `
parallelism: 2
jobs:
  - path: images/pro
    format: dir
    profile: profiles/base.yaml
    label: pro
  - path: images/home
    format: dir
    profile: profiles/broken.yaml
    label: home
`)
}

func TestRunBatchCommitsAndIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	jobs := f.batchFiles(t)
	f.runner.StubDefault("reg.exe query HKLM", "", nil)

	res, err := f.app.RunBatch(context.Background(), RunOptions{JobsFile: jobs, NoTUI: true}, f.wire())
	require.Error(t, err)
	assert.ErrorIs(t, err, batch.ErrPartialBatch)
	require.NotNil(t, res)
	require.Len(t, res.Entries, 2)

	assert.True(t, res.Entries[0].Committed)
	assert.Equal(t, txn.StateCommitted, res.Entries[0].FinalState)
	assert.False(t, res.Entries[1].Committed)
	assert.Equal(t, txn.StateRolledBack, res.Entries[1].FinalState)
	assert.Equal(t, 2, res.Entries[1].FailedAction)

	data, err := os.ReadFile(filepath.Join(f.dir, "images", "pro", "Windows", "Setup", "marker.txt"))
	require.NoError(t, err)
	assert.Equal(t, "customized", string(data))
	assert.NoFileExists(t, filepath.Join(f.dir, "images", "home", "Windows", "Setup", "marker.txt"))
	assert.Equal(t, 1, f.runner.CallsFor("reg.exe query HKLM"))

	out := f.stdout.String()
	assert.Contains(t, out, "Batch partial: 1/2 committed")
	assert.Contains(t, out, "pro")
	assert.Contains(t, out, `action #2 "remove Windows/NotThere"`)
	assert.Contains(t, f.stderr.String(), "[txn.committed]")
}

func TestRunBatchJSONEvents(t *testing.T) {
	f := newFixture(t)
	write(t, f.dir, "images/pro/Windows/win.ini", "[pro]")
	write(t, f.dir, "p.toml", "[[steps]]\ntype = \"mkdir\"\npath = \"Windows/Setup\"\n")
	jobs := write(t, f.dir, "jobs.toml", "[[jobs]]\npath = \"images/pro\"\nformat = \"dir\"\nprofile = \"p.toml\"\n")

	res, err := f.app.RunBatch(context.Background(), RunOptions{JobsFile: jobs, JSON: true}, f.wire())
	require.NoError(t, err)
	assert.Equal(t, batch.StatusSuccess, res.Status)

	var types []events.EventType
	sc := bufio.NewScanner(strings.NewReader(f.stdout.String()))
	for sc.Scan() {
		e, err := events.ParseJSONEvent(sc.Bytes())
		require.NoError(t, err, sc.Text())
		types = append(types, e.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, events.BatchStarted, types[0])
	assert.Equal(t, events.BatchCompleted, types[len(types)-1])
	assert.Contains(t, types, events.TxnCommitted)
	assert.NotContains(t, f.stdout.String(), "Batch success", "summary table is suppressed in JSON mode")
}

func TestRunBatchDryRun(t *testing.T) {
	f := newFixture(t)
	jobs := f.batchFiles(t)

	res, err := f.app.RunBatch(context.Background(), RunOptions{JobsFile: jobs, DryRun: true}, f.wire())
	require.NoError(t, err)
	assert.Nil(t, res)

	out := f.stdout.String()
	assert.Contains(t, out, "Plan: 2 image(s), parallelism 2")
	assert.Contains(t, out, "write_file Windows/Setup/marker.txt")
	assert.Empty(t, f.runner.Calls())
	assert.NoFileExists(t, filepath.Join(f.dir, "images", "pro", "Windows", "Setup", "marker.txt"))
}

func TestRunBatchRejectsBadJobs(t *testing.T) {
	f := newFixture(t)
	write(t, f.dir, "bad.yaml", "steps:\n  - type: teleport\n")
	jobs := write(t, f.dir, "jobs.yaml", "jobs:\n  - path: img.wim\n    profile: bad.yaml\n")

	res, err := f.app.RunBatch(context.Background(), RunOptions{JobsFile: jobs, NoTUI: true}, f.wire())
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "unknown step type")
}

func TestRunOptionsValidate(t *testing.T) {
	assert.Error(t, RunOptions{}.Validate())
	assert.Error(t, RunOptions{JobsFile: "j.yaml", Parallelism: -1}.Validate())
	assert.NoError(t, RunOptions{JobsFile: "j.yaml"}.Validate())
}

func TestInspectionCommandsAfterRun(t *testing.T) {
	f := newFixture(t)
	jobs := f.batchFiles(t)
	f.runner.StubDefault("reg.exe query HKLM", "", nil)

	res, _ := f.app.RunBatch(context.Background(), RunOptions{JobsFile: jobs, NoTUI: true}, f.wire())
	require.NotNil(t, res)
	committed := res.Entries[0].TxnID

	t.Run("status", func(t *testing.T) {
		f.stdout.buf.Reset()
		require.NoError(t, f.app.ShowStatus(context.Background(), StatusOptions{Limit: 10, JSON: true}))
		var views []txnView
		require.NoError(t, json.Unmarshal([]byte(f.stdout.String()), &views))
		require.Len(t, views, 2)
		states := []string{views[0].State, views[1].State}
		assert.ElementsMatch(t, []string{"committed", "rolled_back"}, states)
	})

	t.Run("checkpoints", func(t *testing.T) {
		f.stdout.buf.Reset()
		require.NoError(t, f.app.ListCheckpoints(context.Background(), committed))
		assert.Contains(t, f.stdout.String(), "pristine")

		rt, err := f.app.setup(context.Background(), WireOptions{})
		require.NoError(t, err)
		chain, err := rt.Checkpoints.Chain(context.Background(), committed)
		require.NoError(t, rt.Close())
		require.NoError(t, err)
		require.NotEmpty(t, chain)
		last := chain[len(chain)-1].ID

		f.stdout.buf.Reset()
		require.NoError(t, f.app.VerifyCheckpoint(context.Background(), last))
		assert.Equal(t, len(chain), strings.Count(f.stdout.String(), string(SymbolCommitted)))

		f.stdout.buf.Reset()
		require.NoError(t, f.app.ShowCheckpoint(context.Background(), last))
		assert.True(t, json.Valid([]byte(f.stdout.String())))
	})

	t.Run("drop", func(t *testing.T) {
		rolledBack := res.Entries[1].TxnID
		f.stdout.buf.Reset()
		require.NoError(t, f.app.DropCheckpoints(context.Background(), rolledBack))
		assert.Contains(t, f.stdout.String(), "Dropped")

		f.stdout.buf.Reset()
		require.NoError(t, f.app.ListCheckpoints(context.Background(), rolledBack))
		assert.Contains(t, f.stdout.String(), "No checkpoints")

		assert.ErrorContains(t, f.app.DropCheckpoints(context.Background(), "01NOSUCHTXN"), "unknown transaction")
	})

	t.Run("recover", func(t *testing.T) {
		f.stdout.buf.Reset()
		require.NoError(t, f.app.Recover(context.Background()))
		assert.Contains(t, f.stdout.String(), "Nothing to recover")
	})

	t.Run("cleanup", func(t *testing.T) {
		f.stdout.buf.Reset()
		require.NoError(t, f.app.Cleanup(context.Background(), CleanupOptions{OlderThan: 0}))
		assert.Contains(t, f.stdout.String(), "Cleanup complete")

		f.stdout.buf.Reset()
		require.NoError(t, f.app.ListCheckpoints(context.Background(), committed))
		assert.Contains(t, f.stdout.String(), "No checkpoints")
	})
}
