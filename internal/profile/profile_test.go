package profile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/winforge/internal/action"
	"github.com/RevCBH/winforge/internal/testutil"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func applyAll(t *testing.T, actions []action.Action, mnt string) {
	t.Helper()
	for _, a := range actions {
		require.NoError(t, a.Apply(context.Background(), mnt), a.Name())
	}
}

func TestResolveYAMLFileSteps(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "assets/unattend.xml", "<unattend/>")
	path := writeFile(t, dir, "base.yaml", `
name: base
description: offline defaults
steps:
  - type: mkdir
    path: Windows/Setup/Scripts
  - type: write_file
    name: setup script
    path: Windows/Setup/Scripts/SetupComplete.cmd
    content: "echo done"
    mode: "0600"
  - type: copy_file
    src: assets/unattend.xml
    dest: Windows/Panther/unattend.xml
  - type: remove
    path: Windows/Temp/junk.log
  - type: remove
    path: Windows/Temp/absent.log
    missing_ok: true
`)
	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "base", p.Name)
	assert.Equal(t, "offline defaults", p.Description)

	actions, err := NewResolver(nil, nil).Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"mkdir Windows/Setup/Scripts",
		"setup script",
		"copy_file Windows/Panther/unattend.xml",
		"remove Windows/Temp/junk.log",
		"remove Windows/Temp/absent.log",
	}, action.Names(actions))

	mnt := t.TempDir()
	writeFile(t, mnt, "Windows/Temp/junk.log", "x")
	applyAll(t, actions, mnt)

	info, err := os.Stat(filepath.Join(mnt, "Windows", "Setup", "Scripts", "SetupComplete.cmd"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	data, err := os.ReadFile(filepath.Join(mnt, "Windows", "Panther", "unattend.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<unattend/>", string(data))
	assert.NoFileExists(t, filepath.Join(mnt, "Windows", "Temp", "junk.log"))

	// Every file step can be replayed.
	applyAll(t, actions[:3], mnt)
}

func TestResolveTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "branding.toml", `
name = "branding"

[[steps]]
type = "write_file"
path = "Windows/Web/Wallpaper/readme.txt"
content = "corporate"

[[steps]]
type = "mkdir"
path = "Windows/Web/Screen"
mode = "0700"
`)
	actions, err := NewResolver(nil, nil).ResolveFile(path)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	mnt := t.TempDir()
	applyAll(t, actions, mnt)
	assert.FileExists(t, filepath.Join(mnt, "Windows", "Web", "Wallpaper", "readme.txt"))
	info, err := os.Stat(filepath.Join(mnt, "Windows", "Web", "Screen"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestResolveRejectsBadSteps(t *testing.T) {
	tests := []struct {
		name  string
		steps []map[string]any
		want  error
		index int
	}{
		{"unknown type", []map[string]any{{"type": "registry"}}, ErrUnknownStep, 1},
		{"missing type", []map[string]any{{"path": "x"}}, ErrUnknownStep, 1},
		{"unknown field", []map[string]any{
			{"type": "mkdir", "path": "a"},
			{"type": "mkdir", "path": "b", "owner": "SYSTEM"},
		}, ErrInvalidStep, 2},
		{"missing path", []map[string]any{{"type": "write_file", "content": "x"}}, ErrInvalidStep, 1},
		{"bad mode", []map[string]any{{"type": "mkdir", "path": "a", "mode": "rwx"}}, ErrInvalidStep, 1},
		{"remove root", []map[string]any{{"type": "remove", "path": "/"}}, ErrInvalidStep, 1},
		{"missing source", []map[string]any{{"type": "copy_file", "src": "/nonexistent/file", "dest": "a"}}, ErrInvalidStep, 1},
		{"exec without runner", []map[string]any{{"type": "exec", "command": "reg.exe"}}, ErrInvalidStep, 1},
		{"script syntax", []map[string]any{{"type": "script", "run": "if then fi ("}}, ErrInvalidStep, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(nil, nil).Resolve(&Profile{Name: "p", Steps: tt.steps})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var se *StepError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.index, se.Index)
		})
	}
}

func TestPathsStayInsideMount(t *testing.T) {
	actions, err := NewResolver(nil, nil).Resolve(&Profile{Name: "p", Steps: []map[string]any{
		{"type": "write_file", "path": "../../escape.txt", "content": "x"},
	}})
	require.NoError(t, err)

	root := t.TempDir()
	mnt := filepath.Join(root, "mnt")
	require.NoError(t, os.Mkdir(mnt, 0o755))
	applyAll(t, actions, mnt)

	assert.FileExists(t, filepath.Join(mnt, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(root, "escape.txt"))
}

func TestExecStep(t *testing.T) {
	runner := testutil.NewStubRunner()
	actions, err := NewResolver(runner, nil).Resolve(&Profile{Name: "p", Steps: []map[string]any{
		{"type": "exec", "command": `dism.exe /Image:$MOUNT /Add-Driver "/Driver:drivers dir" /Recurse`},
		{"type": "exec", "name": "cleanup", "command": "cleanmgr.exe $UNSET", "idempotent": true},
	}})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.False(t, actions[0].Idempotent())
	assert.True(t, actions[1].Idempotent())
	assert.Equal(t, "cleanup", actions[1].Name())

	mnt := t.TempDir()
	runner.Stub("dism.exe /Image:"+mnt+" /Add-Driver /Driver:drivers dir /Recurse", "ok", nil)
	runner.Stub("cleanmgr.exe", "", errors.New("exit status 2"))

	require.NoError(t, actions[0].Apply(context.Background(), mnt))
	assert.EqualError(t, actions[1].Apply(context.Background(), mnt), "exit status 2")
}

func TestScriptStep(t *testing.T) {
	actions, err := NewResolver(nil, nil).Resolve(&Profile{Name: "p", Steps: []map[string]any{
		{"type": "script", "name": "marker", "run": `echo "built" > "$MOUNT/marker.txt"`},
		{"type": "script", "run": "echo nope >&2; exit 3"},
	}})
	require.NoError(t, err)

	mnt := t.TempDir()
	require.NoError(t, actions[0].Apply(context.Background(), mnt))
	data, err := os.ReadFile(filepath.Join(mnt, "marker.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(data))

	err = actions[1].Apply(context.Background(), mnt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 3")
	assert.Contains(t, err.Error(), "nope")
}

func TestStepTypes(t *testing.T) {
	assert.Equal(t, []string{"copy_file", "exec", "mkdir", "remove", "script", "write_file"},
		NewResolver(nil, nil).StepTypes())
}
