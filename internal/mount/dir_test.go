package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/testutil"
)

func newDirImage(t *testing.T) image.Image {
	t.Helper()
	root := filepath.Join(t.TempDir(), "staging")
	testutil.WriteTree(t, root, map[string]string{
		"Windows/win.ini":           "[fonts]",
		"Windows/System32/drivers/": "",
		"bootmgr":                   "boot",
	})
	img, err := image.New(root, image.FormatDir, 1)
	require.NoError(t, err)
	return img
}

func newTestPreflight() *Preflight {
	return &Preflight{Runner: testutil.NewStubRunner()}
}

func TestDirDriverMountDiscard(t *testing.T) {
	ctx := context.Background()
	img := newDirImage(t)
	before := testutil.Snapshot(t, img.Path)
	d := NewDirDriver(newTestPreflight())

	dir := filepath.Join(t.TempDir(), "mnt")
	h, err := d.Mount(ctx, img, dir)
	require.NoError(t, err)
	assert.Equal(t, "dir", h.Driver)
	assert.Equal(t, before, testutil.Snapshot(t, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Windows", "new.txt"), []byte("x"), 0o644))
	require.NoError(t, d.Unmount(ctx, h, false))

	assert.NoDirExists(t, dir)
	assert.Equal(t, before, testutil.Snapshot(t, img.Path))
}

func TestDirDriverCommit(t *testing.T) {
	ctx := context.Background()
	img := newDirImage(t)
	d := NewDirDriver(newTestPreflight())

	dir := filepath.Join(t.TempDir(), "mnt")
	h, err := d.Mount(ctx, img, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Windows", "new.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, "bootmgr")))
	expected := testutil.Snapshot(t, dir)

	require.NoError(t, d.Unmount(ctx, h, true))

	assert.NoDirExists(t, dir)
	assert.Equal(t, expected, testutil.Snapshot(t, img.Path))
	assert.NoDirExists(t, img.Path+".winforge-commit")
	assert.NoDirExists(t, img.Path+".old")
}

func TestDirDriverRejectsNonEmptyMountPoint(t *testing.T) {
	img := newDirImage(t)
	d := NewDirDriver(newTestPreflight())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk"), nil, 0o644))

	_, err := d.Mount(context.Background(), img, dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMount)
	assert.FileExists(t, filepath.Join(dir, "junk"))
}

func TestDirDriverRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	img, err := image.New(path, image.FormatDir, 1)
	require.NoError(t, err)

	_, err = NewDirDriver(newTestPreflight()).Mount(context.Background(), img, filepath.Join(t.TempDir(), "mnt"))
	assert.ErrorIs(t, err, image.ErrInvalidImage)
}
