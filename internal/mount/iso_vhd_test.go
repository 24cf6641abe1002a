package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/testutil"
)

func TestISOMountCommit(t *testing.T) {
	ctx := context.Background()
	runner := testutil.NewStubRunner()
	isoPath := filepath.Join(t.TempDir(), "win11.iso")
	require.NoError(t, os.WriteFile(isoPath, []byte("CD001"), 0o644))
	img, err := image.New(isoPath, "", 0)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "mnt")
	tmp := isoPath + ".winforge.tmp"
	d := NewISODriver(runner, "7z", "oscdimg", &Preflight{Runner: runner})

	runner.Stub("7z x -y -o"+dir+" "+isoPath, "", nil)
	runner.OnCall("oscdimg", func(string) error {
		return os.WriteFile(tmp, []byte("rebuilt"), 0o644)
	})
	runner.Stub("oscdimg -m -o -u2 -udfver102 "+dir+" "+tmp, "", nil)

	h, err := d.Mount(ctx, img, dir)
	require.NoError(t, err)
	require.NoError(t, d.Unmount(ctx, h, true))

	data, err := os.ReadFile(isoPath)
	require.NoError(t, err)
	assert.Equal(t, "rebuilt", string(data))
	assert.NoDirExists(t, dir)
	assert.NoFileExists(t, tmp)
}

func TestISOBootArgs(t *testing.T) {
	root := t.TempDir()
	assert.Nil(t, bootArgs(root))

	testutil.WriteTree(t, root, map[string]string{"boot/etfsboot.com": "x"})
	assert.Equal(t, []string{"-b" + filepath.Join(root, "boot", "etfsboot.com")}, bootArgs(root))

	testutil.WriteTree(t, root, map[string]string{"efi/microsoft/boot/efisys.bin": "x"})
	args := bootArgs(root)
	require.Len(t, args, 1)
	assert.True(t, strings.HasPrefix(args[0], "-bootdata:2#p0,e,b"))
}

func TestVHDCommitFailureDiscardsChild(t *testing.T) {
	ctx := context.Background()
	runner := testutil.NewStubRunner()
	vhdPath := filepath.Join(t.TempDir(), "disk.vhdx")
	require.NoError(t, os.WriteFile(vhdPath, []byte("vhdxfile"), 0o644))
	img, err := image.New(vhdPath, "", 0)
	require.NoError(t, err)
	assert.Equal(t, image.FormatVHDX, img.Format)

	dir := filepath.Join(t.TempDir(), "mnt")
	d := NewVHDDriver(runner, "pwsh", &Preflight{Runner: runner})

	h := &Handle{Image: img, MountPoint: dir}
	child := childPath(h)
	assert.True(t, strings.HasSuffix(child, ".child.vhdx"))

	mountCall := psCall("$ErrorActionPreference = 'Stop'; New-VHD -Path " + psQuote(child) + " -ParentPath " + psQuote(vhdPath) + " -Differencing | Out-Null; " +
		"$disk = Mount-DiskImage -ImagePath " + psQuote(child) + " -NoDriveLetter -PassThru | Get-Disk; " +
		"$part = $disk | Get-Partition | Where-Object { $_.Type -eq 'Basic' -or $_.Type -eq 'IFS' } | Sort-Object Size -Descending | Select-Object -First 1; " +
		"$part | Add-PartitionAccessPath -AccessPath " + psQuote(dir+string(filepath.Separator)))
	runner.Stub(mountCall, "", nil)
	commitCall := psCall("$ErrorActionPreference = 'Stop'; Dismount-DiskImage -ImagePath " + psQuote(child) + " | Out-Null; " +
		"Merge-VHD -Path " + psQuote(child) + " -DestinationPath " + psQuote(vhdPath))
	runner.Stub(commitCall, "", errors.New("Merge-VHD: The system cannot find the file specified"))
	detachCall := psCall("if (Test-Path -LiteralPath " + psQuote(child) + ") { " +
		"Dismount-DiskImage -ImagePath " + psQuote(child) + " -ErrorAction SilentlyContinue | Out-Null; " +
		"Remove-Item -LiteralPath " + psQuote(child) + " -Force -ErrorAction Stop }")
	runner.Stub(detachCall, "", nil)

	mh, err := d.Mount(ctx, img, dir)
	require.NoError(t, err)

	err = d.Unmount(ctx, mh, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommit)
	assert.Equal(t, 1, runner.CallsFor(detachCall))
	assert.NoDirExists(t, dir)
}

func psCall(script string) string {
	return "pwsh -NoProfile -NonInteractive -Command " + script
}

func TestPSQuote(t *testing.T) {
	assert.Equal(t, "'C:\\it''s\\disk.vhdx'", psQuote(`C:\it's\disk.vhdx`))
}
