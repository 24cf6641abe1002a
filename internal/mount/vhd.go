package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/RevCBH/winforge/internal/image"
)

// vhdDriver attaches VHD and VHDX disks through PowerShell. Writes go to a
// differencing child disk so a discard only has to delete the child and a
// commit merges it into the parent.
type vhdDriver struct {
	runner     Runner
	powershell string
	preflight  *Preflight
}

// NewVHDDriver returns the differencing-disk driver for VHD and VHDX images.
func NewVHDDriver(runner Runner, powershell string, pf *Preflight) Driver {
	return &vhdDriver{runner: runner, powershell: powershell, preflight: pf}
}

func (d *vhdDriver) Name() string { return "vhd" }

func (d *vhdDriver) Formats() []image.Format {
	return []image.Format{image.FormatVHD, image.FormatVHDX}
}

// childPath places the differencing disk beside the mount point.
func childPath(h *Handle) string {
	return h.MountPoint + ".child" + filepath.Ext(h.Image.Path)
}

func (d *vhdDriver) Mount(ctx context.Context, img image.Image, dir string) (*Handle, error) {
	if err := d.preflight.Check(img, d.powershell, dir); err != nil {
		return nil, err
	}
	if err := prepareMountDir(img, dir); err != nil {
		return nil, err
	}

	h := newHandle(d, img, dir)
	child := childPath(h)
	script := strings.Join([]string{
		"$ErrorActionPreference = 'Stop'",
		fmt.Sprintf("New-VHD -Path %s -ParentPath %s -Differencing | Out-Null", psQuote(child), psQuote(img.Path)),
		fmt.Sprintf("$disk = Mount-DiskImage -ImagePath %s -NoDriveLetter -PassThru | Get-Disk", psQuote(child)),
		"$part = $disk | Get-Partition | Where-Object { $_.Type -eq 'Basic' -or $_.Type -eq 'IFS' } | Sort-Object Size -Descending | Select-Object -First 1",
		fmt.Sprintf("$part | Add-PartitionAccessPath -AccessPath %s", psQuote(dir+string(filepath.Separator))),
	}, "; ")

	if _, err := d.ps(ctx, script); err != nil {
		d.detach(ctx, h)
		os.Remove(dir)
		return nil, classify("mount", img.Name(), d.powershell, err)
	}
	return h, nil
}

func (d *vhdDriver) Unmount(ctx context.Context, h *Handle, commit bool) error {
	if !commit {
		return d.discard(ctx, h)
	}

	child := childPath(h)
	script := strings.Join([]string{
		"$ErrorActionPreference = 'Stop'",
		fmt.Sprintf("Dismount-DiskImage -ImagePath %s | Out-Null", psQuote(child)),
		fmt.Sprintf("Merge-VHD -Path %s -DestinationPath %s", psQuote(child), psQuote(h.Image.Path)),
	}, "; ")
	if _, err := d.ps(ctx, script); err != nil {
		return &CommitError{
			Image:      h.Image.Name(),
			Err:        classify("unmount", h.Image.Name(), d.powershell, err),
			DiscardErr: d.discard(ctx, h),
		}
	}
	os.Remove(h.MountPoint)
	return nil
}

func (d *vhdDriver) discard(ctx context.Context, h *Handle) error {
	if err := d.detach(ctx, h); err != nil {
		return classify("unmount", h.Image.Name(), d.powershell, err)
	}
	if err := os.RemoveAll(h.MountPoint); err != nil {
		return classify("unmount", h.Image.Name(), d.powershell, err)
	}
	return nil
}

// detach dismounts and deletes the child disk, tolerating a child that was
// never created or attached.
func (d *vhdDriver) detach(ctx context.Context, h *Handle) error {
	child := childPath(h)
	script := strings.Join([]string{
		fmt.Sprintf("if (Test-Path -LiteralPath %s) {", psQuote(child)),
		fmt.Sprintf("Dismount-DiskImage -ImagePath %s -ErrorAction SilentlyContinue | Out-Null;", psQuote(child)),
		fmt.Sprintf("Remove-Item -LiteralPath %s -Force -ErrorAction Stop", psQuote(child)),
		"}",
	}, " ")
	_, err := d.ps(ctx, script)
	return err
}

func (d *vhdDriver) ps(ctx context.Context, script string) (string, error) {
	return d.runner.Exec(ctx, "", d.powershell, "-NoProfile", "-NonInteractive", "-Command", script)
}

// psQuote renders s as a single-quoted PowerShell literal.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
