package mount

import (
	"context"
	"fmt"
	"os"

	"github.com/RevCBH/winforge/internal/fsutil"
	"github.com/RevCBH/winforge/internal/image"
)

// dirDriver mounts expanded directory images by copying them.
type dirDriver struct {
	preflight *Preflight
}

// NewDirDriver returns the driver for expanded directory images.
func NewDirDriver(pf *Preflight) Driver {
	return &dirDriver{preflight: pf}
}

func (d *dirDriver) Name() string { return "dir" }

func (d *dirDriver) Formats() []image.Format { return []image.Format{image.FormatDir} }

func (d *dirDriver) Mount(ctx context.Context, img image.Image, dir string) (*Handle, error) {
	if err := d.preflight.Check(img, "", dir); err != nil {
		return nil, err
	}
	info, err := os.Stat(img.Path)
	if err != nil {
		return nil, classify("mount", img.Name(), "", err)
	}
	if !info.IsDir() {
		return nil, &MountError{Op: "mount", Image: img.Name(),
			Err: fmt.Errorf("%w: %s is not a directory", image.ErrInvalidImage, img.Path)}
	}
	if err := prepareMountDir(img, dir); err != nil {
		return nil, err
	}
	if err := fsutil.CopyTree(ctx, img.Path, dir); err != nil {
		os.RemoveAll(dir)
		return nil, classify("mount", img.Name(), "", err)
	}
	return newHandle(d, img, dir), nil
}

func (d *dirDriver) Unmount(ctx context.Context, h *Handle, commit bool) error {
	if !commit {
		return d.discard(h)
	}

	staged := h.Image.Path + ".winforge-commit"
	if err := os.RemoveAll(staged); err != nil {
		return d.commitFailed(h, err)
	}
	if err := os.Rename(h.MountPoint, staged); err != nil {
		if err := fsutil.CopyTree(ctx, h.MountPoint, staged); err != nil {
			os.RemoveAll(staged)
			return d.commitFailed(h, err)
		}
	}
	if err := fsutil.ReplaceDir(staged, h.Image.Path); err != nil {
		os.RemoveAll(staged)
		return d.commitFailed(h, err)
	}
	return d.discard(h)
}

func (d *dirDriver) commitFailed(h *Handle, err error) error {
	return &CommitError{Image: h.Image.Name(), Err: err, DiscardErr: d.discard(h)}
}

func (d *dirDriver) discard(h *Handle) error {
	if err := os.RemoveAll(h.MountPoint); err != nil {
		return classify("unmount", h.Image.Name(), "", err)
	}
	return nil
}

// prepareMountDir creates dir, refusing a non-empty existing directory.
func prepareMountDir(img image.Image, dir string) error {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) > 0 {
		return &MountError{Op: "mount", Image: img.Name(),
			Err: fmt.Errorf("mount point %s is not empty", dir)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &MountError{Op: "mount", Image: img.Name(), Err: err}
	}
	return nil
}
