package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RevCBH/winforge/internal/image"
)

// isoDriver extracts ISO images with 7-Zip and rebuilds them with oscdimg.
type isoDriver struct {
	runner    Runner
	sevenZip  string
	oscdimg   string
	preflight *Preflight
}

// NewISODriver returns the extract-and-rebuild driver for ISO images.
func NewISODriver(runner Runner, sevenZip, oscdimg string, pf *Preflight) Driver {
	return &isoDriver{runner: runner, sevenZip: sevenZip, oscdimg: oscdimg, preflight: pf}
}

func (d *isoDriver) Name() string { return "iso" }

func (d *isoDriver) Formats() []image.Format { return []image.Format{image.FormatISO} }

func (d *isoDriver) Mount(ctx context.Context, img image.Image, dir string) (*Handle, error) {
	if err := d.preflight.Check(img, d.sevenZip, dir); err != nil {
		return nil, err
	}
	if err := prepareMountDir(img, dir); err != nil {
		return nil, err
	}
	if _, err := d.runner.Exec(ctx, "", d.sevenZip, "x", "-y", "-o"+dir, img.Path); err != nil {
		os.RemoveAll(dir)
		return nil, classify("mount", img.Name(), d.sevenZip, err)
	}
	return newHandle(d, img, dir), nil
}

func (d *isoDriver) Unmount(ctx context.Context, h *Handle, commit bool) error {
	if !commit {
		return d.discard(h)
	}

	if _, err := d.runner.LookPath(d.oscdimg); err != nil {
		return &CommitError{Image: h.Image.Name(),
			Err: fmt.Errorf("%w: %s", ErrToolMissing, d.oscdimg), DiscardErr: d.discard(h)}
	}

	tmp := h.Image.Path + ".winforge.tmp"
	args := append(bootArgs(h.MountPoint), "-m", "-o", "-u2", "-udfver102", h.MountPoint, tmp)
	if _, err := d.runner.Exec(ctx, "", d.oscdimg, args...); err != nil {
		os.Remove(tmp)
		return &CommitError{Image: h.Image.Name(),
			Err: classify("unmount", h.Image.Name(), d.oscdimg, err), DiscardErr: d.discard(h)}
	}
	if err := os.Rename(tmp, h.Image.Path); err != nil {
		os.Remove(tmp)
		return &CommitError{Image: h.Image.Name(), Err: err, DiscardErr: d.discard(h)}
	}
	return d.discard(h)
}

func (d *isoDriver) discard(h *Handle) error {
	if err := os.RemoveAll(h.MountPoint); err != nil {
		return classify("unmount", h.Image.Name(), "", err)
	}
	return nil
}

// bootArgs keeps Windows install media bootable on BIOS and UEFI.
func bootArgs(root string) []string {
	bios := filepath.Join(root, "boot", "etfsboot.com")
	efi := filepath.Join(root, "efi", "microsoft", "boot", "efisys.bin")
	hasBIOS := fileExists(bios)
	hasEFI := fileExists(efi)
	switch {
	case hasBIOS && hasEFI:
		return []string{fmt.Sprintf("-bootdata:2#p0,e,b%s#pEF,e,b%s", bios, efi)}
	case hasBIOS:
		return []string{"-b" + bios}
	case hasEFI:
		return []string{fmt.Sprintf("-bootdata:1#pEF,e,b%s", efi)}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
