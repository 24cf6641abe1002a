package mount

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"

	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/logging"
)

// dismDriver mounts WIM and ESD indexes with DISM.
//
// DISM mounts ESD files read-only, so an ESD index is first exported into a
// working WIM next to the mount point. That WIM is mounted read-write and, on
// commit, the ESD is rebuilt from the original indexes with the edited one
// swapped in.
type dismDriver struct {
	runner    Runner
	tool      string
	preflight *Preflight
	logger    *slog.Logger
}

// NewDISMDriver returns the DISM-backed driver for WIM and ESD images.
func NewDISMDriver(runner Runner, tool string, pf *Preflight, logger *slog.Logger) Driver {
	return &dismDriver{runner: runner, tool: tool, preflight: pf, logger: logging.OrNop(logger)}
}

func (d *dismDriver) Name() string { return "dism" }

func (d *dismDriver) Formats() []image.Format {
	return []image.Format{image.FormatWIM, image.FormatESD}
}

// workingWIM is the read-write copy backing an ESD mounted at dir.
func workingWIM(dir string) string {
	return dir + ".work.wim"
}

func (d *dismDriver) Mount(ctx context.Context, img image.Image, dir string) (*Handle, error) {
	if err := d.preflight.Check(img, d.tool, dir); err != nil {
		return nil, err
	}
	if err := prepareMountDir(img, dir); err != nil {
		return nil, err
	}

	file, index := img.Path, img.Index
	if img.Format == image.FormatESD {
		work := workingWIM(dir)
		os.Remove(work)
		if _, err := d.runner.Exec(ctx, "", d.tool, "/Export-Image",
			"/SourceImageFile:"+img.Path,
			fmt.Sprintf("/SourceIndex:%d", img.Index),
			"/DestinationImageFile:"+work,
			"/Compress:max"); err != nil {
			os.Remove(work)
			os.Remove(dir)
			return nil, classify("mount", img.Name(), d.tool, err)
		}
		file, index = work, 1
	}

	if _, err := d.runner.Exec(ctx, "", d.tool,
		"/Mount-Image",
		"/ImageFile:"+file,
		fmt.Sprintf("/Index:%d", index),
		"/MountDir:"+dir); err != nil {
		os.Remove(dir)
		if img.Format == image.FormatESD {
			os.Remove(workingWIM(dir))
		}
		return nil, classify("mount", img.Name(), d.tool, err)
	}
	return newHandle(d, img, dir), nil
}

func (d *dismDriver) Unmount(ctx context.Context, h *Handle, commit bool) error {
	if !commit {
		return d.discard(ctx, h)
	}

	_, err := d.runner.Exec(ctx, "", d.tool, "/Unmount-Image", "/MountDir:"+h.MountPoint, "/Commit")
	if err != nil {
		return &CommitError{
			Image:      h.Image.Name(),
			Err:        classify("unmount", h.Image.Name(), d.tool, err),
			DiscardErr: d.discard(ctx, h),
		}
	}

	if h.Image.Format == image.FormatESD {
		if err := d.rebuildESD(ctx, h); err != nil {
			return &CommitError{Image: h.Image.Name(), Err: err, DiscardErr: d.dropWorking(h)}
		}
		return d.dropWorking(h)
	}
	os.Remove(h.MountPoint)
	return nil
}

// rebuildESD exports every index of the original ESD into a temporary file,
// taking the edited index from the working WIM, then renames it over the
// original.
func (d *dismDriver) rebuildESD(ctx context.Context, h *Handle) error {
	count, err := d.imageCount(ctx, h.Image)
	if err != nil {
		return err
	}
	if h.Image.Index > count {
		return fmt.Errorf("%s has %d images, index %d is gone", h.Image.Path, count, h.Image.Index)
	}

	tmp := h.Image.Path + ".winforge.tmp"
	os.Remove(tmp)
	for i := 1; i <= count; i++ {
		src, srcIndex := h.Image.Path, i
		if i == h.Image.Index {
			src, srcIndex = workingWIM(h.MountPoint), 1
		}
		if _, err := d.runner.Exec(ctx, "", d.tool, "/Export-Image",
			"/SourceImageFile:"+src,
			fmt.Sprintf("/SourceIndex:%d", srcIndex),
			"/DestinationImageFile:"+tmp,
			"/Compress:recovery"); err != nil {
			os.Remove(tmp)
			return classify("unmount", h.Image.Name(), d.tool, err)
		}
	}
	if err := os.Rename(tmp, h.Image.Path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

var imageIndexLine = regexp.MustCompile(`(?m)^\s*Index\s*:\s*(\d+)`)

// imageCount reads the number of images in a container from /Get-ImageInfo.
func (d *dismDriver) imageCount(ctx context.Context, img image.Image) (int, error) {
	out, err := d.runner.Exec(ctx, "", d.tool, "/Get-ImageInfo", "/ImageFile:"+img.Path)
	if err != nil {
		return 0, classify("unmount", img.Name(), d.tool, err)
	}
	count := 0
	for _, m := range imageIndexLine.FindAllStringSubmatch(out, -1) {
		n, _ := strconv.Atoi(m[1])
		count = max(count, n)
	}
	if count == 0 {
		return 0, fmt.Errorf("no images listed for %s", img.Path)
	}
	return count, nil
}

// discard drops the mount. If DISM cannot unmount it cleanly the stale mount
// registrations are purged with /Cleanup-Mountpoints.
func (d *dismDriver) discard(ctx context.Context, h *Handle) error {
	_, err := d.runner.Exec(ctx, "", d.tool, "/Unmount-Image", "/MountDir:"+h.MountPoint, "/Discard")
	if err != nil {
		d.logger.Warn("discard unmount failed, cleaning up mount points",
			"image", h.Image.Name(), "mount_point", h.MountPoint, "error", err)
		if _, cerr := d.runner.Exec(ctx, "", d.tool, "/Cleanup-Mountpoints"); cerr != nil {
			if h.Image.Format == image.FormatESD {
				os.Remove(workingWIM(h.MountPoint))
			}
			return classify("unmount", h.Image.Name(), d.tool, err)
		}
	}
	return d.dropWorking(h)
}

// dropWorking removes the mount directory and, for ESD, the working WIM.
func (d *dismDriver) dropWorking(h *Handle) error {
	if h.Image.Format == image.FormatESD {
		if err := os.Remove(workingWIM(h.MountPoint)); err != nil && !os.IsNotExist(err) {
			return classify("unmount", h.Image.Name(), d.tool, err)
		}
	}
	if err := os.RemoveAll(h.MountPoint); err != nil {
		return classify("unmount", h.Image.Name(), d.tool, err)
	}
	return nil
}
