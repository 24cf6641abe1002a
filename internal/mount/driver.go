// Package mount exposes Windows image containers as directory trees.
//
// A Driver mounts one image index into a caller-chosen directory and later
// unmounts it, either committing the changes back into the container or
// discarding them. Drivers shell out to the platform tools through a Runner.
package mount

import (
	"context"
	"log/slog"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/RevCBH/winforge/internal/image"
)

// Driver mounts and unmounts images of one or more formats.
type Driver interface {
	// Name identifies the driver in handles and logs
	Name() string

	// Formats lists the image formats this driver handles
	Formats() []image.Format

	// Mount exposes img at dir. dir is created by the driver and must not exist
	// or be empty.
	Mount(ctx context.Context, img image.Image, dir string) (*Handle, error)

	// Unmount releases the handle. With commit=true modifications are written
	// back; a failed commit returns *CommitError after the driver has unmounted
	// in discard mode. With commit=false everything is dropped.
	Unmount(ctx context.Context, h *Handle, commit bool) error
}

// Handle is a live mount owned by exactly one transaction.
type Handle struct {
	Image      image.Image
	MountPoint string
	Driver     string
	Generation int64
	MountedAt  time.Time
}

// Tools names the external binaries the drivers run.
type Tools struct {
	DISM       string
	PowerShell string
	SevenZip   string
	Oscdimg    string
}

// Options configures the default driver set.
type Options struct {
	Runner         Runner
	Tools          Tools
	MinFreeSpace   datasize.ByteSize
	MountTimeout   time.Duration
	UnmountTimeout time.Duration
	Logger         *slog.Logger
}

func newHandle(d Driver, img image.Image, dir string) *Handle {
	return &Handle{
		Image:      img,
		MountPoint: dir,
		Driver:     d.Name(),
		MountedAt:  time.Now(),
	}
}
