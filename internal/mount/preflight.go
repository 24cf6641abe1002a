package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"

	"github.com/RevCBH/winforge/internal/image"
)

// Preflight validates the environment before a driver touches an image.
type Preflight struct {
	Runner       Runner
	MinFreeSpace datasize.ByteSize

	// freeSpace is replaced in tests
	freeSpace func(path string) (uint64, error)
}

// Check verifies that the tool resolves, the image exists and the volume
// holding dir has at least MinFreeSpace available.
func (p *Preflight) Check(img image.Image, tool, dir string) error {
	if tool != "" {
		if _, err := p.Runner.LookPath(tool); err != nil {
			return &MountError{Op: "preflight", Image: img.Name(), Tool: tool,
				Err: fmt.Errorf("%w: %s", ErrToolMissing, tool)}
		}
	}

	if _, err := os.Stat(img.Path); err != nil {
		if os.IsNotExist(err) {
			return &MountError{Op: "preflight", Image: img.Name(),
				Err: fmt.Errorf("%w: %s", ErrImageMissing, img.Path)}
		}
		return &MountError{Op: "preflight", Image: img.Name(), Err: err}
	}

	if p.MinFreeSpace == 0 {
		return nil
	}
	free := p.freeSpace
	if free == nil {
		free = freeBytes
	}
	avail, err := free(existingAncestor(dir))
	if err != nil {
		return &MountError{Op: "preflight", Image: img.Name(),
			Err: fmt.Errorf("query free space: %w", err)}
	}
	if avail < p.MinFreeSpace.Bytes() {
		return &MountError{Op: "preflight", Image: img.Name(),
			Err: fmt.Errorf("%w: %s available, %s required", ErrInsufficientSpace,
				datasize.ByteSize(avail).HumanReadable(), p.MinFreeSpace.HumanReadable())}
	}
	return nil
}

// existingAncestor walks up from path to the first directory that exists.
func existingAncestor(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
