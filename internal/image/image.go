package image

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Format identifies the container type of a deployment image
type Format string

const (
	FormatWIM  Format = "wim"
	FormatESD  Format = "esd"
	FormatISO  Format = "iso"
	FormatVHD  Format = "vhd"
	FormatVHDX Format = "vhdx"

	// FormatDir is an already-expanded image tree on disk
	FormatDir Format = "dir"
)

var (
	ErrUnknownFormat = errors.New("unknown image format")
	ErrInvalidImage  = errors.New("invalid image reference")
)

// Formats lists every supported format
var Formats = []Format{FormatWIM, FormatESD, FormatISO, FormatVHD, FormatVHDX, FormatDir}

// ParseFormat converts a user supplied tag into a Format
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// DetectFormat infers the format from the file extension.
// Paths without an extension are treated as expanded directory images.
func DetectFormat(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return FormatDir, nil
	}
	return ParseFormat(ext)
}

// MultiImage reports whether the format can hold several indexed images
func (f Format) MultiImage() bool {
	return f == FormatWIM || f == FormatESD
}

// Image identifies one image inside a container. Identity is immutable.
type Image struct {
	Path   string `json:"path" yaml:"path"`
	Format Format `json:"format" yaml:"format"`
	Index  int    `json:"index" yaml:"index"`
}

// New builds a validated Image. The path is made absolute and cleaned;
// an empty format is detected from the extension; index defaults to 1.
func New(path string, format Format, index int) (Image, error) {
	if strings.TrimSpace(path) == "" {
		return Image{}, fmt.Errorf("%w: empty path", ErrInvalidImage)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	if format == "" {
		format, err = DetectFormat(abs)
		if err != nil {
			return Image{}, err
		}
	} else if format, err = ParseFormat(string(format)); err != nil {
		return Image{}, err
	}

	if index == 0 {
		index = 1
	}
	if index < 1 {
		return Image{}, fmt.Errorf("%w: index must be >= 1, got %d", ErrInvalidImage, index)
	}
	if index > 1 && !format.MultiImage() {
		return Image{}, fmt.Errorf("%w: %s images have a single index", ErrInvalidImage, format)
	}

	return Image{Path: filepath.Clean(abs), Format: format, Index: index}, nil
}

// ID returns the stable key used for checkpoint ownership and mount
// generations. Two references to the same container and index always share
// an ID.
func (i Image) ID() string {
	return fmt.Sprintf("%s#%d", i.ContainerKey(), i.Index)
}

// ContainerKey identifies the file on disk regardless of index. Mounts are
// exclusive per container: DISM cannot commit two indexes of one WIM at once.
func (i Image) ContainerKey() string {
	p := filepath.ToSlash(filepath.Clean(i.Path))
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

// Name is a short human readable label for logs and the TUI
func (i Image) Name() string {
	base := filepath.Base(i.Path)
	if i.Format.MultiImage() {
		return fmt.Sprintf("%s:%d", base, i.Index)
	}
	return base
}

func (i Image) String() string {
	return fmt.Sprintf("%s (%s, index %d)", i.Path, i.Format, i.Index)
}
