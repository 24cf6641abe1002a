package mount

import (
	"fmt"

	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/logging"
)

// Registry maps image formats to drivers.
type Registry struct {
	drivers map[image.Format]Driver
	order   []Driver
}

// NewRegistry creates a registry holding the given drivers. Later drivers
// override earlier ones for a shared format.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[image.Format]Driver)}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// NewDefaultRegistry wires the DISM, ISO, VHD and dir drivers with a shared
// preflight and the configured timeouts.
func NewDefaultRegistry(opts Options) *Registry {
	runner := opts.Runner
	if runner == nil {
		runner = NewOSRunner()
	}
	logger := logging.OrNop(opts.Logger)
	pf := &Preflight{Runner: runner, MinFreeSpace: opts.MinFreeSpace}

	wrap := func(d Driver) Driver {
		return WithTimeouts(d, opts.MountTimeout, opts.UnmountTimeout, logger)
	}
	return NewRegistry(
		wrap(NewDISMDriver(runner, opts.Tools.DISM, pf, logger)),
		wrap(NewISODriver(runner, opts.Tools.SevenZip, opts.Tools.Oscdimg, pf)),
		wrap(NewVHDDriver(runner, opts.Tools.PowerShell, pf)),
		wrap(NewDirDriver(pf)),
	)
}

// Register adds d for every format it handles.
func (r *Registry) Register(d Driver) {
	r.order = append(r.order, d)
	for _, f := range d.Formats() {
		r.drivers[f] = d
	}
}

// Lookup returns the driver for format.
func (r *Registry) Lookup(format image.Format) (Driver, error) {
	if d, ok := r.drivers[format]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoDriver, format)
}

// ByName returns the driver recorded in a handle.
func (r *Registry) ByName(name string) (Driver, error) {
	for _, d := range r.order {
		if d.Name() == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown driver %q", ErrNoDriver, name)
}

// Len returns the number of registered formats.
func (r *Registry) Len() int {
	return len(r.drivers)
}

// Formats lists the registered formats in image.Formats order.
func (r *Registry) Formats() []image.Format {
	var out []image.Format
	for _, f := range image.Formats {
		if _, ok := r.drivers[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
