package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrHeldByProcess indicates a pid file belongs to a process that is still running
var ErrHeldByProcess = errors.New("held by a running process")

// PIDFile makes a step single-instance across processes sharing a state
// directory. The file holds the owner's pid; a file whose owner has exited
// is taken over.
type PIDFile struct {
	path string
}

// NewPIDFile returns a PIDFile at path. Nothing is written until Acquire.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire records the current pid. It fails with ErrHeldByProcess if another
// live process owns the file.
func (p *PIDFile) Acquire() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(p.path)
				return fmt.Errorf("write pid file: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create pid file: %w", err)
		}

		owner, err := ReadPID(p.path)
		if err != nil && !os.IsNotExist(err) && !errors.Is(err, errBadPID) {
			return err
		}
		if owner > 0 && (owner == os.Getpid() || ProcessAlive(owner)) {
			return fmt.Errorf("%s: pid %d: %w", p.path, owner, ErrHeldByProcess)
		}
		// Stale or unreadable: the owner is gone.
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale pid file: %w", err)
		}
	}
	return fmt.Errorf("%s: lost race for pid file: %w", p.path, ErrHeldByProcess)
}

// Release removes the file if it still names this process.
func (p *PIDFile) Release() error {
	owner, err := ReadPID(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && owner != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var errBadPID = errors.New("invalid pid file")

// ReadPID parses the pid stored at path. A missing file is reported with an
// error satisfying os.IsNotExist.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w %s: %q", errBadPID, path, s)
	}
	return pid, nil
}
