package mount

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external tools.
type Runner interface {
	Exec(ctx context.Context, dir, name string, args ...string) (string, error)
	LookPath(name string) (string, error)
}

// ToolError carries the exit status and output of a failed tool run.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s %s failed: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v\noutput: %s", e.Tool, strings.Join(e.Args, " "), e.Err, out)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// osRunner executes real tools via exec.CommandContext.
type osRunner struct{}

// NewOSRunner returns a Runner backed by os/exec.
func NewOSRunner() Runner {
	return osRunner{}
}

func (osRunner) Exec(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		// DISM and oscdimg report errors on stdout
		return stdout.String(), &ToolError{
			Tool:     name,
			Args:     args,
			ExitCode: code,
			Output:   stdout.String() + stderr.String(),
			Err:      err,
		}
	}

	return stdout.String(), nil
}

func (osRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
