package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/shell"
	"mvdan.cc/sh/v3/syntax"

	"github.com/RevCBH/winforge/internal/action"
	"github.com/RevCBH/winforge/internal/fsutil"
)

// MountVar is expanded to the mount point in exec commands and scripts
const MountVar = "MOUNT"

type mkdirStep struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
	Mode string `mapstructure:"mode"`
}

type writeFileStep struct {
	Name    string `mapstructure:"name"`
	Path    string `mapstructure:"path"`
	Content string `mapstructure:"content"`
	Mode    string `mapstructure:"mode"`
}

type copyFileStep struct {
	Name string `mapstructure:"name"`
	Src  string `mapstructure:"src"`
	Dest string `mapstructure:"dest"`
	Mode string `mapstructure:"mode"`
}

type removeStep struct {
	Name      string `mapstructure:"name"`
	Path      string `mapstructure:"path"`
	MissingOK bool   `mapstructure:"missing_ok"`
}

type execStep struct {
	Name       string `mapstructure:"name"`
	Command    string `mapstructure:"command"`
	Dir        string `mapstructure:"dir"`
	Idempotent bool   `mapstructure:"idempotent"`
}

type scriptStep struct {
	Name       string `mapstructure:"name"`
	Run        string `mapstructure:"run"`
	Idempotent bool   `mapstructure:"idempotent"`
}

func decodeStep(raw map[string]any, out any) error {
	if err := decodeStrict(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidStep, field)
	}
	return nil
}

// parseMode reads an octal permission string such as "0644".
func parseMode(s string, def fs.FileMode) (fs.FileMode, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("%w: mode %q is not an octal permission", ErrInvalidStep, s)
	}
	return fs.FileMode(n), nil
}

// inMount resolves a slash path inside the mount point. Symlinks in the
// image are evaluated relative to the mount, never the host.
func inMount(mountPoint, rel string) (string, error) {
	return securejoin.SecureJoin(mountPoint, filepath.FromSlash(rel))
}

func stepName(explicit, typ, target string) string {
	if explicit != "" {
		return explicit
	}
	return typ + " " + target
}

func buildMkdir(_ *Resolver, _ *Profile, raw map[string]any) (action.Action, error) {
	var s mkdirStep
	if err := decodeStep(raw, &s); err != nil {
		return nil, err
	}
	if err := required("path", s.Path); err != nil {
		return nil, err
	}
	mode, err := parseMode(s.Mode, 0o755)
	if err != nil {
		return nil, err
	}
	return action.New(stepName(s.Name, "mkdir", s.Path), true, func(_ context.Context, mnt string) error {
		dir, err := inMount(mnt, s.Path)
		if err != nil {
			return err
		}
		return os.MkdirAll(dir, mode)
	}), nil
}

func buildWriteFile(_ *Resolver, _ *Profile, raw map[string]any) (action.Action, error) {
	var s writeFileStep
	if err := decodeStep(raw, &s); err != nil {
		return nil, err
	}
	if err := required("path", s.Path); err != nil {
		return nil, err
	}
	mode, err := parseMode(s.Mode, 0o644)
	if err != nil {
		return nil, err
	}
	return action.New(stepName(s.Name, "write_file", s.Path), true, func(_ context.Context, mnt string) error {
		path, err := inMount(mnt, s.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(path, []byte(s.Content), mode)
	}), nil
}

func buildCopyFile(_ *Resolver, p *Profile, raw map[string]any) (action.Action, error) {
	var s copyFileStep
	if err := decodeStep(raw, &s); err != nil {
		return nil, err
	}
	if err := required("src", s.Src); err != nil {
		return nil, err
	}
	if err := required("dest", s.Dest); err != nil {
		return nil, err
	}
	src := s.Src
	if !filepath.IsAbs(src) && p.Path != "" {
		src = filepath.Join(filepath.Dir(p.Path), src)
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", ErrInvalidStep, s.Src, err)
	}
	mode, err := parseMode(s.Mode, info.Mode().Perm())
	if err != nil {
		return nil, err
	}
	return action.New(stepName(s.Name, "copy_file", s.Dest), true, func(ctx context.Context, mnt string) error {
		dest, err := inMount(mnt, s.Dest)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if info.IsDir() {
			return fsutil.CopyTree(ctx, src, dest)
		}
		return fsutil.CopyFile(src, dest, mode)
	}), nil
}

func buildRemove(_ *Resolver, _ *Profile, raw map[string]any) (action.Action, error) {
	var s removeStep
	if err := decodeStep(raw, &s); err != nil {
		return nil, err
	}
	if err := required("path", s.Path); err != nil {
		return nil, err
	}
	if p := filepath.Clean(filepath.FromSlash(s.Path)); p == "." || p == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: refusing to remove the image root", ErrInvalidStep)
	}
	return action.New(stepName(s.Name, "remove", s.Path), true, func(_ context.Context, mnt string) error {
		path, err := inMount(mnt, s.Path)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			if s.MissingOK {
				return nil
			}
			return fmt.Errorf("remove %s: %w", s.Path, err)
		}
		return os.RemoveAll(path)
	}), nil
}

func buildExec(r *Resolver, _ *Profile, raw map[string]any) (action.Action, error) {
	var s execStep
	if err := decodeStep(raw, &s); err != nil {
		return nil, err
	}
	if err := required("command", s.Command); err != nil {
		return nil, err
	}
	if r.runner == nil {
		return nil, fmt.Errorf("%w: exec steps need a command runner", ErrInvalidStep)
	}
	// Catch quoting errors before anything is mounted.
	if _, err := splitCommand(s.Command, MountVar); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}
	return action.New(stepName(s.Name, "exec", s.Command), s.Idempotent, func(ctx context.Context, mnt string) error {
		argv, err := splitCommand(s.Command, mnt)
		if err != nil {
			return err
		}
		dir := mnt
		if s.Dir != "" {
			if dir, err = inMount(mnt, s.Dir); err != nil {
				return err
			}
		}
		out, err := r.runner.Exec(ctx, dir, argv[0], argv[1:]...)
		if err != nil {
			return err
		}
		r.logger.Debug("exec step finished", "command", argv[0], "output", strings.TrimSpace(out))
		return nil
	}), nil
}

// splitCommand tokenizes a command line with shell quoting rules and
// expands $MOUNT. Other variables expand to the empty string.
func splitCommand(command, mountPoint string) ([]string, error) {
	argv, err := shell.Fields(command, func(name string) string {
		if name == MountVar {
			return mountPoint
		}
		return ""
	})
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("parse command %q: empty", command)
	}
	return argv, nil
}

func buildScript(r *Resolver, _ *Profile, raw map[string]any) (action.Action, error) {
	var s scriptStep
	if err := decodeStep(raw, &s); err != nil {
		return nil, err
	}
	if err := required("run", s.Run); err != nil {
		return nil, err
	}
	prog, err := syntax.NewParser().Parse(strings.NewReader(s.Run), "script")
	if err != nil {
		return nil, fmt.Errorf("%w: script syntax error: %v", ErrInvalidStep, err)
	}
	name := s.Name
	if name == "" {
		name = "script"
	}
	return action.New(name, s.Idempotent, func(ctx context.Context, mnt string) error {
		var stdout, stderr bytes.Buffer
		env := append(os.Environ(), MountVar+"="+mnt)
		runner, err := interp.New(
			interp.Dir(mnt),
			interp.Env(expand.ListEnviron(env...)),
			interp.StdIO(nil, &stdout, &stderr),
		)
		if err != nil {
			return fmt.Errorf("create interpreter: %w", err)
		}
		err = runner.Run(ctx, prog)
		r.logger.Debug("script step finished", "step", name, "stdout", strings.TrimSpace(stdout.String()))
		if err != nil {
			var status interp.ExitStatus
			if errors.As(err, &status) {
				return fmt.Errorf("script exited with status %d: %s", int(status), strings.TrimSpace(stderr.String()))
			}
			return fmt.Errorf("script execution failed: %w", err)
		}
		return nil
	}), nil
}
