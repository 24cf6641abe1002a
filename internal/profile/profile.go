// Package profile turns declarative profile files into ordered action lists
// using a small built-in catalog of file and command steps.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/samber/lo"

	"github.com/RevCBH/winforge/internal/action"
	"github.com/RevCBH/winforge/internal/logging"
)

var (
	// ErrUnknownStep indicates a step type missing from the catalog
	ErrUnknownStep = errors.New("unknown step type")

	// ErrInvalidStep indicates a step whose fields do not decode or validate
	ErrInvalidStep = errors.New("invalid step")
)

// Runner executes external commands. mount.Runner satisfies it.
type Runner interface {
	Exec(ctx context.Context, dir, name string, args ...string) (string, error)
}

// Profile is a named, ordered list of steps.
type Profile struct {
	Name        string           `mapstructure:"name"`
	Description string           `mapstructure:"description"`
	Steps       []map[string]any `mapstructure:"steps"`

	// Path is the file the profile was loaded from; relative sources resolve against its directory
	Path string `mapstructure:"-"`
}

// StepError reports which step of a profile could not be built.
type StepError struct {
	Profile string
	// Index is 1-based
	Index int
	Type  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("profile %s step #%d (%s): %v", e.Profile, e.Index, e.Type, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Load reads a YAML or TOML profile.
func Load(path string) (*Profile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	doc, err := readDocument(abs)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	var p Profile
	if err := decodeStrict(doc, &p); err != nil {
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}
	p.Path = abs
	if p.Name == "" {
		p.Name = filepath.Base(abs)
	}
	return &p, nil
}

// builder creates an action from the raw fields of one step.
type builder func(r *Resolver, p *Profile, raw map[string]any) (action.Action, error)

// Resolver builds actions from profiles.
type Resolver struct {
	runner  Runner
	logger  *slog.Logger
	catalog map[string]builder
}

// NewResolver creates a resolver. runner may be nil if no profile uses exec steps.
func NewResolver(runner Runner, logger *slog.Logger) *Resolver {
	return &Resolver{
		runner: runner,
		logger: logging.OrNop(logger),
		catalog: map[string]builder{
			"mkdir":      buildMkdir,
			"write_file": buildWriteFile,
			"copy_file":  buildCopyFile,
			"remove":     buildRemove,
			"exec":       buildExec,
			"script":     buildScript,
		},
	}
}

// StepTypes lists the catalog in sorted order.
func (r *Resolver) StepTypes() []string {
	types := lo.Keys(r.catalog)
	slices.Sort(types)
	return types
}

// Resolve builds the ordered actions of p. Every step is validated before
// any action runs.
func (r *Resolver) Resolve(p *Profile) ([]action.Action, error) {
	actions := make([]action.Action, 0, len(p.Steps))
	for i, raw := range p.Steps {
		typ, _ := raw["type"].(string)
		build, ok := r.catalog[typ]
		if !ok {
			return nil, &StepError{Profile: p.Name, Index: i + 1, Type: typ, Err: ErrUnknownStep}
		}
		fields := lo.OmitByKeys(raw, []string{"type"})
		a, err := build(r, p, fields)
		if err != nil {
			return nil, &StepError{Profile: p.Name, Index: i + 1, Type: typ, Err: err}
		}
		actions = append(actions, a)
	}
	r.logger.Debug("profile resolved", "profile", p.Name, "actions", len(actions))
	return actions, nil
}

// ResolveFile loads and resolves a profile in one step.
func (r *Resolver) ResolveFile(path string) ([]action.Action, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return r.Resolve(p)
}
