// Package action defines the unit of modification applied to a mounted image.
package action

import (
	"context"

	"github.com/samber/lo"
)

// Action modifies the tree under a mount point. Apply must only touch paths
// below mountPoint. Idempotent actions can be re-applied to an image that
// already carries their effect without changing it further.
type Action interface {
	Name() string
	Idempotent() bool
	Apply(ctx context.Context, mountPoint string) error
}

// Func adapts a function to the Action interface.
type Func struct {
	ActionName   string
	IsIdempotent bool
	Fn           func(ctx context.Context, mountPoint string) error
}

// New wraps fn as an Action.
func New(name string, idempotent bool, fn func(ctx context.Context, mountPoint string) error) *Func {
	return &Func{ActionName: name, IsIdempotent: idempotent, Fn: fn}
}

func (f *Func) Name() string { return f.ActionName }

func (f *Func) Idempotent() bool { return f.IsIdempotent }

func (f *Func) Apply(ctx context.Context, mountPoint string) error {
	return f.Fn(ctx, mountPoint)
}

// Names lists the names of actions in order.
func Names(actions []Action) []string {
	return lo.Map(actions, func(a Action, _ int) string { return a.Name() })
}
