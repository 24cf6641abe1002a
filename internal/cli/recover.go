package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RevCBH/winforge/internal/lock"
	"github.com/RevCBH/winforge/internal/txn"
)

// NewRecoverCmd creates the recover command
func NewRecoverCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Close transactions left open by a crash",
		Long: `Recover finds every journaled transaction that never ended, discards
its mount, bumps the image generation so stale handles are rejected, and
records the transaction as failed. Images are left in their last committed
state.

Transactions owned by a process that is still running are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Recover(cmd.Context())
		},
	}
}

// Recover runs crash recovery and reports each transaction it closed.
func (a *App) Recover(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.setup(ctx, WireOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	recovered, err := recoverExclusive(ctx, rt)
	if err != nil {
		return err
	}
	if len(recovered) == 0 {
		fmt.Fprintln(a.stdout, "Nothing to recover")
		return nil
	}
	for _, r := range recovered {
		line := fmt.Sprintf("%s %s: %s -> %s", GetStatusSymbol(r.FinalState), r.TxnID, r.PriorState, r.FinalState)
		if r.DiscardErr != nil {
			line += fmt.Sprintf(" (discard failed: %v)", r.DiscardErr)
		}
		fmt.Fprintln(a.stdout, line)
	}
	return nil
}

// recoverExclusive runs recovery while holding the state directory's pid
// file, so two processes never discard the same leftover mount.
func recoverExclusive(ctx context.Context, rt *Runtime) ([]txn.Recovered, error) {
	pf := lock.NewPIDFile(rt.Config.RecoverPIDPath())
	if err := pf.Acquire(); err != nil {
		return nil, fmt.Errorf("recovery already running: %w", err)
	}
	defer func() {
		if err := pf.Release(); err != nil {
			rt.Logger.Warn("release pid file", "path", pf.Path(), "err", err)
		}
	}()
	return rt.Engine.Recover(ctx)
}
