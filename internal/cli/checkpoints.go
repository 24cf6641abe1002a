package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/RevCBH/winforge/internal/txn"
)

// NewCheckpointsCmd creates the checkpoints command group
func NewCheckpointsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect and verify transaction checkpoints",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <txn-id>",
			Short: "List the checkpoint chain of a transaction",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.ListCheckpoints(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "show <checkpoint-id>",
			Short: "Print a checkpoint manifest as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.ShowCheckpoint(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "verify <checkpoint-id>",
			Short: "Verify a checkpoint and every ancestor it restores through",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.VerifyCheckpoint(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "drop <txn-id>",
			Short: "Drop the checkpoints of a finished transaction now",
			Long: `Drop removes every checkpoint of one finished transaction without
waiting for the retention window. Blobs it shared with other transactions
stay; the next "winforge cleanup" reclaims the ones nothing references.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.DropCheckpoints(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

// ListCheckpoints prints the chain of txnID, root first.
func (a *App) ListCheckpoints(ctx context.Context, txnID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.setup(ctx, WireOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	chain, err := rt.Checkpoints.Chain(ctx, txnID)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		fmt.Fprintf(a.stdout, "No checkpoints for %s\n", txnID)
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SEQ", "CHECKPOINT", "KIND", "PARENT", "LABEL", "CREATED").
		StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, cp := range chain {
		parent := cp.ParentID
		if parent == "" {
			parent = "-"
		}
		t.Row(strconv.Itoa(cp.Seq), cp.ID, string(cp.Kind), parent, cp.Label,
			cp.CreatedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintln(a.stdout, t.Render())
	return nil
}

// ShowCheckpoint writes the manifest of one checkpoint.
func (a *App) ShowCheckpoint(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.setup(ctx, WireOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	data, err := rt.Checkpoints.Manifest(ctx, id)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.stdout, string(data))
	return err
}

// VerifyCheckpoint checks id and its ancestors, nearest first. It fails if
// any checkpoint on the restore path is corrupt.
func (a *App) VerifyCheckpoint(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.setup(ctx, WireOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	chain, err := rt.Checkpoints.Ancestors(ctx, id)
	if err != nil {
		return err
	}
	var bad int
	for _, cp := range chain {
		if err := rt.Checkpoints.Verify(ctx, cp.ID); err != nil {
			bad++
			fmt.Fprintf(a.stdout, "%s #%d %s: %v\n", SymbolFailed, cp.Seq, cp.ID, err)
			continue
		}
		fmt.Fprintf(a.stdout, "%s #%d %s\n", SymbolCommitted, cp.Seq, cp.ID)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d checkpoints failed verification", bad, len(chain))
	}
	return nil
}

// DropCheckpoints discards the checkpoint namespace of txnID. Transactions
// that have not reached an outcome are refused.
func (a *App) DropCheckpoints(ctx context.Context, txnID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.setup(ctx, WireOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.DB.GetTxn(ctx, txnID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("unknown transaction %s", txnID)
	}
	state, err := txn.ParseState(rec.State)
	if err != nil {
		return err
	}
	if rec.EndedAt == nil || !state.IsOutcome() {
		return fmt.Errorf("transaction %s is %s; only finished transactions can drop checkpoints", txnID, state)
	}

	chain, err := rt.Checkpoints.Chain(ctx, txnID)
	if err != nil {
		return err
	}
	if err := rt.Checkpoints.Discard(ctx, txnID); err != nil {
		return fmt.Errorf("drop checkpoints: %w", err)
	}
	fmt.Fprintf(a.stdout, "Dropped %d checkpoints of %s\n", len(chain), txnID)
	return nil
}
