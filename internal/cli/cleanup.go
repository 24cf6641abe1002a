package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
)

// CleanupOptions holds flags for the cleanup command
type CleanupOptions struct {
	// OlderThan overrides the configured checkpoint retention; negative means unset
	OlderThan time.Duration
}

// NewCleanupCmd creates the cleanup command
func NewCleanupCmd(app *App) *cobra.Command {
	opts := CleanupOptions{OlderThan: -1}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove checkpoints of finished transactions",
		Long: `Cleanup drops the checkpoints of transactions that ended before the
retention window and deletes blobs no remaining checkpoint references.

Transactions that are still open are never touched; run "winforge recover"
first if a previous run crashed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Cleanup(cmd.Context(), opts)
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", -1,
		"Only remove transactions that ended at least this long ago (default: checkpoint.retention)")

	return cmd
}

// Cleanup runs checkpoint garbage collection.
func (a *App) Cleanup(ctx context.Context, opts CleanupOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.setup(ctx, WireOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	retention := opts.OlderThan
	if retention < 0 {
		retention = rt.Config.RetentionDuration()
	}

	report, err := rt.Checkpoints.Cleanup(ctx, retention)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	fmt.Fprintf(a.stdout, "Cleanup complete:\n")
	fmt.Fprintf(a.stdout, "  Transactions:    %d\n", report.Transactions)
	fmt.Fprintf(a.stdout, "  Checkpoints:     %d\n", report.Checkpoints)
	fmt.Fprintf(a.stdout, "  Objects:         %d\n", report.Objects)
	fmt.Fprintf(a.stdout, "  Reclaimed:       %s\n", datasize.ByteSize(report.Bytes).HumanReadable())
	return nil
}
