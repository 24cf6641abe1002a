package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/RevCBH/winforge/internal/store"
)

// StatusOptions holds flags for the status command
type StatusOptions struct {
	Limit int  // Most recent transactions to show
	JSON  bool // Output as JSON instead of a table
}

// NewStatusCmd creates the status command
func NewStatusCmd(app *App) *cobra.Command {
	opts := StatusOptions{Limit: 20}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the transaction journal",
		Long:  `Display the most recent transactions with their state and outcome.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ShowStatus(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "l", 20, "Number of transactions to show")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON instead of formatted text")

	return cmd
}

// txnView is the JSON shape of one journal row
type txnView struct {
	ID           string     `json:"id"`
	Image        string     `json:"image"`
	Format       string     `json:"format"`
	Index        int        `json:"index"`
	State        string     `json:"state"`
	Generation   int64      `json:"generation"`
	Actions      int        `json:"actions"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	FailedAction int        `json:"failed_action,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func toTxnView(r *store.TxnRecord) txnView {
	return txnView{
		ID:           r.ID,
		Image:        r.ImagePath,
		Format:       r.Format,
		Index:        r.ImageIndex,
		State:        r.State,
		Generation:   r.Generation,
		Actions:      r.ActionCount,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		FailedAction: r.FailedAction,
		Error:        r.Error,
	}
}

// ShowStatus prints the journal
func (a *App) ShowStatus(ctx context.Context, opts StatusOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := a.setup(ctx, WireOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	recs, err := rt.DB.ListTxns(ctx, opts.Limit)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}

	views := make([]txnView, 0, len(recs))
	for _, r := range recs {
		views = append(views, toTxnView(r))
	}
	if opts.JSON {
		return outputJSON(a.stdout, views)
	}
	fmt.Fprint(a.stdout, formatStatusOutput(views))
	return nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatStatusOutput(views []txnView) string {
	if len(views) == 0 {
		return "No transactions recorded\n"
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TXN", "IMAGE", "STATE", "ACTIONS", "STARTED", "DURATION", "ERROR").
		StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, v := range views {
		dur := "running"
		if v.EndedAt != nil {
			dur = formatDuration(v.EndedAt.Sub(v.StartedAt))
		}
		image := v.Image
		if v.Index > 1 {
			image += ":" + strconv.Itoa(v.Index)
		}
		t.Row(v.ID, image, v.State, strconv.Itoa(v.Actions),
			v.StartedAt.Local().Format(time.DateTime), dur, firstLine(v.Error))
	}
	return t.Render() + "\n"
}
