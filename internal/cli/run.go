package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/RevCBH/winforge/internal/action"
	"github.com/RevCBH/winforge/internal/batch"
	"github.com/RevCBH/winforge/internal/cli/tui"
	"github.com/RevCBH/winforge/internal/events"
	"github.com/RevCBH/winforge/internal/lock"
	"github.com/RevCBH/winforge/internal/profile"
)

// RunOptions holds flags for the run command
type RunOptions struct {
	JobsFile    string // YAML or TOML list of images and profiles
	Parallelism int    // Max concurrent images (0: jobs file, then config)
	DryRun      bool   // Resolve every job and print the plan without mounting
	NoTUI       bool   // Disable TUI even when stdout is a TTY
	JSON        bool   // Stream events as JSON lines on stdout
	NoRecover   bool   // Skip recovery of transactions left open by a crash
}

// Validate checks RunOptions for validity
func (opts RunOptions) Validate() error {
	if opts.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", opts.Parallelism)
	}
	if opts.JobsFile == "" {
		return fmt.Errorf("jobs file must not be empty")
	}
	return nil
}

// NewRunCmd creates the run command
func NewRunCmd(app *App) *cobra.Command {
	var opts RunOptions

	cmd := &cobra.Command{
		Use:   "run <jobs-file>",
		Short: "Customize a batch of images",
		Long: `Run mounts every image listed in the jobs file, applies its profile and
commits the result. A failing image is rolled back to its last verified
checkpoint and never affects the other images of the batch.

Transactions left open by a previous crash are recovered first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.JobsFile = args[0]
			if err := opts.Validate(); err != nil {
				return err
			}
			_, err := app.RunBatch(cmd.Context(), opts, WireOptions{})
			return err
		},
	}

	cmd.Flags().IntVarP(&opts.Parallelism, "parallelism", "p", 0, "Max concurrent images")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "Print the plan without mounting anything")
	cmd.Flags().BoolVar(&opts.NoTUI, "no-tui", false, "Disable interactive TUI (use summary-only output)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Emit events as JSON lines")
	cmd.Flags().BoolVar(&opts.NoRecover, "no-recover", false, "Do not recover interrupted transactions first")

	return cmd
}

// RunBatch executes one batch end to end. The result is nil for dry runs
// and for errors that happen before the batch starts.
func (a *App) RunBatch(ctx context.Context, opts RunOptions, wopts WireOptions) (*batch.Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The TUI owns the terminal for the whole run, so logs go through it.
	var ui *tuiSession
	logOut := a.stderr
	if !opts.NoTUI && !opts.JSON && !opts.DryRun && isTerminal(a.stdout) {
		ui = startTUI(a.stderr)
		logOut = ui.logs
		defer ui.stop()
	}

	rt, err := a.setupLogging(ctx, wopts, logOut)
	if err != nil {
		return nil, err
	}
	closed := false
	closeRuntime := func() error {
		if closed {
			return nil
		}
		closed = true
		return rt.Close()
	}
	defer closeRuntime()

	handler := NewSignalHandler(cancel, rt.Logger)
	if ui != nil {
		handler.OnForce(func() {
			ui.program.Kill()
			<-ui.done
			os.Exit(ForceExitCode)
		})
	}
	handler.Start()
	defer handler.Stop()

	if !opts.NoRecover {
		if err := a.recoverOpen(ctx, rt); err != nil {
			return nil, err
		}
	}

	jf, err := profile.LoadJobs(opts.JobsFile)
	if err != nil {
		return nil, err
	}
	jobs, err := profile.NewResolver(rt.Runner, rt.Logger.With("component", "profile")).BuildJobs(jf)
	if err != nil {
		return nil, err
	}

	limit := opts.Parallelism
	if limit == 0 {
		limit = jf.Parallelism
	}
	if limit == 0 {
		limit = rt.Config.Parallelism
	}

	if opts.DryRun {
		printPlan(a.stdout, jobs, limit)
		return nil, nil
	}

	switch {
	case opts.JSON:
		rt.Bus.Subscribe(events.JSONEmitterHandler(events.NewJSONEmitter(a.stdout), rt.Logger))
	case ui != nil:
		rt.Bus.Subscribe(tui.NewBridge(ui.program).Handler())
	default:
		rt.Bus.Subscribe(events.LogHandler(events.LogConfig{Writer: a.stderr}))
	}

	res, err := batch.New(rt.Engine).Submit(ctx, jobs, limit)

	// Drain the bus so every event reaches its consumer before the summary.
	closeErr := closeRuntime()
	if ui != nil {
		ui.stop()
	}
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		rt.Logger.Warn("shutdown incomplete", "error", closeErr)
	}

	if !opts.JSON {
		RenderSummary(a.stdout, res, DisplayConfig{UseColor: isTerminal(a.stdout)})
	}
	if ctx.Err() != nil {
		return res, errors.Join(res.Err(), ctx.Err())
	}
	return res, res.Err()
}

func (a *App) recoverOpen(ctx context.Context, rt *Runtime) error {
	recovered, err := recoverExclusive(ctx, rt)
	if errors.Is(err, lock.ErrHeldByProcess) {
		rt.Logger.Warn("another process is recovering; skipping recovery", "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover interrupted transactions: %w", err)
	}
	for _, r := range recovered {
		rt.Logger.Warn("recovered interrupted transaction",
			"txn", r.TxnID, "image", r.ImageID, "was", r.PriorState, "now", r.FinalState)
	}
	return nil
}

func printPlan(w io.Writer, jobs []batch.Job, limit int) {
	fmt.Fprintf(w, "Plan: %d image(s), parallelism %d\n", len(jobs), limit)
	for i, j := range jobs {
		label := j.Label
		if label == "" {
			label = j.Image.Name()
		}
		fmt.Fprintf(w, "\n[%d] %s\n    %s\n", i+1, label, j.Image)
		for n, name := range action.Names(j.Actions) {
			fmt.Fprintf(w, "    %3d. %s\n", n+1, name)
		}
	}
}

// tuiSession is a bubbletea program running beside the batch.
type tuiSession struct {
	program  *tea.Program
	logs     *tui.LogWriter
	done     chan struct{}
	stopOnce sync.Once
}

func startTUI(stderr io.Writer) *tuiSession {
	s := &tuiSession{done: make(chan struct{})}
	s.program = tea.NewProgram(tui.NewModel(0, 0), tea.WithAltScreen())
	s.logs = tui.NewLogWriter(s.program)
	go func() {
		defer close(s.done)
		if _, err := s.program.Run(); err != nil {
			fmt.Fprintf(stderr, "TUI error: %v\n", err)
		}
	}()
	return s
}

// stop ends the program and waits for the terminal to be restored.
func (s *tuiSession) stop() {
	s.stopOnce.Do(func() {
		s.logs.Flush()
		s.program.Send(tui.DoneMsg{})
		<-s.done
	})
}

func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
