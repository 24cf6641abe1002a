package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// App represents the CLI application with all wired dependencies
type App struct {
	// Root command
	rootCmd *cobra.Command

	// Global flags
	configPath string
	logLevel   string
	verbose    bool

	// Output streams; tests replace them
	stdout io.Writer
	stderr io.Writer

	// Version information
	versionInfo VersionInfo
}

// VersionInfo is stamped in at build time.
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// New creates a new CLI application
func New() *App {
	app := &App{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.versionInfo = VersionInfo{Version: version, Commit: commit, Date: date}
}

// SetArgs replaces os.Args for the root command.
func (a *App) SetArgs(args []string) {
	a.rootCmd.SetArgs(args)
}

// SetOutput redirects command output.
func (a *App) SetOutput(stdout, stderr io.Writer) {
	a.stdout = stdout
	a.stderr = stderr
	a.rootCmd.SetOut(stdout)
	a.rootCmd.SetErr(stderr)
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "winforge",
		Short: "Transactional customization of Windows deployment images",
		Long: `winforge mounts Windows images (WIM, ESD, ISO, VHD, VHDX or expanded
directories), applies ordered profile actions with checkpoints, and
either commits every change or rolls the image back untouched.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"Config file (default: ./.winforge.yaml)")
	a.rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"Override the configured log level")
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Verbose output (same as --log-level=debug)")

	a.rootCmd.AddCommand(
		NewRunCmd(a),
		NewStatusCmd(a),
		NewCheckpointsCmd(a),
		NewCleanupCmd(a),
		NewRecoverCmd(a),
		NewVersionCmd(a),
	)
}
