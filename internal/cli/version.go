package cli

import (
	"cmp"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// NewVersionCmd creates the version command
func NewVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := app.versionInfo
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "winforge %s\n", cmp.Or(v.Version, "dev"))
			fmt.Fprintf(out, "  commit:   %s\n", cmp.Or(v.Commit, "unknown"))
			fmt.Fprintf(out, "  built:    %s\n", cmp.Or(v.Date, "unknown"))
			fmt.Fprintf(out, "  platform: %s/%s %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
			return nil
		},
	}
}
