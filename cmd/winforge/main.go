package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/RevCBH/winforge/internal/batch"
	"github.com/RevCBH/winforge/internal/cli"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := cli.New()
	app.SetVersion(version, commit, date)

	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		// A batch that ran but did not fully commit exits 2.
		if errors.Is(err, batch.ErrPartialBatch) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
