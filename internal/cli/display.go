package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/RevCBH/winforge/internal/batch"
	"github.com/RevCBH/winforge/internal/txn"
)

// DisplayConfig controls summary output formatting
type DisplayConfig struct {
	UseColor bool // Enable ANSI color codes
}

// StatusSymbol marks an outcome in the summary
type StatusSymbol string

const (
	SymbolCommitted  StatusSymbol = "✓"
	SymbolRolledBack StatusSymbol = "↺"
	SymbolFailed     StatusSymbol = "✗"
	SymbolCancelled  StatusSymbol = "○"
)

// GetStatusSymbol returns the symbol for a final transaction state
func GetStatusSymbol(state txn.State) StatusSymbol {
	switch state {
	case txn.StateCommitted, txn.StateUnmounted:
		return SymbolCommitted
	case txn.StateRolledBack:
		return SymbolRolledBack
	case batch.StateCancelled:
		return SymbolCancelled
	default:
		return SymbolFailed
	}
}

type summaryStyles struct {
	ok, warn, bad, dim, title lipgloss.Style
}

func newSummaryStyles(color bool) summaryStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return summaryStyles{plain, plain, plain, plain, plain}
	}
	return summaryStyles{
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		title: lipgloss.NewStyle().Bold(true),
	}
}

func (s summaryStyles) forEntry(e batch.Entry) lipgloss.Style {
	switch {
	case e.Committed:
		return s.ok
	case e.FinalState == txn.StateRolledBack, e.FinalState == batch.StateCancelled:
		return s.warn
	default:
		return s.bad
	}
}

// RenderSummary prints one row per job followed by the batch status.
func RenderSummary(w io.Writer, res *batch.Result, cfg DisplayConfig) {
	if res == nil {
		return
	}
	st := newSummaryStyles(cfg.UseColor)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderRow(false).
		Headers("#", "IMAGE", "STATE", "CHECKPOINTS", "DURATION", "DETAIL").
		StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		})

	for _, e := range res.Entries {
		state := fmt.Sprintf("%s %s", GetStatusSymbol(e.FinalState), e.FinalState)
		t.Row(
			strconv.Itoa(e.Index+1),
			e.Label,
			st.forEntry(e).Render(state),
			checkpointCell(e),
			formatDuration(e.Duration),
			st.dim.Render(entryDetail(e)),
		)
	}

	fmt.Fprintln(w, t.Render())
	headline := fmt.Sprintf("Batch %s: %d/%d committed", res.Status, res.Committed(), len(res.Entries))
	style := st.ok
	if res.Status != batch.StatusSuccess {
		style = st.bad
	}
	fmt.Fprintln(w, st.title.Inherit(style).Render(headline))
}

func checkpointCell(e batch.Entry) string {
	cell := strconv.Itoa(e.Checkpoints)
	if e.RestoredCheckpoint != "" {
		cell += fmt.Sprintf(" (restored #%d)", e.RestoredSeq)
	}
	if e.Degraded {
		cell += " (degraded)"
	}
	return cell
}

// entryDetail explains why a job did not commit.
func entryDetail(e batch.Entry) string {
	if e.Committed || e.Error == nil {
		return ""
	}
	msg := firstLine(e.Error.Error())
	if e.FailedAction > 0 {
		return fmt.Sprintf("action #%d %q: %s", e.FailedAction, e.FailedActionName, msg)
	}
	return msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// formatDuration rounds to a readable precision
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}
