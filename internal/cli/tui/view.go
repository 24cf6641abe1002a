package tui

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

// logTail is how many log lines the log pane shows
const logTail = 10

// View implements tea.Model
func (m *Model) View() string {
	if m.Done || m.Quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	b.WriteString(m.renderActiveJobs())
	b.WriteString(m.renderStatusLine())
	b.WriteString("\n")
	if m.ShowLogs {
		b.WriteString(m.renderLogs())
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	elapsed := time.Since(m.StartTime).Round(time.Second)
	return fmt.Sprintf("%s  %s  %s",
		m.Styles.Title.Render("winforge"),
		m.Styles.Timer.Render(fmt.Sprintf("[%s]", formatDuration(elapsed))),
		m.Styles.Parallelism.Render(fmt.Sprintf("Parallelism: %d", m.Parallelism)),
	)
}

func (m *Model) renderActiveJobs() string {
	if len(m.ActiveJobs) == 0 {
		return "  No active images\n\n"
	}

	jobs := lo.Values(m.ActiveJobs)
	slices.SortFunc(jobs, func(a, b *JobState) int {
		return cmp.Or(cmp.Compare(a.Label, b.Label), cmp.Compare(a.TxnID, b.TxnID))
	})

	var b strings.Builder
	for _, job := range jobs {
		b.WriteString(m.renderJob(job))
		b.WriteString("\n")
	}
	return b.String()
}

// renderJob renders two lines: the job header and its current phase.
func (m *Model) renderJob(job *JobState) string {
	var b strings.Builder

	style := m.Styles.JobActive
	if job.Waiting {
		style = m.Styles.JobWaiting
	}
	fmt.Fprintf(&b, "  %s %s %s %s\n",
		style.Render(IconActive),
		m.Styles.JobName.Render(job.Label),
		m.Styles.Timer.Render(shortID(job.TxnID)),
		fmt.Sprintf("%d action(s) applied", job.Applied),
	)

	phase := job.Phase
	if job.ActionName != "" && job.State == "applying" {
		phase = fmt.Sprintf("#%d %s", job.Action, job.ActionName)
	}
	fmt.Fprintf(&b, "      %s %s\n",
		m.Styles.PhaseIcon.Render(job.PhaseIcon),
		m.Styles.PhaseText.Render(phase))
	return b.String()
}

func (m *Model) renderStatusLine() string {
	done := m.CommittedJobs + m.RolledBack + m.FailedJobs
	return fmt.Sprintf("  Images: %d/%d %s | %s | %s | %s",
		done,
		m.TotalJobs,
		m.Styles.StatusComplete.Render(fmt.Sprintf("%d committed", m.CommittedJobs)),
		m.Styles.StatusRollback.Render(fmt.Sprintf("%d rolled back", m.RolledBack)),
		m.Styles.StatusFailed.Render(fmt.Sprintf("%d failed", m.FailedJobs)),
		m.Styles.StatusActive.Render(fmt.Sprintf("%d active", len(m.ActiveJobs))),
	)
}

func (m *Model) renderLogs() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(m.Styles.LogTitle.Render("  Logs"))
	b.WriteString("\n")
	start := max(len(m.Logs)-logTail, 0)
	for _, msg := range m.Logs[start:] {
		style := m.Styles.LogLine
		switch {
		case msg.Level >= slog.LevelError:
			style = m.Styles.LogError
		case msg.Level >= slog.LevelWarn:
			style = m.Styles.LogWarn
		}
		b.WriteString("  ")
		b.WriteString(style.Render(msg.Line))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderFooter() string {
	q := m.Styles.FooterKey.Render("q")
	l := m.Styles.FooterKey.Render("l")
	return m.Styles.Footer.Render(fmt.Sprintf("  Press %s to quit, %s to toggle logs", q, l))
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[len(id)-10:]
	}
	return id
}

// formatDuration formats a duration as HH:MM:SS
func formatDuration(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
