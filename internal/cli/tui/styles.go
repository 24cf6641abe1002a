package tui

import "github.com/charmbracelet/lipgloss"

// Palette (ANSI 256)
const (
	colorAccent = lipgloss.Color("39")
	colorBusy   = lipgloss.Color("214")
	colorMuted  = lipgloss.Color("245")
	colorDim    = lipgloss.Color("240")
	colorOK     = lipgloss.Color("42")
	colorRevert = lipgloss.Color("178")
	colorBad    = lipgloss.Color("196")
	colorDetail = lipgloss.Color("250")
)

// Styles holds the lipgloss styles used by the batch view.
type Styles struct {
	Title       lipgloss.Style
	Timer       lipgloss.Style
	Parallelism lipgloss.Style

	JobActive  lipgloss.Style
	JobWaiting lipgloss.Style
	JobName    lipgloss.Style

	PhaseIcon lipgloss.Style
	PhaseText lipgloss.Style

	Footer    lipgloss.Style
	FooterKey lipgloss.Style

	StatusComplete lipgloss.Style
	StatusRollback lipgloss.Style
	StatusFailed   lipgloss.Style
	StatusActive   lipgloss.Style

	LogTitle lipgloss.Style
	LogLine  lipgloss.Style
	LogWarn  lipgloss.Style
	LogError lipgloss.Style
}

// DefaultStyles returns the default styles.
func DefaultStyles() Styles {
	fg := func(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	return Styles{
		Title:       fg(colorAccent).Bold(true),
		Timer:       fg(colorMuted),
		Parallelism: fg(colorMuted),

		JobActive:  fg(colorBusy),
		JobWaiting: fg(colorMuted),
		JobName:    lipgloss.NewStyle().Bold(true),

		PhaseIcon: fg(colorMuted),
		PhaseText: fg(colorDetail).Italic(true),

		Footer:    fg(colorMuted).MarginTop(1),
		FooterKey: fg(colorBusy).Bold(true),

		StatusComplete: fg(colorOK),
		StatusRollback: fg(colorRevert),
		StatusFailed:   fg(colorBad),
		StatusActive:   fg(colorBusy),

		LogTitle: fg(colorDim).Bold(true),
		LogLine:  fg(colorMuted),
		LogWarn:  fg(colorRevert),
		LogError: fg(colorBad),
	}
}

// Phase icons
const (
	IconActive   = "●"
	IconMount    = "💿"
	IconApply    = "🔧"
	IconCommit   = "💾"
	IconRollback = "↺"
	IconWaiting  = "⏳"
)
