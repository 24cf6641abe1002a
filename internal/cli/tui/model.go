package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// JobState tracks one running transaction in the TUI
type JobState struct {
	TxnID      string
	Label      string
	State      string
	Applied    int
	Action     int
	ActionName string
	Phase      string
	PhaseIcon  string
	Waiting    bool
}

// Model is the bubbletea model for the TUI
type Model struct {
	// Configuration
	TotalJobs   int
	Parallelism int
	Styles      Styles

	// State
	ActiveJobs    map[string]*JobState
	CommittedJobs int
	RolledBack    int
	FailedJobs    int
	StartTime     time.Time
	Logs          []LogMsg
	LogLimit      int
	ShowLogs      bool
	Width         int
	Height        int

	// Control
	Quitting bool
	Done     bool
}

// NewModel creates a new TUI model. Zero counts are filled in by BatchStartedMsg.
func NewModel(totalJobs, parallelism int) *Model {
	return &Model{
		TotalJobs:   totalJobs,
		Parallelism: parallelism,
		Styles:      DefaultStyles(),
		ActiveJobs:  make(map[string]*JobState),
		StartTime:   time.Now(),
		LogLimit:    500,
	}
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg is sent every second to update the timer
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// DoneMsg signals the TUI should exit
type DoneMsg struct{}

// QuitMsg signals the user requested quit (q or Ctrl+C)
type QuitMsg struct{}

// BatchStartedMsg carries the batch size
type BatchStartedMsg struct {
	Jobs    int
	Workers int
}

// StateMsg reports a transaction state transition
type StateMsg struct {
	TxnID string
	Label string
	State string
}

// LockWaitMsg reports a transaction blocked on another one's image lock
type LockWaitMsg struct {
	TxnID  string
	Holder string
}

// ActionStartedMsg reports the action now running
type ActionStartedMsg struct {
	TxnID string
	Index int
	Name  string
}

// ActionCompletedMsg reports a finished action
type ActionCompletedMsg struct {
	TxnID string
	Index int
}

// FinishedMsg reports the outcome of a transaction
type FinishedMsg struct {
	TxnID     string
	Committed bool
	State     string
	Error     string
}
