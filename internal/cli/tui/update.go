package tui

import tea "github.com/charmbracelet/bubbletea"

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Quitting = true
			return m, tea.Quit
		case "l":
			m.ShowLogs = !m.ShowLogs
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case TickMsg:
		return m, tickCmd()

	case DoneMsg:
		m.Done = true
		return m, tea.Quit

	case QuitMsg:
		m.Quitting = true
		return m, tea.Quit

	case LogMsg:
		m.Logs = append(m.Logs, msg)
		if m.LogLimit > 0 && len(m.Logs) > m.LogLimit {
			m.Logs = m.Logs[len(m.Logs)-m.LogLimit:]
		}

	case BatchStartedMsg:
		if msg.Jobs > 0 {
			m.TotalJobs = msg.Jobs
		}
		if msg.Workers > 0 {
			m.Parallelism = msg.Workers
		}

	case StateMsg:
		job := m.job(msg.TxnID, msg.Label)
		job.State = msg.State
		job.Waiting = false
		job.Phase, job.PhaseIcon = phaseFor(msg.State)

	case LockWaitMsg:
		job := m.job(msg.TxnID, "")
		job.Waiting = true
		job.Phase = "waiting for " + msg.Holder
		job.PhaseIcon = IconWaiting

	case ActionStartedMsg:
		if job, ok := m.ActiveJobs[msg.TxnID]; ok {
			job.Action = msg.Index
			job.ActionName = msg.Name
			job.Phase = "applying"
			job.PhaseIcon = IconApply
		}

	case ActionCompletedMsg:
		if job, ok := m.ActiveJobs[msg.TxnID]; ok {
			job.Applied = msg.Index
		}

	case FinishedMsg:
		delete(m.ActiveJobs, msg.TxnID)
		switch {
		case msg.Committed:
			m.CommittedJobs++
		case msg.State == "rolled_back":
			m.RolledBack++
		default:
			m.FailedJobs++
		}
	}

	return m, nil
}

// job returns the tracked state for txnID, creating it on first sight.
func (m *Model) job(txnID, label string) *JobState {
	job, ok := m.ActiveJobs[txnID]
	if !ok {
		job = &JobState{TxnID: txnID, Label: label}
		m.ActiveJobs[txnID] = job
	}
	if job.Label == "" {
		job.Label = label
	}
	return job
}

func phaseFor(state string) (string, string) {
	switch state {
	case "mounting":
		return "mounting image", IconMount
	case "mounted":
		return "mounted", IconMount
	case "applying":
		return "applying", IconApply
	case "committing":
		return "committing", IconCommit
	case "rolling_back":
		return "rolling back", IconRollback
	default:
		return state, IconWaiting
	}
}
