package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/RevCBH/winforge/internal/events"
)

// Sender delivers messages to a running program. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Bridge connects the event bus to the bubbletea program
type Bridge struct {
	program Sender
}

// NewBridge creates a new bridge for the given program
func NewBridge(program Sender) *Bridge {
	return &Bridge{program: program}
}

// Handler returns an event handler function for the event bus
func (b *Bridge) Handler() events.Handler {
	return func(evt events.Event) {
		if msg := EventToMsg(evt); msg != nil {
			b.program.Send(msg)
		}
	}
}

// EventToMsg converts an engine event to a TUI message, or nil if the TUI
// does not show it.
func EventToMsg(evt events.Event) tea.Msg {
	switch evt.Type {
	case events.BatchStarted:
		return BatchStartedMsg{
			Jobs:    payloadInt(evt, "jobs"),
			Workers: payloadInt(evt, "workers"),
		}

	case events.TxnStateChange:
		if evt.Txn == "" {
			return nil
		}
		return StateMsg{TxnID: evt.Txn, Label: evt.Job, State: payloadString(evt, "state")}

	case events.TxnLockWait:
		return LockWaitMsg{TxnID: evt.Txn, Holder: payloadString(evt, "holder")}

	case events.ActionStarted:
		return ActionStartedMsg{TxnID: evt.Txn, Index: actionIndex(evt), Name: payloadString(evt, "name")}

	case events.ActionCompleted:
		return ActionCompletedMsg{TxnID: evt.Txn, Index: actionIndex(evt)}

	case events.TxnCommitted, events.TxnRolledBack, events.TxnFailed:
		committed, _ := evt.Payload["committed"].(bool)
		return FinishedMsg{
			TxnID:     evt.Txn,
			Committed: committed,
			State:     payloadString(evt, "state"),
			Error:     evt.Error,
		}

	default:
		return nil
	}
}

func payloadInt(evt events.Event, key string) int {
	n, _ := evt.Payload[key].(int)
	return n
}

func payloadString(evt events.Event, key string) string {
	s, _ := evt.Payload[key].(string)
	return s
}

func actionIndex(evt events.Event) int {
	if evt.Action == nil {
		return 0
	}
	return *evt.Action
}

// SendDone sends a DoneMsg to the program
func (b *Bridge) SendDone() {
	b.program.Send(DoneMsg{})
}
