package txn

import "fmt"

// State is a transaction's lifecycle state
type State string

const (
	StateIdle        State = "idle"
	StateMounting    State = "mounting"
	StateMounted     State = "mounted"
	StateApplying    State = "applying"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateUnmounted   State = "unmounted"
	StateFailed      State = "failed"
)

// ValidTransitions defines allowed state transitions.
// Flow: idle -> mounting -> mounted -> applying -> committing -> committed -> unmounted,
// with rolling_back -> rolled_back -> unmounted on abort and failed from any live state.
var ValidTransitions = map[State][]State{
	StateIdle:        {StateMounting, StateFailed},
	StateMounting:    {StateMounted, StateFailed},
	StateMounted:     {StateApplying, StateCommitting, StateRollingBack, StateFailed},
	StateApplying:    {StateCommitting, StateRollingBack, StateFailed},
	StateCommitting:  {StateCommitted, StateFailed},
	StateRollingBack: {StateRolledBack, StateFailed},
	StateCommitted:   {StateUnmounted},
	StateRolledBack:  {StateUnmounted},
	StateUnmounted:   {},
	StateFailed:      {},
}

// IsTerminal returns true if no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateUnmounted || s == StateFailed
}

// HoldsMount returns true while the transaction owns a live mount
func (s State) HoldsMount() bool {
	switch s {
	case StateMounted, StateApplying, StateCommitting, StateRollingBack:
		return true
	}
	return false
}

// IsOutcome returns true for the states reported as a transaction's result
func (s State) IsOutcome() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// CanTransition checks if a transition from -> to is valid
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// ParseState converts a persisted state name back into a State
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := ValidTransitions[st]; !ok {
		return "", fmt.Errorf("unknown transaction state %q", s)
	}
	return st, nil
}
