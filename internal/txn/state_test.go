package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateMounting, true},
		{StateIdle, StateApplying, false},
		{StateMounted, StateCommitting, true},
		{StateApplying, StateRollingBack, true},
		{StateCommitting, StateRollingBack, false},
		{StateCommitted, StateUnmounted, true},
		{StateRolledBack, StateUnmounted, true},
		{StateUnmounted, StateFailed, false},
		{StateFailed, StateUnmounted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestFailedReachableFromLiveStates(t *testing.T) {
	for from := range ValidTransitions {
		if from.IsTerminal() || from == StateCommitted || from == StateRolledBack {
			continue
		}
		assert.True(t, CanTransition(from, StateFailed), "from %s", from)
	}
}

func TestIsOutcome(t *testing.T) {
	for _, st := range []State{StateCommitted, StateRolledBack, StateFailed} {
		assert.True(t, st.IsOutcome(), st)
	}
	for _, st := range []State{StateIdle, StateApplying, StateRollingBack, StateUnmounted} {
		assert.False(t, st.IsOutcome(), st)
	}
}

func TestParseState(t *testing.T) {
	st, err := ParseState("rolling_back")
	require.NoError(t, err)
	assert.Equal(t, StateRollingBack, st)
	assert.True(t, st.HoldsMount())

	_, err = ParseState("paused")
	assert.Error(t, err)
}
