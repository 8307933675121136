package pipeline

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
		{StateIdle, StateAddressResolved, true},
		{StateIdle, StatePriceFetched, true},
		{StateIdle, StateStateRead, false},
		{StateAddressResolved, StatePriceFetched, true},
		{StateAddressResolved, StateStateRead, true},
		{StateAddressResolved, StateTxBuilt, false},
		{StateStateRead, StateTxBuilt, true},
		{StateTxBuilt, StateBroadcast, false},
		{StateSigned, StateBroadcast, true},
		{StateBroadcast, StateDone, true},
		{StateSigned, StateFailed, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateIdle, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMachine_Transition(t *testing.T) {
	var seen [][2]State
	m := NewMachine("run-1", func(runID string, from, to State) {
		assert.Equal(t, "run-1", runID)
		seen = append(seen, [2]State{from, to})
	})

	require.NoError(t, m.Transition(StateAddressResolved))
	require.NoError(t, m.Transition(StateDone))
	assert.Equal(t, StateDone, m.Current())
	assert.Equal(t, []State{StateIdle, StateAddressResolved, StateDone}, m.History())
	assert.Len(t, seen, 2)

	err := m.Transition(StateFailed)
	assert.Error(t, err)
	assert.Equal(t, StateDone, m.Current())
	assert.Len(t, seen, 2)
}

func TestMachine_IllegalTransitionLeavesState(t *testing.T) {
	m := NewMachine("run-2", nil)
	assert.Error(t, m.Transition(StateSigned))
	assert.Equal(t, StateIdle, m.Current())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateBroadcast.Terminal())
}
