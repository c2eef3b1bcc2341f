package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerLegalTransitions(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		want State
	}{
		{Known, EventEnqueue, Queued},
		{Queued, EventStart, Executing},
		{Executing, EventFinish, Executed},
		{Executing, EventFail, Errored},
		{Executing, EventCancel, Cancelled},
		{Queued, EventCancel, Cancelled},
		{Errored, EventReset, Resetting},
		{Cancelled, EventReset, Resetting},
		{Executed, EventReset, Resetting},
		{Resetting, EventResetDone, Known},
	}

	for _, tc := range cases {
		got, err := Trigger(tc.from, tc.ev)
		require.NoError(t, err, "from=%s event=%s", tc.from, tc.ev)
		assert.Equal(t, tc.want, got)
	}
}

func TestTriggerRejectsIllegalTransitions(t *testing.T) {
	_, err := Trigger(Known, EventStart)
	require.Error(t, err)

	var rejected *ErrRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, Known, rejected.From)
	assert.Equal(t, EventStart, rejected.Event)
}

func TestTriggerRejectsDoubleExecution(t *testing.T) {
	// Once a query is Executing, a second EventStart must not be accepted:
	// this is the single-flight guarantee (P4) expressed at the table level.
	_, err := Trigger(Executing, EventStart)
	require.Error(t, err)
}

func TestTriggerRejectsDirectReenqueueFromErrored(t *testing.T) {
	// Errored can't jump straight back to Queued; it must route through
	// Reset -> Resetting -> Known first.
	_, err := Trigger(Errored, EventEnqueue)
	require.Error(t, err)
}

func TestTriggerRejectsDirectReenqueueFromCancelled(t *testing.T) {
	_, err := Trigger(Cancelled, EventEnqueue)
	require.Error(t, err)
}

func TestTriggerRejectsResetWhileQueuedOrExecuting(t *testing.T) {
	// A query that's still queued or running must be cancelled before it can
	// be reset; Reset is only legal from the terminal states.
	_, err := Trigger(Queued, EventReset)
	require.Error(t, err)

	_, err = Trigger(Executing, EventReset)
	require.Error(t, err)
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, IsExecuting(Executing))
	assert.False(t, IsExecuting(Queued))

	assert.True(t, IsQueued(Queued))
	assert.True(t, IsResetting(Resetting))

	assert.True(t, IsTerminal(Executed))
	assert.True(t, IsTerminal(Errored))
	assert.True(t, IsTerminal(Cancelled))
	assert.False(t, IsTerminal(Queued))

	assert.True(t, IsInFlight(Queued))
	assert.True(t, IsInFlight(Executing))
	assert.True(t, IsInFlight(Resetting))
	assert.False(t, IsInFlight(Known))
	assert.False(t, IsInFlight(Executed))
}
