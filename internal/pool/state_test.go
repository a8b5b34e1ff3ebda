package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateInPool, StateAccessible},
		{StateInPool, StateClosed},
		{StateAccessible, StateInPool},
		{StateAccessible, StateNotAccessible},
		{StateAccessible, StateClosed},
		{StateNotAccessible, StateAccessible},
	}
	for _, tr := range allowed {
		assert.NoError(t, checkTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to State }{
		{StateInPool, StateNotAccessible},
		{StateNotAccessible, StateInPool},
		{StateNotAccessible, StateClosed},
		{StateClosed, StateInPool},
		{StateClosed, StateAccessible},
		{StateClosed, StateNotAccessible},
	}
	for _, tr := range denied {
		assert.ErrorIs(t, checkTransition(tr.from, tr.to), ErrInvalidTransition, "%s -> %s", tr.from, tr.to)
	}
}

func TestSetStateRejectsSameState(t *testing.T) {
	p := newTestPool(t, testDefinition(), nil, nil)
	handle, err := p.Acquire(t.Context())
	require.NoError(t, err)
	h := handle.Holder()

	require.Equal(t, StateAccessible, h.State())
	assert.ErrorIs(t, h.setState(StateAccessible), ErrInvalidTransition)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "IN_POOL", StateInPool.String())
	assert.Equal(t, "ACCESSIBLE", StateAccessible.String())
	assert.Equal(t, "NOT_ACCESSIBLE", StateNotAccessible.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Contains(t, State(42).String(), "invalid state")
}

func TestTimestampsTrackTransitions(t *testing.T) {
	p := newTestPool(t, testDefinition(), nil, nil)
	handle, err := p.Acquire(t.Context())
	require.NoError(t, err)
	h := handle.Holder()

	acquiredAt := h.AcquisitionDate()
	assert.False(t, acquiredAt.IsZero())

	require.NoError(t, handle.Close())
	releasedAt := h.LastReleaseDate()
	assert.False(t, releasedAt.Before(acquiredAt))
}
