package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionHappyPath(t *testing.T) {
	s := StateOffline
	s = Transition(s, EventGoLive)
	assert.Equal(t, StateStarting, s)
	s = Transition(s, EventLiveStarted)
	assert.Equal(t, StateLive, s)
	s = Transition(s, EventEndLive)
	assert.Equal(t, StateEnding, s)
	s = Transition(s, EventLiveEnded)
	assert.Equal(t, StateOffline, s)
}

func TestTransitionStartFailure(t *testing.T) {
	s := Transition(StateStarting, EventStartFailed)
	assert.Equal(t, StateOffline, s)
}

func TestTransitionEndFailureStaysLive(t *testing.T) {
	s := Transition(StateEnding, EventEndFailed)
	assert.Equal(t, StateLive, s)
}

func TestTransitionUnknownPairsAreNoOps(t *testing.T) {
	cases := []struct {
		state LiveState
		event LiveEvent
	}{
		{StateOffline, EventLiveStarted},
		{StateOffline, EventEndLive},
		{StateStarting, EventGoLive},
		{StateStarting, EventEndLive},
		{StateLive, EventGoLive},
		{StateLive, EventLiveStarted},
		{StateEnding, EventGoLive},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.state, Transition(tc.state, tc.event),
			"(%s, %s) should be a no-op", tc.state, tc.event)
	}
}

func TestTransitionNormalizesUnknownState(t *testing.T) {
	s := Transition(LiveState("corrupted"), EventGoLive)
	assert.Equal(t, StateStarting, s)

	s = Transition(LiveState(""), EventEndLive)
	assert.Equal(t, StateOffline, s)
}

func TestTransitionResetAlwaysReachesOffline(t *testing.T) {
	for _, s := range []LiveState{StateOffline, StateStarting, StateLive, StateEnding} {
		assert.Equal(t, StateOffline, Transition(s, EventReset))
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, CanGoLive(StateOffline))
	assert.False(t, CanGoLive(StateLive))
	assert.True(t, CanEndLive(StateLive))
	assert.False(t, CanEndLive(StateStarting))
	assert.True(t, IsTransitioning(StateStarting))
	assert.True(t, IsTransitioning(StateEnding))
	assert.False(t, IsTransitioning(StateLive))
}
