// Package call implements the live call session core: the lifecycle state
// machine, the session orchestrator that owns the room connection and local
// media, the focus policy, and the connection health monitor.
package call

// LiveState is the live session lifecycle state.
type LiveState string

const (
	StateOffline  LiveState = "offline"
	StateStarting LiveState = "starting"
	StateLive     LiveState = "live"
	StateEnding   LiveState = "ending"
)

// LiveEvent drives lifecycle transitions.
type LiveEvent string

const (
	EventGoLive      LiveEvent = "go_live"
	EventLiveStarted LiveEvent = "live_started"
	EventStartFailed LiveEvent = "start_failed"
	EventEndLive     LiveEvent = "end_live"
	EventLiveEnded   LiveEvent = "live_ended"
	EventEndFailed   LiveEvent = "end_failed"
	EventReset       LiveEvent = "reset"
)

// Transition maps (state, event) to the next state. Pairs not in the table
// are no-ops returning the input state unchanged. An unrecognized state input
// is treated as StateOffline. Pure function; callers apply effects around it.
func Transition(s LiveState, e LiveEvent) LiveState {
	switch s {
	case StateOffline, StateStarting, StateLive, StateEnding:
	default:
		s = StateOffline
	}

	switch s {
	case StateOffline:
		switch e {
		case EventGoLive:
			return StateStarting
		case EventReset:
			return StateOffline
		}
	case StateStarting:
		switch e {
		case EventLiveStarted:
			return StateLive
		case EventStartFailed, EventReset:
			return StateOffline
		}
	case StateLive:
		switch e {
		case EventEndLive:
			return StateEnding
		case EventReset:
			return StateOffline
		}
	case StateEnding:
		switch e {
		case EventLiveEnded, EventReset:
			return StateOffline
		case EventEndFailed:
			return StateLive
		}
	}
	return s
}

// CanGoLive reports whether a go-live may be initiated from s.
func CanGoLive(s LiveState) bool { return s == StateOffline }

// CanEndLive reports whether an end-live may be initiated from s.
func CanEndLive(s LiveState) bool { return s == StateLive }

// IsTransitioning reports whether s is an in-flight transition state.
func IsTransitioning(s LiveState) bool { return s == StateStarting || s == StateEnding }

// ConnState is the viewer-observable connection state. Mutated only by the
// orchestrator and signaling layer; consumed read-only by the UI.
type ConnState string

const (
	ConnChecking   ConnState = "checking"
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
	ConnFailed     ConnState = "failed"
	ConnOffline    ConnState = "offline"
	ConnRetry      ConnState = "retry"
)
