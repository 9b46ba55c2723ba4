package call

import (
	"context"

	"github.com/fancall/backend/internal/media"
)

// Participant roles for token requests.
const (
	RolePublisher = "publisher"
	RoleViewer    = "viewer"
)

// RoomState is the coarse connection state of a room.
type RoomState string

const (
	RoomDisconnected RoomState = "disconnected"
	RoomConnecting   RoomState = "connecting"
	RoomConnected    RoomState = "connected"
	RoomReconnecting RoomState = "reconnecting"
)

// TokenRequest asks the token service for short-lived room credentials.
type TokenRequest struct {
	Role      string `json:"role"`
	CreatorID string `json:"creator_id"`
	Identity  string `json:"identity"`
	SessionID string `json:"session_id,omitempty"`
}

// TokenGrant is the issued credential set.
type TokenGrant struct {
	Token string `json:"token"`
	URL   string `json:"url"`
	Room  string `json:"room"`
}

// TokenClient fetches room credentials from the platform. Implementations
// classify HTTP 401/403 as KindAuthExpired and other failures as
// KindConnectionFailed.
type TokenClient interface {
	Fetch(ctx context.Context, req TokenRequest) (*TokenGrant, error)
}

// RoomHandler receives room events. Handlers must be attached before Connect
// so early events are not missed.
type RoomHandler interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting()
	OnReconnected()
	OnTrackAdded(ref TrackRef)
	OnTrackRemoved(ref TrackRef)
}

// Room is a live media room connection. The orchestrator is its sole owner.
type Room interface {
	// SetHandler attaches (or with nil, detaches) the event handler.
	SetHandler(h RoomHandler)
	// Connect establishes the room connection. It may return before the
	// connected event fires; callers poll State as a fallback.
	Connect(ctx context.Context) error
	State() RoomState
	// Publish attaches local tracks. Implementations tolerate repeated calls
	// but the orchestrator publishes exactly once per session.
	Publish(ctx context.Context, tracks []media.Track) error
	// SetEnabled mutes/unmutes a published kind without renegotiation.
	SetEnabled(kind media.Kind, enabled bool) error
	// ReplaceVideoTrack swaps the published video track (camera flip).
	ReplaceVideoTrack(ctx context.Context, t media.Track) error
	// ResubscribeAll re-ensures subscriptions to all remote publications;
	// a reconnect can silently drop subscription state.
	ResubscribeAll(ctx context.Context) error
	// RemoteVideoParticipants lists participants currently publishing video.
	RemoteVideoParticipants() []string
	Disconnect() error
}

// RoomFactory constructs a Room for a grant.
type RoomFactory func(grant TokenGrant) (Room, error)

// Acquirer acquires local media; satisfied by *media.Acquirer.
type Acquirer interface {
	Acquire(ctx context.Context, opts media.Options) (*media.Acquisition, error)
}
