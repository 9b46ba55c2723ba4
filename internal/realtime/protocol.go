// Package realtime hosts the relay server: the websocket hub, per-room SFU
// forwarding, and the Redis bridge that fans events out across instances.
package realtime

import "github.com/pion/webrtc/v4"

// SignalType names the relay control messages exchanged over the websocket.
type SignalType string

const (
	SignalJoin              SignalType = "join"
	SignalJoined            SignalType = "joined"
	SignalOffer             SignalType = "offer"
	SignalAnswer            SignalType = "answer"
	SignalCandidate         SignalType = "candidate"
	SignalMute              SignalType = "mute"
	SignalResubscribe       SignalType = "resubscribe"
	SignalTrackPublished    SignalType = "track-published"
	SignalTrackUnpublished  SignalType = "track-unpublished"
	SignalParticipantJoined SignalType = "participant-joined"
	SignalParticipantLeft   SignalType = "participant-left"
	SignalError             SignalType = "error"
)

// Signal is one relay control message. Fields are populated per type; unused
// fields are omitted on the wire.
type Signal struct {
	Type          SignalType               `json:"type"`
	Room          string                   `json:"room,omitempty"`
	ParticipantID string                   `json:"participant_id,omitempty"`
	SDP           string                   `json:"sdp,omitempty"`
	Candidate     *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Kind          string                   `json:"kind,omitempty"`
	Enabled       *bool                    `json:"enabled,omitempty"`
	TrackID       string                   `json:"track_id,omitempty"`
	Error         string                   `json:"error,omitempty"`
}
