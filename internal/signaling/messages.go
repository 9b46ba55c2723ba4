// Package signaling implements the manual WebRTC negotiation fallback used
// when no managed relay is configured: offer/answer/ICE exchange over a
// generic pub/sub channel keyed by creator identity, with burst-then-slow
// retry and strict channel teardown guards.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags the signaling message union.
type MessageType string

const (
	TypeRequestOffer   MessageType = "request-offer"
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeICECandidate   MessageType = "ice-candidate"
	TypeAnnounceLive   MessageType = "announce-live"
	TypeOfferRetry     MessageType = "offer-retry"
	TypeCreatorOffline MessageType = "creator-offline"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
)

// Message is one signaling event. Messages are transient: delivery is
// at-most-once per send, and the protocol layer, not the transport,
// provides retry. Receivers must tolerate duplicates.
type Message struct {
	Type      MessageType     `json:"type"`
	ViewerID  string          `json:"viewer_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with the current timestamp and a marshalled
// payload. A nil payload is allowed for payload-free types.
func NewMessage(t MessageType, viewerID string, payload interface{}) (Message, error) {
	m := Message{Type: t, ViewerID: viewerID, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("signaling: marshal %s payload: %w", t, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// SDPPayload carries a session description for offer and answer messages.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// Candidate carries one ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// DecodeSDP unmarshals an offer/answer payload.
func DecodeSDP(m Message) (SDPPayload, error) {
	var p SDPPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return SDPPayload{}, fmt.Errorf("signaling: decode %s: %w", m.Type, err)
	}
	return p, nil
}

// DecodeCandidate unmarshals an ice-candidate payload.
func DecodeCandidate(m Message) (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return Candidate{}, fmt.Errorf("signaling: decode candidate: %w", err)
	}
	return c, nil
}
