package models

import (
	"time"

	"github.com/google/uuid"
)

// Call end reasons recorded when a session closes.
const (
	EndReasonHangup       = "hangup"
	EndReasonDisconnected = "disconnected"
	EndReasonTimeout      = "timeout"
)

// CallSession is one live call between a creator and a fan.
type CallSession struct {
	ID           uuid.UUID  `json:"id"`
	CreatorID    uuid.UUID  `json:"creator_id"`
	FanID        uuid.UUID  `json:"fan_id"`
	QueueEntryID *uuid.UUID `json:"queue_entry_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    string     `json:"end_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
