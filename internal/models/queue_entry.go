package models

import (
	"time"

	"github.com/google/uuid"
)

// Queue entry statuses. An entry moves waiting -> in_call exactly once when
// the creator accepts it; waiting -> cancelled when the fan leaves the queue.
const (
	QueueStatusWaiting   = "waiting"
	QueueStatusInCall    = "in_call"
	QueueStatusCompleted = "completed"
	QueueStatusCancelled = "cancelled"
)

// QueueEntry is a fan waiting for a call with a creator.
type QueueEntry struct {
	ID              uuid.UUID `json:"id"`
	CreatorID       uuid.UUID `json:"creator_id"`
	FanID           uuid.UUID `json:"fan_id"`
	Status          string    `json:"status"`
	Priority        int       `json:"priority"`
	JoinedAt        time.Time `json:"joined_at"`
	DiscussionTopic string    `json:"discussion_topic,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
