package queue

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fancall/backend/internal/auth"
	"github.com/fancall/backend/internal/callsessions"
	"github.com/fancall/backend/internal/models"
	"github.com/fancall/backend/internal/queuewatch"
	"github.com/fancall/backend/pkg/response"
)

// Handler handles queue HTTP endpoints and publishes a change feed event on
// every mutation so agents see the count move in realtime.
type Handler struct {
	repo     *Repository
	sessions *callsessions.Repository
	feed     *queuewatch.RedisFeed
	logger   *zap.Logger
}

// NewHandler creates a queue handler.
func NewHandler(repo *Repository, sessions *callsessions.Repository, feed *queuewatch.RedisFeed, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, sessions: sessions, feed: feed, logger: logger}
}

// JoinRequest is the body for POST /queue/:creatorID/join.
type JoinRequest struct {
	Priority        int    `json:"priority"`
	DiscussionTopic string `json:"discussion_topic"`
}

// Join handles POST /queue/:creatorID/join (fan).
func (h *Handler) Join(c *gin.Context) {
	creatorID, err := uuid.Parse(c.Param("creatorID"))
	if err != nil {
		response.BadRequest(c, "invalid creator id")
		return
	}
	fanID := currentUserID(c)
	if fanID == uuid.Nil {
		response.Unauthorized(c, "missing user context")
		return
	}

	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	existing, err := h.repo.GetWaitingByFan(c.Request.Context(), creatorID, fanID)
	if err != nil {
		response.Internal(c, "failed to check queue")
		return
	}
	if existing != nil {
		response.Conflict(c, "already in queue")
		return
	}

	entry, err := h.repo.Create(c.Request.Context(), creatorID, fanID, req.Priority, req.DiscussionTopic)
	if err != nil {
		h.logger.Error("queue join failed", zap.Error(err))
		response.Internal(c, "failed to join queue")
		return
	}

	h.publish(queuewatch.Change{
		Type:      queuewatch.ChangeInsert,
		EntryID:   entry.ID.String(),
		CreatorID: entry.CreatorID.String(),
	})
	response.Created(c, entry)
}

// Leave handles DELETE /queue/entries/:entryID (fan cancels their spot).
func (h *Handler) Leave(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("entryID"))
	if err != nil {
		response.BadRequest(c, "invalid entry id")
		return
	}
	entry, err := h.repo.GetByID(c.Request.Context(), entryID)
	if err != nil {
		response.Internal(c, "failed to load entry")
		return
	}
	if entry == nil {
		response.NotFound(c, "entry not found")
		return
	}
	if entry.FanID != currentUserID(c) {
		response.Forbidden(c, "not your queue entry")
		return
	}

	updated, err := h.repo.SetStatus(c.Request.Context(), entryID, models.QueueStatusWaiting, models.QueueStatusCancelled)
	if err != nil {
		response.Internal(c, "failed to leave queue")
		return
	}
	if updated == nil {
		response.Conflict(c, "entry is no longer waiting")
		return
	}

	h.publish(queuewatch.Change{
		Type:      queuewatch.ChangeDelete,
		EntryID:   updated.ID.String(),
		CreatorID: updated.CreatorID.String(),
	})
	response.OK(c, updated)
}

// List handles GET /queue/:creatorID (creator sees who is waiting).
func (h *Handler) List(c *gin.Context) {
	creatorID, err := uuid.Parse(c.Param("creatorID"))
	if err != nil {
		response.BadRequest(c, "invalid creator id")
		return
	}
	list, err := h.repo.ListWaiting(c.Request.Context(), creatorID)
	if err != nil {
		response.Internal(c, "failed to list queue")
		return
	}
	response.OK(c, list)
}

// Count handles GET /queue/:creatorID/count.
func (h *Handler) Count(c *gin.Context) {
	creatorID, err := uuid.Parse(c.Param("creatorID"))
	if err != nil {
		response.BadRequest(c, "invalid creator id")
		return
	}
	n, err := h.repo.CountWaiting(c.Request.Context(), creatorID)
	if err != nil {
		response.Internal(c, "failed to count queue")
		return
	}
	response.OK(c, gin.H{"count": n})
}

// Claim handles POST /queue/entries/:entryID/claim (creator picks a fan).
// On success the entry is in_call and a call session exists for it.
func (h *Handler) Claim(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("entryID"))
	if err != nil {
		response.BadRequest(c, "invalid entry id")
		return
	}
	creatorID := currentUserID(c)

	entry, err := h.repo.Claim(c.Request.Context(), entryID)
	if err != nil {
		h.logger.Error("queue claim failed", zap.Error(err))
		response.Internal(c, "failed to claim entry")
		return
	}
	if entry == nil {
		// Already claimed, cancelled, or unknown.
		response.Conflict(c, "entry is not waiting")
		return
	}
	if entry.CreatorID != creatorID {
		// Roll the claim back; the entry belongs to another creator.
		if _, err := h.repo.SetStatus(c.Request.Context(), entryID, models.QueueStatusInCall, models.QueueStatusWaiting); err != nil {
			h.logger.Error("claim rollback failed", zap.Error(err))
		}
		response.Forbidden(c, "not your queue")
		return
	}

	session, err := h.sessions.Create(c.Request.Context(), entry.CreatorID, entry.FanID, entry.ID)
	if err != nil {
		h.logger.Error("create call session failed", zap.Error(err))
		response.Internal(c, "failed to create call session")
		return
	}

	h.publish(queuewatch.Change{
		Type:      queuewatch.ChangeDelete,
		EntryID:   entry.ID.String(),
		CreatorID: entry.CreatorID.String(),
	})
	response.OK(c, gin.H{"entry": entry, "session": session})
}

// Complete handles POST /queue/entries/:entryID/complete (call finished).
func (h *Handler) Complete(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("entryID"))
	if err != nil {
		response.BadRequest(c, "invalid entry id")
		return
	}
	updated, err := h.repo.SetStatus(c.Request.Context(), entryID, models.QueueStatusInCall, models.QueueStatusCompleted)
	if err != nil {
		response.Internal(c, "failed to complete entry")
		return
	}
	if updated == nil {
		response.Conflict(c, "entry is not in a call")
		return
	}
	response.OK(c, updated)
}

func (h *Handler) publish(ch queuewatch.Change) {
	if h.feed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.feed.Publish(ctx, ch); err != nil {
		h.logger.Warn("queue feed publish failed", zap.Error(err))
	}
}

func currentUserID(c *gin.Context) uuid.UUID {
	v, ok := c.Get(auth.ContextUserID)
	if !ok {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}
