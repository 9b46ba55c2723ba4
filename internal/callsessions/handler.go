package callsessions

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fancall/backend/internal/auth"
	"github.com/fancall/backend/internal/models"
	"github.com/fancall/backend/pkg/response"
)

// Handler handles call session HTTP endpoints.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a call session handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// EndRequest is the body for POST /sessions/:sessionID/end.
type EndRequest struct {
	Reason string `json:"reason"`
}

// Get handles GET /sessions/:sessionID.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("sessionID"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	session, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load session")
		return
	}
	if session == nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, session)
}

// End handles POST /sessions/:sessionID/end.
func (h *Handler) End(c *gin.Context) {
	id, err := uuid.Parse(c.Param("sessionID"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req EndRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	reason := req.Reason
	switch reason {
	case "":
		reason = models.EndReasonHangup
	case models.EndReasonHangup, models.EndReasonDisconnected, models.EndReasonTimeout:
	default:
		response.BadRequest(c, "invalid end reason")
		return
	}

	session, err := h.repo.End(c.Request.Context(), id, reason)
	if err != nil {
		h.logger.Error("end session failed", zap.Error(err))
		response.Internal(c, "failed to end session")
		return
	}
	if session == nil {
		response.Conflict(c, "session already ended")
		return
	}
	response.OK(c, session)
}

// Active handles GET /sessions/active: the creator's open session, if any.
// The agent polls this to learn when a claimed fan is waiting on a call.
func (h *Handler) Active(c *gin.Context) {
	v, ok := c.Get(auth.ContextUserID)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	creatorID, _ := v.(uuid.UUID)
	session, err := h.repo.GetActiveByCreator(c.Request.Context(), creatorID)
	if err != nil {
		response.Internal(c, "failed to load active session")
		return
	}
	response.OK(c, session)
}

// ListMine handles GET /sessions (creator history).
func (h *Handler) ListMine(c *gin.Context) {
	v, ok := c.Get(auth.ContextUserID)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	creatorID, _ := v.(uuid.UUID)
	list, err := h.repo.ListByCreator(c.Request.Context(), creatorID, 50)
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, list)
}
