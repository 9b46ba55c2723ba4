package rtctoken

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fancall/backend/internal/auth"
	"github.com/fancall/backend/internal/callsessions"
	"github.com/fancall/backend/pkg/response"
)

// TokenRequest is the body for POST /rtc/token.
type TokenRequest struct {
	Role      string `json:"role" binding:"required"`
	CreatorID string `json:"creator_id" binding:"required"`
	Identity  string `json:"identity" binding:"required"`
	SessionID string `json:"session_id"`
}

// TokenResponse carries the issued relay credentials.
type TokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
	Room  string `json:"room"`
}

// Handler issues relay room tokens to authenticated participants.
type Handler struct {
	svc      *Service
	sessions *callsessions.Repository
	logger   *zap.Logger
}

// NewHandler creates a token handler.
func NewHandler(svc *Service, sessions *callsessions.Repository, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, sessions: sessions, logger: logger}
}

// Issue handles POST /rtc/token. Publisher tokens are restricted to the
// creator who owns the session; viewer tokens require membership in it.
func (h *Handler) Issue(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Role != RolePublisher && req.Role != RoleViewer {
		response.BadRequest(c, "invalid role")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}

	userVal, _ := c.Get(auth.ContextUserID)
	userID, _ := userVal.(uuid.UUID)

	session, err := h.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to load session")
		return
	}
	if session == nil || session.EndedAt != nil {
		response.Forbidden(c, "session is not active")
		return
	}

	switch req.Role {
	case RolePublisher:
		if session.CreatorID != userID {
			response.Forbidden(c, "not the session creator")
			return
		}
	case RoleViewer:
		if session.FanID != userID && session.CreatorID != userID {
			response.Forbidden(c, "not a session participant")
			return
		}
	}

	room := RoomName(session.ID.String())
	token, err := h.svc.Mint(room, req.Identity, req.Role)
	if err != nil {
		h.logger.Error("mint room token failed", zap.Error(err))
		response.Internal(c, "failed to issue token")
		return
	}
	response.OK(c, TokenResponse{Token: token, URL: h.svc.RelayURL(), Room: room})
}
