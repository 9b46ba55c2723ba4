package recordings

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fancall/backend/internal/auth"
	"github.com/fancall/backend/internal/callsessions"
	"github.com/fancall/backend/internal/models"
	"github.com/fancall/backend/pkg/response"
	"github.com/fancall/backend/pkg/storage"
)

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo     *Repository
	sessions *callsessions.Repository
	s3       *storage.S3
	logger   *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(repo *Repository, sessions *callsessions.Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, sessions: sessions, s3: s3, logger: logger}
}

// ListBySession handles GET /sessions/:sessionID/recordings. Only the two
// participants of the session can list its recordings.
func (h *Handler) ListBySession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionID"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := currentUserID(c)

	session, err := h.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to load session")
		return
	}
	if session == nil {
		response.NotFound(c, "session not found")
		return
	}
	if session.CreatorID != userID && session.FanID != userID {
		response.Forbidden(c, "not a session participant")
		return
	}

	list, err := h.repo.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// DownloadURL handles GET /recordings/:id/download-url. Returns a presigned
// URL for a completed recording.
func (h *Handler) DownloadURL(c *gin.Context) {
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	userID := currentUserID(c)

	rec, err := h.repo.GetByID(c.Request.Context(), recordingID)
	if err != nil {
		response.Internal(c, "failed to load recording")
		return
	}
	if rec == nil {
		response.NotFound(c, "recording not found")
		return
	}
	if rec.Status != models.RecordingStatusCompleted || rec.S3Key == "" {
		response.BadRequest(c, "recording not ready for download")
		return
	}

	session, err := h.sessions.GetByID(c.Request.Context(), rec.CallSessionID)
	if err != nil || session == nil {
		response.Internal(c, "failed to load session")
		return
	}
	if session.CreatorID != userID && session.FanID != userID {
		response.Forbidden(c, "not authorized to download this recording")
		return
	}

	if h.s3 == nil {
		response.Internal(c, "storage not configured")
		return
	}
	url, err := h.s3.PresignDownload(c.Request.Context(), rec.S3Key)
	if err != nil {
		h.logger.Error("presign recording download failed", zap.Error(err), zap.String("recording_id", recordingID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url})
}

func currentUserID(c *gin.Context) uuid.UUID {
	v, ok := c.Get(auth.ContextUserID)
	if !ok {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}
