package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"legalaid-chat/internal/api"
	"legalaid-chat/internal/composer"
	"legalaid-chat/internal/coordinator"
	"legalaid-chat/internal/models"
)

// Coordinator is the session layer surface the gateway exposes over HTTP.
type Coordinator interface {
	Sessions() []models.Session
	Session(sessionID string) (models.Session, bool)
	RefreshSessions(ctx context.Context) error
	OpenSession(ctx context.Context, providerID string, role models.ProviderRole, caseID string) (models.Session, error)
	SelectSession(ctx context.Context, sessionID string) error
	RetryHistory(ctx context.Context) error
	MarkRead(ctx context.Context, sessionID string) error
	Status() coordinator.Status

	Messages(sessionID string) []models.Message
	Page(sessionID, beforeID string, limit int) ([]models.Message, bool, error)
	LoadOlder(ctx context.Context) (bool, error)
	Send(ctx context.Context, sessionID string, d composer.Draft) (models.Message, error)
	Edit(ctx context.Context, sessionID, messageID, content string) error
	Delete(ctx context.Context, sessionID, messageID string) error
	RetrySend(ctx context.Context, sessionID, clientID string) (models.Message, error)
	RemovePending(ctx context.Context, sessionID, clientID string) error

	Keystroke(ctx context.Context, sessionID string) error
	StopTyping(ctx context.Context, sessionID string) error
	TypingUsers(sessionID string) []string

	Upload(ctx context.Context, filename, contentType string, r io.Reader) (api.Upload, error)
}

// SessionHandler serves the session directory and selection endpoints.
type SessionHandler struct {
	coord Coordinator
}

// NewSessionHandler builds a SessionHandler.
func NewSessionHandler(coord Coordinator) *SessionHandler {
	return &SessionHandler{coord: coord}
}

// ListSessions handles GET /sessions.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.coord.Sessions()})
}

// RefreshSessions handles POST /sessions/refresh.
func (h *SessionHandler) RefreshSessions(c *gin.Context) {
	if err := h.coord.RefreshSessions(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": h.coord.Sessions()})
}

// OpenSession handles POST /sessions: get-or-create for a provider and case.
func (h *SessionHandler) OpenSession(c *gin.Context) {
	var req struct {
		ProviderID   string              `json:"providerId" binding:"required"`
		ProviderRole models.ProviderRole `json:"providerRole" binding:"required"`
		CaseID       string              `json:"caseId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.coord.OpenSession(c.Request.Context(), req.ProviderID, req.ProviderRole, req.CaseID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// SelectSession handles POST /sessions/:session_id/select.
func (h *SessionHandler) SelectSession(c *gin.Context) {
	if err := h.coord.SelectSession(c.Request.Context(), c.Param("session_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.coord.Status())
}

// RetryHistory handles POST /sessions/:session_id/history/retry.
func (h *SessionHandler) RetryHistory(c *gin.Context) {
	if st := h.coord.Status(); st.SessionID != c.Param("session_id") {
		abortWithError(c, coordinator.ErrNoActiveSession)
		return
	}
	if err := h.coord.RetryHistory(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.coord.Status())
}

// MarkRead handles POST /sessions/:session_id/read.
func (h *SessionHandler) MarkRead(c *gin.Context) {
	if err := h.coord.MarkRead(c.Request.Context(), c.Param("session_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Status handles GET /status.
func (h *SessionHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.Status())
}
