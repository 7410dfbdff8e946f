package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"legalaid-chat/internal/composer"
	"legalaid-chat/internal/coordinator"
)

const defaultPageLimit = 50

// MessageHandler serves the message log, composer and typing endpoints.
type MessageHandler struct {
	coord Coordinator
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(coord Coordinator) *MessageHandler {
	return &MessageHandler{coord: coord}
}

// ListMessages handles GET /sessions/:session_id/messages. Without paging
// parameters the whole local log is returned.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, ok := h.coord.Session(sessionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	before := c.Query("before")
	limitParam := c.Query("limit")
	if before == "" && limitParam == "" {
		c.JSON(http.StatusOK, gin.H{"messages": h.coord.Messages(sessionID), "hasMore": false})
		return
	}

	limit := defaultPageLimit
	if limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	msgs, more, err := h.coord.Page(sessionID, before, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "hasMore": more})
}

// LoadOlder handles POST /sessions/:session_id/messages/older.
func (h *MessageHandler) LoadOlder(c *gin.Context) {
	if st := h.coord.Status(); st.SessionID != c.Param("session_id") {
		abortWithError(c, coordinator.ErrNoActiveSession)
		return
	}
	started, err := h.coord.LoadOlder(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"loading": started})
}

// SendMessage handles POST /sessions/:session_id/messages. The response is
// the optimistic local copy; confirmation arrives over /ws.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var draft composer.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.coord.Send(c.Request.Context(), c.Param("session_id"), draft)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

// EditMessage handles PATCH /sessions/:session_id/messages/:message_id.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.coord.Edit(c.Request.Context(), c.Param("session_id"), c.Param("message_id"), req.Content); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// DeleteMessage handles DELETE /sessions/:session_id/messages/:message_id.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	if err := h.coord.Delete(c.Request.Context(), c.Param("session_id"), c.Param("message_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// RetryPending handles POST /sessions/:session_id/pending/:client_id/retry.
func (h *MessageHandler) RetryPending(c *gin.Context) {
	msg, err := h.coord.RetrySend(c.Request.Context(), c.Param("session_id"), c.Param("client_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

// RemovePending handles DELETE /sessions/:session_id/pending/:client_id.
func (h *MessageHandler) RemovePending(c *gin.Context) {
	if err := h.coord.RemovePending(c.Request.Context(), c.Param("session_id"), c.Param("client_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetTyping handles POST /sessions/:session_id/typing.
func (h *MessageHandler) SetTyping(c *gin.Context) {
	var req struct {
		IsTyping *bool `json:"isTyping" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := c.Param("session_id")
	var err error
	if *req.IsTyping {
		err = h.coord.Keystroke(c.Request.Context(), sessionID)
	} else {
		err = h.coord.StopTyping(c.Request.Context(), sessionID)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TypingUsers handles GET /sessions/:session_id/typing.
func (h *MessageHandler) TypingUsers(c *gin.Context) {
	users := h.coord.TypingUsers(c.Param("session_id"))
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "anyoneTyping": len(users) > 0})
}

// Upload handles POST /uploads. The file is forwarded to the backend as is.
func (h *MessageHandler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
		return
	}
	defer f.Close()

	out, err := h.coord.Upload(c.Request.Context(), fh.Filename, fh.Header.Get("Content-Type"), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}
