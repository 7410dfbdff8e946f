package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes wires the gateway endpoints onto router.
func RegisterRoutes(router gin.IRouter, coord Coordinator) {
	sessions := NewSessionHandler(coord)
	messages := NewMessageHandler(coord)

	router.GET("/status", sessions.Status)
	router.POST("/uploads", messages.Upload)

	s := router.Group("/sessions")
	s.GET("", sessions.ListSessions)
	s.POST("", sessions.OpenSession)
	s.POST("/refresh", sessions.RefreshSessions)
	s.POST("/:session_id/select", sessions.SelectSession)
	s.POST("/:session_id/history/retry", sessions.RetryHistory)
	s.POST("/:session_id/read", sessions.MarkRead)

	s.GET("/:session_id/messages", messages.ListMessages)
	s.POST("/:session_id/messages", messages.SendMessage)
	s.POST("/:session_id/messages/older", messages.LoadOlder)
	s.PATCH("/:session_id/messages/:message_id", messages.EditMessage)
	s.DELETE("/:session_id/messages/:message_id", messages.DeleteMessage)
	s.POST("/:session_id/pending/:client_id/retry", messages.RetryPending)
	s.DELETE("/:session_id/pending/:client_id", messages.RemovePending)
	s.POST("/:session_id/typing", messages.SetTyping)
	s.GET("/:session_id/typing", messages.TypingUsers)
}
