package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/recallchat/internal/core"
	"github.com/vovakirdan/recallchat/internal/proto"
)

// APIHandlers provides the read-only REST view of the chat.
type APIHandlers struct {
	hub *core.Hub
	log *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(hub *core.Hub, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		hub: hub,
		log: logger,
	}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessagesResponse lists visible messages.
type MessagesResponse struct {
	Messages []proto.EventMessage `json:"messages"`
}

// OnlineResponse describes current presence.
type OnlineResponse struct {
	Count int          `json:"count"`
	Users []proto.User `json:"users"`
}

// Health reports liveness.
// GET /health
func (h *APIHandlers) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// ListMessages returns the same messages a new connection receives as history.
// GET /api/messages
func (h *APIHandlers) ListMessages(c *gin.Context) {
	messages, err := h.hub.Lifecycle().History(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list messages")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "storage unavailable"})
		return
	}

	out := make([]proto.EventMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, toEventMessage(msg))
	}
	c.JSON(http.StatusOK, MessagesResponse{Messages: out})
}

// ListOnline returns the distinct online users.
// GET /api/online
func (h *APIHandlers) ListOnline(c *gin.Context) {
	tracker := h.hub.Presence()
	c.JSON(http.StatusOK, OnlineResponse{
		Count: tracker.OnlineUserCount(),
		Users: toUsers(tracker.OnlineUsers()),
	})
}
