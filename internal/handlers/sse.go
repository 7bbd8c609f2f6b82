package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/nvoss/loomchat-backend/internal/platform/logger"
	"github.com/nvoss/loomchat-backend/internal/realtime"
)

type SSEHandler struct {
	log *logger.Logger
	hub *realtime.Hub
}

func NewSSEHandler(log *logger.Logger, hub *realtime.Hub) *SSEHandler {
	return &SSEHandler{
		log: log.With("handler", "SSEHandler"),
		hub: hub,
	}
}

// GET /sse/stream?topic_id=...
// Holds the connection open and pushes events for the subscribed topic.
func (h *SSEHandler) Stream(c *gin.Context) {
	client := h.hub.NewClient()
	defer h.hub.CloseClient(client)

	if topicID := c.Query("topic_id"); topicID != "" {
		h.hub.AddChannel(client, topicID)
	}
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
