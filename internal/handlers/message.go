package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nvoss/loomchat-backend/internal/platform/logger"
	"github.com/nvoss/loomchat-backend/internal/services"
)

type MessageHandler struct {
	log          *logger.Logger
	responder    *services.Responder
	topicService *services.TopicService
}

func NewMessageHandler(log *logger.Logger, responder *services.Responder, topicService *services.TopicService) *MessageHandler {
	return &MessageHandler{
		log:          log.With("handler", "MessageHandler"),
		responder:    responder,
		topicService: topicService,
	}
}

// POST /api/topics/:id/messages
func (h *MessageHandler) SendMessage(c *gin.Context) {
	topicID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_topic_id", err)
		return
	}
	var req struct {
		Text     string   `json:"text"`
		Mentions []string `json:"mentions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Text == "" {
		RespondError(c, http.StatusBadRequest, "empty_text", nil)
		return
	}
	userMsg, assistants, err := h.responder.Send(c.Request.Context(), topicID, req.Text, req.Mentions)
	if err != nil {
		h.log.Error("SendMessage failed", "error", err, "topic_id", topicID)
		RespondError(c, http.StatusInternalServerError, "send_message_failed", err)
		return
	}
	RespondOK(c, gin.H{
		"user_message":       userMsg,
		"assistant_messages": assistants,
	})
}

// POST /api/messages/:id/resend
func (h *MessageHandler) ResendMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_message_id", err)
		return
	}
	if err := h.responder.Resend(c.Request.Context(), id); err != nil {
		h.log.Error("ResendMessage failed", "error", err, "message_id", id)
		RespondError(c, http.StatusInternalServerError, "resend_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": "true"})
}

// POST /api/messages/:id/regenerate
func (h *MessageHandler) RegenerateMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_message_id", err)
		return
	}
	if err := h.responder.Regenerate(c.Request.Context(), id); err != nil {
		h.log.Error("RegenerateMessage failed", "error", err, "message_id", id)
		RespondError(c, http.StatusInternalServerError, "regenerate_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": "true"})
}

// POST /api/messages/:id/append
func (h *MessageHandler) AppendAssistant(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_message_id", err)
		return
	}
	var req struct {
		AssistantRef string `json:"assistant_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	msg, err := h.responder.Append(c.Request.Context(), id, req.AssistantRef)
	if err != nil {
		h.log.Error("AppendAssistant failed", "error", err, "message_id", id)
		RespondError(c, http.StatusInternalServerError, "append_failed", err)
		return
	}
	RespondOK(c, gin.H{"assistant_message": msg})
}

// POST /api/messages/:id/cancel
func (h *MessageHandler) CancelMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_message_id", err)
		return
	}
	cancelled := h.responder.Cancel(c.Request.Context(), id)
	RespondOK(c, gin.H{"cancelled": cancelled})
}

// DELETE /api/messages/:id
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_message_id", err)
		return
	}
	if err := h.topicService.DeleteMessage(c.Request.Context(), id); err != nil {
		h.log.Error("DeleteMessage failed", "error", err, "message_id", id)
		RespondError(c, http.StatusInternalServerError, "delete_message_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": "true"})
}
