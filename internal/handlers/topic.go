package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nvoss/loomchat-backend/internal/platform/logger"
	"github.com/nvoss/loomchat-backend/internal/services"
)

type TopicHandler struct {
	log          *logger.Logger
	topicService *services.TopicService
}

func NewTopicHandler(log *logger.Logger, topicService *services.TopicService) *TopicHandler {
	return &TopicHandler{
		log:          log.With("handler", "TopicHandler"),
		topicService: topicService,
	}
}

// POST /api/topics
func (h *TopicHandler) CreateTopic(c *gin.Context) {
	var req struct {
		Title        string `json:"title"`
		AssistantRef string `json:"assistant_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	topic, err := h.topicService.Create(c.Request.Context(), req.Title, req.AssistantRef)
	if err != nil {
		h.log.Error("CreateTopic failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "create_topic_failed", err)
		return
	}
	RespondOK(c, gin.H{"topic": topic})
}

// GET /api/topics
func (h *TopicHandler) ListTopics(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	topics, err := h.topicService.List(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("ListTopics failed", "error", err)
		RespondError(c, http.StatusInternalServerError, "list_topics_failed", err)
		return
	}
	RespondOK(c, gin.H{"topics": topics})
}

// GET /api/topics/:id
func (h *TopicHandler) GetTopic(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_topic_id", err)
		return
	}
	topic, err := h.topicService.Get(c.Request.Context(), id)
	if err != nil {
		RespondError(c, http.StatusNotFound, "topic_not_found", err)
		return
	}
	RespondOK(c, gin.H{"topic": topic})
}

// PATCH /api/topics/:id
func (h *TopicHandler) RenameTopic(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_topic_id", err)
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.topicService.Rename(c.Request.Context(), id, req.Title, true); err != nil {
		h.log.Error("RenameTopic failed", "error", err, "topic_id", id)
		RespondError(c, http.StatusInternalServerError, "rename_topic_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": "true"})
}

// DELETE /api/topics/:id
func (h *TopicHandler) DeleteTopic(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_topic_id", err)
		return
	}
	if err := h.topicService.Delete(c.Request.Context(), id); err != nil {
		h.log.Error("DeleteTopic failed", "error", err, "topic_id", id)
		RespondError(c, http.StatusInternalServerError, "delete_topic_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": "true"})
}

// DELETE /api/topics/:id/messages
func (h *TopicHandler) ClearMessages(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_topic_id", err)
		return
	}
	if err := h.topicService.ClearMessages(c.Request.Context(), id); err != nil {
		h.log.Error("ClearMessages failed", "error", err, "topic_id", id)
		RespondError(c, http.StatusInternalServerError, "clear_messages_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": "true"})
}

// GET /api/topics/:id/messages
func (h *TopicHandler) ListMessages(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_topic_id", err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	views, err := h.topicService.Messages(c.Request.Context(), id, limit)
	if err != nil {
		h.log.Error("ListMessages failed", "error", err, "topic_id", id)
		RespondError(c, http.StatusInternalServerError, "list_messages_failed", err)
		return
	}
	RespondOK(c, gin.H{"messages": views})
}
