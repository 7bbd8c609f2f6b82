package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/nvoss/loomchat-backend/internal/handlers"
	"github.com/nvoss/loomchat-backend/internal/platform/envutil"
)

type RouterConfig struct {
	TopicHandler   *handlers.TopicHandler
	MessageHandler *handlers.MessageHandler
	SSEHandler     *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	origins := strings.Split(envutil.String("CORS_ALLOW_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	// SSE
	router.GET("/sse/stream", cfg.SSEHandler.Stream)

	api := router.Group("/api")
	{
		// Topics
		api.POST("/topics", cfg.TopicHandler.CreateTopic)
		api.GET("/topics", cfg.TopicHandler.ListTopics)
		api.GET("/topics/:id", cfg.TopicHandler.GetTopic)
		api.PATCH("/topics/:id", cfg.TopicHandler.RenameTopic)
		api.DELETE("/topics/:id", cfg.TopicHandler.DeleteTopic)
		api.GET("/topics/:id/messages", cfg.TopicHandler.ListMessages)
		api.DELETE("/topics/:id/messages", cfg.TopicHandler.ClearMessages)

		// Messages
		api.POST("/topics/:id/messages", cfg.MessageHandler.SendMessage)
		api.POST("/messages/:id/resend", cfg.MessageHandler.ResendMessage)
		api.POST("/messages/:id/regenerate", cfg.MessageHandler.RegenerateMessage)
		api.POST("/messages/:id/append", cfg.MessageHandler.AppendAssistant)
		api.POST("/messages/:id/cancel", cfg.MessageHandler.CancelMessage)
		api.DELETE("/messages/:id", cfg.MessageHandler.DeleteMessage)
	}

	return router
}
