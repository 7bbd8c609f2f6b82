package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/nvoss/loomchat-backend/internal/data/db"
	chatrepo "github.com/nvoss/loomchat-backend/internal/data/repos/chat"
	"github.com/nvoss/loomchat-backend/internal/handlers"
	"github.com/nvoss/loomchat-backend/internal/observability"
	"github.com/nvoss/loomchat-backend/internal/platform/envutil"
	"github.com/nvoss/loomchat-backend/internal/platform/logger"
	"github.com/nvoss/loomchat-backend/internal/platform/modelgw"
	"github.com/nvoss/loomchat-backend/internal/realtime"
	"github.com/nvoss/loomchat-backend/internal/realtime/bus"
	"github.com/nvoss/loomchat-backend/internal/server"
	"github.com/nvoss/loomchat-backend/internal/services"
)

type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Router *gin.Engine
	Cfg    Config
	Hub    *realtime.Hub
	Queue  *services.TopicQueue

	sseBus       bus.Bus
	shutdownOTel func(context.Context) error
	cancel       context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig(log)
	shutdownOTel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		Environment: envutil.String("APP_ENV", "development"),
	})

	dbService, err := db.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	theDB := dbService.DB()

	// Repos
	log.Info("Setting up repos...")
	topicRepo := chatrepo.NewTopicRepo(theDB, log)
	messageRepo := chatrepo.NewMessageRepo(theDB, log)
	blockRepo := chatrepo.NewBlockRepo(theDB, log)

	// SSE
	log.Info("Setting up SSE hub...")
	hub := realtime.NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())

	var emit services.SSEEmitter = &services.HubEmitter{Hub: hub}
	var sseBus bus.Bus
	if envutil.Bool("REDIS_BUS_ENABLED", false) {
		b, busErr := bus.NewRedisBus(log)
		if busErr != nil {
			log.Warn("Redis bus init failed; falling back to in-process hub", "error", busErr)
		} else if fwdErr := b.StartForwarder(ctx, hub.Broadcast); fwdErr != nil {
			log.Warn("Redis forwarder failed to start; falling back to in-process hub", "error", fwdErr)
			_ = b.Close()
		} else {
			emit = &services.RedisEmitter{Bus: b}
			sseBus = b
		}
	}
	notify := services.NewChatNotifier(emit)

	// Services
	log.Info("Setting up services...")
	writer := services.NewBlockWriter(log, blockRepo, notify)
	compressor := services.NewCompressor(log, cfg.Compressor)
	enforcer := services.NewEnforcer(log, cfg.Enforcer)
	queue := services.NewTopicQueue(log)
	aborts := modelgw.NewAbortRegistry()

	gateway, err := modelgw.NewClient(log)
	if err != nil {
		cancel()
		log.Sync()
		return nil, fmt.Errorf("init generation gateway: %w", err)
	}
	tools, err := services.NewToolRunner(log)
	if err != nil {
		log.Warn("Tool runner unavailable; tool calls will not execute locally", "error", err)
		tools = nil
	}
	profiles, err := services.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		cancel()
		log.Sync()
		return nil, fmt.Errorf("load assistant profiles: %w", err)
	}

	responder := services.NewResponder(log, services.ResponderDeps{
		Topics:     topicRepo,
		Messages:   messageRepo,
		Blocks:     blockRepo,
		Writer:     writer,
		Notify:     notify,
		Gateway:    gateway,
		Tools:      tools,
		Compressor: compressor,
		Enforcer:   enforcer,
		Queue:      queue,
		Aborts:     aborts,
		Profiles:   profiles,
	})
	topicService := services.NewTopicService(log, topicRepo, messageRepo, blockRepo, notify)

	// Handlers and router
	log.Info("Setting up handlers...")
	router := server.NewRouter(server.RouterConfig{
		TopicHandler:   handlers.NewTopicHandler(log, topicService),
		MessageHandler: handlers.NewMessageHandler(log, responder, topicService),
		SSEHandler:     handlers.NewSSEHandler(log, hub),
	})

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       router,
		Cfg:          cfg,
		Hub:          hub,
		Queue:        queue,
		sseBus:       sseBus,
		shutdownOTel: shutdownOTel,
		cancel:       cancel,
	}, nil
}

func (a *App) Run() error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(":" + a.Cfg.Port)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Queue != nil {
		a.Queue.Wait()
	}
	if a.sseBus != nil {
		_ = a.sseBus.Close()
	}
	if a.shutdownOTel != nil {
		_ = a.shutdownOTel(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
