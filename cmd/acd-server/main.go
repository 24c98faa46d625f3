package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openacd/openacd/internal/agent"
	"github.com/openacd/openacd/internal/agent/auth"
	"github.com/openacd/openacd/internal/agent/registry"
	"github.com/openacd/openacd/internal/common/config"
	"github.com/openacd/openacd/internal/common/logger"
	"github.com/openacd/openacd/internal/events/bus"
	"github.com/openacd/openacd/internal/media"
	"github.com/openacd/openacd/internal/queue"
	"github.com/openacd/openacd/internal/web"
	"github.com/openacd/openacd/internal/web/api"
	"github.com/openacd/openacd/internal/web/ws"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting OpenACD server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus (single node)")
	}
	defer eventBus.Close()

	// 4. Open the agent directory: Postgres when configured, dev defaults
	// otherwise
	var store auth.Store
	switch {
	case cfg.Database.Host != "":
		pgStore, err := auth.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to agent directory", zap.Error(err))
		}
		store = pgStore
		log.Info("Connected to agent directory", zap.String("host", cfg.Database.Host))
	case cfg.Database.SQLitePath != "":
		sqlStore, err := auth.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open agent directory", zap.Error(err))
		}
		if err := sqlStore.SeedDefaults(ctx); err != nil {
			log.Fatal("Failed to seed agent directory", zap.Error(err))
		}
		store = sqlStore
		log.Info("Opened agent directory", zap.String("path", cfg.Database.SQLitePath))
	default:
		store = auth.NewDevStore()
		log.Warn("Using in-memory agent directory with development logins")
	}
	defer store.Close()

	// 5. Register outbound media factories. Real telephony drivers register
	// here; the dummy driver keeps outbound flows working without a bridge.
	factories := media.NewFactoryRegistry(log)
	factories.Register(media.TypeVoice, media.DummyOutboundFactory(media.TypeVoice))

	// 6. Start the agent registry
	timers := agent.Timers{
		Ringout:      cfg.Agent.RingoutDuration(),
		MediaTimeout: cfg.Agent.MediaTimeoutDuration(),
	}
	reg, err := registry.New(eventBus, factories, timers, cfg.Agent.RegistryTimeoutDuration(), log)
	if err != nil {
		log.Fatal("Failed to start agent registry", zap.Error(err))
	}
	defer reg.Close()
	log.Info("Agent registry started", zap.String("node", reg.Node()))

	// 7. Default call queue with its offer loop
	callQueue := queue.NewCallQueue("default_queue", 0)
	dispatcher := queue.NewDispatcher(callQueue, reg, time.Second, log)
	dispatcher.Start()
	defer dispatcher.Stop()

	// 8. Supervisor event feed over WebSocket
	feed := ws.NewFeed(eventBus, "acd.>", log)

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	pollTimers := web.PollTimers{
		Flush:     cfg.Poll.FlushIntervalDuration(),
		KeepAlive: cfg.Poll.KeepAliveIntervalDuration(),
		Liveness:  cfg.Poll.LivenessDuration(),
	}
	handler := api.NewHandler(store, reg, pollTimers, feed, log)
	api.SetupRoutes(router, handler, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": reg.Node()})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 10. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down OpenACD server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("OpenACD server stopped")
}
