// Package main is the entry point for the muxbridge server: it hosts
// assistant sessions behind tmux supervisors and exposes HTTP and
// WebSocket endpoints for clients.
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

	"github.com/muxbridge/muxbridge/internal/common/config"
	"github.com/muxbridge/muxbridge/internal/common/logger"
	"github.com/muxbridge/muxbridge/internal/events/bus"
	gateways "github.com/muxbridge/muxbridge/internal/gateway/websocket"
	"github.com/muxbridge/muxbridge/internal/session/api"
	"github.com/muxbridge/muxbridge/internal/session/engine"
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

	log.Info("Starting muxbridge...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: in-memory by default, NATS when configured
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 4. Session engine: reconciles surviving tmux sessions on start
	eng, err := engine.New(cfg, eventBus, log)
	if err != nil {
		log.Fatal("Failed to construct engine", zap.Error(err))
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", zap.Error(err))
	}

	// 5. HTTP server (REST + WebSocket)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	api.NewHandler(eng, log).RegisterRoutes(router)

	chatHandler := gateways.NewChatHandler(eng, eventBus, log)
	router.GET("/ws/chat/:sessionId", chatHandler.HandleChatWS)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws/chat/:sessionId"),
		zap.String("http", "/api/agents"),
		zap.String("health", "/health"))

	// Graceful shutdown: sessions keep running inside tmux; only the
	// server-side writers and watchers are released.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down muxbridge...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}
	eng.Shutdown()
	log.Info("Shutdown complete")
}

// corsMiddleware allows browser frontends served from other origins to
// reach the API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
