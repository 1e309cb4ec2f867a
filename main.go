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
	"github.com/sirupsen/logrus"

	"mail-optout-bridge/internal/classifier"
	"mail-optout-bridge/internal/config"
	"mail-optout-bridge/internal/database"
	"mail-optout-bridge/internal/delivery"
	"mail-optout-bridge/internal/dispatch"
	"mail-optout-bridge/internal/handlers"
	"mail-optout-bridge/internal/metrics"
	"mail-optout-bridge/internal/queue"
	"mail-optout-bridge/internal/repository"
	"mail-optout-bridge/internal/webhook"
)

func main() {
	// Configure logging
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Mail Opt-Out Webhook Bridge")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	// Initialize database
	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize metrics
	m := metrics.NewMetrics()

	// Repository backs the token store, ledger, outbox and journal
	repo := repository.New(db)

	// The "never" email level ordinal is owned by the host application
	// and injected through configuration
	resolver := classifier.StaticResolver{NeverOrdinal: cfg.Webhook.NeverEmailLevel}

	// Outbound webhook client
	client := webhook.NewClient(&cfg.Webhook)

	// Delivery task executor
	executor := delivery.NewRunner(repo, repo, repo, repo, client, repo, resolver, &cfg.Webhook, m)

	// Task runner draining the outbox
	runner := queue.NewRunner(&cfg.Queue, repo, executor, m)

	// Change-reaction dispatcher
	dispatcher := dispatch.NewDispatcher(repo, repo, repo, runner, resolver, &cfg.Webhook, m)

	// Initialize HTTP handlers
	h := handlers.NewHandlers(db, repo, dispatcher, runner, cfg)

	// Setup HTTP server
	router := setupRouter(h)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start task runner
	if err := runner.Start(); err != nil {
		logrus.Fatalf("Failed to start task runner: %v", err)
	}

	// Start HTTP server in a goroutine
	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop task runner
	if err := runner.Stop(); err != nil {
		logrus.Errorf("Failed to stop task runner: %v", err)
	}

	// Wait for in-flight deliveries to finish
	runner.Wait()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
}

// setupRouter sets up the HTTP router with middleware
func setupRouter(h *handlers.Handlers) *gin.Engine {
	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	// Create router
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	// Setup routes
	h.SetupRoutes(router)

	return router
}

// loggerMiddleware adds logging middleware
func loggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	})
}
