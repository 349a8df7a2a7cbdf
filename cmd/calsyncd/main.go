package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hearthworks/calsync/internal/busy"
	"github.com/hearthworks/calsync/internal/config"
	"github.com/hearthworks/calsync/internal/credentials"
	"github.com/hearthworks/calsync/internal/crypto"
	"github.com/hearthworks/calsync/internal/db"
	"github.com/hearthworks/calsync/internal/notify"
	"github.com/hearthworks/calsync/internal/orchestrator"
	"github.com/hearthworks/calsync/internal/provider"
	"github.com/hearthworks/calsync/internal/scheduler"
	"github.com/hearthworks/calsync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting calsync...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// Initialize encryptor
	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	// Initialize credential manager and provider adapters
	creds := credentials.NewManager(database, encryptor, cfg.Google.ClientID, cfg.Google.ClientSecret)
	registry := provider.NewRegistry(creds)

	// Initialize busy-time merge engine
	busyEngine := busy.NewEngine(database, registry)

	// Initialize notifier for alerts
	notifyCfg := &notify.Config{
		WebhookEnabled: cfg.Alerts.WebhookEnabled,
		WebhookURL:     cfg.Alerts.WebhookURL,
		CooldownPeriod: time.Duration(cfg.Alerts.CooldownMinutes) * time.Minute,
	}

	if notifyCfg.WebhookEnabled {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			log.Fatalf("Invalid alert configuration: %v", err)
		}
	}

	notifier := notify.New(notifyCfg)

	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (webhook: %v, cooldown: %d min)",
			cfg.Alerts.WebhookEnabled, cfg.Alerts.CooldownMinutes)
	}

	// Initialize sync orchestrator
	orch := orchestrator.New(database, registry, creds, notifier)

	// Initialize scheduler
	sched := scheduler.New(database, orch, creds, notifier, scheduler.Intervals{
		FullSync:        cfg.Scheduler.FullSyncInterval,
		RetryDrain:      cfg.Scheduler.RetryDrainInterval,
		CredentialCheck: cfg.Scheduler.CredentialCheckInterval,
		Cleanup:         cfg.Scheduler.CleanupInterval,
	})

	// Initialize handlers
	handlers := web.NewHandlers(database, orch, sched, busyEngine)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())

	// Setup routes
	web.SetupRoutes(router, handlers, cfg.Security.APIToken, cfg.RateLimiting.RPS, cfg.RateLimiting.Burst)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler
	sched.Start()

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop scheduler
	sched.Stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
