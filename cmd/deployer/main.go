package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webui-deployer/internal/config"
	"webui-deployer/internal/database"
	"webui-deployer/internal/logger"
	"webui-deployer/internal/newrelic"
	"webui-deployer/internal/secrets"
	"webui-deployer/internal/server"
)

func main() {
	logger.Initialize()
	log := logger.WithModule("main")
	log.Info("Starting WebUI Deployment Service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg := config.Load()
	if err := secrets.ResolvePrivateKey(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Failed to read private key from Vault")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	log.WithField("network", cfg.Network).Info("Configuration loaded successfully")

	// Initialize New Relic monitoring
	nrApp, err := newrelic.Initialize(cfg)
	if err != nil {
		log.WithError(err).Warn("Failed to initialize New Relic, continuing without monitoring")
	}

	// Initialize database
	db, err := database.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()
	log.WithField("dialect", db.Dialect()).Info("Database initialized successfully")

	// Create and start server
	srv, err := server.NewServer(cfg, db, nrApp)
	if err != nil {
		log.WithError(err).Fatal("Failed to create server")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Fatal("Server failed to start")
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Graceful shutdown failed")
		}
		if nrApp != nil {
			nrApp.Shutdown(5 * time.Second)
		}
	}
}
