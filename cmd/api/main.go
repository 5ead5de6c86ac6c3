package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/domiro-org/domiro/internal/api"
	"github.com/domiro-org/domiro/internal/config"
	"github.com/domiro-org/domiro/internal/doh"
	"github.com/domiro-org/domiro/internal/metrics"
	"github.com/domiro-org/domiro/internal/pipeline"
	"github.com/domiro-org/domiro/internal/rdap"
	"github.com/domiro-org/domiro/internal/storage/postgres"
	"github.com/domiro-org/domiro/internal/whoisfb"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Optional scan archive
	var store *postgres.Store
	if cfg.Database.URL != "" {
		store, err = postgres.Open(cfg.Database)
		if err != nil {
			logger.Fatal("Failed to open scan archive", zap.Error(err))
		}
		defer store.Close()
	}

	dnsChecker := doh.NewChecker(doh.Options{
		Providers:   doh.ParseProviders(cfg.DNS.Providers),
		Timeout:     cfg.DNS.Timeout,
		MaxAttempts: cfg.DNS.MaxAttempts,
		RetryBase:   cfg.DNS.RetryBase,
	}, logger)

	rdapChecker := rdap.NewClient(rdap.Options{
		BootstrapURL: cfg.RDAP.BootstrapURL,
		FallbackURL:  cfg.RDAP.FallbackURL,
		Timeout:      cfg.RDAP.Timeout,
		MaxAttempts:  cfg.RDAP.MaxAttempts,
		RetryBase:    cfg.RDAP.RetryBase,
		RatePerSec:   cfg.RDAP.RatePerSec,
		UseProxy:     cfg.RDAP.UseProxy,
		ProxyURL:     cfg.RDAP.ProxyURL,
	}, logger)

	opts := pipeline.Options{
		DNSConcurrency:  cfg.DNS.Concurrency,
		RDAPConcurrency: cfg.RDAP.Concurrency,
		Metrics:         metrics.NewCollector(),
	}
	if cfg.Whois.EnableFallback {
		opts.Fallback = whoisfb.New(cfg.Whois.Timeout, logger)
	}

	pipe := pipeline.New(dnsChecker, rdapChecker, opts, logger)
	defer pipe.Close()

	server := api.NewServer(cfg, pipe, store, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
