// filemanager server
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - Dual-account B2 object gateway with cached auth tokens
// - Virtual folder metadata index (PostgreSQL)
// - Upload pipeline with video/image thumbnail enrichment
// - Cached bucket listings & usage stats
// - SSE change feed
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rflyhigh/filemanager/internal/api"
	"github.com/rflyhigh/filemanager/internal/b2"
	"github.com/rflyhigh/filemanager/internal/config"
	"github.com/rflyhigh/filemanager/internal/events"
	"github.com/rflyhigh/filemanager/internal/ingest"
	"github.com/rflyhigh/filemanager/internal/listing"
	"github.com/rflyhigh/filemanager/internal/logging"
	"github.com/rflyhigh/filemanager/internal/media"
	"github.com/rflyhigh/filemanager/internal/metadata/postgres"
	"github.com/rflyhigh/filemanager/internal/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("filemanager server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Strings("accounts", cfg.AccountNames()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	metaStore, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	// Run migrations
	migrationsDir := findMigrationsDir()
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := metaStore.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Initialize the B2 gateway
	client := b2.NewClient(b2.DefaultAPIBase)
	tokens := b2.NewTokenCache(client, cfg.Accounts)
	gateway := b2.NewGateway(client, tokens)

	// Listing & usage cache
	listings := listing.New(gateway, cfg.ListingTTL)

	// SSE broadcaster
	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	// Ingestion pipeline with media tooling
	tools := media.Tools{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
	}
	pipeline := ingest.New(gateway, metaStore, listings, tools)

	// Create API server
	srv := api.NewServer(metaStore, gateway, listings, pipeline, broadcaster, cfg)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Periodic DB connection metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metaStore.UpdateConnectionMetrics()
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
