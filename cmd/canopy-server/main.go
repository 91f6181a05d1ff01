// Canopy Server
//
// Features:
// - CRDT document sync with optimistic-concurrency version store (PostgreSQL)
// - Content-addressed blob storage (local or S3/MinIO backend)
// - Project-scoped blob upload tokens (JWT)
// - SSE real-time version notifications
// - Prometheus metrics & structured logging (zap)
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

	"github.com/canopysync/canopy/internal/api"
	"github.com/canopysync/canopy/internal/auth"
	"github.com/canopysync/canopy/internal/blob"
	"github.com/canopysync/canopy/internal/blob/local"
	s3blob "github.com/canopysync/canopy/internal/blob/s3"
	"github.com/canopysync/canopy/internal/config"
	"github.com/canopysync/canopy/internal/events"
	"github.com/canopysync/canopy/internal/logging"
	"github.com/canopysync/canopy/internal/metrics"
	"github.com/canopysync/canopy/internal/versionstore/postgres"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Canopy Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("connecting to PostgreSQL...")
	store, err := postgres.New(cfg.DatabaseURL, cfg.HistoryRetention)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	migrationsDir := findMigrationsDir()
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := store.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	var backend blob.Backend
	switch cfg.StorageBackend {
	case "s3":
		backend, err = s3blob.New(ctx, s3blob.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		backend, err = local.New(cfg.LocalStoragePath)
	}
	if err != nil {
		logging.Fatal("blob backend init failed",
			zap.String("backend", cfg.StorageBackend),
			zap.Error(err))
	}
	defer backend.Close()
	logging.Info("blob backend initialized", zap.String("backend", backend.Type()))

	broadcaster := events.NewBroadcaster()
	tokens := auth.New(cfg.TokenSecret, auth.DefaultTTL)

	srv := api.NewServer(store, backend, tokens, broadcaster, cfg.MaxBlobSize)

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

	// Periodic connection pool metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.UpdateConnectionMetrics()
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
