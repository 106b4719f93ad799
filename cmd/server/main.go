package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storefront-labs/mediacache/internal/cache"
	"github.com/storefront-labs/mediacache/internal/config"
	"github.com/storefront-labs/mediacache/internal/fetch"
	"github.com/storefront-labs/mediacache/internal/handlers"
	"github.com/storefront-labs/mediacache/internal/router"
	"github.com/storefront-labs/mediacache/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	cacheCfg := config.GetCacheConfig()
	storageCfg := config.GetStorageConfig()
	serverCfg := config.GetServerConfig()

	durable := newDurableStore(storageCfg, cacheCfg, logger)
	fallback := store.NewFallbackStore(
		cacheCfg.FallbackDir,
		cacheCfg.FallbackMaxBytes,
		cacheCfg.FallbackEntryCeiling,
		logger.With("component", "fallback-store"),
	)
	fetcher := fetch.NewFetcher(config.GetFetchConfig(), logger.With("component", "fetcher"))

	svc := cache.New(cache.Config{
		TTL:             cacheCfg.Duration,
		CleanupInterval: cacheCfg.CleanupInterval,
		FallbackCeiling: cacheCfg.FallbackEntryCeiling,
	}, durable, fallback, fetcher, logger.With("component", "cache"))
	svc.Start()

	media := handlers.NewMediaHandler(svc, logger.With("component", "media-handler"))
	srv := &http.Server{
		Addr:    serverCfg.ListenAddr,
		Handler: router.New(logger, media),
	}

	go func() {
		logger.Info("server starting", "addr", serverCfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	if err := svc.Close(); err != nil {
		logger.Error("cache close failed", "error", err)
	}
}

func newDurableStore(storageCfg *config.StorageConfig, cacheCfg *config.CacheConfig, logger *slog.Logger) store.Store {
	if storageCfg.Backend == "s3" {
		return store.NewS3Store(storageCfg, logger.With("component", "s3-store"))
	}
	if err := os.MkdirAll(filepath.Dir(cacheCfg.DBPath), 0o755); err != nil {
		logger.Warn("cache db dir create failed", "path", cacheCfg.DBPath, "error", err)
	}
	return store.NewBoltStore(cacheCfg.DBPath, logger.With("component", "bolt-store"))
}
