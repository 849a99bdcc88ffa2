// Package main wires together the download service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jpvasquez/sri-downloader/internal/api"
	"github.com/jpvasquez/sri-downloader/internal/browser"
	"github.com/jpvasquez/sri-downloader/internal/clock/system"
	"github.com/jpvasquez/sri-downloader/internal/config"
	"github.com/jpvasquez/sri-downloader/internal/engine"
	"github.com/jpvasquez/sri-downloader/internal/history"
	"github.com/jpvasquez/sri-downloader/internal/id/runid"
	"github.com/jpvasquez/sri-downloader/internal/logging"
	"github.com/jpvasquez/sri-downloader/internal/progress"
	"github.com/jpvasquez/sri-downloader/internal/progress/sinks"
	"github.com/jpvasquez/sri-downloader/internal/storage/kv"
	kvmemory "github.com/jpvasquez/sri-downloader/internal/storage/kv/memory"
	kvpostgres "github.com/jpvasquez/sri-downloader/internal/storage/kv/postgres"
	kvsqlite "github.com/jpvasquez/sri-downloader/internal/storage/kv/sqlite"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("storage close failed", zap.Error(closeErr))
		}
	}()

	// Persisted tunable overrides win over file and environment values.
	overrides := config.NewOverrideStore(store)
	if saved, ok, loadErr := overrides.Load(ctx); loadErr != nil {
		logger.Warn("loading tunable overrides failed", zap.Error(loadErr))
	} else if ok {
		cfg.Tunables = saved
		logger.Info("applied persisted tunable overrides")
	}

	clock := system.New()
	repo := history.NewRepository(store, clock, logger.Named("history"))

	broadcaster := api.NewBroadcaster(logger.Named("events"))
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("hub")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		broadcaster,
	)

	driver, err := browser.New(cfg.Browser, cfg.Portal, nil, logger.Named("browser"))
	if err != nil {
		logger.Fatal("browser init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := driver.Close(); closeErr != nil {
			logger.Warn("browser close failed", zap.Error(closeErr))
		}
	}()

	eng := engine.New(driver, driver, driver, repo, hub, clock, runid.New(), cfg.Tunables, logger.Named("engine"))
	driver.SetConfirmer(eng)

	apiServer := api.NewServer(eng, repo, driver, overrides, broadcaster, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg config.StorageConfig) (kv.Store, error) {
	switch cfg.Provider {
	case "sqlite":
		return kvsqlite.New(cfg.SQLitePath)
	case "postgres":
		return kvpostgres.New(ctx, cfg.DSN)
	case "memory":
		return kvmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
