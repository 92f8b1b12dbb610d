package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencode-ai/gateway/internal/alerts"
	"github.com/opencode-ai/gateway/internal/api"
	"github.com/opencode-ai/gateway/internal/catalog"
	"github.com/opencode-ai/gateway/internal/config"
	"github.com/opencode-ai/gateway/internal/cost"
	"github.com/opencode-ai/gateway/internal/crypto"
	"github.com/opencode-ai/gateway/internal/dump"
	"github.com/opencode-ai/gateway/internal/httputil"
	"github.com/opencode-ai/gateway/internal/kv"
	"github.com/opencode-ai/gateway/internal/notifications"
	"github.com/opencode-ai/gateway/internal/repository"
	"github.com/opencode-ai/gateway/internal/secrets"
	"github.com/opencode-ai/gateway/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting inference gateway", "addr", cfg.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		slog.Error("failed to load catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}

	if cfg.ProviderKeysSecret != "" {
		source, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init secrets manager", "error", err)
			os.Exit(1)
		}
		keys, err := source.ProviderKeys(ctx, cfg.ProviderKeysSecret)
		if err != nil {
			slog.Error("failed to load provider keys", "error", err)
			os.Exit(1)
		}
		for id, key := range keys {
			cat.SetProviderKey(id, key)
		}
		slog.Info("loaded provider keys", "count", len(keys))
	}

	var kvStore kv.Store
	if cfg.RedisURL != "" {
		kvStore, err = kv.NewRedisStore(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis kv store")
	} else {
		kvStore = kv.NewInMemoryStore()
		slog.Info("using in-memory kv store")
	}

	var billingStore repository.Store
	if cfg.DatabaseURL != "" {
		encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
		db, err := repository.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		billingStore = repository.NewPostgresStore(db, encryptor, cfg.FreeWorkspaces)
		slog.Info("using postgres billing store")
	} else {
		billingStore = repository.NewInMemoryStore()
		slog.Warn("no DATABASE_URL set, using in-memory billing store")
	}

	var dumper dump.Publisher
	if cfg.DumpQueueURL != "" {
		dumper, err = dump.NewSQSDumper(ctx, cfg.AWSRegion, cfg.DumpQueueURL)
		if err != nil {
			slog.Error("failed to init request dumper", "error", err)
			os.Exit(1)
		}
		slog.Info("request capture enabled", "queue", cfg.DumpQueueURL)
	}

	var notifier notifications.Notifier
	if cfg.AlertTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			slog.Error("failed to init notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("billing alerts enabled", "topic", cfg.AlertTopicARN)
	}

	var reloader api.Reloader
	if cfg.ReloadWebhookURL != "" {
		reloader = api.NewWebhookReloader(cfg.ReloadWebhookURL, httputil.DefaultClient())
		slog.Info("balance reload enabled", "url", cfg.ReloadWebhookURL)
	}

	handler := api.New(api.Options{
		Catalog:  cat,
		Store:    billingStore,
		KV:       kvStore,
		Client:   httputil.StreamingClient(),
		Reloader: reloader,
		Dumper:   dumper,
		Monitor:  alerts.NewMonitor(notifier, cost.MicroCents(100)),
		Notifier: notifier,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
