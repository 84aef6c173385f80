package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"tenderwatch/internal/config"
	"tenderwatch/internal/engine"
	"tenderwatch/internal/expand"
	"tenderwatch/internal/feed"
	"tenderwatch/internal/notify"
	"tenderwatch/internal/storage"
	"tenderwatch/internal/tier"
)

func main() {
	cfgPath := flag.String("config", envOrDefault("CONFIG_PATH", "./config.yaml"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	if cfg.TelegramBotToken == "" {
		log.Error("TELEGRAM_BOT_TOKEN is required")
		os.Exit(1)
	}
	deliverer, err := notify.NewTelegram(cfg.TelegramBotToken, log)
	if err != nil {
		log.Error("create deliverer", "error", err)
		os.Exit(1)
	}

	tiers, err := tier.NewStaticResolver(cfg.Quota.Tiers, cfg.Quota.UserTiers, cfg.Quota.DefaultTier)
	if err != nil {
		log.Error("configure tiers", "error", err)
		os.Exit(1)
	}

	source := feed.NewRSS(http.DefaultClient, cfg.Feed.URL)
	expander := expand.NewStaticProvider(cfg.Expansions)

	eng := engine.New(store, source, deliverer, tiers, expander, nil, log, engine.Options{
		Workers: cfg.Engine.Workers,
		FetchRetry: engine.RetryPolicy{
			MaxAttempts: cfg.Engine.FetchRetry.MaxAttempts,
			BaseDelay:   cfg.Engine.FetchRetry.BaseDelay.Std(),
		},
		DeliveryRetry: engine.RetryPolicy{
			MaxAttempts: cfg.Engine.DeliveryRetry.MaxAttempts,
			BaseDelay:   cfg.Engine.DeliveryRetry.BaseDelay.Std(),
		},
		FilterErrorThreshold: cfg.Engine.FilterErrorThreshold,
		PendingTTL:           cfg.Engine.PendingTTL.Std(),
		LeaseTTL:             cfg.Engine.LeaseTTL.Std(),
		PollInterval:         cfg.Feed.PollInterval.Std(),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.RecoverStalePending(ctx); err != nil {
		log.Error("recover stale pending", "error", err)
		os.Exit(1)
	}

	log.Info("starting engine", "feed", cfg.Feed.URL, "poll_interval", cfg.Feed.PollInterval.Std())

	eng.Start(ctx)

	log.Info("engine stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
