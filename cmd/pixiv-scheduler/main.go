package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pixiv-crawler/internal/config"
	"pixiv-crawler/internal/scheduler"
	"pixiv-crawler/internal/store"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to crawler configuration")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := buildLogger(cfg.Logging)
	logger.Info("starting scheduler",
		"primary", cfg.Scheduler.PrimaryURL,
		"workers", len(cfg.Scheduler.WorkerURLs),
	)

	st, err := store.New(cfg.Store, logger)
	if err != nil {
		log.Fatalf("failed to initialise store: %v", err)
	}
	defer st.Close()

	sched, err := scheduler.New(scheduler.Options{
		Config: cfg.Scheduler,
		Store:  st,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to build scheduler: %v", err)
	}
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	<-ctx.Done()
	logger.Info("shutting down scheduler")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}
	log.Println("scheduler stopped")
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Structured {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
