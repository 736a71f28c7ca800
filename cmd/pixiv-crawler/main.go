package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pixiv-crawler/internal/api"
	"pixiv-crawler/internal/config"
	"pixiv-crawler/internal/credentials"
	"pixiv-crawler/internal/crawler"
	"pixiv-crawler/internal/fetcher"
	"pixiv-crawler/internal/pixiv"
	"pixiv-crawler/internal/ranking"
	"pixiv-crawler/internal/robots"
	"pixiv-crawler/internal/store"
	"pixiv-crawler/internal/tasklog"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to crawler configuration")
	addr := flag.String("addr", "", "HTTP listen address (overrides api.addr)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr == "" {
		*addr = cfg.API.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := tasklog.NewRecorder(cfg.Logging.TaskBuffer)
	logger := buildLogger(cfg.Logging, recorder)

	logger.Info("starting crawler node", "addr", *addr, "store", cfg.Store.Backend)

	st, err := store.New(cfg.Store, logger)
	if err != nil {
		log.Fatalf("failed to initialise store: %v", err)
	}
	defer st.Close()

	pool, err := credentials.NewPool(cfg.Credentials)
	if err != nil {
		log.Fatalf("failed to build credential pool: %v", err)
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		ProxyURL:     cfg.Crawl.ProxyURL,
	})
	if err != nil {
		log.Fatalf("failed to build fetcher: %v", err)
	}

	var fetch fetcher.Fetcher = httpFetcher
	if cfg.Rendering.Enabled {
		renderer := fetcher.NewChromedpRenderer(fetcher.RenderOptions{
			Timeout:            cfg.Rendering.Timeout.Duration,
			WaitForSelector:    cfg.Rendering.WaitForSelector,
			MaxBodyBytes:       cfg.Crawl.MaxBodyBytes,
			DisableHeadless:    cfg.Rendering.DisableHeadless,
			ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
		})
		fetch = fetcher.NewComposite(httpFetcher, renderer)
		logger.Info("headless rendering enabled")
	}

	var robotsAgent *robots.Agent
	if cfg.Robots.Respect {
		robotsAgent = robots.NewAgent(cfg.Robots, httpFetcher.Client())
	}

	client, err := pixiv.NewClient(pixiv.Options{
		Fetcher:     fetch,
		Pool:        pool,
		Pacer:       pixiv.NewPacer(cfg.Crawl.DelayMin.Duration, cfg.Crawl.DelayMax.Duration, cfg.Crawl.RateLimit),
		Robots:      robotsAgent,
		BaseURL:     cfg.Crawl.BaseURL,
		RotateEvery: cfg.Crawl.RotateEvery,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to build client: %v", err)
	}

	engine, err := crawler.NewEngine(crawler.Options{
		API:       client,
		Store:     st,
		Extractor: ranking.NewExtractor(cfg.Ranking.MaxEntries),
		Threshold: cfg.Crawl.PopularityThreshold,
		TargetNum: cfg.Crawl.TargetNum,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	taskPool, err := api.NewPool(ctx, cfg.API.MaxConcurrentTasks, cfg.API.QueueSize)
	if err != nil {
		log.Fatalf("failed to build task pool: %v", err)
	}
	manager := api.NewManager(engine, taskPool, logger)
	server := api.NewServer(manager, engine, st, recorder, cfg.API.RequestTimeout.Duration, logger)

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		manager.Close()
	}()

	logger.Info("crawler node listening", "addr", *addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Println("crawler node stopped")
}

func buildLogger(cfg config.LoggingConfig, recorder *tasklog.Recorder) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var inner slog.Handler
	if cfg.Structured {
		inner = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		inner = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(tasklog.NewHandler(inner, recorder))
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
