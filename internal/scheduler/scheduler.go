// Package scheduler drives the crawl pipeline on cron cadences: it pulls
// uncompleted tasks from the store and fans them out to worker nodes over
// their HTTP API.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pixiv-crawler/internal/config"
	"pixiv-crawler/internal/store"
)

// Options configures a Scheduler.
type Options struct {
	Config config.SchedulerConfig
	Store  store.Store
	Client *http.Client
	Logger *slog.Logger
}

// Scheduler owns the cron entries and the worker fanout.
type Scheduler struct {
	cfg     config.SchedulerConfig
	store   store.Store
	client  *http.Client
	workers []string
	cron    *cron.Cron
	logger  *slog.Logger
}

// New validates the options and builds a scheduler. Worker URLs default to
// the primary URL so a single-node deployment needs no extra config.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("scheduler requires a store")
	}
	if opts.Config.PrimaryURL == "" {
		return nil, errors.New("scheduler requires a primary worker url")
	}
	workers := make([]string, 0, len(opts.Config.WorkerURLs))
	for _, w := range opts.Config.WorkerURLs {
		if w = strings.TrimRight(strings.TrimSpace(w), "/"); w != "" {
			workers = append(workers, w)
		}
	}
	if len(workers) == 0 {
		workers = []string{strings.TrimRight(opts.Config.PrimaryURL, "/")}
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Config.HTTPTimeout.Duration
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     opts.Config,
		store:   opts.Store,
		client:  client,
		workers: workers,
		cron:    cron.New(),
		logger:  logger,
	}, nil
}

// Start registers the configured cron entries and starts the cron loop.
// Empty cron expressions disable the corresponding job.
func (s *Scheduler) Start() error {
	entries := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"ranking_daily", s.cfg.DailyCron, func(ctx context.Context) { s.runRanking(ctx, "daily") }},
		{"ranking_weekly", s.cfg.WeeklyCron, func(ctx context.Context) { s.runRanking(ctx, "weekly") }},
		{"ranking_monthly", s.cfg.MonthlyCron, func(ctx context.Context) { s.runRanking(ctx, "monthly") }},
		{"recommend", s.cfg.RecommendCron, s.runRecommend},
		{"detail", s.cfg.DetailCron, s.runDetail},
		{"home", s.cfg.HomeCron, s.runHome},
	}
	registered := 0
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		run := e.run
		name := e.name
		if _, err := s.cron.AddFunc(e.spec, func() {
			s.logger.Info("scheduler job fired", "job", name)
			run(context.Background())
		}); err != nil {
			return fmt.Errorf("register %s job (%q): %w", e.name, e.spec, err)
		}
		registered++
	}
	if registered == 0 {
		return errors.New("no cron entries configured")
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", registered, "workers", len(s.workers))
	return nil
}

// Stop halts the cron loop and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) primary() string {
	return strings.TrimRight(s.cfg.PrimaryURL, "/")
}

// runRanking asks the primary worker to crawl one ranking board.
func (s *Scheduler) runRanking(ctx context.Context, mode string) {
	target := fmt.Sprintf("%s/?action=crawl_ranking&mode=%s", s.primary(), mode)
	if _, err := s.get(ctx, target); err != nil {
		s.logger.Error("ranking trigger failed", "mode", mode, "error", err)
		return
	}
	s.logger.Info("ranking trigger accepted", "mode", mode)
}

// runRecommend pulls one batch of pending recommend tasks per flag and fans
// them out to the workers round-robin.
func (s *Scheduler) runRecommend(ctx context.Context) {
	for flag, action := range map[store.TaskFlag]string{
		store.FlagIllustRecommend: "illust_recommend_pids",
		store.FlagAuthorRecommend: "author_recommend_pids",
	} {
		pids, err := s.pendingPids(ctx, flag, s.batchSize())
		if err != nil {
			s.logger.Error("list pending tasks failed", "flag", flag, "error", err)
			continue
		}
		if len(pids) == 0 {
			continue
		}
		ok, failed := s.fanout(ctx, action, pids)
		s.logger.Info("recommend batch dispatched",
			"flag", flag, "tasks", len(pids), "ok", ok, "failed", failed)
	}
}

// runDetail processes pending detail tasks in rounds so one trigger drains
// more than a single batch without hammering the workers.
func (s *Scheduler) runDetail(ctx context.Context) {
	rounds := s.cfg.DetailRounds
	if rounds <= 0 {
		rounds = 1
	}
	batch := s.cfg.DetailBatch
	if batch <= 0 {
		batch = len(s.workers)
	}
	for round := 0; round < rounds; round++ {
		pids, err := s.pendingPids(ctx, store.FlagDetailInfo, batch)
		if err != nil {
			s.logger.Error("list pending detail tasks failed", "error", err)
			return
		}
		if len(pids) == 0 {
			return
		}
		ok, failed := s.fanout(ctx, "detail_info", pids)
		s.logger.Info("detail round dispatched",
			"round", round+1, "tasks", len(pids), "ok", ok, "failed", failed)
		if round == rounds-1 {
			return
		}
		select {
		case <-time.After(s.cfg.DetailRoundWait.Duration):
		case <-ctx.Done():
			return
		}
	}
}

// runHome triggers the primary worker's homepage harvest. When the homepage
// yields nothing (expired cookie, rendering off), random known pids are
// re-seeded into the task table so the pipeline keeps moving.
func (s *Scheduler) runHome(ctx context.Context) {
	target := s.primary() + "/?action=home_recommend"
	body, err := s.get(ctx, target)
	if err == nil {
		var resp struct {
			Pids []string `json:"pids"`
		}
		if jsonErr := json.Unmarshal(body, &resp); jsonErr == nil && len(resp.Pids) > 0 {
			s.logger.Info("home harvest done", "pids", len(resp.Pids))
			return
		}
	} else {
		s.logger.Warn("home trigger failed, falling back to random pids", "error", err)
	}

	pids, err := s.store.RandomPids(ctx, s.batchSize())
	if err != nil {
		s.logger.Error("random pid fallback failed", "error", err)
		return
	}
	if len(pids) == 0 {
		s.logger.Warn("home fallback found no pids")
		return
	}
	if err := s.store.UpsertMinimalPics(ctx, pids); err != nil {
		s.logger.Error("home fallback upsert failed", "error", err)
		return
	}
	if err := s.store.BatchEnsureTasks(ctx, pids); err != nil {
		s.logger.Error("home fallback task creation failed", "error", err)
		return
	}
	s.logger.Info("home fallback reseeded tasks", "pids", len(pids))
}

// pendingPids lists uncompleted tasks for a flag, dropping artworks below
// the configured popularity floor.
func (s *Scheduler) pendingPids(ctx context.Context, flag store.TaskFlag, limit int) ([]string, error) {
	pids, err := s.store.ListUncompleted(ctx, flag, limit)
	if err != nil {
		return nil, err
	}
	if s.cfg.MinPopularity <= 0 {
		return pids, nil
	}
	kept := pids[:0]
	for _, pid := range pids {
		pic, err := s.store.GetPic(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("popularity check for %s: %w", pid, err)
		}
		// Unknown artworks pass: the detail crawl is what scores them.
		if pic != nil && pic.Popularity < s.cfg.MinPopularity {
			continue
		}
		kept = append(kept, pid)
	}
	return kept, nil
}

// fanout assigns task i to worker i mod M and fires all requests
// concurrently. Every request runs to completion; failures are tallied,
// never retried within the trigger.
func (s *Scheduler) fanout(ctx context.Context, action string, pids []string) (ok, failed int) {
	results := make([]error, len(pids))
	var wg sync.WaitGroup
	for i, pid := range pids {
		worker := s.workers[i%len(s.workers)]
		target := fmt.Sprintf("%s/?action=%s&pid=%s", worker, action, url.QueryEscape(pid))
		wg.Add(1)
		go func(i int, pid, worker, target string) {
			defer wg.Done()
			if _, err := s.get(ctx, target); err != nil {
				s.logger.Warn("worker dispatch failed",
					"action", action, "pid", pid, "worker", worker, "error", err)
				results[i] = err
			}
		}(i, pid, worker, target)
	}
	wg.Wait()
	for _, err := range results {
		if err == nil {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

func (s *Scheduler) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: unexpected status %d", target, resp.StatusCode)
	}
	return body, nil
}

func (s *Scheduler) batchSize() int {
	if s.cfg.RecommendBatch > 0 {
		return s.cfg.RecommendBatch
	}
	return len(s.workers)
}
