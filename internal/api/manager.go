package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pixiv-crawler/internal/crawler"
	"pixiv-crawler/pkg/types"
)

// Manager accepts crawl tasks and runs them asynchronously on the pool.
// Accepting a task means queueing it: the HTTP response never waits for
// the crawl itself.
type Manager struct {
	engine *crawler.Engine
	pool   *Pool
	logger *slog.Logger
}

// NewManager wires the engine to a task pool.
func NewManager(engine *crawler.Engine, pool *Pool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{engine: engine, pool: pool, logger: logger}
}

// StartCrawl queues a graph crawl from one seed.
func (m *Manager) StartCrawl(pid string, targetNum int, threshold float64) (string, error) {
	taskID := newTaskID("single_" + pid)
	err := m.pool.TrySubmit(func(ctx context.Context) {
		if _, err := m.engine.Crawl(ctx, taskID, pid, targetNum, threshold); err != nil {
			m.logger.Error("crawl task failed", "task_id", taskID, "pid", pid, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("crawl task accepted", "task_id", taskID, "pid", pid)
	return taskID, nil
}

// StartBatch queues one graph crawl per seed under a shared task id. Seeds
// run sequentially inside the task so a batch occupies a single worker.
func (m *Manager) StartBatch(pids []string, targetNum int, threshold float64) (string, error) {
	taskID := newTaskID("batch")
	err := m.pool.TrySubmit(func(ctx context.Context) {
		for _, pid := range pids {
			if ctx.Err() != nil {
				return
			}
			if _, err := m.engine.Crawl(ctx, taskID, pid, targetNum, threshold); err != nil {
				m.logger.Error("batch crawl seed failed", "task_id", taskID, "pid", pid, "error", err)
			}
		}
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("batch crawl accepted", "task_id", taskID, "seeds", len(pids))
	return taskID, nil
}

// StartRanking queues a ranking board snapshot.
func (m *Manager) StartRanking(mode types.RankMode) (string, error) {
	date := time.Now().Format("2006-01-02")
	taskID := newTaskID(fmt.Sprintf("%s_%s", mode, date))
	err := m.pool.TrySubmit(func(ctx context.Context) {
		if _, err := m.engine.CrawlRanking(ctx, taskID, mode); err != nil {
			m.logger.Error("ranking task failed", "task_id", taskID, "mode", mode, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("ranking task accepted", "task_id", taskID, "mode", mode)
	return taskID, nil
}

// Queued reports the number of accepted tasks still waiting for a worker.
func (m *Manager) Queued() int {
	return m.pool.Queued()
}

// Close stops the pool.
func (m *Manager) Close() {
	m.pool.Close()
}
