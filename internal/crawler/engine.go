package crawler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"pixiv-crawler/internal/ranking"
	"pixiv-crawler/internal/store"
	"pixiv-crawler/internal/tasklog"
	"pixiv-crawler/pkg/types"
)

// API is the slice of the remote client the engine depends on.
type API interface {
	IllustDetail(ctx context.Context, pid string) (*types.Illust, error)
	IllustRecommends(ctx context.Context, pid string) ([]string, error)
	AuthorRecommends(ctx context.Context, uid string) ([]string, error)
	RankingPage(ctx context.Context, mode types.RankMode) ([]byte, error)
	HomePage(ctx context.Context) ([]byte, error)
	Rotate()
}

// Engine walks the recommendation graph, scores artworks, and persists the
// ones above the popularity threshold.
type Engine struct {
	api       API
	store     store.Store
	extractor *ranking.Extractor
	threshold float64
	targetNum int
	logger    *slog.Logger
}

// Options configures an Engine.
type Options struct {
	API       API
	Store     store.Store
	Extractor *ranking.Extractor
	Threshold float64
	TargetNum int
	Logger    *slog.Logger
}

// NewEngine validates the options and builds an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.API == nil {
		return nil, errors.New("engine requires an API client")
	}
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if opts.Extractor == nil {
		opts.Extractor = ranking.NewExtractor(200)
	}
	if opts.Threshold < 0 {
		opts.Threshold = 0
	}
	if opts.TargetNum <= 0 {
		opts.TargetNum = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		api:       opts.API,
		store:     opts.Store,
		extractor: opts.Extractor,
		threshold: opts.Threshold,
		targetNum: opts.TargetNum,
		logger:    opts.Logger,
	}, nil
}

func (e *Engine) taskLogger(taskID string) *slog.Logger {
	return e.logger.With(tasklog.TaskIDKey, taskID)
}

// errNoGrowth marks an expansion whose first round produced nothing at all,
// typically an exhausted credential or a network outage.
var errNoGrowth = errors.New("expansion produced no new pids")

// expand walks recommendation edges breadth-first from seed until target
// pids are collected or a full round adds nothing new. Each visited pid
// contributes its own recommendations unioned with the works recommended
// next to its author; author-edge failures degrade to the illust edge alone.
// The returned slice starts with the seed and preserves discovery order.
func (e *Engine) expand(ctx context.Context, logger *slog.Logger, seed string, target int) ([]string, error) {
	seen := map[string]struct{}{seed: {}}
	order := []string{seed}
	frontier := []string{seed}
	round := 0

	for len(order) < target && len(frontier) > 0 {
		var next []string
		grown := false
		failed := 0

		for _, pid := range frontier {
			if len(order) >= target {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			recs, err := e.api.IllustRecommends(ctx, pid)
			if err != nil {
				failed++
				logger.Warn("recommend fetch failed", "pid", pid, "error", err)
				continue
			}
			candidates := recs
			if detail, err := e.api.IllustDetail(ctx, pid); err != nil {
				logger.Warn("detail fetch failed during expansion", "pid", pid, "error", err)
			} else if authorRecs, err := e.api.AuthorRecommends(ctx, detail.AuthorUID); err != nil {
				logger.Warn("author recommend fetch failed",
					"pid", pid, "author", detail.AuthorUID, "error", err)
			} else {
				candidates = append(candidates, authorRecs...)
			}
			for _, rec := range candidates {
				if _, dup := seen[rec]; dup {
					continue
				}
				seen[rec] = struct{}{}
				order = append(order, rec)
				next = append(next, rec)
				grown = true
				if len(order) >= target {
					break
				}
			}
		}

		if round == 0 && failed == len(frontier) {
			return nil, errNoGrowth
		}
		if !grown {
			logger.Info("expansion stalled before reaching target",
				"collected", len(order),
				"target", target,
			)
			break
		}
		frontier = next
		round++
	}
	return order, nil
}

// Summary reports the outcome of one graph crawl.
type Summary struct {
	TaskID    string        `json:"task_id"`
	Seed      string        `json:"seed"`
	Collected int           `json:"collected"`
	Stored    int           `json:"stored"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"-"`
}

// Crawl expands the graph from seed, scores every collected artwork, and
// persists those at or above the threshold. Zero targetNum or a negative
// threshold select the engine defaults. Individual artwork failures are
// counted, never fatal; only context cancellation aborts the run.
func (e *Engine) Crawl(ctx context.Context, taskID, seed string, targetNum int, threshold float64) (Summary, error) {
	if targetNum <= 0 {
		targetNum = e.targetNum
	}
	if threshold < 0 {
		threshold = e.threshold
	}
	logger := e.taskLogger(taskID)
	start := time.Now()

	pids, err := e.expand(ctx, logger, seed, targetNum)
	if err != nil {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		// Rotate away from a possibly burned credential and score just
		// the seed rather than abandoning the task.
		logger.Warn("expansion failed, continuing with seed only", "seed", seed, "error", err)
		e.api.Rotate()
		pids = []string{seed}
	}
	logger.Info("expansion complete", "seed", seed, "collected", len(pids))

	if err := e.store.BatchEnsureTasks(ctx, pids); err != nil {
		logger.Warn("task rows not recorded", "error", err)
	}

	summary := Summary{TaskID: taskID, Seed: seed, Collected: len(pids)}
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		illust, err := e.api.IllustDetail(ctx, pid)
		if err != nil {
			summary.Failed++
			logger.Warn("detail fetch failed", "pid", pid, "error", err)
			continue
		}
		pop := Popularity(illust.LikeCount, illust.BookmarkCount, illust.ViewCount)
		if pop < threshold {
			summary.Skipped++
			continue
		}
		if err := e.store.CreatePic(ctx, picFromIllust(illust, pop)); err != nil {
			summary.Failed++
			logger.Warn("pic not stored", "pid", pid, "error", err)
			continue
		}
		summary.Stored++
	}

	summary.Elapsed = time.Since(start)
	ratio := 0.0
	if summary.Collected > 0 {
		ratio = float64(summary.Stored) / float64(summary.Collected)
	}
	logger.Info("crawl finished",
		"seed", seed,
		"collected", summary.Collected,
		"stored", summary.Stored,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"popular_ratio", ratio,
		"elapsed_ms", summary.Elapsed.Milliseconds(),
	)
	return summary, nil
}

// IllustRecommendPids harvests recommendation pids for one artwork, records
// them as crawlable work, and marks the artwork's recommend dimension done.
// The seed itself is not part of the returned harvest.
func (e *Engine) IllustRecommendPids(ctx context.Context, taskID, pid string, target int) ([]string, error) {
	if target <= 0 {
		target = e.targetNum
	}
	logger := e.taskLogger(taskID)

	order, err := e.expand(ctx, logger, pid, target)
	if err != nil {
		return nil, err
	}
	harvest := order[1:]

	if err := e.recordDiscovered(ctx, logger, harvest); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTaskFlag(ctx, pid, store.FlagIllustRecommend, len(harvest)); err != nil {
		return nil, err
	}
	logger.Info("illust recommends harvested", "pid", pid, "count", len(harvest))
	return harvest, nil
}

// AuthorRecommendPids harvests works of authors recommended next to the
// artwork's author and marks the author-recommend dimension done.
func (e *Engine) AuthorRecommendPids(ctx context.Context, taskID, pid string) ([]string, error) {
	logger := e.taskLogger(taskID)

	illust, err := e.api.IllustDetail(ctx, pid)
	if err != nil {
		return nil, err
	}
	harvest, err := e.api.AuthorRecommends(ctx, illust.AuthorUID)
	if err != nil {
		return nil, err
	}

	if err := e.recordDiscovered(ctx, logger, harvest); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTaskFlag(ctx, pid, store.FlagAuthorRecommend, len(harvest)); err != nil {
		return nil, err
	}
	logger.Info("author recommends harvested",
		"pid", pid,
		"author", illust.AuthorUID,
		"count", len(harvest),
	)
	return harvest, nil
}

// DetailInfo fetches full metadata for one artwork, persists it with its
// popularity score, and marks the detail dimension done.
func (e *Engine) DetailInfo(ctx context.Context, taskID, pid string) (*store.Pic, error) {
	logger := e.taskLogger(taskID)

	illust, err := e.api.IllustDetail(ctx, pid)
	if err != nil {
		return nil, err
	}
	pop := Popularity(illust.LikeCount, illust.BookmarkCount, illust.ViewCount)
	pic := picFromIllust(illust, pop)

	if err := e.store.UpsertPic(ctx, pic); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTaskFlag(ctx, pid, store.FlagDetailInfo, 0); err != nil {
		return nil, err
	}
	logger.Info("detail stored", "pid", pid, "popularity", pop)
	return &pic, nil
}

// CrawlRanking snapshots one ranking board and feeds its pids into the
// crawlable pool. An empty board is not an error.
func (e *Engine) CrawlRanking(ctx context.Context, taskID string, mode types.RankMode) (int, error) {
	logger := e.taskLogger(taskID)

	html, err := e.api.RankingPage(ctx, mode)
	if err != nil {
		return 0, err
	}
	date := time.Now().Format("2006-01-02")
	entries, err := e.extractor.Entries(html, string(mode), date)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		logger.Warn("ranking page yielded no entries", "mode", mode)
		return 0, nil
	}

	if err := e.store.UpsertRankings(ctx, entries); err != nil {
		return 0, err
	}
	pids := make([]string, 0, len(entries))
	for _, entry := range entries {
		pids = append(pids, entry.PID)
	}
	if err := e.recordDiscovered(ctx, logger, pids); err != nil {
		return 0, err
	}
	logger.Info("ranking stored", "mode", mode, "date", date, "entries", len(entries))
	return len(entries), nil
}

// HomePids extracts the artwork ids visible on the landing page and feeds
// them into the crawlable pool.
func (e *Engine) HomePids(ctx context.Context, taskID string) ([]string, error) {
	logger := e.taskLogger(taskID)

	html, err := e.api.HomePage(ctx)
	if err != nil {
		return nil, err
	}
	pids, err := e.extractor.Pids(html)
	if err != nil {
		return nil, err
	}
	if len(pids) == 0 {
		logger.Warn("landing page yielded no pids")
		return nil, nil
	}
	if err := e.recordDiscovered(ctx, logger, pids); err != nil {
		return nil, err
	}
	logger.Info("landing page harvested", "count", len(pids))
	return pids, nil
}

// recordDiscovered registers newly seen pids as minimal artwork rows and
// task rows so the scheduler can pick them up later.
func (e *Engine) recordDiscovered(ctx context.Context, logger *slog.Logger, pids []string) error {
	if len(pids) == 0 {
		return nil
	}
	if err := e.store.UpsertMinimalPics(ctx, pids); err != nil {
		return err
	}
	if err := e.store.BatchEnsureTasks(ctx, pids); err != nil {
		return err
	}
	logger.Debug("discovered pids recorded", "count", len(pids))
	return nil
}

func picFromIllust(illust *types.Illust, popularity float64) store.Pic {
	return store.Pic{
		PID:          illust.PID,
		DownloadTime: store.Now(),
		Tag:          strings.Join(illust.Tags, ", "),
		Good:         illust.LikeCount,
		Star:         illust.BookmarkCount,
		View:         illust.ViewCount,
		Popularity:   popularity,
		ImageURL:     illust.OriginalURL,
	}
}
