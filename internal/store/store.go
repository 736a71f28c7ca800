package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pixiv-crawler/internal/config"
)

// Pic is one persisted artwork row. JSON tags match the REST column names.
type Pic struct {
	PID          string  `json:"pid"`
	DownloadTime string  `json:"download_time,omitempty"`
	Tag          string  `json:"tag,omitempty"`
	Good         int     `json:"good"`
	Star         int     `json:"star"`
	View         int     `json:"view"`
	Popularity   float64 `json:"popularity"`
	ImagePath    string  `json:"image_path,omitempty"`
	ImageURL     string  `json:"image_url,omitempty"`
	FileSize     int64   `json:"file_size,omitempty"`
}

// TimeFormat is the layout used for all persisted timestamps.
const TimeFormat = "2006-01-02 15:04:05"

// Now returns the current time in the persisted layout.
func Now() string {
	return time.Now().Format(TimeFormat)
}

// TaskFlag identifies one crawl dimension tracked per artwork.
type TaskFlag string

const (
	FlagIllustRecommend TaskFlag = "illust_recommend"
	FlagAuthorRecommend TaskFlag = "author_recommend"
	FlagDetailInfo      TaskFlag = "detail_info"
)

// Valid reports whether the flag is one of the tracked dimensions.
func (f TaskFlag) Valid() bool {
	switch f {
	case FlagIllustRecommend, FlagAuthorRecommend, FlagDetailInfo:
		return true
	}
	return false
}

// HasCount reports whether the flag tracks a harvested-pid count column.
func (f TaskFlag) HasCount() bool {
	return f == FlagIllustRecommend || f == FlagAuthorRecommend
}

// TaskState is one per-artwork task row: which crawl dimensions have run,
// when, and how many pids the recommend dimensions harvested.
type TaskState struct {
	PID                  string `json:"pid"`
	IllustRecommendDone  bool   `json:"illust_recommend_crawled"`
	IllustRecommendTime  string `json:"illust_recommend_time,omitempty"`
	IllustRecommendCount int    `json:"illust_recommend_count"`
	AuthorRecommendDone  bool   `json:"author_recommend_crawled"`
	AuthorRecommendTime  string `json:"author_recommend_time,omitempty"`
	AuthorRecommendCount int    `json:"author_recommend_count"`
	DetailInfoDone       bool   `json:"detail_info_crawled"`
	DetailInfoTime       string `json:"detail_info_time,omitempty"`
	CreatedAt            string `json:"created_at,omitempty"`
	UpdatedAt            string `json:"updated_at,omitempty"`
}

// dedupePids collapses duplicate and empty ids, preserving first-seen order.
func dedupePids(pids []string) []string {
	seen := make(map[string]struct{}, len(pids))
	out := make([]string, 0, len(pids))
	for _, pid := range pids {
		if pid == "" {
			continue
		}
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	return out
}

// RankingEntry is one row of a ranking board snapshot.
type RankingEntry struct {
	PID      string `json:"pid"`
	Rank     int    `json:"rank"`
	RankType string `json:"rank_type"`
	RankDate string `json:"rank_date"`
}

// Stats summarises table sizes and artwork aggregates for the stats
// endpoint. Downloaded counts pic rows whose image file has been fetched.
type Stats struct {
	Pics          int     `json:"pics"`
	Downloaded    int     `json:"downloaded"`
	AvgPopularity float64 `json:"avg_popularity"`
	Tasks         int     `json:"tasks"`
	Rankings      int     `json:"rankings"`
}

// Store persists artworks, per-artwork task state, and ranking snapshots.
// A duplicate artwork insert is not an error: implementations log and return
// nil so crawl loops can treat it as already-done.
type Store interface {
	CreatePic(ctx context.Context, pic Pic) error
	UpsertPic(ctx context.Context, pic Pic) error
	GetPic(ctx context.Context, pid string) (*Pic, error)
	UpsertMinimalPics(ctx context.Context, pids []string) error
	RandomPids(ctx context.Context, n int) ([]string, error)

	EnsureTask(ctx context.Context, pid string) error
	BatchEnsureTasks(ctx context.Context, pids []string) error
	UpdateTaskFlag(ctx context.Context, pid string, flag TaskFlag, count int) error
	GetTask(ctx context.Context, pid string) (*TaskState, error)
	ListUncompleted(ctx context.Context, flag TaskFlag, limit int) ([]string, error)

	UpsertRankings(ctx context.Context, entries []RankingEntry) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// New builds the configured backend.
func New(cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "supabase":
		return NewSupabase(cfg.Supabase, logger)
	case "postgres":
		return NewSQLStore(cfg.DB, logger)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}
