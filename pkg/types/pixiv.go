package types

import (
	"net/http"
	"net/url"
	"time"
)

// FetchRequest models a single outbound page or API request.
type FetchRequest struct {
	URL     *url.URL
	Headers map[string]string
	Render  bool
}

// Page represents the fetched content.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
}

// RankMode identifies a ranking board.
type RankMode string

const (
	RankDaily   RankMode = "daily"
	RankWeekly  RankMode = "weekly"
	RankMonthly RankMode = "monthly"
)

// Valid reports whether the mode is one of the supported boards.
func (m RankMode) Valid() bool {
	switch m {
	case RankDaily, RankWeekly, RankMonthly:
		return true
	}
	return false
}

// Illust is the subset of artwork metadata the crawler works with.
type Illust struct {
	PID           string
	AuthorUID     string
	Title         string
	Tags          []string
	LikeCount     int
	BookmarkCount int
	ViewCount     int
	OriginalURL   string
}
