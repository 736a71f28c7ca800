package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pixiv-crawler/internal/config"
)

const (
	restPrefix      = "/rest/v1"
	listPageSize    = 1000
	randomPoolLimit = 200
)

// Supabase talks to the Supabase PostgREST surface with a service-role key.
type Supabase struct {
	baseURL string
	key     string
	client  *http.Client
	logger  *slog.Logger
}

// NewSupabase constructs a REST-backed store.
func NewSupabase(cfg config.SupabaseConfig, logger *slog.Logger) (*Supabase, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("supabase url is required")
	}
	if strings.TrimSpace(cfg.ServiceKey) == "" {
		return nil, errors.New("supabase service key is required")
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supabase{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		key:     cfg.ServiceKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

type restRequest struct {
	method  string
	table   string
	query   url.Values
	prefer  string
	rangeAt string
	payload any
}

func (s *Supabase) do(ctx context.Context, req restRequest) (*http.Response, error) {
	endpoint := s.baseURL + restPrefix + "/" + req.table
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.payload != nil {
		raw, err := json.Marshal(req.payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("apikey", s.key)
	httpReq.Header.Set("Authorization", "Bearer "+s.key)
	if req.payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.prefer != "" {
		httpReq.Header.Set("Prefer", req.prefer)
	}
	if req.rangeAt != "" {
		httpReq.Header.Set("Range", req.rangeAt)
		httpReq.Header.Set("Range-Unit", "items")
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("supabase %s %s: %w", req.method, req.table, err)
	}
	return resp, nil
}

// restError drains the response body and shapes a useful error.
func restError(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("supabase status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

func isDuplicate(resp *http.Response, detail []byte) bool {
	if resp.StatusCode != http.StatusConflict {
		return false
	}
	return bytes.Contains(detail, []byte("23505")) || bytes.Contains(detail, []byte("duplicate key"))
}

// CreatePic inserts one artwork row. Duplicate pids are logged and ignored.
func (s *Supabase) CreatePic(ctx context.Context, pic Pic) error {
	resp, err := s.do(ctx, restRequest{
		method:  http.MethodPost,
		table:   "pic",
		prefer:  "return=minimal",
		payload: []Pic{pic},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if isDuplicate(resp, detail) {
		s.logger.Info("pic already stored", "pid", pic.PID)
		return nil
	}
	return fmt.Errorf("create pic %s: supabase status %d: %s", pic.PID, resp.StatusCode, strings.TrimSpace(string(detail)))
}

// UpsertPic writes one artwork row, replacing the fields of an existing row.
// Detail crawls use it to fill in rows created as bare pids.
func (s *Supabase) UpsertPic(ctx context.Context, pic Pic) error {
	resp, err := s.do(ctx, restRequest{
		method:  http.MethodPost,
		table:   "pic",
		query:   url.Values{"on_conflict": {"pid"}},
		prefer:  "resolution=merge-duplicates,return=minimal",
		payload: []Pic{pic},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return restError(resp)
}

// GetPic fetches one artwork row; a missing pid yields (nil, nil).
func (s *Supabase) GetPic(ctx context.Context, pid string) (*Pic, error) {
	query := url.Values{}
	query.Set("pid", "eq."+pid)
	query.Set("limit", "1")
	resp, err := s.do(ctx, restRequest{method: http.MethodGet, table: "pic", query: query})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, restError(resp)
	}
	defer resp.Body.Close()

	var rows []Pic
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode pic rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpsertMinimalPics records bare pid rows so later detail crawls can fill
// them in. Existing rows are left untouched.
func (s *Supabase) UpsertMinimalPics(ctx context.Context, pids []string) error {
	pids = dedupePids(pids)
	if len(pids) == 0 {
		return nil
	}
	rows := make([]map[string]string, 0, len(pids))
	now := Now()
	for _, pid := range pids {
		rows = append(rows, map[string]string{"pid": pid, "download_time": now})
	}
	resp, err := s.do(ctx, restRequest{
		method:  http.MethodPost,
		table:   "pic",
		query:   url.Values{"on_conflict": {"pid"}},
		prefer:  "resolution=ignore-duplicates,return=minimal",
		payload: rows,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return restError(resp)
}

// RandomPids samples up to n pids from the stored artworks.
func (s *Supabase) RandomPids(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	query := url.Values{}
	query.Set("select", "pid")
	query.Set("order", "download_time.desc")
	resp, err := s.do(ctx, restRequest{
		method:  http.MethodGet,
		table:   "pic",
		query:   query,
		rangeAt: fmt.Sprintf("0-%d", randomPoolLimit-1),
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, restError(resp)
	}
	defer resp.Body.Close()

	pool, err := decodePids(resp.Body)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > n {
		pool = pool[:n]
	}
	return pool, nil
}

// EnsureTask creates the task row for a pid if it does not exist yet.
// Existing rows keep their flags.
func (s *Supabase) EnsureTask(ctx context.Context, pid string) error {
	return s.BatchEnsureTasks(ctx, []string{pid})
}

// BatchEnsureTasks creates task rows for all pids that lack one. Duplicate
// input ids collapse to a single row.
func (s *Supabase) BatchEnsureTasks(ctx context.Context, pids []string) error {
	pids = dedupePids(pids)
	if len(pids) == 0 {
		return nil
	}
	now := Now()
	rows := make([]map[string]any, 0, len(pids))
	for _, pid := range pids {
		rows = append(rows, map[string]any{
			"pid":        pid,
			"created_at": now,
			"updated_at": now,
		})
	}
	resp, err := s.do(ctx, restRequest{
		method:  http.MethodPost,
		table:   "pic_task",
		query:   url.Values{"on_conflict": {"pid"}},
		prefer:  "resolution=ignore-duplicates,return=minimal",
		payload: rows,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return restError(resp)
}

// UpdateTaskFlag marks one crawl dimension of a pid as completed.
func (s *Supabase) UpdateTaskFlag(ctx context.Context, pid string, flag TaskFlag, count int) error {
	if !flag.Valid() {
		return fmt.Errorf("unknown task flag %q", flag)
	}
	if err := s.EnsureTask(ctx, pid); err != nil {
		return fmt.Errorf("ensure task %s: %w", pid, err)
	}

	now := Now()
	patch := map[string]any{
		string(flag) + "_crawled": true,
		string(flag) + "_time":    now,
		"updated_at":              now,
	}
	if flag.HasCount() {
		patch[string(flag)+"_count"] = count
	}

	query := url.Values{}
	query.Set("pid", "eq."+pid)
	resp, err := s.do(ctx, restRequest{
		method:  http.MethodPatch,
		table:   "pic_task",
		query:   query,
		prefer:  "return=minimal",
		payload: patch,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return restError(resp)
}

// GetTask fetches one task row; a missing pid yields (nil, nil).
func (s *Supabase) GetTask(ctx context.Context, pid string) (*TaskState, error) {
	query := url.Values{}
	query.Set("pid", "eq."+pid)
	query.Set("limit", "1")
	resp, err := s.do(ctx, restRequest{method: http.MethodGet, table: "pic_task", query: query})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, restError(resp)
	}
	defer resp.Body.Close()

	var rows []TaskState
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode task rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListUncompleted pages through task rows whose flag is still unset and
// returns up to limit pids, oldest first.
func (s *Supabase) ListUncompleted(ctx context.Context, flag TaskFlag, limit int) ([]string, error) {
	if !flag.Valid() {
		return nil, fmt.Errorf("unknown task flag %q", flag)
	}
	if limit <= 0 {
		return nil, nil
	}

	var pids []string
	for offset := 0; len(pids) < limit; offset += listPageSize {
		query := url.Values{}
		query.Set("select", "pid")
		query.Set(string(flag)+"_crawled", "eq.false")
		query.Set("order", "updated_at.asc")

		resp, err := s.do(ctx, restRequest{
			method:  http.MethodGet,
			table:   "pic_task",
			query:   query,
			rangeAt: fmt.Sprintf("%d-%d", offset, offset+listPageSize-1),
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return nil, restError(resp)
		}
		page, err := decodePids(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		pids = append(pids, page...)
		if len(page) < listPageSize {
			break
		}
	}
	if len(pids) > limit {
		pids = pids[:limit]
	}
	return pids, nil
}

// UpsertRankings writes one board snapshot, replacing rows that already
// exist for the same board, date, and pid.
func (s *Supabase) UpsertRankings(ctx context.Context, entries []RankingEntry) error {
	if len(entries) == 0 {
		return nil
	}
	resp, err := s.do(ctx, restRequest{
		method:  http.MethodPost,
		table:   "ranking",
		query:   url.Values{"on_conflict": {"rank_type,rank_date,pid"}},
		prefer:  "resolution=merge-duplicates,return=minimal",
		payload: entries,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return restError(resp)
}

// Stats reports row counts for the three tables plus artwork aggregates.
func (s *Supabase) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		table  string
		filter url.Values
		dst    *int
	}{
		{"pic", nil, &stats.Pics},
		// An empty image_path means the artwork metadata exists but the
		// image itself has not been fetched yet.
		{"pic", url.Values{"image_path": {"neq."}}, &stats.Downloaded},
		{"pic_task", nil, &stats.Tasks},
		{"ranking", nil, &stats.Rankings},
	}
	for _, c := range counts {
		n, err := s.count(ctx, c.table, c.filter)
		if err != nil {
			return Stats{}, err
		}
		*c.dst = n
	}
	avg, err := s.avgPopularity(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.AvgPopularity = avg
	return stats, nil
}

func (s *Supabase) avgPopularity(ctx context.Context) (float64, error) {
	query := url.Values{}
	query.Set("select", "avg_popularity:popularity.avg()")
	resp, err := s.do(ctx, restRequest{
		method: http.MethodGet,
		table:  "pic",
		query:  query,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("avg popularity: supabase status %d", resp.StatusCode)
	}
	var rows []struct {
		Avg *float64 `json:"avg_popularity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return 0, fmt.Errorf("decode avg popularity: %w", err)
	}
	if len(rows) == 0 || rows[0].Avg == nil {
		return 0, nil
	}
	return *rows[0].Avg, nil
}

func (s *Supabase) count(ctx context.Context, table string, filter url.Values) (int, error) {
	query := url.Values{}
	query.Set("select", "pid")
	for k, vals := range filter {
		for _, v := range vals {
			query.Add(k, v)
		}
	}
	resp, err := s.do(ctx, restRequest{
		method:  http.MethodHead,
		table:   table,
		query:   query,
		prefer:  "count=exact",
		rangeAt: "0-0",
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("count %s: supabase status %d", table, resp.StatusCode)
	}
	return parseContentRangeTotal(resp.Header.Get("Content-Range"))
}

// parseContentRangeTotal extracts the total from a header like "0-0/3573".
func parseContentRangeTotal(header string) (int, error) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx+1 >= len(header) {
		return 0, fmt.Errorf("malformed content-range %q", header)
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, nil
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("malformed content-range %q: %w", header, err)
	}
	return n, nil
}

func decodePids(r io.Reader) ([]string, error) {
	var rows []struct {
		PID string `json:"pid"`
	}
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode pid rows: %w", err)
	}
	pids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.PID != "" {
			pids = append(pids, row.PID)
		}
	}
	return pids, nil
}

// Close satisfies Store; the REST client holds no pooled resources worth
// tearing down explicitly.
func (s *Supabase) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
