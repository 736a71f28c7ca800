package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pixiv-crawler/internal/crawler"
	"pixiv-crawler/internal/store"
	"pixiv-crawler/internal/tasklog"
	"pixiv-crawler/pkg/types"
)

type fakeAPI struct {
	recs    map[string][]string
	started chan struct{}
	release chan struct{}
}

func (f *fakeAPI) IllustDetail(ctx context.Context, pid string) (*types.Illust, error) {
	return &types.Illust{PID: pid, AuthorUID: "u" + pid, ViewCount: 1}, nil
}

func (f *fakeAPI) IllustRecommends(ctx context.Context, pid string) ([]string, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.recs[pid], nil
}

func (f *fakeAPI) AuthorRecommends(ctx context.Context, uid string) ([]string, error) {
	return []string{"900"}, nil
}

func (f *fakeAPI) RankingPage(ctx context.Context, mode types.RankMode) ([]byte, error) {
	return []byte(`<html><a href="/artworks/1">x</a></html>`), nil
}

func (f *fakeAPI) HomePage(ctx context.Context) ([]byte, error) {
	return []byte(`<html><a href="/artworks/5">x</a></html>`), nil
}

func (f *fakeAPI) Rotate() {}

type fakeStore struct {
	pics  map[string]store.Pic
	flags []store.TaskFlag
}

func newFakeStore() *fakeStore {
	return &fakeStore{pics: make(map[string]store.Pic)}
}

func (s *fakeStore) CreatePic(ctx context.Context, pic store.Pic) error { return nil }
func (s *fakeStore) UpsertPic(ctx context.Context, pic store.Pic) error {
	s.pics[pic.PID] = pic
	return nil
}
func (s *fakeStore) GetPic(ctx context.Context, pid string) (*store.Pic, error) {
	if pic, ok := s.pics[pid]; ok {
		return &pic, nil
	}
	return nil, nil
}
func (s *fakeStore) UpsertMinimalPics(ctx context.Context, pids []string) error { return nil }
func (s *fakeStore) RandomPids(ctx context.Context, n int) ([]string, error) {
	return []string{"1", "2"}, nil
}
func (s *fakeStore) EnsureTask(ctx context.Context, pid string) error          { return nil }
func (s *fakeStore) BatchEnsureTasks(ctx context.Context, pids []string) error { return nil }
func (s *fakeStore) UpdateTaskFlag(ctx context.Context, pid string, flag store.TaskFlag, count int) error {
	s.flags = append(s.flags, flag)
	return nil
}
func (s *fakeStore) GetTask(ctx context.Context, pid string) (*store.TaskState, error) {
	if _, ok := s.pics[pid]; ok {
		return &store.TaskState{PID: pid, DetailInfoDone: true}, nil
	}
	return nil, nil
}
func (s *fakeStore) ListUncompleted(ctx context.Context, flag store.TaskFlag, limit int) ([]string, error) {
	return []string{"7"}, nil
}
func (s *fakeStore) UpsertRankings(ctx context.Context, entries []store.RankingEntry) error {
	return nil
}
func (s *fakeStore) Stats(ctx context.Context) (store.Stats, error) {
	return store.Stats{Pics: 3, Downloaded: 2, AvgPopularity: 0.3, Tasks: 2, Rankings: 1}, nil
}
func (s *fakeStore) Close() error { return nil }

type testServer struct {
	server *Server
	api    *fakeAPI
	store  *fakeStore
	pool   *Pool
}

func newTestServer(t *testing.T, api *fakeAPI, workers, queue int) *testServer {
	t.Helper()
	if api == nil {
		api = &fakeAPI{}
	}
	st := newFakeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := crawler.NewEngine(crawler.Options{
		API:       api,
		Store:     st,
		Threshold: 0.22,
		TargetNum: 10,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	pool, err := NewPool(context.Background(), workers, queue)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Close)

	manager := NewManager(engine, pool, logger)
	recorder := tasklog.NewRecorder(100)
	server := NewServer(manager, engine, st, recorder, 5*time.Second, logger)
	return &testServer{server: server, api: api, store: st, pool: pool}
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: invalid json response %q", method, target, rr.Body.String())
		}
	}
	return rr, payload
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, payload := doJSON(t, ts.server, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestCrawlAccepted(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, payload := doJSON(t, ts.server, http.MethodPost, "/", `{"pid":"123"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if payload["status"] != "accepted" {
		t.Fatalf("unexpected payload %v", payload)
	}
	taskID, _ := payload["task_id"].(string)
	if !strings.HasPrefix(taskID, "single_123_") {
		t.Fatalf("unexpected task id %q", taskID)
	}
}

func TestBatchCrawlAccepted(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, payload := doJSON(t, ts.server, http.MethodPost, "/", `{"pids":["1","2"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	taskID, _ := payload["task_id"].(string)
	if !strings.HasPrefix(taskID, "batch_") {
		t.Fatalf("unexpected task id %q", taskID)
	}
}

func TestCrawlRequiresPid(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, _ := doJSON(t, ts.server, http.MethodPost, "/", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCrawlBackpressure(t *testing.T) {
	api := &fakeAPI{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	defer close(api.release)
	ts := newTestServer(t, api, 1, 1)

	// First task occupies the single worker.
	rr, _ := doJSON(t, ts.server, http.MethodPost, "/", `{"pid":"1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("first task: expected 200, got %d", rr.Code)
	}
	select {
	case <-api.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}

	// Second task fills the queue.
	rr, _ = doJSON(t, ts.server, http.MethodPost, "/", `{"pid":"2"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("second task: expected 200, got %d", rr.Code)
	}

	// Third task must be pushed back.
	rr, _ = doJSON(t, ts.server, http.MethodPost, "/", `{"pid":"3"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestActionUnknown(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, _ := doJSON(t, ts.server, http.MethodGet, "/?action=nope", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestActionIllustRecommendPids(t *testing.T) {
	api := &fakeAPI{recs: map[string][]string{"1": {"2", "3"}}}
	ts := newTestServer(t, api, 1, 4)

	rr, payload := doJSON(t, ts.server, http.MethodGet, "/?action=illust_recommend_pids&pid=1&target_num=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	// 2 and 3 from the illust edge plus 900 from the seed author's shelf.
	if payload["count"] != float64(3) {
		t.Fatalf("unexpected payload %v", payload)
	}
	if len(ts.store.flags) != 1 || ts.store.flags[0] != store.FlagIllustRecommend {
		t.Fatalf("recommend flag not recorded: %v", ts.store.flags)
	}
}

func TestActionDetailInfo(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, payload := doJSON(t, ts.server, http.MethodGet, "/?action=detail_info&pid=9", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	pic, ok := payload["pic"].(map[string]any)
	if !ok || pic["pid"] != "9" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, ok := ts.store.pics["9"]; !ok {
		t.Fatal("detail not persisted")
	}
}

func TestActionCrawlRankingAccepted(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, payload := doJSON(t, ts.server, http.MethodGet, "/?action=crawl_ranking&mode=weekly", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	taskID, _ := payload["task_id"].(string)
	if !strings.HasPrefix(taskID, "weekly_") {
		t.Fatalf("unexpected task id %q", taskID)
	}
}

func TestActionCrawlRankingRejectsBadMode(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, _ := doJSON(t, ts.server, http.MethodGet, "/?action=crawl_ranking&mode=hourly", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestActionGetPicNotFound(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, _ := doJSON(t, ts.server, http.MethodGet, "/?action=get_pic&pid=404", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestActionGetTask(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	ts.store.pics["42"] = store.Pic{PID: "42"}

	rr, payload := doJSON(t, ts.server, http.MethodGet, "/?action=get_task&pid=42", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["pid"] != "42" || payload["detail_info_crawled"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}

	rr, _ = doJSON(t, ts.server, http.MethodGet, "/?action=get_task&pid=404", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown pid, got %d", rr.Code)
	}
}

func TestActionStatus(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, payload := doJSON(t, ts.server, http.MethodGet, "/?action=status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["status"] != "ok" || payload["queued_tasks"] != float64(0) {
		t.Fatalf("unexpected status payload %v", payload)
	}
}

func TestActionEnvCheck(t *testing.T) {
	t.Setenv("PIXIV_COOKIE", "PHPSESSID=x")
	t.Setenv("DATABASE_DSN", "")
	ts := newTestServer(t, nil, 1, 4)

	rr, payload := doJSON(t, ts.server, http.MethodGet, "/?action=env_check", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["PIXIV_COOKIE"] != true {
		t.Fatalf("expected cookie to be reported present: %v", payload)
	}
	if payload["DATABASE_DSN"] != false {
		t.Fatalf("expected dsn to be reported absent: %v", payload)
	}
}

func TestActionStats(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, payload := doJSON(t, ts.server, http.MethodGet, "/?action=stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["pics"] != float64(3) || payload["downloaded"] != float64(2) || payload["rankings"] != float64(1) {
		t.Fatalf("unexpected stats %v", payload)
	}
}

func TestActionUncompleted(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	rr, payload := doJSON(t, ts.server, http.MethodGet, "/?action=uncompleted&flag=detail_info&limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["count"] != float64(1) {
		t.Fatalf("unexpected payload %v", payload)
	}

	rr, _ = doJSON(t, ts.server, http.MethodGet, "/?action=uncompleted&flag=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad flag, got %d", rr.Code)
	}
}

func TestActionTaskLog(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	// Seed the recorder through a tagged logger the way the engine does.
	ts.server.recorder.Add(tasklog.Entry{Message: "expansion complete", TaskID: "t1", Time: time.Now()})
	ts.server.recorder.Add(tasklog.Entry{Message: "other", TaskID: "t2", Time: time.Now()})

	rr, payload := doJSON(t, ts.server, http.MethodGet, "/?action=task_log&task_id=t1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["count"] != float64(1) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestRootRejectsOtherMethods(t *testing.T) {
	ts := newTestServer(t, nil, 1, 4)
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rr := httptest.NewRecorder()
	ts.server.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if got := rr.Header().Get("Allow"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("expected Allow header, got %q", got)
	}
}

var _ crawler.API = (*fakeAPI)(nil)
var _ store.Store = (*fakeStore)(nil)
