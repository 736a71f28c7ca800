package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"pixiv-crawler/internal/crawler"
	"pixiv-crawler/internal/store"
	"pixiv-crawler/internal/tasklog"
	"pixiv-crawler/pkg/types"
)

// Server exposes the worker HTTP surface: crawl triggers via POST and
// query-style actions via GET.
type Server struct {
	manager  *Manager
	engine   *crawler.Engine
	store    store.Store
	recorder *tasklog.Recorder
	timeout  time.Duration
	logger   *slog.Logger
	mux      *http.ServeMux
	started  time.Time
}

// NewServer wires handlers onto an HTTP mux.
func NewServer(manager *Manager, engine *crawler.Engine, st store.Store, recorder *tasklog.Recorder, timeout time.Duration, logger *slog.Logger) *Server {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:  manager,
		engine:   engine,
		store:    st,
		recorder: recorder,
		timeout:  timeout,
		logger:   logger,
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCrawl(w, r)
	case http.MethodGet:
		s.handleAction(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

type crawlRequest struct {
	PID       string   `json:"pid"`
	PIDs      []string `json:"pids"`
	TargetNum int      `json:"target_num"`
	Threshold *float64 `json:"popularity_threshold"`
}

// handleCrawl accepts single and batch crawl triggers. The task is queued
// and the response returns immediately with the task id.
func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}

	threshold := -1.0
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	var (
		taskID string
		err    error
	)
	switch {
	case req.PID != "":
		taskID, err = s.manager.StartCrawl(req.PID, req.TargetNum, threshold)
	case len(req.PIDs) > 0:
		taskID, err = s.manager.StartBatch(req.PIDs, req.TargetNum, threshold)
	default:
		writeError(w, http.StatusBadRequest, "pid or pids is required")
		return
	}
	if err != nil {
		if errors.Is(err, ErrBusy) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  "accepted",
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	if action == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "pixiv-crawler",
			"status":  "ok",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	switch action {
	case "status":
		s.actionStatus(w, r)
	case "env_check":
		s.actionEnvCheck(w, r)
	case "crawl_ranking":
		s.actionCrawlRanking(w, r)
	case "illust_recommend_pids":
		s.actionIllustRecommends(ctx, w, r)
	case "author_recommend_pids":
		s.actionAuthorRecommends(ctx, w, r)
	case "detail_info":
		s.actionDetailInfo(ctx, w, r)
	case "home_recommend":
		s.actionHomeRecommend(ctx, w, r)
	case "uncompleted":
		s.actionUncompleted(ctx, w, r)
	case "get_pic":
		s.actionGetPic(ctx, w, r)
	case "get_task":
		s.actionGetTask(ctx, w, r)
	case "random_pids":
		s.actionRandomPids(ctx, w, r)
	case "stats":
		s.actionStats(ctx, w, r)
	case "task_log":
		s.actionTaskLog(w, r)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
	}
}

func (s *Server) actionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        "pixiv-crawler",
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"queued_tasks":   s.manager.Queued(),
	})
}

// actionEnvCheck reports which secret overlays are set without echoing them.
func (s *Server) actionEnvCheck(w http.ResponseWriter, r *http.Request) {
	keys := []string{"PIXIV_COOKIE", "SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY", "DATABASE_DSN"}
	present := make(map[string]bool, len(keys))
	for _, key := range keys {
		present[key] = os.Getenv(key) != ""
	}
	writeJSON(w, http.StatusOK, present)
}

func (s *Server) actionCrawlRanking(w http.ResponseWriter, r *http.Request) {
	mode := types.RankMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = types.RankDaily
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported rank mode %q", mode))
		return
	}
	taskID, err := s.manager.StartRanking(mode)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  "accepted",
		"mode":    mode,
	})
}

func (s *Server) actionIllustRecommends(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("pid")
	if pid == "" {
		writeError(w, http.StatusBadRequest, "pid is required")
		return
	}
	target := queryInt(r, "target_num", 0)
	taskID := newTaskID("illust_recommend_" + pid)

	pids, err := s.engine.IllustRecommendPids(ctx, taskID, pid, target)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"pid":     pid,
		"pids":    pids,
		"count":   len(pids),
	})
}

func (s *Server) actionAuthorRecommends(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("pid")
	if pid == "" {
		writeError(w, http.StatusBadRequest, "pid is required")
		return
	}
	taskID := newTaskID("author_recommend_" + pid)

	pids, err := s.engine.AuthorRecommendPids(ctx, taskID, pid)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"pid":     pid,
		"pids":    pids,
		"count":   len(pids),
	})
}

func (s *Server) actionDetailInfo(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("pid")
	if pid == "" {
		writeError(w, http.StatusBadRequest, "pid is required")
		return
	}
	taskID := newTaskID("detail_" + pid)

	pic, err := s.engine.DetailInfo(ctx, taskID, pid)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"pic":     pic,
	})
}

func (s *Server) actionHomeRecommend(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	taskID := newTaskID("home")

	pids, err := s.engine.HomePids(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"pids":    pids,
		"count":   len(pids),
	})
}

func (s *Server) actionUncompleted(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	flag := store.TaskFlag(r.URL.Query().Get("flag"))
	if !flag.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task flag %q", flag))
		return
	}
	limit := queryInt(r, "limit", 100)

	pids, err := s.store.ListUncompleted(ctx, flag, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flag":  flag,
		"pids":  pids,
		"count": len(pids),
	})
}

func (s *Server) actionGetPic(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("pid")
	if pid == "" {
		writeError(w, http.StatusBadRequest, "pid is required")
		return
	}
	pic, err := s.store.GetPic(ctx, pid)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if pic == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pic %s not found", pid))
		return
	}
	writeJSON(w, http.StatusOK, pic)
}

func (s *Server) actionGetTask(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("pid")
	if pid == "" {
		writeError(w, http.StatusBadRequest, "pid is required")
		return
	}
	task, err := s.store.GetTask(ctx, pid)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", pid))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) actionRandomPids(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "num", 10)
	pids, err := s.store.RandomPids(ctx, n)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pids":  pids,
		"count": len(pids),
	})
}

func (s *Server) actionStats(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) actionTaskLog(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusNotFound, "task log capture disabled")
		return
	}
	taskID := r.URL.Query().Get("task_id")
	limit := queryInt(r, "limit", 0)
	entries := s.recorder.Query(taskID, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"entries": entries,
		"count":   len(entries),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
