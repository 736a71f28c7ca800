package pixiv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pixiv-crawler/internal/config"
	"pixiv-crawler/internal/credentials"
	"pixiv-crawler/internal/fetcher"
	"pixiv-crawler/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler, rotateEvery int, cookies ...string) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	if len(cookies) == 0 {
		cookies = []string{"c0"}
	}
	cfgs := make([]config.CredentialConfig, 0, len(cookies))
	for i, c := range cookies {
		cfgs = append(cfgs, config.CredentialConfig{Name: fmt.Sprintf("p%d", i), Cookie: c})
	}
	pool, err := credentials.NewPool(cfgs)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	client, err := NewClient(Options{
		Fetcher:     httpFetcher,
		Pool:        pool,
		BaseURL:     srv.URL,
		RotateEvery: rotateEvery,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func TestIllustDetail(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ajax/illust/123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"error": false,
			"body": {
				"id": "123",
				"userId": "88",
				"title": "t",
				"likeCount": 550,
				"bookmarkCount": 450,
				"viewCount": 10000,
				"tags": {"tags": [
					{"tag": "オリジナル", "translation": {"en": "original"}},
					{"tag": "landscape", "translation": {"en": "Landscape"}}
				]},
				"urls": {"original": "https://i.example/img.png"}
			}
		}`)
	}), 300)

	illust, err := client.IllustDetail(context.Background(), "123")
	if err != nil {
		t.Fatalf("illust detail: %v", err)
	}
	if illust.PID != "123" || illust.AuthorUID != "88" {
		t.Fatalf("unexpected identity fields %+v", illust)
	}
	if illust.LikeCount != 550 || illust.BookmarkCount != 450 || illust.ViewCount != 10000 {
		t.Fatalf("unexpected counters %+v", illust)
	}
	// Translations are kept unless they only differ in case.
	wantTags := []string{"オリジナル", "original", "landscape"}
	if len(illust.Tags) != len(wantTags) {
		t.Fatalf("unexpected tags %v", illust.Tags)
	}
	for i := range wantTags {
		if illust.Tags[i] != wantTags[i] {
			t.Fatalf("unexpected tags %v", illust.Tags)
		}
	}
}

func TestEnvelopeErrorSurfaces(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": true, "message": "該当作品は削除されたか、存在しない作品IDです"}`)
	}), 300)

	_, err := client.IllustDetail(context.Background(), "404")
	if err == nil {
		t.Fatal("expected remote error")
	}
	if !strings.Contains(err.Error(), "削除") {
		t.Fatalf("expected remote message in error, got %v", err)
	}
}

func TestIllustRecommends(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ajax/illust/1/recommend/init" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "30" {
			t.Errorf("unexpected limit %q", got)
		}
		fmt.Fprint(w, `{"error": false, "body": {"illusts": [{"id": "2"}, {"id": "3"}, {"id": ""}]}}`)
	}), 300)

	pids, err := client.IllustRecommends(context.Background(), "1")
	if err != nil {
		t.Fatalf("illust recommends: %v", err)
	}
	if len(pids) != 2 || pids[0] != "2" || pids[1] != "3" {
		t.Fatalf("unexpected pids %v", pids)
	}
}

func TestAuthorRecommends(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ajax/user/9/recommends" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("userNum") != "30" || q.Get("workNum") != "5" || q.Get("isR18") != "false" {
			t.Errorf("unexpected query %v", q)
		}
		fmt.Fprint(w, `{"error": false, "body": {"recommendUsers": [
			{"userId": "10", "illustIds": ["100", "101"]},
			{"userId": "11", "illustIds": ["102"]}
		]}}`)
	}), 300)

	pids, err := client.AuthorRecommends(context.Background(), "9")
	if err != nil {
		t.Fatalf("author recommends: %v", err)
	}
	if len(pids) != 3 {
		t.Fatalf("unexpected pids %v", pids)
	}
}

func TestRotationEveryN(t *testing.T) {
	var cookies []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookies = append(cookies, r.Header.Get("Cookie"))
		fmt.Fprint(w, `{"error": false, "body": {"illusts": []}}`)
	}), 3, "c0", "c1")

	for i := 0; i < 7; i++ {
		if _, err := client.IllustRecommends(context.Background(), "1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	// Requests 1,2 use c0; the 3rd rotates to c1; 4,5 stay on c1; the 6th
	// rotates back to c0; the 7th stays there.
	want := []string{"c0", "c0", "c1", "c1", "c1", "c0", "c0"}
	if len(cookies) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(cookies))
	}
	for i := range want {
		if cookies[i] != want[i] {
			t.Fatalf("request %d: expected cookie %q, got %q (all: %v)", i, want[i], cookies[i], cookies)
		}
	}
}

func TestRankingPageRejectsUnknownMode(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for invalid mode")
	}), 300)

	if _, err := client.RankingPage(context.Background(), types.RankMode("hourly")); err == nil {
		t.Fatal("expected error for unsupported rank mode")
	}
}

func TestRankingPage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ranking.php" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("mode"); got != "weekly" {
			t.Errorf("unexpected mode %q", got)
		}
		fmt.Fprint(w, `<html><a href="/artworks/1">x</a></html>`)
	}), 300)

	html, err := client.RankingPage(context.Background(), types.RankWeekly)
	if err != nil {
		t.Fatalf("ranking page: %v", err)
	}
	if !strings.Contains(string(html), "/artworks/1") {
		t.Fatalf("unexpected body %q", html)
	}
}

func TestNon200IsError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}), 300)

	if _, err := client.IllustDetail(context.Background(), "1"); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
