package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"pixiv-crawler/pkg/types"
)

// RenderOptions configures the headless-browser rendering path used for
// client-rendered pages such as the landing page recommendations.
type RenderOptions struct {
	Timeout            time.Duration
	WaitForSelector    string
	UserAgent          string
	MaxBodyBytes       int64
	DisableHeadless    bool
	ConcurrentSessions int
	CaptureDelay       time.Duration
}

// ChromedpRenderer executes headless Chrome sessions using chromedp. A
// semaphore bounds the number of live browser sessions.
type ChromedpRenderer struct {
	opts   RenderOptions
	slots  chan struct{}
	logger *slog.Logger
}

// NewChromedpRenderer constructs a renderer with bounded concurrency.
func NewChromedpRenderer(opts RenderOptions) *ChromedpRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultBodyCap
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	return &ChromedpRenderer{
		opts:   opts,
		slots:  make(chan struct{}, opts.ConcurrentSessions),
		logger: slog.Default(),
	}
}

// Render navigates to the target URL and exports the final DOM outer HTML.
// The request's user agent carries over so the browser session matches the
// credential profile the HTTP fetcher presents.
func (r *ChromedpRenderer) Render(parentCtx context.Context, req types.FetchRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("render request URL is nil")
	}

	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.browserOptions(req)...)
	defer allocCancel()
	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	start := time.Now()
	var html, location string
	if err := chromedp.Run(chromeCtx, r.actions(req, &html, &location)...); err != nil {
		r.logger.Error("chromedp run failed", "url", req.URL.String(), "error", err)
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	if int64(len(html)) > r.opts.MaxBodyBytes {
		html = html[:r.opts.MaxBodyBytes]
	}

	finalURL := req.URL
	if location != "" {
		if u, err := url.Parse(location); err == nil {
			finalURL = u
		}
	}

	latency := time.Since(start)
	r.logger.Debug("chromedp render complete",
		"url", req.URL.String(),
		"final_url", finalURL.String(),
		"latency_ms", latency.Milliseconds(),
		"html_bytes", len(html),
	)
	return &types.Page{
		URL:             req.URL,
		FinalURL:        finalURL,
		Body:            []byte(html),
		ContentType:     "text/html; charset=utf-8",
		StatusCode:      200,
		FetchedAt:       time.Now(),
		Rendered:        true,
		ResponseLatency: latency,
	}, nil
}

func (r *ChromedpRenderer) browserOptions(req types.FetchRequest) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", !r.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	ua := strings.TrimSpace(req.Headers["User-Agent"])
	if ua == "" {
		ua = strings.TrimSpace(r.opts.UserAgent)
	}
	if ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	return opts
}

// actions builds the navigate/wait/capture sequence. With no wait selector
// configured, a fixed capture delay stands in for a readiness signal.
func (r *ChromedpRenderer) actions(req types.FetchRequest, html, location *string) []chromedp.Action {
	actions := []chromedp.Action{chromedp.Navigate(req.URL.String())}
	if selector := strings.TrimSpace(r.opts.WaitForSelector); selector != "" {
		actions = append(actions,
			chromedp.WaitReady(selector, chromedp.ByQuery),
			chromedp.Sleep(250*time.Millisecond),
		)
	} else {
		delay := r.opts.CaptureDelay
		if delay <= 0 {
			delay = 1500 * time.Millisecond
		}
		actions = append(actions, chromedp.Sleep(delay))
	}
	return append(actions,
		chromedp.OuterHTML("html", html, chromedp.ByQuery),
		chromedp.Location(location),
	)
}
