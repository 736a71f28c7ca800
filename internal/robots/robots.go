// Package robots gates HTML page fetches behind the target site's
// robots.txt. The crawler talks to a single host, so the agent keeps one
// cached ruleset per host and refreshes it on a TTL. API calls under /ajax/
// are not routed through the gate; only full-page fetches are.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"pixiv-crawler/internal/config"
)

// Agent evaluates robots.txt rules for page fetches. Rule-fetch failures
// fail open: an unreachable robots.txt never stalls the crawl.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool
	overrides []string

	mu      sync.Mutex
	host    string
	fetched time.Time
	cached  *robotstxt.RobotsData
}

// NewAgent constructs a robots agent from configuration. Overrides are path
// prefixes that are always allowed regardless of the fetched rules.
func NewAgent(cfg config.RobotsConfig, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = time.Hour
	}
	overrides := make([]string, 0, len(cfg.Overrides))
	for _, prefix := range cfg.Overrides {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			overrides = append(overrides, prefix)
		}
	}
	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		overrides: overrides,
	}
}

// Allowed reports whether the target URL may be fetched.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if !a.respect {
		return true
	}
	for _, prefix := range a.overrides {
		if strings.HasPrefix(target.Path, prefix) {
			return true
		}
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		return true
	}
	group := rules.FindGroup(a.userAgent)
	if group == nil {
		if group = rules.FindGroup("*"); group == nil {
			return true
		}
	}
	return group.Test(target.Path)
}

// rules returns the cached ruleset, refreshing it when stale or when the
// target host changed.
func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cached != nil && a.host == host && time.Since(a.fetched) < a.ttl {
		return a.cached, nil
	}

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("robots returned status %d", resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	a.host = host
	a.fetched = time.Now()
	a.cached = data
	return data, nil
}
