package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
store:
  backend: supabase
  supabase:
    url: https://example.supabase.co/
    service_key: service-key
credentials:
  - name: primary
    cookie: PHPSESSID=abc
  - cookie: PHPSESSID=def
crawl:
  delay_min: 100ms
  delay_max: 1s
  rotate_every: 300
  popularity_threshold: 0.22
  target_num: 500
scheduler:
  worker_urls:
    - https://worker-1.example.com/
    - https://worker-2.example.com
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Store.Supabase.URL != "https://example.supabase.co" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Store.Supabase.URL)
	}
	if got := len(cfg.Credentials); got != 2 {
		t.Fatalf("expected 2 credentials, got %d", got)
	}
	if cfg.Credentials[1].Name != "credential-1" {
		t.Fatalf("expected generated credential name, got %q", cfg.Credentials[1].Name)
	}
	if cfg.Crawl.DelayMin.Duration != 100*time.Millisecond {
		t.Fatalf("unexpected delay_min %v", cfg.Crawl.DelayMin)
	}
	if cfg.Crawl.TargetNum != 500 {
		t.Fatalf("unexpected target_num %d", cfg.Crawl.TargetNum)
	}
	// Defaults survive partial overrides.
	if cfg.Crawl.PopularityThreshold != 0.22 {
		t.Fatalf("unexpected popularity threshold %v", cfg.Crawl.PopularityThreshold)
	}
	if cfg.Scheduler.RecommendCron != "*/10 * * * *" {
		t.Fatalf("unexpected recommend cron %q", cfg.Scheduler.RecommendCron)
	}
	for _, u := range cfg.Scheduler.WorkerURLs {
		if strings.HasSuffix(u, "/") {
			t.Fatalf("worker url %q not normalised", u)
		}
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	yaml := sampleYAML + "\nunknown_section:\n  foo: bar\n"
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown config field")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Store.Supabase.URL = "https://example.supabase.co"
		cfg.Store.Supabase.ServiceKey = "key"
		cfg.Credentials = []CredentialConfig{{Name: "a", Cookie: "PHPSESSID=x"}}
		return cfg
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg = base()
	cfg.Credentials = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing credentials")
	}

	cfg = base()
	cfg.Store.Backend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported backend")
	}

	cfg = base()
	cfg.Crawl.DelayMin = DurationFrom(2 * time.Second)
	cfg.Crawl.DelayMax = DurationFrom(time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for inverted delay window")
	}

	cfg = base()
	cfg.Crawl.RotateEvery = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero rotate_every")
	}
}
