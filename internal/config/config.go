package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the crawler
// worker and the scheduler.
type Config struct {
	Store       StoreConfig        `yaml:"store"`
	Credentials []CredentialConfig `yaml:"credentials"`
	Crawl       CrawlConfig        `yaml:"crawl"`
	Ranking     RankingConfig      `yaml:"ranking"`
	Robots      RobotsConfig       `yaml:"robots"`
	Rendering   RenderingConfig    `yaml:"rendering"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	API         APIConfig          `yaml:"api"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"` // "supabase" or "postgres"
	Supabase SupabaseConfig `yaml:"supabase"`
	DB       SQLConfig      `yaml:"db"`
}

// SupabaseConfig describes a Supabase REST endpoint.
type SupabaseConfig struct {
	URL        string   `yaml:"url"`
	ServiceKey string   `yaml:"service_key"`
	Timeout    Duration `yaml:"timeout"`
}

// SQLConfig describes a direct Postgres connection used for persistence.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// CredentialConfig declares one authenticated browsing identity.
type CredentialConfig struct {
	Name           string `yaml:"name"`
	Cookie         string `yaml:"cookie"`
	UserAgent      string `yaml:"user_agent"`
	Referer        string `yaml:"referer"`
	AcceptLanguage string `yaml:"accept_language"`
}

// CrawlConfig controls request pacing, rotation, and scoring.
type CrawlConfig struct {
	BaseURL             string          `yaml:"base_url"`
	DelayMin            Duration        `yaml:"delay_min"`
	DelayMax            Duration        `yaml:"delay_max"`
	RotateEvery         int             `yaml:"rotate_every"`
	PopularityThreshold float64         `yaml:"popularity_threshold"`
	TargetNum           int             `yaml:"target_num"`
	RequestTimeout      Duration        `yaml:"request_timeout"`
	MaxBodyBytes        int64           `yaml:"max_body_bytes"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	ProxyURL            string          `yaml:"proxy_url"`
}

// RateLimitConfig applies a token bucket ceiling on outbound requests.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// RankingConfig tunes ranking page extraction.
type RankingConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// RobotsConfig configures robots.txt handling for HTML page fetches.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// RenderingConfig controls the optional headless-browser fallback used for
// client-rendered pages such as the landing page.
type RenderingConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
}

// SchedulerConfig drives the cron orchestrator and its worker fleet.
type SchedulerConfig struct {
	PrimaryURL      string   `yaml:"primary_url"`
	WorkerURLs      []string `yaml:"worker_urls"`
	HTTPTimeout     Duration `yaml:"http_timeout"`
	RecommendCron   string   `yaml:"recommend_cron"`
	DetailCron      string   `yaml:"detail_cron"`
	HomeCron        string   `yaml:"home_cron"`
	DailyCron       string   `yaml:"daily_cron"`
	WeeklyCron      string   `yaml:"weekly_cron"`
	MonthlyCron     string   `yaml:"monthly_cron"`
	RecommendBatch  int      `yaml:"recommend_batch"`
	DetailBatch     int      `yaml:"detail_batch"`
	DetailRounds    int      `yaml:"detail_rounds"`
	DetailRoundWait Duration `yaml:"detail_round_wait"`
	MinPopularity   float64  `yaml:"min_popularity"`
}

// APIConfig controls the worker HTTP surface.
type APIConfig struct {
	Addr               string   `yaml:"addr"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	QueueSize          int      `yaml:"queue_size"`
	RequestTimeout     Duration `yaml:"request_timeout"`
}

// LoggingConfig selects log verbosity, format, and the task log buffer size.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
	TaskBuffer int    `yaml:"task_buffer"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "supabase",
			Supabase: SupabaseConfig{
				Timeout: DurationFrom(15 * time.Second),
			},
			DB: SQLConfig{
				Driver:      "postgres",
				AutoMigrate: true,
			},
		},
		Crawl: CrawlConfig{
			BaseURL:             "https://www.pixiv.net",
			DelayMin:            DurationFrom(0),
			DelayMax:            DurationFrom(time.Second),
			RotateEvery:         300,
			PopularityThreshold: 0.22,
			TargetNum:           1000,
			RequestTimeout:      DurationFrom(10 * time.Second),
			MaxBodyBytes:        6 * 1024 * 1024,
		},
		Ranking: RankingConfig{
			MaxEntries: 200,
		},
		Robots: RobotsConfig{
			Respect:   false,
			Overrides: []string{},
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Rendering: RenderingConfig{
			Enabled:            false,
			Timeout:            DurationFrom(20 * time.Second),
			WaitForSelector:    "a[href*='/artworks/']",
			ConcurrentSessions: 1,
		},
		Scheduler: SchedulerConfig{
			HTTPTimeout:     DurationFrom(60 * time.Second),
			RecommendCron:   "*/10 * * * *",
			DetailCron:      "*/10 * * * *",
			HomeCron:        "*/10 * * * *",
			DailyCron:       "0 1 * * *",
			WeeklyCron:      "0 1 * * 1",
			MonthlyCron:     "0 1 1 * *",
			RecommendBatch:  5,
			DetailBatch:     10,
			DetailRounds:    3,
			DetailRoundWait: DurationFrom(30 * time.Second),
		},
		API: APIConfig{
			Addr:               ":8080",
			MaxConcurrentTasks: 4,
			QueueSize:          64,
			RequestTimeout:     DurationFrom(120 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
			TaskBuffer: 1000,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
// Environment overrides are applied after the file is decoded so components
// never reach into the environment themselves.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()

	cfg := Default()
	if err := decodeYAML(fh, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader without
// environment overrides. Used by tests.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Store.Supabase.URL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_ROLE_KEY"); v != "" {
		c.Store.Supabase.ServiceKey = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Store.DB.DSN = v
	}
	if v := os.Getenv("PIXIV_COOKIE"); v != "" {
		if len(c.Credentials) == 0 {
			c.Credentials = []CredentialConfig{{Name: "env"}}
		}
		c.Credentials[0].Cookie = v
	}
}

// Validate enforces required invariants for the crawler configuration.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "supabase":
		if strings.TrimSpace(c.Store.Supabase.URL) == "" {
			return errors.New("store.supabase.url must be set")
		}
		if strings.TrimSpace(c.Store.Supabase.ServiceKey) == "" {
			return errors.New("store.supabase.service_key must be set")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DB.DSN) == "" {
			return errors.New("store.db.dsn must be set")
		}
	default:
		return fmt.Errorf("store.backend must be supabase or postgres (got %q)", c.Store.Backend)
	}
	if len(c.Credentials) == 0 {
		return errors.New("at least one credential must be configured")
	}
	for i := range c.Credentials {
		if c.Credentials[i].Cookie == "" {
			return fmt.Errorf("credential %d has empty cookie", i)
		}
	}
	if c.Crawl.RotateEvery <= 0 {
		return fmt.Errorf("crawl.rotate_every must be > 0 (got %d)", c.Crawl.RotateEvery)
	}
	if c.Crawl.PopularityThreshold < 0 {
		return fmt.Errorf("crawl.popularity_threshold must be >= 0 (got %v)", c.Crawl.PopularityThreshold)
	}
	if c.Crawl.TargetNum <= 0 {
		return fmt.Errorf("crawl.target_num must be > 0 (got %d)", c.Crawl.TargetNum)
	}
	if c.Crawl.DelayMax.Duration < c.Crawl.DelayMin.Duration {
		return errors.New("crawl.delay_max must be >= crawl.delay_min")
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.BaseURL) == "" {
		return errors.New("crawl.base_url must be set")
	}
	if rl := c.Crawl.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Ranking.MaxEntries <= 0 {
		return fmt.Errorf("ranking.max_entries must be > 0 (got %d)", c.Ranking.MaxEntries)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if c.API.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("api.max_concurrent_tasks must be > 0 (got %d)", c.API.MaxConcurrentTasks)
	}
	if c.API.QueueSize <= 0 {
		return fmt.Errorf("api.queue_size must be > 0 (got %d)", c.API.QueueSize)
	}
	if c.Logging.TaskBuffer <= 0 {
		return fmt.Errorf("logging.task_buffer must be > 0 (got %d)", c.Logging.TaskBuffer)
	}
	return nil
}

func (c *Config) normalise() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Store.Supabase.URL = strings.TrimRight(strings.TrimSpace(c.Store.Supabase.URL), "/")
	c.Store.Supabase.ServiceKey = strings.TrimSpace(c.Store.Supabase.ServiceKey)
	c.Crawl.BaseURL = strings.TrimRight(strings.TrimSpace(c.Crawl.BaseURL), "/")
	c.Scheduler.PrimaryURL = strings.TrimRight(strings.TrimSpace(c.Scheduler.PrimaryURL), "/")
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)

	for i := range c.Credentials {
		c.Credentials[i].Name = strings.TrimSpace(c.Credentials[i].Name)
		c.Credentials[i].Cookie = strings.TrimSpace(c.Credentials[i].Cookie)
		if c.Credentials[i].Name == "" {
			c.Credentials[i].Name = fmt.Sprintf("credential-%d", i)
		}
	}

	cleaned := make([]string, 0, len(c.Scheduler.WorkerURLs))
	for _, raw := range c.Scheduler.WorkerURLs {
		u := strings.TrimRight(strings.TrimSpace(raw), "/")
		if u == "" {
			continue
		}
		cleaned = append(cleaned, u)
	}
	c.Scheduler.WorkerURLs = cleaned

	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether the outbound rate ceiling is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
