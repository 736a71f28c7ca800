package pixiv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"

	"pixiv-crawler/internal/credentials"
	"pixiv-crawler/internal/fetcher"
	"pixiv-crawler/internal/robots"
	"pixiv-crawler/pkg/types"
)

// ErrRobotsDisallowed is returned when a page fetch is blocked by robots
// rules.
var ErrRobotsDisallowed = errors.New("blocked by robots rules")

// Client talks to the ajax API and page surfaces. Every request is paced,
// carries the active credential profile, and contributes to the rotation
// counter.
type Client struct {
	fetch       fetcher.Fetcher
	pool        *credentials.Pool
	pacer       *Pacer
	robots      *robots.Agent
	baseURL     string
	rotateEvery int
	requests    atomic.Int64
	logger      *slog.Logger
}

// Options configures a Client.
type Options struct {
	Fetcher     fetcher.Fetcher
	Pool        *credentials.Pool
	Pacer       *Pacer
	Robots      *robots.Agent
	BaseURL     string
	RotateEvery int
	Logger      *slog.Logger
}

// NewClient validates the options and builds a client.
func NewClient(opts Options) (*Client, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("client requires a fetcher")
	}
	if opts.Pool == nil {
		return nil, errors.New("client requires a credential pool")
	}
	if opts.RotateEvery <= 0 {
		opts.RotateEvery = 300
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.pixiv.net"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		fetch:       opts.Fetcher,
		pool:        opts.Pool,
		pacer:       opts.Pacer,
		robots:      opts.Robots,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		rotateEvery: opts.RotateEvery,
		logger:      opts.Logger,
	}, nil
}

// RequestCount reports how many requests this client has issued.
func (c *Client) RequestCount() int64 {
	return c.requests.Load()
}

// Rotate advances to the next credential profile immediately, outside the
// regular every-N cadence. Used when a crawl suspects a stale session.
func (c *Client) Rotate() {
	profile := c.pool.Advance()
	c.logger.Info("rotated credential profile", "profile", profile.Name)
}

// prepare paces the request and selects the credential profile, rotating
// the pool every rotateEvery requests.
func (c *Client) prepare(ctx context.Context) (credentials.Profile, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return credentials.Profile{}, err
		}
	}
	n := c.requests.Add(1)
	if n%int64(c.rotateEvery) == 0 {
		profile := c.pool.Advance()
		c.logger.Info("rotated credential profile",
			"requests", n,
			"profile", profile.Name,
		)
		return profile, nil
	}
	return c.pool.Current(), nil
}

func (c *Client) get(ctx context.Context, rawURL string, render bool) (*types.Page, error) {
	profile, err := c.prepare(ctx)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	page, err := c.fetch.Fetch(ctx, types.FetchRequest{
		URL:     u,
		Headers: profile.Headers(),
		Render:  render,
	})
	if err != nil {
		return nil, err
	}
	if page.StatusCode != 200 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, page.StatusCode)
	}
	return page, nil
}

// getJSON fetches an ajax endpoint and unwraps the response envelope.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	page, err := c.get(ctx, rawURL, false)
	if err != nil {
		return err
	}
	var envelope struct {
		Error   bool            `json:"error"`
		Message string          `json:"message"`
		Body    json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(page.Body, &envelope); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	if envelope.Error {
		msg := envelope.Message
		if msg == "" {
			msg = "unknown remote error"
		}
		return fmt.Errorf("remote error from %s: %s", rawURL, msg)
	}
	if err := json.Unmarshal(envelope.Body, out); err != nil {
		return fmt.Errorf("decode body from %s: %w", rawURL, err)
	}
	return nil
}

type illustDetailBody struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	Title         string `json:"title"`
	LikeCount     int    `json:"likeCount"`
	BookmarkCount int    `json:"bookmarkCount"`
	ViewCount     int    `json:"viewCount"`
	Tags          struct {
		Tags []struct {
			Tag         string `json:"tag"`
			Translation struct {
				En string `json:"en"`
			} `json:"translation"`
		} `json:"tags"`
	} `json:"tags"`
	Urls struct {
		Original string `json:"original"`
	} `json:"urls"`
}

// IllustDetail fetches artwork metadata.
func (c *Client) IllustDetail(ctx context.Context, pid string) (*types.Illust, error) {
	var body illustDetailBody
	endpoint := fmt.Sprintf("%s/ajax/illust/%s", c.baseURL, pid)
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return nil, err
	}

	illust := &types.Illust{
		PID:           body.ID,
		AuthorUID:     body.UserID,
		Title:         body.Title,
		LikeCount:     body.LikeCount,
		BookmarkCount: body.BookmarkCount,
		ViewCount:     body.ViewCount,
		OriginalURL:   body.Urls.Original,
	}
	if illust.PID == "" {
		illust.PID = pid
	}
	for _, t := range body.Tags.Tags {
		if t.Tag != "" {
			illust.Tags = append(illust.Tags, t.Tag)
		}
		if en := t.Translation.En; en != "" && !strings.EqualFold(en, t.Tag) {
			illust.Tags = append(illust.Tags, en)
		}
	}
	return illust, nil
}

// IllustRecommends fetches up to 30 artworks recommended next to a work.
func (c *Client) IllustRecommends(ctx context.Context, pid string) ([]string, error) {
	var body struct {
		Illusts []struct {
			ID string `json:"id"`
		} `json:"illusts"`
	}
	endpoint := fmt.Sprintf("%s/ajax/illust/%s/recommend/init?limit=30", c.baseURL, pid)
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return nil, err
	}
	pids := make([]string, 0, len(body.Illusts))
	for _, illust := range body.Illusts {
		if illust.ID != "" {
			pids = append(pids, illust.ID)
		}
	}
	return pids, nil
}

// AuthorRecommends fetches works by authors recommended next to a user.
func (c *Client) AuthorRecommends(ctx context.Context, uid string) ([]string, error) {
	var body struct {
		RecommendUsers []struct {
			UserID    string   `json:"userId"`
			IllustIDs []string `json:"illustIds"`
		} `json:"recommendUsers"`
	}
	endpoint := fmt.Sprintf("%s/ajax/user/%s/recommends?userNum=30&workNum=5&isR18=false", c.baseURL, uid)
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return nil, err
	}
	var pids []string
	for _, user := range body.RecommendUsers {
		for _, id := range user.IllustIDs {
			if id != "" {
				pids = append(pids, id)
			}
		}
	}
	return pids, nil
}

// RankingPage fetches the HTML of a ranking board.
func (c *Client) RankingPage(ctx context.Context, mode types.RankMode) ([]byte, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unsupported rank mode %q", mode)
	}
	endpoint := fmt.Sprintf("%s/ranking.php?mode=%s", c.baseURL, mode)
	if err := c.checkRobots(ctx, endpoint); err != nil {
		return nil, err
	}
	page, err := c.get(ctx, endpoint, false)
	if err != nil {
		return nil, err
	}
	return page.Body, nil
}

// HomePage fetches the landing page, rendering it when a renderer is
// available since its recommendations are injected client-side.
func (c *Client) HomePage(ctx context.Context) ([]byte, error) {
	endpoint := c.baseURL + "/"
	if err := c.checkRobots(ctx, endpoint); err != nil {
		return nil, err
	}
	page, err := c.get(ctx, endpoint, true)
	if err != nil {
		return nil, err
	}
	return page.Body, nil
}

func (c *Client) checkRobots(ctx context.Context, rawURL string) error {
	if c.robots == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if !c.robots.Allowed(ctx, u) {
		return fmt.Errorf("%w: %s", ErrRobotsDisallowed, rawURL)
	}
	return nil
}
