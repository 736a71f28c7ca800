package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"pixiv-crawler/pkg/types"
)

// Fetcher retrieves a page or API document.
type Fetcher interface {
	Fetch(ctx context.Context, req types.FetchRequest) (*types.Page, error)
}

// Options controls HTTP fetching behaviour. Identity headers (cookie, user
// agent) are not part of the options: they travel with each request so the
// active credential profile can change between calls.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
}

const defaultBodyCap = 5 << 20

// HTTPFetcher implements Fetcher via the Go http.Client.
type HTTPFetcher struct {
	client  *http.Client
	bodyCap int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultBodyCap
	}
	transport, err := buildTransport(opts.ProxyURL)
	if err != nil {
		return nil, err
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		bodyCap: opts.MaxBodyBytes,
	}, nil
}

func buildTransport(proxy string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if strings.TrimSpace(proxy) != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport, nil
}

// Fetch issues one GET and returns the decoded page. Request headers
// override the defaults, so a credential profile fully controls identity.
func (f *HTTPFetcher) Fetch(ctx context.Context, req types.FetchRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, errors.New("request URL is nil")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json, text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	httpReq.Header.Set("Referer", req.URL.Scheme+"://"+req.URL.Host+"/")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readCapped(resp, f.bodyCap)
	if err != nil {
		return nil, err
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	return &types.Page{
		URL:             req.URL,
		FinalURL:        finalURL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		Rendered:        req.Render,
		ResponseLatency: time.Since(start),
	}, nil
}

// readCapped decodes the response body per its Content-Encoding and reads
// at most limit bytes, erroring instead of truncating on oversize bodies.
func readCapped(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}
	reader, closer, err := decodeReader(resp)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer.Close()
	}

	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", limit)
	}
	return body, nil
}

func decodeReader(resp *http.Response) (io.Reader, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip decode: %w", err)
		}
		return gz, gz, nil
	case "br":
		return brotli.NewReader(resp.Body), nil, nil
	case "deflate":
		fl := flate.NewReader(resp.Body)
		return fl, fl, nil
	default:
		return resp.Body, nil, nil
	}
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

// Renderer executes JavaScript and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req types.FetchRequest) (*types.Page, error)
}

// Composite tries the renderer for render-flagged requests and falls back
// to plain HTTP when rendering fails or is unavailable.
type Composite struct {
	plain    Fetcher
	renderer Renderer
}

// NewComposite builds a composite fetcher from HTTP and optional renderer components.
func NewComposite(plain Fetcher, renderer Renderer) *Composite {
	return &Composite{plain: plain, renderer: renderer}
}

// Fetch delegates to either the renderer (if requested) or the HTTP fetcher.
func (c *Composite) Fetch(ctx context.Context, req types.FetchRequest) (*types.Page, error) {
	if req.Render && c.renderer != nil {
		page, err := c.renderer.Render(ctx, req)
		if err == nil {
			return page, nil
		}
		slog.Warn("renderer failed, falling back to HTTP fetch",
			"url", req.URL.String(), "error", err)
	}
	req.Render = false
	return c.plain.Fetch(ctx, req)
}
