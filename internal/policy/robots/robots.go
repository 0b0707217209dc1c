// Package robots enforces robots.txt rules for crawl pages.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/metrics"
)

var retryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Config controls robots.txt fetching.
type Config struct {
	UserAgent    string
	CacheTTL     time.Duration
	FetchTimeout time.Duration
}

// Checker answers whether a URL may be crawled, caching robots.txt per origin.
type Checker struct {
	cfg     Config
	client  *http.Client
	cache   *gocache.Cache
	backoff []time.Duration
	logger  *zap.Logger
}

// New builds a Checker. A nil client uses a client with FetchTimeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Checker {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "PageAcquisitionBot"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		cfg:     cfg,
		client:  client,
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		backoff: retryBackoff,
		logger:  logger.Named("robots"),
	}
}

// Allowed reports whether rawURL's path is permitted for the configured user agent.
// Unreachable robots.txt files allow everything; 5xx responses disallow everything.
func (c *Checker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	origin := strings.ToLower(u.Scheme + "://" + u.Host)

	group, err := c.group(ctx, origin)
	if err != nil {
		return false, err
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return group.Test(path), nil
}

// CrawlDelay returns the Crawl-delay declared for the user agent, or zero.
func (c *Checker) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	group, err := c.group(ctx, strings.ToLower(u.Scheme+"://"+u.Host))
	if err != nil {
		return 0
	}
	return group.CrawlDelay
}

func (c *Checker) group(ctx context.Context, origin string) (*robotstxt.Group, error) {
	if cached, ok := c.cache.Get(origin); ok {
		return cached.(*robotstxt.Group), nil
	}
	data, outcome, err := c.fetch(ctx, origin)
	if err != nil {
		return nil, err
	}
	metrics.ObserveRobotsFetch(outcome)
	group := data.FindGroup(c.cfg.UserAgent)
	c.cache.SetDefault(origin, group)
	return group, nil
}

func (c *Checker) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, string, error) {
	target := origin + "/robots.txt"
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, "", fmt.Errorf("build robots request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		resp, err := c.client.Do(req)
		if err == nil {
			data, perr := robotstxt.FromResponse(resp)
			_ = resp.Body.Close()
			if perr != nil {
				c.logger.Debug("robots.txt unparsable, allowing all", zap.String("origin", origin), zap.Error(perr))
				return allowAll(), "unparsable", nil
			}
			return data, outcomeFor(resp.StatusCode), nil
		}
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("fetch robots.txt: %w", ctx.Err())
		}
		if !isTransient(err) || attempt >= len(c.backoff) {
			c.logger.Debug("robots.txt unreachable, allowing all", zap.String("origin", origin), zap.Error(err))
			return allowAll(), "unreachable", nil
		}
		if err := sleepWithContext(ctx, c.backoff[attempt]); err != nil {
			return nil, "", err
		}
	}
}

func outcomeFor(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status >= 500:
		return "server_error"
	default:
		return "missing"
	}
}

func allowAll() *robotstxt.RobotsData {
	data, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	return data
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
