// Package sitemap reads sitemap.xml files (and nested sitemap indexes) to seed crawls.
package sitemap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const (
	maxRedirects = 10

	pageLocs  = `//*[local-name()='url']/*[local-name()='loc']`
	indexLocs = `//*[local-name()='sitemap']/*[local-name()='loc']`
)

// Config controls sitemap fetching.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxIndexDepth bounds how many nested sitemap indexes are followed.
	MaxIndexDepth int
}

// Policy vets every sitemap URL before it is fetched, including redirect targets.
type Policy interface {
	Check(ctx context.Context, rawURL string) error
}

// Reader discovers page URLs from a site's sitemap.
type Reader struct {
	cfg       Config
	transport http.RoundTripper
	policy    Policy
	logger    *zap.Logger
}

// New builds a Reader. A nil transport uses a pooled default transport; a nil policy
// fetches any URL.
func New(cfg Config, transport http.RoundTripper, policy Policy, logger *zap.Logger) *Reader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxIndexDepth <= 0 {
		cfg.MaxIndexDepth = 2
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{cfg: cfg, transport: transport, policy: policy, logger: logger.Named("sitemap")}
}

// Discover returns up to limit page URLs listed in seedURL's /sitemap.xml, in document order.
// A missing or unreadable sitemap yields no URLs and no error.
func (r *Reader) Discover(ctx context.Context, seedURL string, limit int) ([]string, error) {
	seed, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("parse seed url: %w", err)
	}
	if seed.Host == "" {
		return nil, fmt.Errorf("seed url %q has no host", seedURL)
	}
	root := seed.Scheme + "://" + seed.Host + "/sitemap.xml"

	var (
		mu    sync.Mutex
		found []string
		seen  = make(map[string]struct{})
	)
	full := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return limit > 0 && len(found) >= limit
	}

	collector := colly.NewCollector(
		colly.Async(false),
		colly.MaxDepth(r.cfg.MaxIndexDepth+1),
	)
	collector.WithTransport(r.transport)
	collector.SetRequestTimeout(r.cfg.Timeout)
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}

	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return r.check(ctx, req.URL.String())
	})
	collector.OnRequest(func(req *colly.Request) {
		if ctx.Err() != nil || full() {
			req.Abort()
			return
		}
		if err := r.check(ctx, req.URL.String()); err != nil {
			r.logger.Debug("sitemap url blocked", zap.String("url", req.URL.String()), zap.Error(err))
			req.Abort()
		}
	})
	collector.OnXML(indexLocs, func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if loc == "" || full() {
			return
		}
		if err := r.check(ctx, e.Request.AbsoluteURL(loc)); err != nil {
			r.logger.Debug("nested sitemap blocked", zap.String("loc", loc), zap.Error(err))
			return
		}
		if err := e.Request.Visit(loc); err != nil {
			r.logger.Debug("nested sitemap skipped", zap.String("loc", loc), zap.Error(err))
		}
	})
	collector.OnXML(pageLocs, func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if loc == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if limit > 0 && len(found) >= limit {
			return
		}
		if _, dup := seen[loc]; dup {
			return
		}
		seen[loc] = struct{}{}
		found = append(found, loc)
	})
	collector.OnError(func(resp *colly.Response, err error) {
		r.logger.Debug("sitemap fetch failed",
			zap.String("url", resp.Request.URL.String()),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(root)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sitemap discovery canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			r.logger.Debug("sitemap unavailable", zap.String("url", root), zap.Error(err))
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), found...), nil
}

func (r *Reader) check(ctx context.Context, rawURL string) error {
	if r.policy == nil {
		return nil
	}
	return r.policy.Check(ctx, rawURL)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
