// Package frontier decides which discovered links join a crawl.
//
// A crawl is breadth-first: every admitted link carries the depth of the page it was found on
// plus one. Admission is checked in a fixed order (scheme, scope, path patterns, depth, URL
// policy) before the job's seen-set reserves a slot, so a rejected link never consumes the
// crawl's limit.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// Store is the per-job seen-set with an atomic count reservation.
type Store interface {
	// Reserve records key for jobID if it is new and the set holds fewer than limit keys.
	Reserve(ctx context.Context, jobID, key string, limit int) (bool, error)
	// Forget drops the seen-set of jobID.
	Forget(ctx context.Context, jobID string) error
}

// SitemapSource lists page URLs advertised by a site.
type SitemapSource interface {
	Discover(ctx context.Context, seedURL string, limit int) ([]string, error)
}

// Candidate is a URL admitted to a crawl.
type Candidate struct {
	URL   string
	Key   string
	Depth int
}

// ErrSeedRejected is returned when the seed URL itself cannot start a crawl.
var ErrSeedRejected = errors.New("seed url rejected")

// Controller applies the admission rules.
type Controller struct {
	store   Store
	policy  acquire.URLPolicy
	sitemap SitemapSource
	logger  *zap.Logger
}

// New builds a Controller. policy and sitemap may be nil.
func New(store Store, policy acquire.URLPolicy, sitemap SitemapSource, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: store, policy: policy, sitemap: sitemap, logger: logger.Named("frontier")}
}

// Seed reserves the crawl's start URL at depth zero.
func (c *Controller) Seed(ctx context.Context, jobID, rawURL string, limit int) (Candidate, error) {
	key, err := acquire.NormalizeURL(rawURL)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %w", ErrSeedRejected, err)
	}
	ok, err := c.store.Reserve(ctx, jobID, key, max(limit, 1))
	if err != nil {
		return Candidate{}, fmt.Errorf("reserve seed: %w", err)
	}
	if !ok {
		return Candidate{}, fmt.Errorf("%w: %s already seeded", ErrSeedRejected, key)
	}
	return Candidate{URL: key, Key: key, Depth: 0}, nil
}

// Admit evaluates link, found on page from at depth, for job. It reports false for links that
// fall outside the crawl; the error is reserved for seen-set failures.
func (c *Controller) Admit(ctx context.Context, job acquire.Job, from, link string, depth int) (Candidate, bool, error) {
	opts := crawlOptions(job)
	if depth+1 > opts.MaxDepth {
		return Candidate{}, false, nil
	}
	base, err := url.Parse(from)
	if err != nil {
		return Candidate{}, false, nil
	}
	abs, ok := acquire.ResolveReference(base, link)
	if !ok {
		return Candidate{}, false, nil
	}
	key, err := acquire.NormalizeURL(abs)
	if err != nil {
		return Candidate{}, false, nil
	}
	target, err := url.Parse(key)
	if err != nil {
		return Candidate{}, false, nil
	}
	seed, err := url.Parse(job.URL)
	if err != nil {
		return Candidate{}, false, nil
	}
	if !inScope(seed, target, opts) {
		return Candidate{}, false, nil
	}
	if !pathAllowed(target.Path, opts) {
		return Candidate{}, false, nil
	}
	if c.policy != nil {
		if err := c.policy.Check(ctx, key); err != nil {
			c.logger.Debug("link blocked by url policy", zap.String("job_id", job.ID), zap.String("url", key), zap.Error(err))
			return Candidate{}, false, nil
		}
	}
	reserved, err := c.store.Reserve(ctx, job.ID, key, opts.Limit)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("reserve link: %w", err)
	}
	if !reserved {
		return Candidate{}, false, nil
	}
	return Candidate{URL: key, Key: key, Depth: depth + 1}, true, nil
}

// SitemapSeeds admits the job's sitemap URLs at depth one.
func (c *Controller) SitemapSeeds(ctx context.Context, job acquire.Job) ([]Candidate, error) {
	opts := crawlOptions(job)
	if c.sitemap == nil || opts.SitemapIgnored() {
		return nil, nil
	}
	urls, err := c.sitemap.Discover(ctx, job.URL, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("discover sitemap: %w", err)
	}
	var out []Candidate
	for _, u := range urls {
		cand, ok, err := c.Admit(ctx, job, job.URL, u, 0)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, cand)
		}
	}
	c.logger.Debug("sitemap seeded", zap.String("job_id", job.ID), zap.Int("listed", len(urls)), zap.Int("admitted", len(out)))
	return out, nil
}

// Forget releases the seen-set of a job.
func (c *Controller) Forget(ctx context.Context, jobID string) error {
	if err := c.store.Forget(ctx, jobID); err != nil {
		return fmt.Errorf("forget frontier: %w", err)
	}
	return nil
}

// CompilePatterns compiles include/exclude path expressions.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile path pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func crawlOptions(job acquire.Job) acquire.CrawlOptions {
	if job.Crawl == nil {
		return acquire.CrawlOptions{}
	}
	return *job.Crawl
}

// inScope admits the seed host. Either widening flag also admits its subdomains; no flag
// leaves the seed's domain.
func inScope(seed, target *url.URL, opts acquire.CrawlOptions) bool {
	seedHost := strings.TrimPrefix(strings.ToLower(seed.Hostname()), "www.")
	host := strings.TrimPrefix(strings.ToLower(target.Hostname()), "www.")
	if host == seedHost {
		return true
	}
	return (opts.IncludeSubdomains || opts.AllowExternalLinks) && strings.HasSuffix(host, "."+seedHost)
}

func pathAllowed(path string, opts acquire.CrawlOptions) bool {
	// patterns are validated at submission; a bad one here matches nothing
	include, _ := CompilePatterns(opts.IncludePaths)
	exclude, _ := CompilePatterns(opts.ExcludePaths)
	for _, re := range exclude {
		if re.MatchString(path) {
			return false
		}
	}
	if len(opts.IncludePaths) == 0 {
		return true
	}
	for _, re := range include {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
