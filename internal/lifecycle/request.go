package lifecycle

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/frontier"
)

// ErrInvalidRequest wraps option validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// SubmitRequest describes a new job.
type SubmitRequest struct {
	Kind   acquire.JobKind `json:"kind" validate:"required,oneof=scrape crawl batch"`
	UserID string          `json:"userId" validate:"required"`
	Tier   string          `json:"tier,omitempty"`
	// URL is the page for scrape jobs and the seed for crawl jobs.
	URL string `json:"url,omitempty" validate:"required_unless=Kind batch"`
	// URLs lists the batch items in order.
	URLs              []string              `json:"urls,omitempty" validate:"required_if=Kind batch,max=1000"`
	IgnoreInvalidURLs bool                  `json:"ignoreInvalidURLs,omitempty"`
	Options           acquire.ScrapeOptions `json:"scrapeOptions"`
	Crawl             *acquire.CrawlOptions `json:"crawlerOptions,omitempty"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	ID          string            `json:"id"`
	Status      acquire.JobStatus `json:"status"`
	InvalidURLs []string          `json:"invalidURLs,omitempty"`
}

// DefaultCrawlOptions applies when a crawl request carries no crawler options. Sitemap
// seeding stays off unless ignoreSitemap is set to false.
func DefaultCrawlOptions() acquire.CrawlOptions {
	return acquire.CrawlOptions{MaxDepth: 2, Limit: 10}
}

func (c *Coordinator) normalize(req SubmitRequest) (SubmitRequest, error) {
	if req.Kind == acquire.KindCrawl {
		opts := c.cfg.DefaultCrawl
		if req.Crawl != nil {
			opts = *req.Crawl
		}
		if opts.Limit == 0 {
			opts.Limit = c.cfg.DefaultCrawl.Limit
		}
		req.Crawl = &opts
	} else {
		req.Crawl = nil
	}
	if req.Kind != acquire.KindBatch {
		req.URLs = nil
	}
	if len(req.Options.Formats) == 0 {
		req.Options.Formats = []acquire.Format{acquire.FormatMarkdown}
	}
	if c.cfg.MaxBatchURLs > 0 && len(req.URLs) > c.cfg.MaxBatchURLs {
		return req, fmt.Errorf("%w: batch accepts at most %d urls", ErrInvalidRequest, c.cfg.MaxBatchURLs)
	}

	if err := c.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return req, fmt.Errorf("%w: %s", ErrInvalidRequest, describe(verrs))
		}
		return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Crawl != nil {
		if _, err := frontier.CompilePatterns(req.Crawl.IncludePaths); err != nil {
			return req, fmt.Errorf("%w: includePaths: %w", ErrInvalidRequest, err)
		}
		if _, err := frontier.CompilePatterns(req.Crawl.ExcludePaths); err != nil {
			return req, fmt.Errorf("%w: excludePaths: %w", ErrInvalidRequest, err)
		}
	}
	return req, nil
}

func describe(verrs validator.ValidationErrors) string {
	first := verrs[0]
	msg := fmt.Sprintf("%s failed %q", first.Namespace(), first.Tag())
	if first.Param() != "" {
		msg += " (" + first.Param() + ")"
	}
	if len(verrs) > 1 {
		msg += fmt.Sprintf(" and %d more", len(verrs)-1)
	}
	return msg
}
