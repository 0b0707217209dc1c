// Package transform derives markdown, cleaned HTML, links and metadata from rendered pages.
//
// Main-content extraction is an ordered list of strategies over a goquery document. Filters
// (tag include/exclude, noise removal) mutate the working document; extractors propose a
// fragment that is accepted once its text reaches the minimum content length. The accepted
// fragment is URL-absolutized before it is serialized, so extraction applied to its own output
// returns the same fragment.
package transform

import (
	"context"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// Config tunes extraction.
type Config struct {
	MinContentLength int
	// SiteRules maps a host to a content selector and overrides the built-in table.
	SiteRules map[string]string
}

// Input is one rendered page.
type Input struct {
	HTML       string
	URL        string
	FinalURL   string
	StatusCode int
	LiveLinks  []string
	Options    acquire.ScrapeOptions
}

// Transformer runs the content transformers.
type Transformer struct {
	cfg       Config
	rules     []SiteRule
	converter *md.Converter
	logger    *zap.Logger
}

// New builds a Transformer.
func New(cfg Config, logger *zap.Logger) *Transformer {
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{
		cfg:       cfg,
		rules:     mergeRules(cfg.SiteRules),
		converter: newConverter(),
		logger:    logger.Named("transform"),
	}
}

// Transform builds the requested artifacts. Markdown, links and metadata run concurrently over
// immutable inputs.
func (t *Transformer) Transform(ctx context.Context, in Input) (acquire.TransformResult, error) {
	pageURL := in.FinalURL
	if pageURL == "" {
		pageURL = in.URL
	}
	opts := in.Options
	formats := opts.Formats
	if len(formats) == 0 {
		formats = []acquire.Format{acquire.FormatMarkdown}
	}
	wants := func(f acquire.Format) bool {
		for _, got := range formats {
			if got == f {
				return true
			}
		}
		return false
	}

	var (
		result   acquire.TransformResult
		fragment string
	)
	if wants(acquire.FormatMarkdown) || wants(acquire.FormatHTML) {
		ex, err := t.Extract(in.HTML, pageURL, ExtractOptions{
			IncludeTags:     opts.IncludeTags,
			ExcludeTags:     opts.ExcludeTags,
			OnlyMainContent: opts.MainContentOnly(),
		})
		if err != nil {
			return acquire.TransformResult{}, err
		}
		fragment = ex.HTML
		t.logger.Debug("content extracted",
			zap.String("url", pageURL),
			zap.String("strategy", ex.Strategy),
			zap.Int("bytes", len(fragment)),
		)
	}

	// read-only document shared by links and metadata
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return acquire.TransformResult{}, fmt.Errorf("parse html: %w", err)
	}
	base := baseURL(doc, pageURL)

	g, gctx := errgroup.WithContext(ctx)
	if wants(acquire.FormatMarkdown) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := t.Markdown(fragment)
			if err != nil {
				return err
			}
			result.Markdown = out
			return nil
		})
	}
	if wants(acquire.FormatLinks) {
		g.Go(func() error {
			result.Links = Links(in.LiveLinks, doc, base)
			return nil
		})
	}
	g.Go(func() error {
		meta := Metadata(doc, base)
		meta.SourceURL = in.URL
		meta.FinalURL = pageURL
		meta.StatusCode = in.StatusCode
		result.Metadata = meta
		return nil
	})
	if err := g.Wait(); err != nil {
		return acquire.TransformResult{}, err
	}

	if wants(acquire.FormatHTML) {
		result.HTML = fragment
	}
	if wants(acquire.FormatRawHTML) {
		result.RawHTML = in.HTML
	}
	return result, nil
}
