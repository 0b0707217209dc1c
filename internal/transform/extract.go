package transform

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ExtractOptions are the per-request knobs of main-content extraction.
type ExtractOptions struct {
	IncludeTags     []string
	ExcludeTags     []string
	OnlyMainContent bool
}

// Extraction is the accepted fragment and the strategy that produced it.
type Extraction struct {
	HTML     string
	Strategy string
}

// document is the working state the strategies share. Filters mutate doc in place.
type document struct {
	doc       *goquery.Document
	base      *url.URL
	host      string
	opts      ExtractOptions
	minLength int
	rules     []SiteRule
}

// strategy either filters the document (returns nil) or proposes a fragment.
type strategy struct {
	name string
	// mainOnly strategies are skipped when OnlyMainContent is false.
	mainOnly bool
	// accept bypasses the minimum-length predicate for a non-empty fragment.
	accept bool
	apply  func(d *document) *goquery.Selection
}

var strategies = []strategy{
	{name: "include-tags", accept: true, apply: includeTags},
	{name: "exclude-tags", apply: excludeTags},
	{name: "site-rule", mainOnly: true, apply: siteRule},
	{name: "noise", mainOnly: true, apply: removeNoise},
	{name: "readability", mainOnly: true, apply: readability},
	{name: "container", mainOnly: true, apply: fallbackContainer},
	{name: "body", accept: true, apply: bodyContents},
}

// Extract returns the main-content fragment of rawHTML with URLs absolutized against pageURL.
func (t *Transformer) Extract(rawHTML, pageURL string, opts ExtractOptions) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse html: %w", err)
	}
	base := baseURL(doc, pageURL)
	d := &document{
		doc:       doc,
		base:      base,
		opts:      opts,
		minLength: t.cfg.MinContentLength,
		rules:     t.rules,
	}
	if base != nil {
		d.host = strings.ToLower(base.Hostname())
	}

	for _, s := range strategies {
		if s.mainOnly && !opts.OnlyMainContent {
			continue
		}
		frag := s.apply(d)
		if frag == nil || frag.Length() == 0 {
			continue
		}
		n := textLength(frag)
		if s.accept && n == 0 && s.name != "body" {
			continue
		}
		if !s.accept && n < d.minLength {
			continue
		}
		absolutize(frag, base)
		out, err := render(frag)
		if err != nil {
			return Extraction{}, err
		}
		return Extraction{HTML: out, Strategy: s.name}, nil
	}
	return Extraction{}, nil
}

func includeTags(d *document) *goquery.Selection {
	if len(d.opts.IncludeTags) == 0 {
		return nil
	}
	selector := strings.Join(d.opts.IncludeTags, ", ")
	// keep outermost matches only, in document order
	matches := d.doc.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(selector).Length() == 0
	})
	for _, sel := range d.opts.ExcludeTags {
		matches.Find(sel).Remove()
	}
	return matches
}

func excludeTags(d *document) *goquery.Selection {
	if len(d.opts.ExcludeTags) > 0 {
		for _, sel := range d.opts.ExcludeTags {
			d.doc.Find(sel).Remove()
		}
	}
	return nil
}

func siteRule(d *document) *goquery.Selection {
	for _, rule := range d.rules {
		if !rule.Matches(d.host) {
			continue
		}
		if sel := d.doc.Find(rule.Selector).First(); sel.Length() > 0 {
			return sel
		}
	}
	return nil
}

func fallbackContainer(d *document) *goquery.Selection {
	for _, selector := range containerSelectors {
		var found *goquery.Selection
		d.doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if textLength(s) >= d.minLength {
				found = s
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

func bodyContents(d *document) *goquery.Selection {
	body := d.doc.Find("body").First()
	if body.Length() == 0 {
		return d.doc.Selection
	}
	return body.Contents()
}

var containerSelectors = []string{
	"article",
	"main",
	"[role=main]",
	".content",
	"#content",
	".post",
	".entry-content",
}

func baseURL(doc *goquery.Document, pageURL string) *url.URL {
	page, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			return page.ResolveReference(ref)
		}
	}
	return page
}

func textLength(s *goquery.Selection) int {
	return len([]rune(strings.Join(strings.Fields(s.Text()), " ")))
}

// render serializes every node of sel in order.
func render(sel *goquery.Selection) (string, error) {
	var buf bytes.Buffer
	for _, n := range sel.Nodes {
		if n.Type == html.DocumentNode {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if err := html.Render(&buf, c); err != nil {
					return "", fmt.Errorf("render fragment: %w", err)
				}
			}
			continue
		}
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("render fragment: %w", err)
		}
	}
	return strings.TrimSpace(buf.String()), nil
}
