package transform

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// noiseSelectors contribute no main content.
var noiseSelectors = []string{
	"script", "style", "noscript", "template",
	"nav", "footer", "header", "aside",
	"iframe", "svg", "canvas", "form", "button", "input", "select", "textarea",
	"[role=navigation]", "[role=banner]", "[role=contentinfo]", "[role=complementary]",
	"[aria-hidden=true]",
	".sidebar", ".side-bar", "#sidebar",
	".menu", ".navigation", ".navbar", ".breadcrumb", ".breadcrumbs",
	".ads", ".ad", ".advert", ".advertisement", ".sponsored", "[id^=google_ads]",
	".cookie", ".cookie-banner", "#cookie-banner", ".consent", ".gdpr",
	".newsletter", ".subscribe", ".social", ".share", ".sharing", ".social-share",
	".comments", "#comments", ".related", ".related-posts", ".popup", ".modal",
	".skip-link", ".site-header", ".site-footer",
}

// forceInclude subtrees survive noise removal even inside a noise match.
var forceInclude = []string{
	"#main",
	"#content",
	"[role=main]",
	".main-content",
	"article header",
	".post-header",
	"h1",
}

var (
	noiseSelector        = strings.Join(noiseSelectors, ", ")
	forceIncludeSelector = strings.Join(forceInclude, ", ")
)

func removeNoise(d *document) *goquery.Selection {
	noise := d.doc.Find(noiseSelector)
	// outermost first; nested matches are handled while pruning their ancestor
	noise.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(noiseSelector).Length() == 0
	}).Each(func(_ int, s *goquery.Selection) {
		pruneNoise(s)
	})
	return nil
}

// pruneNoise removes s unless it holds a force-included subtree, in which case only the
// branches that lead nowhere protected are removed.
func pruneNoise(s *goquery.Selection) {
	if s.Is(forceIncludeSelector) {
		return
	}
	if s.Find(forceIncludeSelector).Length() == 0 {
		s.Remove()
		return
	}
	node := s.Get(0)
	for c := node.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type != html.ElementNode {
			node.RemoveChild(c)
			c = next
			continue
		}
		child := s.FindNodes(c)
		switch {
		case child.Is(forceIncludeSelector):
		case child.Find(forceIncludeSelector).Length() > 0:
			pruneNoise(child)
		default:
			node.RemoveChild(c)
		}
		c = next
	}
}
