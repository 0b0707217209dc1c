package transform

import (
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// Links prefers the live anchor list, which includes script-rendered anchors, and falls back to
// the static document. Output is absolute, fragment-free and deduplicated in first-seen order.
func Links(live []string, doc *goquery.Document, base *url.URL) []string {
	seen := map[string]bool{}
	var out []string
	add := func(href string) {
		abs, ok := acquire.ResolveReference(base, href)
		if !ok {
			return
		}
		u, err := url.Parse(abs)
		if err != nil {
			return
		}
		u.Fragment = ""
		u.RawFragment = ""
		abs = u.String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, abs)
	}
	if len(live) > 0 {
		for _, href := range live {
			add(href)
		}
		return out
	}
	if doc == nil {
		return nil
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(href)
	})
	return out
}
