package transform

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var urlAttrs = []struct {
	selector string
	attr     string
}{
	{"a[href]", "href"},
	{"img[src]", "src"},
	{"source[src]", "src"},
	{"video[src]", "src"},
	{"video[poster]", "poster"},
	{"audio[src]", "src"},
}

var srcsetCandidate = regexp.MustCompile(`^\s*(\S+?)(?:\s+([0-9]*\.?[0-9]+)([wxh]))?\s*$`)

// absolutize rewrites relative URLs inside frag against base and collapses srcset.
func absolutize(frag *goquery.Selection, base *url.URL) {
	if base == nil {
		return
	}
	for _, ua := range urlAttrs {
		withSelf(frag, ua.selector).Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(ua.attr)
			if abs, ok := resolve(base, v); ok {
				s.SetAttr(ua.attr, abs)
			}
		})
	}
	withSelf(frag, "img[srcset], source[srcset]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("srcset")
		best, ok := LargestSrcset(v)
		if !ok {
			s.RemoveAttr("srcset")
			return
		}
		abs, ok := resolve(base, best)
		if !ok {
			abs = best
		}
		if goquery.NodeName(s) == "img" {
			s.SetAttr("src", abs)
			s.RemoveAttr("srcset")
			s.RemoveAttr("sizes")
			return
		}
		s.SetAttr("srcset", abs)
		s.RemoveAttr("sizes")
	})
}

// withSelf matches selector against frag's nodes and their descendants.
func withSelf(frag *goquery.Selection, selector string) *goquery.Selection {
	return frag.Filter(selector).AddSelection(frag.Find(selector))
}

// resolve leaves fragment-only and non-http references alone.
func resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.IsAbs() {
		return "", false
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

// LargestSrcset picks the candidate with the largest numeric descriptor. A candidate without
// a descriptor counts as 1x, and ties keep the first occurrence.
func LargestSrcset(srcset string) (string, bool) {
	var (
		best      string
		bestValue float64
		found     bool
	)
	for _, part := range splitSrcset(srcset) {
		m := srcsetCandidate.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		value := 1.0
		if m[2] != "" {
			v, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				continue
			}
			value = v
		}
		if !found || value > bestValue {
			best, bestValue, found = m[1], value, true
		}
	}
	return best, found
}

// splitSrcset splits on commas that end a candidate, keeping commas inside URLs.
func splitSrcset(srcset string) []string {
	var (
		parts []string
		start int
	)
	for i := 0; i < len(srcset); i++ {
		if srcset[i] != ',' {
			continue
		}
		// a comma directly followed by a non-space belongs to the URL (e.g. data or query strings)
		if i+1 < len(srcset) && srcset[i+1] != ' ' && srcset[i+1] != '\t' && srcset[i+1] != '\n' {
			// unless the previous token was a descriptor such as "2x,"
			prev := strings.TrimSpace(srcset[start:i])
			if !hasDescriptor(prev) {
				continue
			}
		}
		parts = append(parts, srcset[start:i])
		start = i + 1
	}
	parts = append(parts, srcset[start:])
	return parts
}

func hasDescriptor(candidate string) bool {
	fields := strings.Fields(candidate)
	if len(fields) < 2 {
		return false
	}
	last := fields[len(fields)-1]
	if len(last) < 2 {
		return false
	}
	switch last[len(last)-1] {
	case 'w', 'x', 'h':
		_, err := strconv.ParseFloat(last[:len(last)-1], 64)
		return err == nil
	}
	return false
}
