package transform

import (
	"math"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	unlikelyPattern = regexp.MustCompile(`(?i)-ad-|ai2html|banner|breadcrumbs|combx|comment|community|cover-wrap|disqus|extra|footer|gdpr|header|legends|menu|related|remark|replies|rss|shoutbox|sidebar|skyscraper|social|sponsor|supplemental|ad-break|agegate|pagination|pager|popup|yom-remote`)
	maybePattern    = regexp.MustCompile(`(?i)and|article|body|column|content|main|shadow`)
	positivePattern = regexp.MustCompile(`(?i)article|body|content|entry|hentry|h-entry|main|page|post|text|blog|story`)
	negativePattern = regexp.MustCompile(`(?i)-ad-|hidden|^hid$| hid$| hid |^hid |banner|combx|comment|com-|contact|foot|footnote|gdpr|masthead|media|meta|outbrain|promo|related|scroll|share|shoutbox|sidebar|skyscraper|sponsor|shopping|tags|tool|widget`)
)

const minParagraphLength = 25

// candidateTags survive a re-parse of their own outer HTML unchanged.
var candidateTags = map[string]bool{
	"div": true, "article": true, "section": true, "main": true, "blockquote": true,
}

var blockTags = map[string]bool{
	"a": false, "blockquote": true, "dl": true, "div": true, "img": true, "ol": true,
	"p": true, "pre": true, "table": true, "ul": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

type candidate struct {
	sel   *goquery.Selection
	score float64
	order int
}

// readability scores containers by the paragraphs they hold and returns the best one that
// clears the minimum length.
func readability(d *document) *goquery.Selection {
	order := map[*html.Node]int{}
	d.doc.Find("*").Each(func(i int, s *goquery.Selection) {
		order[s.Get(0)] = i
	})

	scores := map[*html.Node]*candidate{}
	var ranked []*candidate
	touch := func(s *goquery.Selection) *candidate {
		if s.Length() == 0 {
			return nil
		}
		node := s.Get(0)
		if node.Type != html.ElementNode || !candidateTags[node.Data] {
			return nil
		}
		if c, ok := scores[node]; ok {
			return c
		}
		c := &candidate{sel: s, score: initialScore(s), order: order[node]}
		scores[node] = c
		ranked = append(ranked, c)
		return c
	}

	d.doc.Find("p, pre, div").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "div" && hasBlockChild(s) {
			return
		}
		if unlikely(s) {
			return
		}
		text := collapse(s.Text())
		length := len([]rune(text))
		if length < minParagraphLength {
			return
		}
		score := 1 + float64(strings.Count(text, ",")) + math.Min(float64(length/100), 3)
		if c := touch(s.Parent()); c != nil {
			c.score += score
		}
		if c := touch(s.Parent().Parent()); c != nil {
			c.score += score / 2
		}
	})

	var best *candidate
	for _, c := range ranked {
		if textLength(c.sel) < d.minLength {
			continue
		}
		c.score *= 1 - linkDensity(c.sel)
		// ties go to the later node in document order, which is the deeper one
		if best == nil || c.score > best.score || (c.score == best.score && c.order > best.order) {
			best = c
		}
	}
	if best == nil || best.score <= 0 {
		return nil
	}
	return best.sel
}

func initialScore(s *goquery.Selection) float64 {
	var score float64
	switch goquery.NodeName(s) {
	case "div", "article", "main":
		score = 5
	case "blockquote", "section":
		score = 3
	}
	return score + classWeight(s)
}

func classWeight(s *goquery.Selection) float64 {
	var weight float64
	for _, attr := range []string{"class", "id"} {
		v, ok := s.Attr(attr)
		if !ok || v == "" {
			continue
		}
		if negativePattern.MatchString(v) {
			weight -= 25
		}
		if positivePattern.MatchString(v) {
			weight += 25
		}
	}
	return weight
}

// unlikely reports whether s or one of the two containers it scores into looks like page chrome.
func unlikely(s *goquery.Selection) bool {
	cur := s
	for level := 0; level < 3 && cur.Length() > 0; level++ {
		switch goquery.NodeName(cur) {
		case "body", "html", "article", "main":
			return false
		}
		class, _ := cur.Attr("class")
		id, _ := cur.Attr("id")
		hint := class + " " + id
		if unlikelyPattern.MatchString(hint) && !maybePattern.MatchString(hint) {
			return true
		}
		cur = cur.Parent()
	}
	return false
}

func hasBlockChild(s *goquery.Selection) bool {
	found := false
	s.Children().EachWithBreak(func(_ int, c *goquery.Selection) bool {
		if blockTags[goquery.NodeName(c)] {
			found = true
			return false
		}
		return true
	})
	return found
}

func linkDensity(s *goquery.Selection) float64 {
	total := textLength(s)
	if total == 0 {
		return 0
	}
	var links int
	s.Find("a").Each(func(_ int, a *goquery.Selection) {
		links += textLength(a)
	})
	return float64(links) / float64(total)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
