package transform

import (
	"sort"
	"strings"
)

// SiteRule pins the content selector for a known host and its subdomains.
type SiteRule struct {
	Host     string
	Selector string
}

// Matches reports whether host is the rule's host or a subdomain of it.
func (r SiteRule) Matches(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	rule := strings.ToLower(r.Host)
	return host == rule || strings.HasSuffix(host, "."+rule)
}

var defaultSiteRules = []SiteRule{
	{Host: "github.com", Selector: "article.markdown-body, .markdown-body"},
	{Host: "medium.com", Selector: "article"},
	{Host: "substack.com", Selector: ".available-content, .body.markup"},
	{Host: "dev.to", Selector: "#article-body"},
	{Host: "stackoverflow.com", Selector: "#mainbar"},
	{Host: "wikipedia.org", Selector: "#mw-content-text"},
	{Host: "docs.python.org", Selector: "div.body"},
	{Host: "developer.mozilla.org", Selector: "article.main-page-content, main#content"},
	{Host: "news.ycombinator.com", Selector: "#hnmain table.fatitem, #hnmain"},
	{Host: "reddit.com", Selector: "shreddit-post, [data-test-id=post-content]"},
}

// mergeRules lets configured rules override defaults by host, most specific host first.
func mergeRules(extra map[string]string) []SiteRule {
	byHost := make(map[string]string, len(defaultSiteRules)+len(extra))
	for _, r := range defaultSiteRules {
		byHost[r.Host] = r.Selector
	}
	for host, selector := range extra {
		host = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
		if host == "" || strings.TrimSpace(selector) == "" {
			continue
		}
		byHost[host] = selector
	}
	rules := make([]SiteRule, 0, len(byHost))
	for host, selector := range byHost {
		rules = append(rules, SiteRule{Host: host, Selector: selector})
	}
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].Host) != len(rules[j].Host) {
			return len(rules[i].Host) > len(rules[j].Host)
		}
		return rules[i].Host < rules[j].Host
	})
	return rules
}
