package transform

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// Metadata reads title, description, social and canonical tags from the raw document.
func Metadata(doc *goquery.Document, base *url.URL) acquire.Metadata {
	meta := acquire.Metadata{
		Title:         collapse(doc.Find("head title").First().Text()),
		Description:   metaContent(doc, `meta[name="description"]`),
		SiteName:      metaContent(doc, `meta[property="og:site_name"]`),
		OGTitle:       metaContent(doc, `meta[property="og:title"]`),
		OGDescription: metaContent(doc, `meta[property="og:description"]`),
		OGImage:       absoluteAttr(base, metaContent(doc, `meta[property="og:image"]`)),
	}
	if meta.Title == "" {
		meta.Title = collapse(doc.Find("title").First().Text())
	}
	if meta.Title == "" {
		meta.Title = meta.OGTitle
	}
	if meta.Description == "" {
		meta.Description = meta.OGDescription
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		meta.Language = strings.TrimSpace(lang)
	}
	if kw := metaContent(doc, `meta[name="keywords"]`); kw != "" {
		for _, k := range strings.Split(kw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				meta.Keywords = append(meta.Keywords, k)
			}
		}
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		meta.Canonical = absoluteAttr(base, href)
	}
	meta.Favicon = favicon(doc, base)
	return meta
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}

func absoluteAttr(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	if abs, ok := acquire.ResolveReference(base, ref); ok {
		return abs
	}
	return ref
}

func favicon(doc *goquery.Document, base *url.URL) string {
	for _, sel := range []string{
		`link[rel="icon"]`,
		`link[rel="shortcut icon"]`,
		`link[rel="apple-touch-icon"]`,
		`link[rel~="icon"]`,
	} {
		if href, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			return absoluteAttr(base, href)
		}
	}
	if base == nil || base.Host == "" {
		return ""
	}
	return (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/favicon.ico"}).String()
}
