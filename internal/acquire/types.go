// Package acquire defines core types shared across subsystems.
package acquire

import (
	"net/http"
	"strings"
	"time"
)

// JobKind identifies which orchestrator owns a job.
type JobKind string

// Job kinds.
const (
	KindScrape JobKind = "scrape"
	KindCrawl  JobKind = "crawl"
	KindBatch  JobKind = "batch"
)

// JobStatus represents the lifecycle state of a job, crawl page or batch item.
type JobStatus string

// Status values persisted in the job store.
const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Format is an output artifact a caller can request.
type Format string

// Supported formats.
const (
	FormatMarkdown           Format = "markdown"
	FormatHTML               Format = "html"
	FormatRawHTML            Format = "rawHtml"
	FormatLinks              Format = "links"
	FormatScreenshot         Format = "screenshot"
	FormatFullPageScreenshot Format = "screenshot@fullPage"
	FormatPDF                Format = "pdf"
)

// Viewport describes the emulated browser window.
type Viewport struct {
	Width             int     `json:"width" validate:"min=100,max=7680"`
	Height            int     `json:"height" validate:"min=100,max=4320"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor,omitempty" validate:"omitempty,min=0.5,max=4"`
	Mobile            bool    `json:"mobile,omitempty"`
	UserAgent         string  `json:"userAgent,omitempty"`
}

// ActionType enumerates scripted page interactions.
type ActionType string

// Supported action types.
const (
	ActionClick  ActionType = "click"
	ActionInput  ActionType = "type"
	ActionScroll ActionType = "scroll"
	ActionWait   ActionType = "wait"
	ActionPress  ActionType = "press"
)

// Action is one user-declared interaction executed after navigation.
type Action struct {
	Type         ActionType `json:"type" validate:"required,oneof=click type scroll wait press"`
	Selector     string     `json:"selector,omitempty" validate:"required_if=Type click,required_if=Type type"`
	Text         string     `json:"text,omitempty"`
	Direction    string     `json:"direction,omitempty" validate:"omitempty,oneof=up down"`
	Amount       int        `json:"amount,omitempty" validate:"min=0"`
	Milliseconds int        `json:"milliseconds,omitempty" validate:"min=0,max=60000"`
	Key          string     `json:"key,omitempty"`
}

// WaitType selects the post-navigation readiness wait.
type WaitType string

// Supported wait strategies.
const (
	WaitDelay       WaitType = "delay"
	WaitSelector    WaitType = "selector"
	WaitNetworkIdle WaitType = "networkidle"
)

// WaitStrategy configures the readiness wait.
type WaitStrategy struct {
	Type         WaitType `json:"type" validate:"required,oneof=delay selector networkidle"`
	Milliseconds int      `json:"milliseconds,omitempty" validate:"min=0,max=60000"`
	Selector     string   `json:"selector,omitempty" validate:"required_if=Type selector"`
	TimeoutMs    int      `json:"timeoutMs,omitempty" validate:"min=0,max=120000"`
}

// ScrapeOptions is the immutable per-page request snapshot.
type ScrapeOptions struct {
	Formats         []Format          `json:"formats,omitempty" validate:"dive,oneof=markdown html rawHtml links screenshot screenshot@fullPage pdf"`
	OnlyMainContent *bool             `json:"onlyMainContent,omitempty"`
	IncludeTags     []string          `json:"includeTags,omitempty"`
	ExcludeTags     []string          `json:"excludeTags,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Viewport        *Viewport         `json:"viewport,omitempty"`
	Device          string            `json:"device,omitempty"`
	Mobile          bool              `json:"mobile,omitempty"`
	DarkMode        bool              `json:"darkMode,omitempty"`
	Actions         []Action          `json:"actions,omitempty" validate:"max=50,dive"`
	Wait            *WaitStrategy     `json:"wait,omitempty"`
	TimeoutMs       int               `json:"timeoutMs,omitempty" validate:"omitempty,min=1000,max=120000"`
}

// Wants reports whether f was requested.
func (o ScrapeOptions) Wants(f Format) bool {
	for _, got := range o.Formats {
		if got == f {
			return true
		}
	}
	return false
}

// WantsScreenshot reports whether any screenshot variant was requested.
func (o ScrapeOptions) WantsScreenshot() bool {
	return o.Wants(FormatScreenshot) || o.Wants(FormatFullPageScreenshot)
}

// MainContentOnly resolves the OnlyMainContent default.
func (o ScrapeOptions) MainContentOnly() bool {
	return o.OnlyMainContent == nil || *o.OnlyMainContent
}

// Timeout returns the navigation timeout.
func (o ScrapeOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// HTTPHeaders converts the header map to http.Header.
func (o ScrapeOptions) HTTPHeaders() http.Header {
	if len(o.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(o.Headers))
	for k, v := range o.Headers {
		h.Set(strings.TrimSpace(k), v)
	}
	return h
}

// CrawlOptions governs frontier expansion for crawl jobs.
type CrawlOptions struct {
	MaxDepth           int      `json:"maxDepth" validate:"min=0,max=10"`
	Limit              int      `json:"limit" validate:"min=1,max=10000"`
	IncludePaths       []string `json:"includePaths,omitempty"`
	ExcludePaths       []string `json:"excludePaths,omitempty"`
	AllowExternalLinks bool     `json:"allowExternalLinks,omitempty"`
	IncludeSubdomains  bool     `json:"includeSubdomains,omitempty"`
	IgnoreSitemap      *bool    `json:"ignoreSitemap,omitempty"`
	IgnoreRobotsTxt    bool     `json:"ignoreRobotsTxt,omitempty"`
	DelayMs            int      `json:"delayMs,omitempty" validate:"min=0,max=60000"`
}

// SitemapIgnored resolves the IgnoreSitemap default. Sitemap seeding is opt-in.
func (o CrawlOptions) SitemapIgnored() bool {
	return o.IgnoreSitemap == nil || *o.IgnoreSitemap
}

// Counts are the monotonic aggregate counters of crawl and batch jobs.
type Counts struct {
	Total     int `json:"totalUrls"`
	Completed int `json:"completedUrls"`
	Failed    int `json:"failedUrls"`
}

// Done reports whether every discovered unit reached a terminal state.
func (c Counts) Done() bool {
	return c.Total > 0 && c.Completed+c.Failed >= c.Total
}

// Timings is the per-stage breakdown recorded for every page.
type Timings struct {
	FetchMs      int64 `json:"fetchMs"`
	RenderMs     int64 `json:"renderMs"`
	TransformMs  int64 `json:"transformMs"`
	ScreenshotMs int64 `json:"screenshotMs"`
	PdfMs        int64 `json:"pdfMs"`
	TotalMs      int64 `json:"totalMs"`
}

// Asset references an uploaded screenshot or PDF.
type Asset struct {
	Path        string    `json:"path"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType"`
	Bytes       int       `json:"bytes"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Metadata is extracted from the rendered document head.
type Metadata struct {
	Title         string   `json:"title,omitempty"`
	Description   string   `json:"description,omitempty"`
	Language      string   `json:"language,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	SiteName      string   `json:"siteName,omitempty"`
	Favicon       string   `json:"favicon,omitempty"`
	OGTitle       string   `json:"ogTitle,omitempty"`
	OGDescription string   `json:"ogDescription,omitempty"`
	OGImage       string   `json:"ogImage,omitempty"`
	Canonical     string   `json:"canonical,omitempty"`
	SourceURL     string   `json:"sourceURL"`
	FinalURL      string   `json:"url,omitempty"`
	StatusCode    int      `json:"statusCode,omitempty"`
}

// TransformResult is the bag of requested artifacts for one page.
type TransformResult struct {
	Markdown   string   `json:"markdown,omitempty"`
	HTML       string   `json:"html,omitempty"`
	RawHTML    string   `json:"rawHtml,omitempty"`
	Links      []string `json:"links,omitempty"`
	Metadata   Metadata `json:"metadata"`
	Screenshot *Asset   `json:"screenshot,omitempty"`
	PDF        *Asset   `json:"pdf,omitempty"`
}

// Job is the header row shared by scrape, crawl and batch jobs.
type Job struct {
	ID         string           `json:"id"`
	Kind       JobKind          `json:"kind"`
	UserID     string           `json:"userId"`
	Tier       string           `json:"tier,omitempty"`
	URL        string           `json:"url,omitempty"`
	Options    ScrapeOptions    `json:"options"`
	Crawl      *CrawlOptions    `json:"crawl,omitempty"`
	Status     JobStatus        `json:"status"`
	Result     *TransformResult `json:"result,omitempty"`
	ErrorCode  string           `json:"errorCode,omitempty"`
	Error      string           `json:"error,omitempty"`
	Timings    Timings          `json:"timings"`
	Counts     Counts           `json:"counts"`
	CreatedAt  time.Time        `json:"createdAt"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
}

// PageRecord is a crawl page or batch item.
type PageRecord struct {
	JobID     string           `json:"jobId"`
	Key       string           `json:"key"`
	URL       string           `json:"url"`
	Ordinal   int              `json:"ordinal"`
	Depth     int              `json:"depth"`
	Status    JobStatus        `json:"status"`
	Result    *TransformResult `json:"result,omitempty"`
	ErrorCode string           `json:"errorCode,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timings   Timings          `json:"timings"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// QuotaReservation is returned by the ledger on deduction.
type QuotaReservation struct {
	Source        string `json:"source"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
}

// DeductRequest asks the ledger to charge a billing key.
type DeductRequest struct {
	UserID      string
	BillingKey  string
	ReferenceID string
	Units       int
}

// RefundRequest reverses a prior deduction.
type RefundRequest struct {
	UserID        string
	BillingKey    string
	ReferenceID   string
	Source        string
	TransactionID string
	Amount        int64
}

// QueueItem is the payload carried by the work queue.
type QueueItem struct {
	JobID     string  `json:"jobId"`
	Kind      JobKind `json:"kind"`
	URL       string  `json:"url"`
	Key       string  `json:"key,omitempty"`
	Depth     int     `json:"depth,omitempty"`
	Attempt   int     `json:"attempt"`
	Submitted int64   `json:"submitted"`
}

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	JobID      string    `json:"jobId"`
	Kind       JobKind   `json:"kind"`
	UserID     string    `json:"userId"`
	Status     JobStatus `json:"status"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	Counts     Counts    `json:"counts"`
	FinishedAt time.Time `json:"finishedAt"`
}
