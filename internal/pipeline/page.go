package pipeline

import (
	"context"
	"net/http"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// Response describes the main document response observed during navigation.
type Response struct {
	StatusCode int
	URL        string
	Headers    http.Header
}

// Page is a live browser tab owned by exactly one acquisition.
type Page interface {
	SetViewport(ctx context.Context, vp acquire.Viewport) error
	SetExtraHeaders(ctx context.Context, headers http.Header) error
	EmulateDarkMode(ctx context.Context) error
	// Navigate loads url and returns once DOMContentLoaded fired.
	Navigate(ctx context.Context, url string) (Response, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Press(ctx context.Context, key string) error
	WaitVisible(ctx context.Context, selector string) error
	WaitNetworkIdle(ctx context.Context) error
	Evaluate(ctx context.Context, script string) error
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	// Links returns the resolved href of every anchor in the live DOM.
	Links(ctx context.Context) ([]string, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	PDF(ctx context.Context) ([]byte, error)
}
