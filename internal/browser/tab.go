package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/pipeline"
)

const linksScript = `Array.from(document.querySelectorAll("a[href]"), (a) => a.href)`

// Tab is one chromedp target. It implements pipeline.Page.
type Tab struct {
	ctx  context.Context
	meta *responseMeta
}

var _ pipeline.Page = (*Tab)(nil)

func newTab(tabCtx context.Context) (*Tab, error) {
	t := &Tab{ctx: tabCtx, meta: newResponseMeta()}
	chromedp.ListenTarget(tabCtx, t.meta.captureEvent)
	err := chromedp.Run(tabCtx,
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
	)
	if err != nil {
		return nil, fmt.Errorf("enable tab domains: %w", err)
	}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		// the main frame shares its id with the target
		t.meta.setMainFrame(cdp.FrameID(c.Target.TargetID))
	}
	return t, nil
}

// run executes actions on the tab, bounded by the caller's ctx.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return err
	}
	return nil
}

// SetViewport applies device metrics, touch emulation and the user agent.
func (t *Tab) SetViewport(ctx context.Context, vp acquire.Viewport) error {
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		err := emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), vp.DeviceScaleFactor, vp.Mobile).Do(ctx)
		if err != nil {
			return fmt.Errorf("set device metrics: %w", err)
		}
		if vp.Mobile {
			if err := emulation.SetTouchEmulationEnabled(true).Do(ctx); err != nil {
				return fmt.Errorf("enable touch: %w", err)
			}
		}
		if vp.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(vp.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	}))
}

// SetExtraHeaders sends headers with every request of the tab.
func (t *Tab) SetExtraHeaders(ctx context.Context, headers http.Header) error {
	return t.run(ctx, network.SetExtraHTTPHeaders(toNetworkHeaders(headers)))
}

// EmulateDarkMode sets prefers-color-scheme: dark.
func (t *Tab) EmulateDarkMode(ctx context.Context) error {
	return t.run(ctx, emulation.SetEmulatedMedia().WithFeatures([]*emulation.MediaFeature{
		{Name: "prefers-color-scheme", Value: "dark"},
	}))
}

// Navigate returns once DOMContentLoaded fired for the new document, without waiting for load.
func (t *Tab) Navigate(ctx context.Context, url string) (pipeline.Response, error) {
	ready := t.meta.reset()

	navCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- t.run(navCtx, chromedp.Navigate(url))
	}()

	var err error
	select {
	case err = <-done:
	case <-ready:
		cancel()
		err = <-done
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = nil
		}
	case <-ctx.Done():
		cancel()
		<-done
		err = ctx.Err()
	}
	if err != nil {
		return pipeline.Response{}, fmt.Errorf("navigate: %w", err)
	}

	var location string
	_ = t.run(ctx, chromedp.Location(&location))
	status, headers, finalURL := t.meta.snapshotWithFallbacks(url, location)
	return pipeline.Response{StatusCode: status, URL: finalURL, Headers: headers}, nil
}

// Click waits for selector to be visible and clicks it.
func (t *Tab) Click(ctx context.Context, selector string) error {
	return t.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// Type focuses selector and sends text as key events.
func (t *Tab) Type(ctx context.Context, selector, text string) error {
	return t.run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

// Press sends a named key such as Enter or ArrowDown.
func (t *Tab) Press(ctx context.Context, key string) error {
	return t.run(ctx, chromedp.KeyEvent(keyFor(key)))
}

// WaitVisible blocks until selector matches a visible node.
func (t *Tab) WaitVisible(ctx context.Context, selector string) error {
	return t.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// WaitNetworkIdle blocks until Chrome reports networkIdle for the current document.
func (t *Tab) WaitNetworkIdle(ctx context.Context) error {
	select {
	case <-t.meta.idle():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait network idle: %w", ctx.Err())
	}
}

// Evaluate runs script and discards its result.
func (t *Tab) Evaluate(ctx context.Context, script string) error {
	return t.run(ctx, chromedp.Evaluate(script, nil))
}

// HTML returns the serialized document.
func (t *Tab) HTML(ctx context.Context) (string, error) {
	var html string
	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Location returns the current document URL.
func (t *Tab) Location(ctx context.Context) (string, error) {
	var location string
	if err := t.run(ctx, chromedp.Location(&location)); err != nil {
		return "", err
	}
	return location, nil
}

// Links returns every anchor href as resolved by the browser.
func (t *Tab) Links(ctx context.Context) ([]string, error) {
	var links []string
	if err := t.run(ctx, chromedp.Evaluate(linksScript, &links)); err != nil {
		return nil, err
	}
	return links, nil
}

// Screenshot captures a PNG of the viewport or of the whole page.
func (t *Tab) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := t.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

// PDF prints the page with backgrounds.
func (t *Tab) PDF(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"home":       kb.Home,
	"end":        kb.End,
	"space":      " ",
}

func keyFor(name string) string {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k
	}
	return name
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}

// responseMeta tracks the main document response and lifecycle of one tab.
type responseMeta struct {
	mu        sync.Mutex
	mainFrame cdp.FrameID
	status    int
	headers   http.Header
	url       string
	domReady  chan struct{}
	readyDone bool
	idleCh    chan struct{}
	idleDone  bool
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers:  http.Header{},
		domReady: make(chan struct{}),
		idleCh:   make(chan struct{}),
	}
}

func (m *responseMeta) setMainFrame(id cdp.FrameID) {
	m.mu.Lock()
	m.mainFrame = id
	m.mu.Unlock()
}

// reset forgets the previous document and returns the channel closed on DOMContentLoaded.
func (m *responseMeta) reset() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = 0
	m.url = ""
	m.headers = http.Header{}
	m.resetLifecycleLocked()
	return m.domReady
}

func (m *responseMeta) resetLifecycleLocked() {
	if m.readyDone {
		m.domReady = make(chan struct{})
		m.readyDone = false
	}
	if m.idleDone {
		m.idleCh = make(chan struct{})
		m.idleDone = false
	}
}

func (m *responseMeta) idle() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleCh
}

func (m *responseMeta) isMain(frame cdp.FrameID) bool {
	return m.mainFrame == "" || frame == m.mainFrame
}

func (m *responseMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		m.capture(e)
	case *page.EventLifecycleEvent:
		m.lifecycle(e)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			// Chrome folds repeated headers into one newline-separated value
			for _, entry := range strings.Split(v, "\n") {
				headers.Add(key, entry)
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isMain(event.FrameID) {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) lifecycle(event *page.EventLifecycleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isMain(event.FrameID) {
		return
	}
	switch event.Name {
	case "init":
		m.resetLifecycleLocked()
	case "DOMContentLoaded":
		if !m.readyDone {
			close(m.domReady)
			m.readyDone = true
		}
	case "networkIdle":
		if !m.idleDone {
			close(m.idleCh)
			m.idleDone = true
		}
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.Lock()
	status, url := m.status, m.url
	headers := m.headers.Clone()
	m.mu.Unlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
