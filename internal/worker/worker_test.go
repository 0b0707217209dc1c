package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/frontier"
	notifymemory "github.com/JakeFAU/page-acquisition/internal/notify/memory"
	"github.com/JakeFAU/page-acquisition/internal/pipeline"
	"github.com/JakeFAU/page-acquisition/internal/queue"
	queuememory "github.com/JakeFAU/page-acquisition/internal/queue/memory"
	storagememory "github.com/JakeFAU/page-acquisition/internal/storage/memory"
	"github.com/JakeFAU/page-acquisition/internal/transform"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeBrowser struct{}

func (fakeBrowser) With(ctx context.Context, fn func(ctx context.Context, page pipeline.Page) error) error {
	return fn(ctx, nil)
}

// fakeRunner serves canned snapshots keyed by URL. Unknown URLs fail with a DNS error.
type fakeRunner struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (r *fakeRunner) Run(_ context.Context, _ pipeline.Page, req pipeline.Request) (pipeline.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.URL)
	html, ok := r.pages[req.URL]
	if !ok {
		return pipeline.Snapshot{}, errors.New("page.navigate: net::ERR_NAME_NOT_RESOLVED")
	}
	return pipeline.Snapshot{HTML: html, FinalURL: req.URL, StatusCode: 200}, nil
}

func (r *fakeRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type harness struct {
	worker   *Worker
	store    *storagememory.JobStore
	queue    *queuememory.Queue
	runner   *fakeRunner
	notifier *notifymemory.Notifier
	seen     *frontier.MemoryStore
	frontier *frontier.Controller
}

func newHarness(t *testing.T, pages map[string]string) *harness {
	t.Helper()
	h := &harness{
		store:    storagememory.NewJobStore(),
		queue:    queuememory.NewQueue(64, queue.DefaultRetryPolicy(), zap.NewNop()),
		runner:   &fakeRunner{pages: pages},
		notifier: notifymemory.New(),
		seen:     frontier.NewMemoryStore(),
	}
	t.Cleanup(h.queue.Close)
	h.frontier = frontier.New(h.seen, nil, nil, zap.NewNop())
	engine := NewEngine(fakeBrowser{}, h.runner, transform.New(transform.Config{}, zap.NewNop()), nil, zap.NewNop())
	w, err := New(Config{JobTimeout: 5 * time.Second}, Deps{
		Queue:    h.queue,
		Store:    h.store,
		Engine:   engine,
		Frontier: h.frontier,
		Notifier: h.notifier,
		Clock:    fixedClock{t: time.Unix(1700000000, 0).UTC()},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	h.worker = w
	return h
}

// drain handles deliveries until the queue stays empty for a short while.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		d, err := h.queue.Dequeue(ctx)
		cancel()
		if err != nil {
			return
		}
		h.worker.Handle(context.Background(), d)
	}
}

func TestScrapeDNSFailureRecordsNetworkError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	job := acquire.Job{
		ID: "job-1", Kind: acquire.KindScrape, UserID: "u1", URL: "https://no-such-host.invalid/",
		Status: acquire.StatusPending, Options: acquire.ScrapeOptions{Formats: []acquire.Format{acquire.FormatMarkdown}},
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	require.NoError(t, h.queue.Enqueue(ctx, acquire.QueueItem{JobID: job.ID, Kind: acquire.KindScrape, URL: job.URL}))

	h.drain(t)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, acquire.StatusFailed, got.Status)
	require.Equal(t, string(errcode.NetworkError), got.ErrorCode)
	require.Contains(t, got.Error, "ERR_NAME_NOT_RESOLVED")
	require.Nil(t, got.Result)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	events := h.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, acquire.StatusFailed, events[0].Status)
	require.Equal(t, string(errcode.NetworkError), events[0].ErrorCode)
}

func TestScrapeCompletesWithResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{
		"https://example.com/": `<html><head><title>Example</title></head><body><main><h1>Hello</h1><p>World</p></main></body></html>`,
	})
	ctx := context.Background()
	job := acquire.Job{ID: "job-1", Kind: acquire.KindScrape, URL: "https://example.com/", Status: acquire.StatusPending}
	require.NoError(t, h.store.CreateJob(ctx, job))
	require.NoError(t, h.queue.Enqueue(ctx, acquire.QueueItem{JobID: job.ID, Kind: acquire.KindScrape, URL: job.URL}))

	h.drain(t)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, acquire.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	require.Contains(t, got.Result.Markdown, "Hello")
	require.Equal(t, "Example", got.Result.Metadata.Title)
	require.Empty(t, got.ErrorCode)
}

func TestScrapeSkipsCancelledJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	job := acquire.Job{ID: "job-1", Kind: acquire.KindScrape, URL: "https://example.com/", Status: acquire.StatusCancelled}
	require.NoError(t, h.store.CreateJob(ctx, job))
	require.NoError(t, h.queue.Enqueue(ctx, acquire.QueueItem{JobID: job.ID, Kind: acquire.KindScrape, URL: job.URL}))

	h.drain(t)

	require.Empty(t, h.runner.Calls())
	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, acquire.StatusCancelled, got.Status)
}

func blogSite() map[string]string {
	var seed strings.Builder
	seed.WriteString(`<html><body><main><h1>Home</h1>`)
	for i := 1; i <= 7; i++ {
		fmt.Fprintf(&seed, `<a href="/blog/%d">post %d</a>`, i, i)
	}
	seed.WriteString(`<a href="/about">about</a><a href="https://other.example/blog/x">external</a></main></body></html>`)

	pages := map[string]string{"https://example.com/": seed.String()}
	for i := 1; i <= 7; i++ {
		pages[fmt.Sprintf("https://example.com/blog/%d", i)] = fmt.Sprintf(
			`<html><body><main><h1>Post %d</h1><a href="/blog/%d/comments">comments</a></main></body></html>`, i, i)
	}
	return pages
}

func TestCrawlHonorsDepthLimitAndIncludePaths(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blogSite())
	ctx := context.Background()
	job := acquire.Job{
		ID: "job-1", Kind: acquire.KindCrawl, URL: "https://example.com/", Status: acquire.StatusPending,
		Crawl:  &acquire.CrawlOptions{MaxDepth: 1, Limit: 5, IncludePaths: []string{"^/blog"}},
		Counts: acquire.Counts{Total: 1},
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	seed, err := h.frontier.Seed(ctx, job.ID, job.URL, job.Crawl.Limit)
	require.NoError(t, err)
	require.NoError(t, h.store.UpsertPage(ctx, acquire.PageRecord{
		JobID: job.ID, Key: seed.Key, URL: seed.URL, Status: acquire.StatusPending,
	}))
	require.NoError(t, h.queue.Enqueue(ctx, acquire.QueueItem{
		JobID: job.ID, Kind: acquire.KindCrawl, URL: seed.URL, Key: seed.Key,
	}))

	h.drain(t)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, acquire.StatusCompleted, got.Status)
	require.Equal(t, acquire.Counts{Total: 5, Completed: 5}, got.Counts)
	require.NotNil(t, got.FinishedAt)

	pages, err := h.store.ListPages(ctx, job.ID, acquire.PageFilter{})
	require.NoError(t, err)
	require.Len(t, pages, 5)
	for _, p := range pages {
		require.Equal(t, acquire.StatusCompleted, p.Status, p.URL)
		require.LessOrEqual(t, p.Depth, 1)
		if p.Depth == 1 {
			require.True(t, strings.HasPrefix(p.URL, "https://example.com/blog/"), p.URL)
		}
		// links were not requested, so they are used for discovery only
		require.Empty(t, p.Result.Links)
	}
	require.Len(t, h.runner.Calls(), 5)
	require.Equal(t, 5, h.seen.Len(job.ID))

	events := h.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, acquire.StatusCompleted, events[0].Status)
}

func TestCrawlCountsFailedPagesAndStillCompletes(t *testing.T) {
	t.Parallel()

	site := blogSite()
	delete(site, "https://example.com/blog/2")
	h := newHarness(t, site)
	ctx := context.Background()
	job := acquire.Job{
		ID: "job-1", Kind: acquire.KindCrawl, URL: "https://example.com/", Status: acquire.StatusPending,
		Crawl:  &acquire.CrawlOptions{MaxDepth: 1, Limit: 3, IncludePaths: []string{"^/blog"}},
		Counts: acquire.Counts{Total: 1},
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	seed, err := h.frontier.Seed(ctx, job.ID, job.URL, job.Crawl.Limit)
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, acquire.QueueItem{JobID: job.ID, Kind: acquire.KindCrawl, URL: seed.URL, Key: seed.Key}))

	h.drain(t)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, acquire.StatusCompleted, got.Status)
	require.Equal(t, acquire.Counts{Total: 3, Completed: 2, Failed: 1}, got.Counts)

	failed, err := h.store.GetPage(ctx, job.ID, "https://example.com/blog/2")
	require.NoError(t, err)
	require.Equal(t, acquire.StatusFailed, failed.Status)
	require.Equal(t, string(errcode.NetworkError), failed.ErrorCode)
	require.Nil(t, failed.Result)
}

func TestCrawlPageSkippedAfterCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blogSite())
	ctx := context.Background()
	job := acquire.Job{
		ID: "job-1", Kind: acquire.KindCrawl, URL: "https://example.com/", Status: acquire.StatusCancelled,
		Crawl: &acquire.CrawlOptions{MaxDepth: 1, Limit: 5}, Counts: acquire.Counts{Total: 1},
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	require.NoError(t, h.queue.Enqueue(ctx, acquire.QueueItem{JobID: job.ID, Kind: acquire.KindCrawl, URL: job.URL, Key: job.URL}))

	h.drain(t)

	require.Empty(t, h.runner.Calls())
	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, acquire.StatusCancelled, got.Status)
	require.Equal(t, acquire.Counts{Total: 1}, got.Counts)
}

func TestCrawlPageDeduplicatesTerminalPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blogSite())
	ctx := context.Background()
	job := acquire.Job{
		ID: "job-1", Kind: acquire.KindCrawl, URL: "https://example.com/", Status: acquire.StatusProcessing,
		Crawl: &acquire.CrawlOptions{MaxDepth: 1, Limit: 5}, Counts: acquire.Counts{Total: 2, Completed: 1},
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	require.NoError(t, h.store.UpsertPage(ctx, acquire.PageRecord{
		JobID: job.ID, Key: "https://example.com/blog/1", URL: "https://example.com/blog/1", Depth: 1,
		Status: acquire.StatusCompleted,
	}))
	require.NoError(t, h.queue.Enqueue(ctx, acquire.QueueItem{
		JobID: job.ID, Kind: acquire.KindCrawl, URL: "https://example.com/blog/1", Key: "https://example.com/blog/1", Depth: 1,
	}))

	h.drain(t)

	require.Empty(t, h.runner.Calls())
	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, acquire.Counts{Total: 2, Completed: 1}, got.Counts)
}

type robotsStub struct{ disallow string }

func (r robotsStub) Allowed(_ context.Context, rawURL string) (bool, error) {
	return !strings.Contains(rawURL, r.disallow), nil
}

func (robotsStub) CrawlDelay(context.Context, string) time.Duration { return 0 }

func TestCrawlRobotsDisallowedPageFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, blogSite())
	h.worker.deps.Robots = robotsStub{disallow: "/blog/1"}
	ctx := context.Background()
	job := acquire.Job{
		ID: "job-1", Kind: acquire.KindCrawl, URL: "https://example.com/", Status: acquire.StatusPending,
		Crawl:  &acquire.CrawlOptions{MaxDepth: 1, Limit: 2, IncludePaths: []string{"^/blog"}},
		Counts: acquire.Counts{Total: 1},
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	seed, err := h.frontier.Seed(ctx, job.ID, job.URL, job.Crawl.Limit)
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, acquire.QueueItem{JobID: job.ID, Kind: acquire.KindCrawl, URL: seed.URL, Key: seed.Key}))

	h.drain(t)

	page, err := h.store.GetPage(ctx, job.ID, "https://example.com/blog/1")
	require.NoError(t, err)
	require.Equal(t, acquire.StatusFailed, page.Status)
	require.Equal(t, string(errcode.AccessDenied), page.ErrorCode)
	require.NotContains(t, h.runner.Calls(), "https://example.com/blog/1")

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, acquire.StatusCompleted, got.Status)
	require.Equal(t, acquire.Counts{Total: 2, Completed: 1, Failed: 1}, got.Counts)
}

func TestBatchItemsCompleteIndependently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{
		"https://a.example/": `<html><body><main><p>A</p></main></body></html>`,
	})
	ctx := context.Background()
	job := acquire.Job{ID: "job-1", Kind: acquire.KindBatch, Status: acquire.StatusPending, Counts: acquire.Counts{Total: 2}}
	require.NoError(t, h.store.CreateJob(ctx, job))
	for i, target := range []string{"https://a.example/", "https://b.invalid/"} {
		key := fmt.Sprintf("%06d", i)
		require.NoError(t, h.store.UpsertPage(ctx, acquire.PageRecord{
			JobID: job.ID, Key: key, URL: target, Ordinal: i, Status: acquire.StatusPending,
		}))
		require.NoError(t, h.queue.Enqueue(ctx, acquire.QueueItem{JobID: job.ID, Kind: acquire.KindBatch, URL: target, Key: key}))
	}

	h.drain(t)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, acquire.StatusCompleted, got.Status)
	require.Equal(t, acquire.Counts{Total: 2, Completed: 1, Failed: 1}, got.Counts)

	pages, err := h.store.ListPages(ctx, job.ID, acquire.PageFilter{})
	require.NoError(t, err)
	require.Equal(t, acquire.StatusCompleted, pages[0].Status)
	require.Equal(t, acquire.StatusFailed, pages[1].Status)
	require.Equal(t, string(errcode.NetworkError), pages[1].ErrorCode)
}

type abortingEngine struct{}

func (abortingEngine) AcquirePage(context.Context, PageRequest) PageOutcome {
	return PageOutcome{Abort: errcode.Infrastructure(errors.New("browser pool closed"))}
}

type recordingDelivery struct {
	item   acquire.QueueItem
	acked  bool
	nacked error
}

func (d *recordingDelivery) Item() acquire.QueueItem { return d.item }
func (d *recordingDelivery) Ack()                    { d.acked = true }
func (d *recordingDelivery) Nack(err error)          { d.nacked = err }

func TestHandleNacksInfrastructureFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.worker.deps.Engine = abortingEngine{}
	ctx := context.Background()
	job := acquire.Job{ID: "job-1", Kind: acquire.KindScrape, URL: "https://example.com/", Status: acquire.StatusPending}
	require.NoError(t, h.store.CreateJob(ctx, job))

	d := &recordingDelivery{item: acquire.QueueItem{JobID: job.ID, Kind: acquire.KindScrape, URL: job.URL}}
	h.worker.Handle(ctx, d)

	require.False(t, d.acked)
	require.Error(t, d.nacked)
	require.True(t, errcode.IsInfrastructure(d.nacked))
	require.Empty(t, h.notifier.Events())
}

func TestHandleAcksUnknownJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	d := &recordingDelivery{item: acquire.QueueItem{JobID: "gone", Kind: acquire.KindScrape, URL: "https://example.com/"}}
	h.worker.Handle(context.Background(), d)

	require.True(t, d.acked)
	require.NoError(t, d.nacked)
	require.Empty(t, h.runner.Calls())
}

func TestRunReturnsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(context.Background()) }()
	h.queue.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after queue close")
	}
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
