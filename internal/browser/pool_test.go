package browser

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/pipeline"
)

type stubPage struct {
	pipeline.Page
	navigated string
}

func (s *stubPage) Navigate(_ context.Context, url string) (pipeline.Response, error) {
	s.navigated = url
	return pipeline.Response{StatusCode: http.StatusOK, URL: url}, nil
}

type countingFactory struct {
	opened atomic.Int64
	closed atomic.Int64
	err    error
}

func (f *countingFactory) open(context.Context) (pipeline.Page, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.opened.Add(1)
	return &stubPage{}, func() { f.closed.Add(1) }, nil
}

func TestWithReleasesOnEveryPath(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	pool := NewWithFactory(Config{MaxTabs: 2}, factory.open, nil)

	require.NoError(t, pool.With(context.Background(), func(context.Context, pipeline.Page) error { return nil }))
	require.Equal(t, 0, pool.InUse())

	boom := errors.New("navigation failed")
	err := pool.With(context.Background(), func(context.Context, pipeline.Page) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, pool.InUse())

	require.Panics(t, func() {
		_ = pool.With(context.Background(), func(context.Context, pipeline.Page) error { panic("stage exploded") })
	})
	require.Equal(t, 0, pool.InUse())
	require.Equal(t, int64(3), factory.opened.Load())
	require.Equal(t, int64(3), factory.closed.Load())
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	pool := NewWithFactory(Config{MaxTabs: 1}, factory.open, nil)
	require.Equal(t, 1, pool.Capacity())

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pool.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		second, err := pool.Acquire(context.Background())
		if err == nil {
			second.Release()
		}
		close(acquired)
	}()
	lease.Release()
	lease.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
	require.Equal(t, 0, pool.InUse())
}

func TestAcquireFactoryFailureFreesSlot(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{err: errors.New("chrome exited")}
	pool := NewWithFactory(Config{MaxTabs: 1}, factory.open, nil)

	_, err := pool.Acquire(context.Background())
	require.Error(t, err)
	require.Equal(t, errcode.BrowserError, errcode.Classify(err))
	require.Equal(t, 0, pool.InUse())
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	pool := NewWithFactory(Config{MaxTabs: 1, AcquireTimeout: 20 * time.Millisecond}, factory.open, nil)
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentLeasesNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	pool := NewWithFactory(Config{MaxTabs: 3}, factory.open, nil)

	var (
		wg   sync.WaitGroup
		peak atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.With(context.Background(), func(context.Context, pipeline.Page) error {
				n := int64(pool.InUse())
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int64(3))
	require.Equal(t, 0, pool.InUse())
}

func TestProbeAndClose(t *testing.T) {
	t.Parallel()

	factory := &countingFactory{}
	pool := NewWithFactory(Config{}, factory.open, nil)
	require.Equal(t, 4, pool.Capacity())
	require.NoError(t, pool.Probe(context.Background()))

	pool.Close()
	pool.Close()
	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestResponseMetaTracksMainFrame(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.setMainFrame(cdp.FrameID("main"))
	ready := meta.reset()

	meta.captureEvent(&network.EventResponseReceived{
		FrameID: "child",
		Type:    network.ResourceTypeDocument,
		Response: &network.Response{
			Status: 500,
			URL:    "https://ads.example.net/frame",
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		FrameID: "main",
		Type:    network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/missing",
			Headers: network.Headers{"Set-Cookie": "a=1\nb=2"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://example.com/req", "")
	require.Equal(t, 404, status)
	require.Equal(t, "https://example.com/missing", url)
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))

	meta.captureEvent(&page.EventLifecycleEvent{FrameID: "child", Name: "DOMContentLoaded"})
	select {
	case <-ready:
		t.Fatal("child frame must not signal readiness")
	default:
	}
	meta.captureEvent(&page.EventLifecycleEvent{FrameID: "main", Name: "DOMContentLoaded"})
	<-ready

	idle := meta.idle()
	meta.captureEvent(&page.EventLifecycleEvent{FrameID: "main", Name: "networkIdle"})
	<-idle
	meta.captureEvent(&page.EventLifecycleEvent{FrameID: "main", Name: "init"})
	select {
	case <-meta.idle():
		t.Fatal("a new document must reset network idle")
	default:
	}
}

func TestSnapshotFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	status, headers, url := meta.snapshotWithFallbacks("https://example.com/req", "")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, headers)
	require.Equal(t, "https://example.com/req", url)

	_, _, url = meta.snapshotWithFallbacks("https://example.com/req", "https://example.com/final")
	require.Equal(t, "https://example.com/final", url)
}

func TestHeadersAndKeys(t *testing.T) {
	t.Parallel()

	headers := toNetworkHeaders(http.Header{"Accept-Language": {"en", "de"}, "Empty": nil})
	require.Equal(t, "en, de", headers["Accept-Language"])
	require.NotContains(t, headers, "Empty")

	require.Equal(t, "\r", keyFor("Enter"))
	require.Equal(t, "x", keyFor("x"))
}
