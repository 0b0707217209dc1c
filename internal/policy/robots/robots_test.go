package robots

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func robotsServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckerRespectsDisallow(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private\nCrawl-delay: 2\n", &hits)
	c := New(Config{}, srv.Client(), zap.NewNop())
	ctx := context.Background()

	ok, err := c.Allowed(ctx, srv.URL+"/blog/post")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Allowed(ctx, srv.URL+"/private/area")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 2*time.Second, c.CrawlDelay(ctx, srv.URL+"/"))
	require.Equal(t, int32(1), hits.Load(), "robots.txt is cached per origin")
}

func TestCheckerUserAgentGroup(t *testing.T) {
	t.Parallel()

	srv := robotsServer(t, http.StatusOK, "User-agent: PageAcquisitionBot\nDisallow: /\n\nUser-agent: *\nAllow: /\n", nil)
	c := New(Config{}, srv.Client(), nil)

	ok, err := c.Allowed(context.Background(), srv.URL+"/anything")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckerStatusHandling(t *testing.T) {
	t.Parallel()

	missing := robotsServer(t, http.StatusNotFound, "", nil)
	ok, err := New(Config{}, missing.Client(), nil).Allowed(context.Background(), missing.URL+"/x")
	require.NoError(t, err)
	require.True(t, ok)

	broken := robotsServer(t, http.StatusServiceUnavailable, "", nil)
	ok, err = New(Config{}, broken.Client(), nil).Allowed(context.Background(), broken.URL+"/x")
	require.NoError(t, err)
	require.False(t, ok)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, timeoutErr{}
	}
	return f.next.RoundTrip(req)
}

func TestCheckerRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	srv := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /\n", nil)
	transport := &flakyTransport{failures: 2, next: srv.Client().Transport}
	c := New(Config{}, &http.Client{Transport: transport}, nil)
	c.backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	ok, err := c.Allowed(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int32(3), transport.calls.Load())
}

func TestCheckerAllowsAllWhenUnreachable(t *testing.T) {
	t.Parallel()

	transport := &flakyTransport{failures: 100}
	c := New(Config{}, &http.Client{Transport: transport}, nil)
	c.backoff = []time.Duration{time.Millisecond}

	ok, err := c.Allowed(context.Background(), "https://down.example.com/page")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(2), transport.calls.Load())
}

func TestCheckerCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Config{}, &http.Client{Transport: &flakyTransport{failures: 100}}, nil)

	_, err := c.Allowed(ctx, "https://down.example.com/page")
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}
