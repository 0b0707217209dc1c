package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/ledger"
	"github.com/JakeFAU/page-acquisition/internal/lifecycle"
	"github.com/JakeFAU/page-acquisition/internal/policy/ssrf"
)

const jobID = "0190f5c6-3b1a-7cde-8f00-123456789abc"

type fakeService struct {
	submitted []lifecycle.SubmitRequest
	submitErr error
	status    lifecycle.Status
	statusErr error
	lastQuery lifecycle.PageQuery
	cancelErr error
	cancelled []string
	panicOn   string
}

func (f *fakeService) Submit(_ context.Context, req lifecycle.SubmitRequest) (lifecycle.SubmitResponse, error) {
	if f.panicOn == "submit" {
		panic("boom")
	}
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return lifecycle.SubmitResponse{}, f.submitErr
	}
	return lifecycle.SubmitResponse{ID: jobID, Status: acquire.StatusPending}, nil
}

func (f *fakeService) GetStatus(_ context.Context, id string, q lifecycle.PageQuery) (lifecycle.Status, error) {
	f.lastQuery = q
	if f.statusErr != nil {
		return lifecycle.Status{}, f.statusErr
	}
	st := f.status
	st.ID = id
	return st, nil
}

func (f *fakeService) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

func newTestServer(svc *fakeService, cfg Config) *Server {
	return NewServer(svc, cfg, nil, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitRoutesSetKind(t *testing.T) {
	t.Parallel()

	cases := map[string]acquire.JobKind{
		"/v1/scrape":       acquire.KindScrape,
		"/v1/crawl":        acquire.KindCrawl,
		"/v1/batch/scrape": acquire.KindBatch,
	}
	for path, kind := range cases {
		t.Run(path, func(t *testing.T) {
			t.Parallel()

			svc := &fakeService{}
			rec := do(t, newTestServer(svc, Config{}), http.MethodPost, path,
				`{"url":"https://example.com/","kind":"batch"}`, map[string]string{"X-User-ID": "u1"})

			require.Equal(t, http.StatusAccepted, rec.Code)
			require.Contains(t, rec.Body.String(), jobID)
			require.Len(t, svc.submitted, 1)
			require.Equal(t, kind, svc.submitted[0].Kind)
			require.Equal(t, "u1", svc.submitted[0].UserID)
		})
	}
}

func TestSubmitRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	rec := do(t, newTestServer(svc, Config{}), http.MethodPost, "/v1/scrape", "{invalid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, svc.submitted)

	rec = do(t, newTestServer(svc, Config{}), http.MethodPost, "/v1/scrape", `{"unknownField":1}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitMapsServiceErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: url is required", lifecycle.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("check: %w: address 169.254.169.254 is not public", ssrf.ErrBlocked), http.StatusForbidden},
		{fmt.Errorf("deduct: %w", ledger.ErrInsufficientQuota), http.StatusPaymentRequired},
		{errors.New("database is down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &fakeService{submitErr: tc.err}
		rec := do(t, newTestServer(svc, Config{}), http.MethodPost, "/v1/scrape", `{"url":"http://169.254.169.254/"}`, nil)
		require.Equal(t, tc.code, rec.Code, tc.err.Error())
		if tc.code == http.StatusInternalServerError {
			require.NotContains(t, rec.Body.String(), "database")
		}
	}
}

func TestGetJobStatusPaging(t *testing.T) {
	t.Parallel()

	svc := &fakeService{status: lifecycle.Status{Kind: acquire.KindCrawl, Status: acquire.StatusProcessing}}
	s := newTestServer(svc, Config{MaxPageSize: 50})

	rec := do(t, s, http.MethodGet, "/v1/jobs/"+jobID+"?offset=10&limit=500", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, lifecycle.PageQuery{Offset: 10, Limit: 50}, svc.lastQuery)

	var body lifecycle.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, jobID, body.ID)
	require.Equal(t, acquire.StatusProcessing, body.Status)

	rec = do(t, s, http.MethodGet, "/v1/jobs/"+jobID+"?offset=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobStatusValidatesID(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	rec := do(t, newTestServer(svc, Config{}), http.MethodGet, "/v1/jobs/not-a-uuid", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobStatusNotFound(t *testing.T) {
	t.Parallel()

	svc := &fakeService{statusErr: fmt.Errorf("get job: %w", acquire.ErrNotFound)}
	rec := do(t, newTestServer(svc, Config{}), http.MethodGet, "/v1/jobs/"+jobID, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	s := newTestServer(svc, Config{})
	rec := do(t, s, http.MethodDelete, "/v1/jobs/"+jobID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "CANCELLED")

	svc.cancelErr = lifecycle.ErrNotCancellable
	rec = do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, []string{jobID, jobID}, svc.cancelled)
}

func TestAPIKeyGuard(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	s := newTestServer(svc, Config{APIKey: "secret"})

	rec := do(t, s, http.MethodPost, "/v1/scrape", `{"url":"https://example.com/"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/scrape", `{"url":"https://example.com/"}`, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/scrape", `{"url":"https://example.com/"}`, map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// probes stay open
	rec = do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	svc := &fakeService{panicOn: "submit"}
	rec := do(t, newTestServer(svc, Config{}), http.MethodPost, "/v1/scrape", `{"url":"https://example.com/"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDPropagated(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeService{}, Config{}), http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "abc"})
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok := NewServer(&fakeService{}, Config{}, map[string]ReadinessCheck{
		"browser": func(context.Context) error { return nil },
	}, zap.NewNop())
	rec := do(t, ok, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(&fakeService{}, Config{}, map[string]ReadinessCheck{
		"database": func(context.Context) error { return errors.New("connection refused") },
	}, zap.NewNop())
	rec = do(t, down, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "database")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeService{}, Config{}), http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
