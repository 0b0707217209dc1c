package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/id/uuid"
	"github.com/JakeFAU/page-acquisition/internal/ledger"
	"github.com/JakeFAU/page-acquisition/internal/lifecycle"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
	"github.com/JakeFAU/page-acquisition/internal/policy/ssrf"
)

// Service is the job lifecycle the HTTP layer adapts.
type Service interface {
	Submit(ctx context.Context, req lifecycle.SubmitRequest) (lifecycle.SubmitResponse, error)
	GetStatus(ctx context.Context, jobID string, q lifecycle.PageQuery) (lifecycle.Status, error)
	Cancel(ctx context.Context, jobID string) error
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Config controls the HTTP surface.
type Config struct {
	// APIKey enables the api-key guard when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// MaxPageSize caps the limit query parameter of status requests.
	MaxPageSize int
}

// Server wires HTTP handlers to the lifecycle coordinator.
type Server struct {
	router  chi.Router
	service Service
	checks  map[string]ReadinessCheck
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil service serves only the
// health and metrics endpoints.
func NewServer(service Service, cfg Config, checks map[string]ReadinessCheck, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	s := &Server{
		service: service,
		checks:  checks,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	if service == nil {
		s.router = r
		return s
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/scrape", s.submit(acquire.KindScrape))
		r.Post("/crawl", s.submit(acquire.KindCrawl))
		r.Post("/batch/scrape", s.submit(acquire.KindBatch))
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJobStatus)
			r.Delete("/", s.cancelJob)
			r.Post("/cancel", s.cancelJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submit(kind acquire.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req lifecycle.SubmitRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		req.Kind = kind
		if req.UserID == "" {
			req.UserID = r.Header.Get("X-User-ID")
		}

		resp, err := s.service.Submit(r.Context(), req)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	q, err := s.pageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.service.GetStatus(r.Context(), jobID, q)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := s.service.Cancel(r.Context(), jobID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": string(acquire.StatusCancelled)})
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return "", false
	}
	return jobID, true
}

func (s *Server) pageQuery(r *http.Request) (lifecycle.PageQuery, error) {
	q := lifecycle.PageQuery{Limit: s.cfg.MaxPageSize}
	values := r.URL.Query()
	if raw := values.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = min(n, s.cfg.MaxPageSize)
	}
	return q, nil
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidRequest), errors.Is(err, errcode.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, ssrf.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientQuota):
		return http.StatusPaymentRequired
	case errors.Is(err, acquire.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
