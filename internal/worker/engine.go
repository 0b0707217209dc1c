package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/browser"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/pipeline"
	"github.com/JakeFAU/page-acquisition/internal/transform"
)

// Browser leases a page for the duration of fn.
type Browser interface {
	With(ctx context.Context, fn func(ctx context.Context, page pipeline.Page) error) error
}

// Runner drives the page stages.
type Runner interface {
	Run(ctx context.Context, page pipeline.Page, req pipeline.Request) (pipeline.Snapshot, error)
}

// Transformer turns a rendered snapshot into the requested artifacts.
type Transformer interface {
	Transform(ctx context.Context, in transform.Input) (acquire.TransformResult, error)
}

// PageRequest is one page to acquire.
type PageRequest struct {
	JobID   string
	Key     string
	URL     string
	Tier    string
	Options acquire.ScrapeOptions
}

// PageOutcome is the result of AcquirePage. Exactly one of Result or ErrorCode is set
// unless Abort is non-nil.
type PageOutcome struct {
	Result    *acquire.TransformResult
	Timings   acquire.Timings
	ErrorCode errcode.Code
	Error     string
	Links     []string
	FinalURL  string
	// Abort is set when the page could not be attempted because the worker is shutting down.
	// The delivery should go back to the queue.
	Abort error
}

// Failed reports whether the page ended in a recorded failure.
func (o PageOutcome) Failed() bool {
	return o.ErrorCode != ""
}

// Engine is the per-page primitive shared by the scrape, crawl and batch orchestrators.
type Engine struct {
	browser     Browser
	pipeline    Runner
	transformer Transformer
	policy      acquire.URLPolicy
	logger      *zap.Logger
}

// NewEngine builds an Engine. policy may be nil.
func NewEngine(b Browser, p Runner, t Transformer, policy acquire.URLPolicy, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{browser: b, pipeline: p, transformer: t, policy: policy, logger: logger.Named("engine")}
}

// AcquirePage checks the URL policy, runs the page stages on a leased tab and transforms the
// snapshot. Page-level failures are classified into the outcome, never returned.
func (e *Engine) AcquirePage(ctx context.Context, req PageRequest) PageOutcome {
	start := time.Now()
	var out PageOutcome

	if e.policy != nil {
		if err := e.policy.Check(ctx, req.URL); err != nil {
			return e.fail(req, out, errcode.Wrap(errcode.AccessDenied, err), start)
		}
	}

	var snap pipeline.Snapshot
	err := e.browser.With(ctx, func(ctx context.Context, page pipeline.Page) error {
		var runErr error
		snap, runErr = e.pipeline.Run(ctx, page, pipeline.Request{
			JobID:   req.JobID,
			Key:     req.Key,
			URL:     req.URL,
			Tier:    req.Tier,
			Options: req.Options,
		})
		return runErr
	})
	out.Timings = snap.Timings
	out.FinalURL = snap.FinalURL
	if err != nil {
		if errors.Is(err, browser.ErrClosed) || errors.Is(ctx.Err(), context.Canceled) {
			out.Abort = errcode.Infrastructure(fmt.Errorf("acquire %s: %w", req.URL, err))
			return out
		}
		return e.fail(req, out, err, start)
	}

	transformStart := time.Now()
	result, err := e.transformer.Transform(ctx, transform.Input{
		HTML:       snap.HTML,
		URL:        req.URL,
		FinalURL:   snap.FinalURL,
		StatusCode: snap.StatusCode,
		LiveLinks:  snap.Links,
		Options:    req.Options,
	})
	out.Timings.TransformMs = time.Since(transformStart).Milliseconds()
	if err != nil {
		return e.fail(req, out, fmt.Errorf("transform: %w", err), start)
	}
	result.Screenshot = snap.Screenshot
	result.PDF = snap.PDF

	out.Links = result.Links
	if len(out.Links) == 0 {
		out.Links = snap.Links
	}
	out.Result = &result
	out.Timings.TotalMs = time.Since(start).Milliseconds()
	return out
}

func (e *Engine) fail(req PageRequest, out PageOutcome, err error, start time.Time) PageOutcome {
	out.ErrorCode = errcode.Classify(err)
	out.Error = err.Error()
	out.Result = nil
	out.Links = nil
	out.Timings.TotalMs = time.Since(start).Milliseconds()
	e.logger.Info("page failed",
		zap.String("job_id", req.JobID),
		zap.String("url", req.URL),
		zap.String("error_code", string(out.ErrorCode)),
		zap.Error(err),
	)
	return out
}
