// Package pipeline runs the ordered per-page browser stages: configure, navigate, act,
// wait, hide and capture.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
)

// Config controls pipeline defaults.
type Config struct {
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	WaitTimeout       time.Duration
	AssetPrefix       string
	// Expiry maps a user tier to the lifetime of uploaded assets.
	Expiry        map[string]time.Duration
	DefaultExpiry time.Duration
}

// Request is one page acquisition.
type Request struct {
	JobID   string
	Key     string
	URL     string
	Tier    string
	Options acquire.ScrapeOptions
}

// Snapshot is what the stages extracted from the live page.
type Snapshot struct {
	HTML       string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Links      []string
	Screenshot *acquire.Asset
	PDF        *acquire.Asset
	Timings    acquire.Timings
}

// Stage is one ordered, independently failable operation on a live page.
type Stage interface {
	Name() string
	Run(ctx context.Context, st *State) error
}

// State is threaded through the stages of one run.
type State struct {
	Page     Page
	Request  Request
	Snapshot Snapshot
}

// Pipeline executes the stage list against a page.
type Pipeline struct {
	cfg    Config
	sink   acquire.BlobSink
	policy acquire.URLPolicy
	clock  acquire.Clock
	stages []Stage
	logger *zap.Logger
}

// New builds the default stage list. policy re-checks the post-redirect URL and may be nil.
func New(cfg Config, sink acquire.BlobSink, policy acquire.URLPolicy, clock acquire.Clock, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 15 * time.Second
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = 24 * time.Hour
	}
	p := &Pipeline{cfg: cfg, sink: sink, policy: policy, clock: clock, logger: logger}
	p.stages = []Stage{
		configureStage{},
		navigateStage{p: p},
		actStage{p: p},
		waitStage{p: p},
		snapshotStage{p: p},
		hideStage{},
		captureStage{p: p},
	}
	return p
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Run executes every stage in order and stops at the first failure.
func (p *Pipeline) Run(ctx context.Context, page Page, req Request) (Snapshot, error) {
	st := &State{Page: page, Request: req}
	for _, stage := range p.stages {
		start := time.Now()
		err := stage.Run(ctx, st)
		elapsed := time.Since(start)
		metrics.ObserveStage(stage.Name(), elapsed, err)
		switch stage.Name() {
		case stageNavigate:
			st.Snapshot.Timings.FetchMs += elapsed.Milliseconds()
		case stageCapture:
			// capture splits its own time between screenshotMs and pdfMs
		default:
			st.Snapshot.Timings.RenderMs += elapsed.Milliseconds()
		}
		if err != nil {
			p.logger.Debug("pipeline stage failed",
				zap.String("job_id", req.JobID),
				zap.String("url", req.URL),
				zap.String("stage", stage.Name()),
				zap.Error(err),
			)
			return st.Snapshot, fmt.Errorf("%s stage: %w", stage.Name(), err)
		}
	}
	return st.Snapshot, nil
}

func (p *Pipeline) expiry(tier string) time.Duration {
	if d, ok := p.cfg.Expiry[tier]; ok && d > 0 {
		return d
	}
	return p.cfg.DefaultExpiry
}

func (p *Pipeline) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// withSelectorTimeout runs fn under timeout and reports a missed deadline as SELECTOR_NOT_FOUND.
func withSelectorTimeout(ctx context.Context, timeout time.Duration, selector string, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(stepCtx)
	if err == nil {
		return nil
	}
	if stepCtx.Err() != nil && ctx.Err() == nil {
		return errcode.Wrap(errcode.SelectorNotFound, fmt.Errorf("selector %q not found within %s", selector, timeout))
	}
	return err
}
