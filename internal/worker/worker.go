// Package worker consumes queue deliveries and runs the scrape, crawl-page and batch-item
// orchestrators on top of the shared page Engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/frontier"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
)

const tracerName = "github.com/JakeFAU/page-acquisition/internal/worker"

// PageAcquirer is the per-page primitive.
type PageAcquirer interface {
	AcquirePage(ctx context.Context, req PageRequest) PageOutcome
}

// Frontier admits links discovered on crawl pages.
type Frontier interface {
	Admit(ctx context.Context, job acquire.Job, from, link string, depth int) (frontier.Candidate, bool, error)
	SitemapSeeds(ctx context.Context, job acquire.Job) ([]frontier.Candidate, error)
}

// Robots answers robots.txt questions for crawl pages.
type Robots interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
	CrawlDelay(ctx context.Context, rawURL string) time.Duration
}

// Politeness spaces out requests to the same host.
type Politeness interface {
	Wait(ctx context.Context, rawURL string, delay time.Duration) error
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds the wall-clock time of one delivery.
	JobTimeout time.Duration
	// PersistTimeout bounds the writes made after a page finishes, even if JobTimeout expired.
	PersistTimeout time.Duration
	// IdleBackoff is the pause after a failed dequeue.
	IdleBackoff time.Duration
}

// Deps are the Worker's collaborators. Robots, Politeness and Notifier may be nil.
type Deps struct {
	Queue      acquire.Queue
	Store      acquire.JobStore
	Engine     PageAcquirer
	Frontier   Frontier
	Robots     Robots
	Politeness Politeness
	Notifier   acquire.Notifier
	Clock      acquire.Clock
	Logger     *zap.Logger
}

// Worker consumes queue items and executes the per-kind orchestrators.
type Worker struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Queue == nil || deps.Store == nil || deps.Engine == nil || deps.Frontier == nil || deps.Clock == nil {
		return nil, errors.New("worker requires queue, store, engine, frontier and clock")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 120 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer(tracerName),
		logger: logger.Named("worker"),
	}, nil
}

// Run blocks, consuming deliveries until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		d, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, acquire.ErrQueueClosed) {
				return nil
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.IdleBackoff):
			}
			continue
		}
		w.Handle(ctx, d)
	}
}

type tracedDelivery interface {
	Context(parent context.Context) context.Context
}

// Handle processes one delivery under the job timeout. Infrastructure failures nack the
// delivery; everything else is recorded on the job and acked.
func (w *Worker) Handle(ctx context.Context, d acquire.Delivery) {
	item := d.Item()
	if td, ok := d.(tracedDelivery); ok {
		ctx = td.Context(ctx)
	}
	ctx, span := w.tracer.Start(ctx, "worker.handle", trace.WithAttributes(
		attribute.String("job.id", item.JobID),
		attribute.String("job.kind", string(item.Kind)),
		attribute.String("page.url", item.URL),
		attribute.Int("queue.attempt", item.Attempt),
	))
	defer span.End()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("kind", string(item.Kind)))
	logger.Debug("dequeued item", zap.String("url", item.URL), zap.Int("attempt", item.Attempt))

	err := w.process(jobCtx, item)
	switch {
	case err == nil:
		d.Ack()
	case errcode.IsInfrastructure(err):
		span.RecordError(err)
		span.SetStatus(codes.Error, "infrastructure failure")
		logger.Warn("item failed, returning to queue", zap.Error(err))
		d.Nack(err)
	default:
		span.RecordError(err)
		logger.Error("item dropped", zap.Error(err))
		d.Ack()
	}
}

func (w *Worker) process(ctx context.Context, item acquire.QueueItem) error {
	switch item.Kind {
	case acquire.KindScrape:
		return w.scrape(ctx, item)
	case acquire.KindCrawl:
		return w.crawlPage(ctx, item)
	case acquire.KindBatch:
		return w.batchItem(ctx, item)
	default:
		return fmt.Errorf("unknown job kind %q", item.Kind)
	}
}

// loadJob returns the job or (zero, false, nil) when it no longer exists.
func (w *Worker) loadJob(ctx context.Context, jobID string) (acquire.Job, bool, error) {
	job, err := w.deps.Store.GetJob(ctx, jobID)
	if errors.Is(err, acquire.ErrNotFound) {
		w.logger.Info("job no longer exists, skipping", zap.String("job_id", jobID))
		return acquire.Job{}, false, nil
	}
	if err != nil {
		return acquire.Job{}, false, errcode.Infrastructure(fmt.Errorf("get job %s: %w", jobID, err))
	}
	return job, true, nil
}

// persistContext detaches writes from the job deadline so a timed-out page is still recorded.
func (w *Worker) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PersistTimeout)
}

func (w *Worker) notify(ctx context.Context, job acquire.Job) {
	metrics.ObserveJob(string(job.Kind), string(job.Status))
	if w.deps.Notifier == nil {
		return
	}
	finished := w.deps.Clock.Now().UTC()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	event := acquire.JobEvent{
		JobID:      job.ID,
		Kind:       job.Kind,
		UserID:     job.UserID,
		Status:     job.Status,
		ErrorCode:  job.ErrorCode,
		Counts:     job.Counts,
		FinishedAt: finished,
	}
	if err := w.deps.Notifier.Notify(ctx, event); err != nil {
		w.logger.Warn("notify failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func recordOutcome(page *acquire.PageRecord, out PageOutcome, now time.Time) {
	page.Timings = out.Timings
	page.UpdatedAt = now
	if out.Failed() {
		page.Status = acquire.StatusFailed
		page.Result = nil
		page.ErrorCode = string(out.ErrorCode)
		page.Error = out.Error
		return
	}
	page.Status = acquire.StatusCompleted
	page.Result = out.Result
	page.ErrorCode = ""
	page.Error = ""
}
