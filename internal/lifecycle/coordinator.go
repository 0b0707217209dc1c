// Package lifecycle owns job submission, status and cancellation, including the
// compensating refund when setup fails before work reaches the queue.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/frontier"
	"github.com/JakeFAU/page-acquisition/internal/ledger"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
)

// ErrNotCancellable is returned for scrape jobs and jobs already in a terminal state.
var ErrNotCancellable = errors.New("job cannot be cancelled")

// Enqueuer is the producer half of acquire.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, item acquire.QueueItem) error
}

// Seeder reserves crawl seeds in the frontier.
type Seeder interface {
	Seed(ctx context.Context, jobID, rawURL string, limit int) (frontier.Candidate, error)
	Forget(ctx context.Context, jobID string) error
}

// Config tunes submission defaults.
type Config struct {
	DefaultCrawl acquire.CrawlOptions
	MaxBatchURLs int
}

// Deps bundles the coordinator's collaborators. Notifier may be nil.
type Deps struct {
	Store    acquire.JobStore
	Ledger   acquire.Ledger
	Queue    Enqueuer
	Policy   acquire.URLPolicy
	Frontier Seeder
	Notifier acquire.Notifier
	IDs      acquire.IDGenerator
	Clock    acquire.Clock
	Logger   *zap.Logger
}

// Coordinator creates jobs, reserves quota and enqueues work.
type Coordinator struct {
	cfg      Config
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger
}

// New builds a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("job store is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Policy == nil:
		return nil, errors.New("url policy is required")
	case deps.Frontier == nil:
		return nil, errors.New("frontier is required")
	case deps.IDs == nil || deps.Clock == nil:
		return nil, errors.New("id generator and clock are required")
	}
	if cfg.DefaultCrawl.Limit <= 0 {
		cfg.DefaultCrawl = DefaultCrawlOptions()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("lifecycle"),
	}, nil
}

// setup tracks what Submit has created so a failure can be unwound.
type setup struct {
	job         acquire.Job
	reservation *acquire.QuotaReservation
	billingKey  string
	seeded      bool
}

// Submit validates the request, policy-checks its URLs and sets the job up. URLs that fail the
// policy reject the request before any row is written, unless a batch asks to ignore them.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	req, err := c.normalize(req)
	if err != nil {
		return SubmitResponse{}, err
	}

	var (
		targets []string
		invalid []string
	)
	if req.Kind == acquire.KindBatch {
		targets, invalid, err = c.checkAll(ctx, req.URLs, req.IgnoreInvalidURLs)
	} else {
		var target string
		target, err = c.check(ctx, req.URL)
		targets = []string{target}
	}
	if err != nil {
		return SubmitResponse{}, err
	}

	id, err := c.deps.IDs.NewID()
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("generate job id: %w", err)
	}
	job := acquire.Job{
		ID:        id,
		Kind:      req.Kind,
		UserID:    req.UserID,
		Tier:      req.Tier,
		Options:   req.Options,
		Crawl:     req.Crawl,
		Status:    acquire.StatusPending,
		CreatedAt: c.deps.Clock.Now().UTC(),
	}
	switch req.Kind {
	case acquire.KindBatch:
		job.Counts.Total = len(targets)
	case acquire.KindCrawl:
		job.URL = targets[0]
		job.Counts.Total = 1
	default:
		job.URL = targets[0]
	}
	if err := c.deps.Store.CreateJob(ctx, job); err != nil {
		return SubmitResponse{}, fmt.Errorf("create job: %w", err)
	}

	st := &setup{job: job, billingKey: billingKey(req.Kind)}
	items, err := c.prepare(ctx, st, req, targets)
	if err == nil {
		err = c.enqueue(ctx, items)
	}
	if err != nil {
		c.rollback(ctx, st, err)
		return SubmitResponse{}, err
	}

	metrics.ObserveJob(string(job.Kind), string(job.Status))
	c.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("user_id", job.UserID),
		zap.Int("items", len(items)),
		zap.Int("invalid_urls", len(invalid)),
	)
	return SubmitResponse{ID: job.ID, Status: job.Status, InvalidURLs: invalid}, nil
}

// prepare charges the user and writes the seed rows, returning the queue items to publish.
func (c *Coordinator) prepare(ctx context.Context, st *setup, req SubmitRequest, targets []string) ([]acquire.QueueItem, error) {
	res, err := c.deps.Ledger.Deduct(ctx, acquire.DeductRequest{
		UserID:      req.UserID,
		BillingKey:  st.billingKey,
		ReferenceID: st.job.ID,
		Units:       billingUnits(req, len(targets)),
	})
	if err != nil {
		return nil, fmt.Errorf("deduct quota: %w", err)
	}
	st.reservation = res

	now := c.deps.Clock.Now().UTC()
	submitted := now.UnixMilli()
	switch req.Kind {
	case acquire.KindScrape:
		return []acquire.QueueItem{{JobID: st.job.ID, Kind: acquire.KindScrape, URL: st.job.URL, Submitted: submitted}}, nil

	case acquire.KindCrawl:
		st.seeded = true
		seed, err := c.deps.Frontier.Seed(ctx, st.job.ID, st.job.URL, req.Crawl.Limit)
		if err != nil {
			return nil, fmt.Errorf("seed frontier: %w", err)
		}
		page := acquire.PageRecord{
			JobID: st.job.ID, Key: seed.Key, URL: seed.URL, Depth: 0,
			Status: acquire.StatusPending, UpdatedAt: now,
		}
		if err := c.deps.Store.UpsertPage(ctx, page); err != nil {
			return nil, fmt.Errorf("create seed page: %w", err)
		}
		return []acquire.QueueItem{{
			JobID: st.job.ID, Kind: acquire.KindCrawl, URL: seed.URL, Key: seed.Key, Submitted: submitted,
		}}, nil

	default:
		items := make([]acquire.QueueItem, 0, len(targets))
		for i, target := range targets {
			key := ItemKey(i)
			page := acquire.PageRecord{
				JobID: st.job.ID, Key: key, URL: target, Ordinal: i,
				Status: acquire.StatusPending, UpdatedAt: now,
			}
			if err := c.deps.Store.UpsertPage(ctx, page); err != nil {
				return nil, fmt.Errorf("create batch item %d: %w", i, err)
			}
			items = append(items, acquire.QueueItem{
				JobID: st.job.ID, Kind: acquire.KindBatch, URL: target, Key: key, Submitted: submitted,
			})
		}
		return items, nil
	}
}

func (c *Coordinator) enqueue(ctx context.Context, items []acquire.QueueItem) error {
	for _, item := range items {
		if err := c.deps.Queue.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("enqueue %s: %w", item.URL, err)
		}
	}
	return nil
}

// rollback refunds the reservation and removes every row Submit created. Items already
// published before an enqueue failure find no job row and are dropped by the worker.
func (c *Coordinator) rollback(ctx context.Context, st *setup, cause error) {
	ctx = context.WithoutCancel(ctx)
	logger := c.logger.With(zap.String("job_id", st.job.ID), zap.NamedError("cause", cause))
	logger.Warn("job setup failed, rolling back")

	if st.reservation != nil {
		err := c.deps.Ledger.Refund(ctx, acquire.RefundRequest{
			UserID:        st.job.UserID,
			BillingKey:    st.billingKey,
			ReferenceID:   st.job.ID,
			Source:        st.reservation.Source,
			TransactionID: st.reservation.TransactionID,
			Amount:        st.reservation.Amount,
		})
		if err != nil {
			logger.Error("refund failed", zap.String("transaction_id", st.reservation.TransactionID), zap.Error(err))
		}
	}
	if st.seeded {
		if err := c.deps.Frontier.Forget(ctx, st.job.ID); err != nil {
			logger.Warn("forget frontier failed", zap.Error(err))
		}
	}
	if err := c.deps.Store.DeletePages(ctx, st.job.ID); err != nil {
		logger.Error("delete seed rows failed", zap.Error(err))
	}
	if err := c.deps.Store.DeleteJob(ctx, st.job.ID); err != nil {
		logger.Error("delete job failed", zap.Error(err))
	}
}

// check normalizes rawURL and runs it through the URL policy.
func (c *Coordinator) check(ctx context.Context, rawURL string) (string, error) {
	normalized, err := acquire.NormalizeURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errcode.ErrInvalidURL, err)
	}
	if err := c.deps.Policy.Check(ctx, normalized); err != nil {
		return "", fmt.Errorf("url %s rejected: %w", rawURL, err)
	}
	return normalized, nil
}

func (c *Coordinator) checkAll(ctx context.Context, urls []string, ignoreInvalid bool) ([]string, []string, error) {
	var valid, invalid []string
	for _, raw := range urls {
		normalized, err := c.check(ctx, raw)
		if err != nil {
			if !ignoreInvalid {
				return nil, nil, err
			}
			invalid = append(invalid, raw)
			continue
		}
		valid = append(valid, normalized)
	}
	if len(valid) == 0 {
		return nil, invalid, fmt.Errorf("%w: no valid urls in batch", ErrInvalidRequest)
	}
	return valid, invalid, nil
}

// Cancel moves a pending or running crawl/batch job to CANCELLED.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	job, err := c.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job.Kind == acquire.KindScrape {
		return fmt.Errorf("%w: scrape jobs run to completion", ErrNotCancellable)
	}
	moved, err := c.deps.Store.TransitionJob(ctx, jobID, acquire.StatusCancelled, acquire.StatusPending, acquire.StatusProcessing)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if !moved {
		return fmt.Errorf("%w: job is %s", ErrNotCancellable, job.Status)
	}

	metrics.ObserveJob(string(job.Kind), string(acquire.StatusCancelled))
	c.logger.Info("job cancelled", zap.String("job_id", jobID))
	if c.deps.Notifier != nil {
		event := acquire.JobEvent{
			JobID: job.ID, Kind: job.Kind, UserID: job.UserID, Status: acquire.StatusCancelled,
			Counts: job.Counts, FinishedAt: c.deps.Clock.Now().UTC(),
		}
		if err := c.deps.Notifier.Notify(ctx, event); err != nil {
			c.logger.Warn("notify cancel failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

// ItemKey is the page key of the i-th batch item.
func ItemKey(i int) string {
	return fmt.Sprintf("%06d", i)
}

func billingKey(kind acquire.JobKind) string {
	switch kind {
	case acquire.KindCrawl:
		return ledger.KeyCrawl
	case acquire.KindBatch:
		return ledger.KeyBatch
	default:
		return ledger.KeyScrape
	}
}

func billingUnits(req SubmitRequest, targets int) int {
	switch req.Kind {
	case acquire.KindCrawl:
		return req.Crawl.Limit
	case acquire.KindBatch:
		return targets
	default:
		return 1
	}
}
