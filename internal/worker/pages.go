package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/frontier"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
)

// crawlPage acquires one page of a crawl and expands the frontier from its links.
func (w *Worker) crawlPage(ctx context.Context, item acquire.QueueItem) error {
	job, page, ok, err := w.claimPage(ctx, item)
	if err != nil || !ok {
		return err
	}
	crawl := crawlSettingsOf(job)
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("url", page.URL), zap.Int("depth", page.Depth))

	var out PageOutcome
	if denied := w.robotsDenied(ctx, crawl, page.URL); denied != nil {
		out = PageOutcome{ErrorCode: errcode.AccessDenied, Error: denied.Error()}
	} else {
		if w.deps.Politeness != nil {
			delay := crawl.delay()
			if w.deps.Robots != nil && !crawl.IgnoreRobotsTxt {
				delay = max(delay, w.deps.Robots.CrawlDelay(ctx, page.URL))
			}
			if err := w.deps.Politeness.Wait(ctx, page.URL, delay); err != nil {
				return errcode.Infrastructure(fmt.Errorf("politeness wait: %w", err))
			}
		}

		opts := job.Options
		wantLinks := opts.Wants(acquire.FormatLinks)
		if !wantLinks {
			opts.Formats = append(append([]acquire.Format(nil), opts.Formats...), acquire.FormatLinks)
		}
		out = w.deps.Engine.AcquirePage(ctx, PageRequest{
			JobID: job.ID, Key: page.Key, URL: page.URL, Tier: job.Tier, Options: opts,
		})
		if out.Abort != nil {
			return out.Abort
		}
		if !wantLinks && out.Result != nil {
			out.Result.Links = nil
		}
	}

	pctx, cancel := w.persistContext(ctx)
	defer cancel()
	recordOutcome(&page, out, w.deps.Clock.Now().UTC())
	if err := w.deps.Store.UpsertPage(pctx, page); err != nil {
		return errcode.Infrastructure(fmt.Errorf("save page: %w", err))
	}
	metrics.ObservePage(page.URL, string(out.ErrorCode))

	if !out.Failed() {
		if err := w.expand(ctx, pctx, job, page, out.Links); err != nil {
			logger.Warn("frontier expansion incomplete", zap.Error(err))
		}
	}
	logger.Info("crawl page finished", zap.String("status", string(page.Status)), zap.String("error_code", page.ErrorCode))
	return w.settle(pctx, job.ID, out.Failed())
}

// batchItem acquires one item of a batch. Items are independent, so failures only count.
func (w *Worker) batchItem(ctx context.Context, item acquire.QueueItem) error {
	job, page, ok, err := w.claimPage(ctx, item)
	if err != nil || !ok {
		return err
	}

	out := w.deps.Engine.AcquirePage(ctx, PageRequest{
		JobID: job.ID, Key: page.Key, URL: page.URL, Tier: job.Tier, Options: job.Options,
	})
	if out.Abort != nil {
		return out.Abort
	}

	pctx, cancel := w.persistContext(ctx)
	defer cancel()
	recordOutcome(&page, out, w.deps.Clock.Now().UTC())
	if err := w.deps.Store.UpsertPage(pctx, page); err != nil {
		return errcode.Infrastructure(fmt.Errorf("save batch item: %w", err))
	}
	metrics.ObservePage(page.URL, string(out.ErrorCode))
	w.logger.Debug("batch item finished",
		zap.String("job_id", job.ID),
		zap.Int("ordinal", page.Ordinal),
		zap.String("status", string(page.Status)),
	)
	return w.settle(pctx, job.ID, out.Failed())
}

// claimPage loads the job and page for item, skipping cancelled jobs and pages that already
// reached a terminal state, and moves both to PROCESSING.
func (w *Worker) claimPage(ctx context.Context, item acquire.QueueItem) (acquire.Job, acquire.PageRecord, bool, error) {
	job, ok, err := w.loadJob(ctx, item.JobID)
	if err != nil || !ok {
		return acquire.Job{}, acquire.PageRecord{}, false, err
	}
	if job.Status.Terminal() {
		w.logger.Debug("job already finished, skipping page",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)), zap.String("url", item.URL))
		return acquire.Job{}, acquire.PageRecord{}, false, nil
	}

	key := item.Key
	if key == "" {
		key = item.URL
	}
	page, err := w.deps.Store.GetPage(ctx, job.ID, key)
	switch {
	case errors.Is(err, acquire.ErrNotFound):
		page = acquire.PageRecord{JobID: job.ID, Key: key, URL: item.URL, Depth: item.Depth}
	case err != nil:
		return acquire.Job{}, acquire.PageRecord{}, false, errcode.Infrastructure(fmt.Errorf("get page: %w", err))
	case page.Status.Terminal():
		return acquire.Job{}, acquire.PageRecord{}, false, nil
	}

	if job.Status == acquire.StatusPending {
		moved, err := w.deps.Store.TransitionJob(ctx, job.ID, acquire.StatusProcessing, acquire.StatusPending)
		if err != nil {
			return acquire.Job{}, acquire.PageRecord{}, false, errcode.Infrastructure(fmt.Errorf("start job: %w", err))
		}
		if moved {
			started := w.deps.Clock.Now().UTC()
			job.Status = acquire.StatusProcessing
			job.StartedAt = &started
			if err := w.deps.Store.SaveJob(ctx, job); err != nil {
				return acquire.Job{}, acquire.PageRecord{}, false, errcode.Infrastructure(fmt.Errorf("mark job processing: %w", err))
			}
		}
	}

	page.Status = acquire.StatusProcessing
	page.UpdatedAt = w.deps.Clock.Now().UTC()
	if err := w.deps.Store.UpsertPage(ctx, page); err != nil {
		return acquire.Job{}, acquire.PageRecord{}, false, errcode.Infrastructure(fmt.Errorf("claim page: %w", err))
	}
	return job, page, true, nil
}

func (w *Worker) robotsDenied(ctx context.Context, crawl crawlSettings, rawURL string) error {
	if w.deps.Robots == nil || crawl.IgnoreRobotsTxt {
		return nil
	}
	allowed, err := w.deps.Robots.Allowed(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("robots.txt check: %w", err)
	}
	if !allowed {
		return fmt.Errorf("disallowed by robots.txt: %s", rawURL)
	}
	return nil
}

// expand admits the page's links (and, for the seed page, the sitemap) and schedules every
// newly admitted URL. Discovery runs on the job context; writes use the persist context.
func (w *Worker) expand(ctx, pctx context.Context, job acquire.Job, page acquire.PageRecord, links []string) error {
	latest, err := w.deps.Store.GetJob(pctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if latest.Status == acquire.StatusCancelled {
		return nil
	}

	var candidates []frontier.Candidate
	if page.Depth == 0 && job.Crawl != nil && !job.Crawl.SitemapIgnored() {
		seeds, err := w.deps.Frontier.SitemapSeeds(ctx, job)
		if err != nil {
			w.logger.Debug("sitemap discovery failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		candidates = append(candidates, seeds...)
	}

	var errs []error
	for _, link := range links {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		c, ok, err := w.deps.Frontier.Admit(ctx, job, page.URL, link, page.Depth)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if ok {
			candidates = append(candidates, c)
		}
	}

	for _, c := range candidates {
		if err := w.schedule(pctx, job, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// schedule records a PENDING page for c, counts it and enqueues it. A failed enqueue marks
// the page FAILED so the job can still finish.
func (w *Worker) schedule(ctx context.Context, job acquire.Job, c frontier.Candidate) error {
	now := w.deps.Clock.Now().UTC()
	page := acquire.PageRecord{
		JobID: job.ID, Key: c.Key, URL: c.URL, Depth: c.Depth,
		Status: acquire.StatusPending, UpdatedAt: now,
	}
	if err := w.deps.Store.UpsertPage(ctx, page); err != nil {
		return fmt.Errorf("record page %s: %w", c.URL, err)
	}
	if _, err := w.deps.Store.AddCounts(ctx, job.ID, acquire.Counts{Total: 1}); err != nil {
		return fmt.Errorf("count page %s: %w", c.URL, err)
	}

	err := w.deps.Queue.Enqueue(ctx, acquire.QueueItem{
		JobID: job.ID, Kind: acquire.KindCrawl, URL: c.URL, Key: c.Key, Depth: c.Depth, Submitted: now.UnixMilli(),
	})
	if err == nil {
		return nil
	}
	page.Status = acquire.StatusFailed
	page.ErrorCode = string(errcode.StorageError)
	page.Error = fmt.Sprintf("enqueue: %v", err)
	if uerr := w.deps.Store.UpsertPage(ctx, page); uerr != nil {
		return errors.Join(err, uerr)
	}
	if _, cerr := w.deps.Store.AddCounts(ctx, job.ID, acquire.Counts{Failed: 1}); cerr != nil {
		return errors.Join(err, cerr)
	}
	return fmt.Errorf("enqueue %s: %w", c.URL, err)
}

// settle counts the finished page and completes the job once every page is terminal.
func (w *Worker) settle(ctx context.Context, jobID string, failed bool) error {
	delta := acquire.Counts{Completed: 1}
	if failed {
		delta = acquire.Counts{Failed: 1}
	}
	counts, err := w.deps.Store.AddCounts(ctx, jobID, delta)
	if err != nil {
		return errcode.Infrastructure(fmt.Errorf("count page: %w", err))
	}
	if !counts.Done() {
		return nil
	}

	moved, err := w.deps.Store.TransitionJob(ctx, jobID, acquire.StatusCompleted, acquire.StatusPending, acquire.StatusProcessing)
	if err != nil {
		return errcode.Infrastructure(fmt.Errorf("complete job: %w", err))
	}
	if !moved {
		return nil
	}
	job, err := w.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return errcode.Infrastructure(fmt.Errorf("reload job: %w", err))
	}
	finished := w.deps.Clock.Now().UTC()
	job.FinishedAt = &finished
	if err := w.deps.Store.SaveJob(ctx, job); err != nil {
		return errcode.Infrastructure(fmt.Errorf("finish job: %w", err))
	}
	w.logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.Int("total", job.Counts.Total),
		zap.Int("completed", job.Counts.Completed),
		zap.Int("failed", job.Counts.Failed),
	)
	w.notify(ctx, job)
	return nil
}

type crawlSettings struct {
	acquire.CrawlOptions
}

func crawlSettingsOf(job acquire.Job) crawlSettings {
	if job.Crawl == nil {
		return crawlSettings{}
	}
	return crawlSettings{*job.Crawl}
}

func (c crawlSettings) delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}
