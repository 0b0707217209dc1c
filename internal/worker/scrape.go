package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
)

// scrape runs a single-page job: PENDING -> PROCESSING -> COMPLETED | FAILED.
func (w *Worker) scrape(ctx context.Context, item acquire.QueueItem) error {
	job, ok, err := w.loadJob(ctx, item.JobID)
	if err != nil || !ok {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	started := w.deps.Clock.Now().UTC()
	job.Status = acquire.StatusProcessing
	job.StartedAt = &started
	if err := w.deps.Store.SaveJob(ctx, job); err != nil {
		return errcode.Infrastructure(fmt.Errorf("mark job processing: %w", err))
	}

	out := w.deps.Engine.AcquirePage(ctx, PageRequest{
		JobID:   job.ID,
		Key:     job.ID,
		URL:     job.URL,
		Tier:    job.Tier,
		Options: job.Options,
	})
	if out.Abort != nil {
		return out.Abort
	}
	metrics.ObservePage(job.URL, string(out.ErrorCode))

	finished := w.deps.Clock.Now().UTC()
	job.FinishedAt = &finished
	job.Timings = out.Timings
	if out.Failed() {
		job.Status = acquire.StatusFailed
		job.Result = nil
		job.ErrorCode = string(out.ErrorCode)
		job.Error = out.Error
	} else {
		job.Status = acquire.StatusCompleted
		job.Result = out.Result
		job.ErrorCode = ""
		job.Error = ""
	}

	pctx, cancel := w.persistContext(ctx)
	defer cancel()
	if err := w.deps.Store.SaveJob(pctx, job); err != nil {
		return errcode.Infrastructure(fmt.Errorf("save job result: %w", err))
	}
	w.logger.Info("scrape finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.String("error_code", job.ErrorCode),
		zap.Int64("total_ms", job.Timings.TotalMs),
	)
	w.notify(pctx, job)
	return nil
}
