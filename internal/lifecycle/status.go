package lifecycle

import (
	"context"
	"fmt"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// PageQuery selects a window of crawl pages or batch items.
type PageQuery struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Status is the externally visible view of a job.
type Status struct {
	ID        string                   `json:"id"`
	Kind      acquire.JobKind          `json:"kind"`
	Status    acquire.JobStatus        `json:"status"`
	Counts    acquire.Counts           `json:"counts"`
	Result    *acquire.TransformResult `json:"result,omitempty"`
	Data      []acquire.PageRecord     `json:"data,omitempty"`
	Next      *PageQuery               `json:"next,omitempty"`
	ErrorCode string                   `json:"errorCode,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Timings   acquire.Timings          `json:"timings"`
}

// GetStatus reports a job. Results are returned only once the job is COMPLETED: a scrape
// carries its result and crawl and batch jobs carry their completed pages in the requested
// window. Counts are reported in every state.
func (c *Coordinator) GetStatus(ctx context.Context, jobID string, q PageQuery) (Status, error) {
	job, err := c.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return Status{}, fmt.Errorf("get job: %w", err)
	}
	st := Status{
		ID:        job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		Counts:    job.Counts,
		ErrorCode: job.ErrorCode,
		Error:     job.Error,
		Timings:   job.Timings,
	}
	if job.Status != acquire.StatusCompleted {
		return st, nil
	}
	if job.Kind == acquire.KindScrape {
		st.Result = job.Result
		return st, nil
	}

	filter := acquire.PageFilter{Status: acquire.StatusCompleted, Offset: max(q.Offset, 0)}
	if q.Limit > 0 {
		filter.Limit = q.Limit + 1
	}
	pages, err := c.deps.Store.ListPages(ctx, jobID, filter)
	if err != nil {
		return Status{}, fmt.Errorf("list pages: %w", err)
	}
	if q.Limit > 0 && len(pages) > q.Limit {
		pages = pages[:q.Limit]
		st.Next = &PageQuery{Offset: filter.Offset + q.Limit, Limit: q.Limit}
	}
	st.Data = pages
	return st, nil
}
