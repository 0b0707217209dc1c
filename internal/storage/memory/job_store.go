// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// JobStore implements acquire.JobStore in memory.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]acquire.Job
	pages map[string]map[string]acquire.PageRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]acquire.Job),
		pages: make(map[string]map[string]acquire.PageRecord),
	}
}

// CreateJob stores a new job row.
func (s *JobStore) CreateJob(_ context.Context, job acquire.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// SaveJob upserts the job row. A cancelled row is left untouched and counters never move
// backwards, so a stale copy cannot undo concurrent AddCounts calls.
func (s *JobStore) SaveJob(_ context.Context, job acquire.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.ID]; ok {
		if existing.Status == acquire.StatusCancelled {
			return nil
		}
		job.Counts.Total = max(job.Counts.Total, existing.Counts.Total)
		job.Counts.Completed = max(job.Counts.Completed, existing.Counts.Completed)
		job.Counts.Failed = max(job.Counts.Failed, existing.Counts.Failed)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (acquire.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return acquire.Job{}, fmt.Errorf("job %s: %w", jobID, acquire.ErrNotFound)
	}
	return job, nil
}

// DeleteJob removes a job row.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// TransitionJob implements acquire.JobStore.
func (s *JobStore) TransitionJob(_ context.Context, jobID string, to acquire.JobStatus, from ...acquire.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %s: %w", jobID, acquire.ErrNotFound)
	}
	if !slices.Contains(from, job.Status) {
		return false, nil
	}
	job.Status = to
	s.jobs[jobID] = job
	return true, nil
}

// AddCounts implements acquire.JobStore.
func (s *JobStore) AddCounts(_ context.Context, jobID string, delta acquire.Counts) (acquire.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return acquire.Counts{}, fmt.Errorf("job %s: %w", jobID, acquire.ErrNotFound)
	}
	job.Counts.Total += max(delta.Total, 0)
	job.Counts.Completed += max(delta.Completed, 0)
	job.Counts.Failed += max(delta.Failed, 0)
	s.jobs[jobID] = job
	return job.Counts, nil
}

// UpsertPage inserts or replaces the page keyed by (JobID, Key).
func (s *JobStore) UpsertPage(_ context.Context, page acquire.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.pages[page.JobID]
	if !ok {
		set = make(map[string]acquire.PageRecord)
		s.pages[page.JobID] = set
	}
	set[page.Key] = page
	return nil
}

// GetPage fetches a page by key.
func (s *JobStore) GetPage(_ context.Context, jobID, key string) (acquire.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[jobID][key]
	if !ok {
		return acquire.PageRecord{}, fmt.Errorf("page %s/%s: %w", jobID, key, acquire.ErrNotFound)
	}
	return page, nil
}

// ListPages returns the pages matching filter ordered by ordinal then key.
func (s *JobStore) ListPages(_ context.Context, jobID string, filter acquire.PageFilter) ([]acquire.PageRecord, error) {
	s.mu.RLock()
	out := make([]acquire.PageRecord, 0, len(s.pages[jobID]))
	for _, page := range s.pages[jobID] {
		if filter.Status == "" || page.Status == filter.Status {
			out = append(out, page)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].Key < out[j].Key
	})
	if filter.Offset > len(out) {
		return nil, nil
	}
	out = out[max(filter.Offset, 0):]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeletePages removes all pages of a job.
func (s *JobStore) DeletePages(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, jobID)
	return nil
}
