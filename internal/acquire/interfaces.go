package acquire

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrQueueClosed is returned by Dequeue once a queue has shut down.
var ErrQueueClosed = errors.New("queue closed")

// PageFilter selects a window of a job's pages. An empty Status matches every page and a
// non-positive Limit returns the rest of the list.
type PageFilter struct {
	Status JobStatus
	Offset int
	Limit  int
}

// JobStore persists job headers and their crawl pages / batch items.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	// SaveJob upserts the full job row keyed on its ID.
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	// TransitionJob moves a job to status `to` only if its current status is one of `from`.
	// It reports whether the transition happened.
	TransitionJob(ctx context.Context, jobID string, to JobStatus, from ...JobStatus) (bool, error)
	// AddCounts atomically increments the job counters and returns the new totals.
	AddCounts(ctx context.Context, jobID string, delta Counts) (Counts, error)
	UpsertPage(ctx context.Context, page PageRecord) error
	GetPage(ctx context.Context, jobID, key string) (PageRecord, error)
	ListPages(ctx context.Context, jobID string, filter PageFilter) ([]PageRecord, error)
	DeletePages(ctx context.Context, jobID string) error
}

// BlobSink uploads captured assets and issues URLs for them.
type BlobSink interface {
	Upload(ctx context.Context, path string, contentType string, data []byte) error
	PublicURL(ctx context.Context, path string, expiry time.Duration) (string, error)
}

// Ledger is the billing/quota capability.
type Ledger interface {
	// Deduct charges the billing key. A nil reservation with a nil error means nothing was charged.
	Deduct(ctx context.Context, req DeductRequest) (*QuotaReservation, error)
	Refund(ctx context.Context, req RefundRequest) error
}

// Delivery is one at-least-once queue delivery.
type Delivery interface {
	Item() QueueItem
	Ack()
	// Nack hands the item back to the queue for a retry governed by the queue's policy.
	Nack(err error)
}

// Queue provides enqueue/dequeue semantics for page work.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (Delivery, error)
}

// Notifier publishes terminal job events.
type Notifier interface {
	Notify(ctx context.Context, event JobEvent) error
}

// URLPolicy decides whether a URL may be fetched.
type URLPolicy interface {
	Check(ctx context.Context, rawURL string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
