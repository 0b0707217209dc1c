// Package memory provides an in-process work queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
	"github.com/JakeFAU/page-acquisition/internal/queue"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = acquire.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations and delayed redelivery.
type Queue struct {
	ch     chan acquire.QueueItem
	retry  queue.RetryPolicy
	logger *zap.Logger

	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	pending   sync.WaitGroup

	deadMu sync.Mutex
	dead   []acquire.QueueItem

	// after is swapped in tests to avoid real backoff sleeps.
	after func(time.Duration) <-chan time.Time
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int, retry queue.RetryPolicy, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		ch:     make(chan acquire.QueueItem, capacity),
		retry:  retry,
		logger: logger.Named("memory_queue"),
		done:   make(chan struct{}),
		after:  time.After,
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item acquire.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (acquire.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		return &delivery{item: item, q: q}, nil
	}
}

// DeadLetters returns items dropped after exhausting their attempts.
func (q *Queue) DeadLetters() []acquire.QueueItem {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	return append([]acquire.QueueItem(nil), q.dead...)
}

// Close stops pending redeliveries and closes the channel. Buffered items can still be dequeued.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.pending.Wait()
		q.mu.Lock()
		close(q.ch)
		q.mu.Unlock()
	})
}

func (q *Queue) redeliver(item acquire.QueueItem, cause error) {
	select {
	case <-q.done:
		q.logger.Warn("queue closed, dropping nacked item", zap.String("job_id", item.JobID), zap.Error(cause))
		return
	default:
	}
	if q.retry.Exhausted(item.Attempt) {
		q.logger.Warn("dropping item after final attempt",
			zap.String("job_id", item.JobID),
			zap.String("url", item.URL),
			zap.Int("attempt", item.Attempt),
			zap.Error(cause),
		)
		q.deadMu.Lock()
		q.dead = append(q.dead, item)
		q.deadMu.Unlock()
		return
	}
	delay := q.retry.Backoff(item.Attempt)
	item.Attempt++
	metrics.ObserveRedelivery(string(item.Kind))
	q.logger.Debug("redelivering item",
		zap.String("job_id", item.JobID),
		zap.Int("attempt", item.Attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	q.pending.Add(1)
	go func() {
		defer q.pending.Done()
		select {
		case <-q.done:
			return
		case <-q.after(delay):
		}
		if err := q.Enqueue(context.Background(), item); err != nil {
			q.logger.Warn("redelivery failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}()
}

type delivery struct {
	item acquire.QueueItem
	q    *Queue
	once sync.Once
}

func (d *delivery) Item() acquire.QueueItem { return d.item }

func (d *delivery) Ack() {
	d.once.Do(func() {})
}

func (d *delivery) Nack(err error) {
	d.once.Do(func() { d.q.redeliver(d.item, err) })
}
