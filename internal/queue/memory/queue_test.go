package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/queue"
)

var _ acquire.Queue = (*Queue)(nil)

func newTestQueue(capacity int) *Queue {
	q := NewQueue(capacity, queue.DefaultRetryPolicy(), nil)
	q.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return q
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := newTestQueue(1)
	result := make(chan acquire.Delivery, 1)
	errCh := make(chan error, 1)

	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- d
	}()

	require.NoError(t, q.Enqueue(context.Background(), acquire.QueueItem{JobID: "job-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case d := <-result:
		require.Equal(t, "job-1", d.Item().JobID)
		d.Ack()
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	full := newTestQueue(1)
	require.NoError(t, full.Enqueue(context.Background(), acquire.QueueItem{JobID: "primed"}))
	require.EqualError(t, full.Enqueue(ctx, acquire.QueueItem{}), "enqueue canceled: context canceled")
}

func TestQueueNackRedeliversWithAttempt(t *testing.T) {
	t.Parallel()

	q := newTestQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, acquire.QueueItem{JobID: "job-1", Kind: acquire.KindScrape}))

	for want := range 3 {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, d.Item().Attempt)
		d.Nack(errors.New("store unreachable"))
		d.Nack(errors.New("ignored"))
	}

	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, q.DeadLetters()[0].Attempt)

	dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(dctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueAckAfterNackIsIgnored(t *testing.T) {
	t.Parallel()

	q := newTestQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, acquire.QueueItem{JobID: "job-1"}))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	d.Ack()
	d.Nack(errors.New("late"))

	dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(dctx)
	require.Error(t, err)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := newTestQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), acquire.QueueItem{JobID: "buffered"}))
	q.Close()

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "buffered", d.Item().JobID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), acquire.QueueItem{}), ErrClosed)

	// Closing twice should be safe.
	q.Close()
}
