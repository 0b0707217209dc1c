package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/queue"
)

var _ acquire.Queue = (*Queue)(nil)

// fakeLog is a single-partition topic shared by the fake writer and reader.
type fakeLog struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	next      int64
	committed []int64
	writeErr  error
}

func newFakeLog() *fakeLog {
	return &fakeLog{msgs: make(chan kafka.Message, 16)}
}

func (l *fakeLog) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	for _, m := range msgs {
		m.Offset = l.next
		l.next++
		l.msgs <- m
	}
	return nil
}

func (l *fakeLog) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-l.msgs:
		return m, nil
	}
}

func (l *fakeLog) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range msgs {
		l.committed = append(l.committed, m.Offset)
	}
	return nil
}

func (l *fakeLog) Close() error { return nil }

func (l *fakeLog) commits() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.committed...)
}

func (l *fakeLog) failWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

func newTestQueue(t *testing.T, log *fakeLog) *Queue {
	t.Helper()
	q := newQueue(log, log, queue.DefaultRetryPolicy(), nil)
	q.propagator = propagation.TraceContext{}
	q.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	t.Cleanup(func() { require.NoError(t, q.Close()) })
	return q
}

func dequeue(t *testing.T, q *Queue) acquire.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return d
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	q := newTestQueue(t, log)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a},
		SpanID:     trace.SpanID{0x0b},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	item := acquire.QueueItem{JobID: "job-1", Kind: acquire.KindBatch, URL: "https://example.com/a", Key: "000001"}
	require.NoError(t, q.Enqueue(ctx, item))

	d := dequeue(t, q)
	require.Equal(t, item, d.Item())
	traced := d.(*delivery)
	require.Equal(t, "job-1", string(traced.msg.Key))
	require.Equal(t, sc.TraceID(), trace.SpanContextFromContext(traced.Context(context.Background())).TraceID())

	d.Ack()
	require.Equal(t, []int64{0}, log.commits())
}

func TestCommitsWaitForEarlierOffsets(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	q := newTestQueue(t, log)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), acquire.QueueItem{JobID: id}))
	}
	first, second, third := dequeue(t, q), dequeue(t, q), dequeue(t, q)

	third.Ack()
	second.Ack()
	require.Empty(t, log.commits())
	require.Equal(t, 3, q.commits.pending(0))

	first.Ack()
	require.Equal(t, []int64{2}, log.commits())
	require.Zero(t, q.commits.pending(0))
}

func TestNackRepublishesThenCommits(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	q := newTestQueue(t, log)
	require.NoError(t, q.Enqueue(context.Background(), acquire.QueueItem{JobID: "job-1", Kind: acquire.KindCrawl}))

	for want := range 3 {
		d := dequeue(t, q)
		require.Equal(t, want, d.Item().Attempt)
		d.Nack(errors.New("store unreachable"))
	}
	require.Eventually(t, func() bool {
		commits := log.commits()
		return len(commits) > 0 && commits[len(commits)-1] == 2
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, q.commits.pending(0))
}

func TestNackLeavesOffsetWhenRepublishFails(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	q := newTestQueue(t, log)
	require.NoError(t, q.Enqueue(context.Background(), acquire.QueueItem{JobID: "job-1"}))
	d := dequeue(t, q)

	log.failWrites(errors.New("broker down"))
	d.Nack(errors.New("boom"))
	q.wg.Wait()
	require.Empty(t, log.commits())
}

func TestUndecodableMessageIsSkipped(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	q := newTestQueue(t, log)
	log.msgs <- kafka.Message{Offset: 0, Value: []byte("{oops")}
	log.next = 1
	require.NoError(t, q.Enqueue(context.Background(), acquire.QueueItem{JobID: "job-2"}))

	d := dequeue(t, q)
	require.Equal(t, "job-2", d.Item().JobID)
	require.Equal(t, []int64{0}, log.commits())
}

func TestDequeueCanceled(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, newFakeLog())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Topic: "work"}, queue.DefaultRetryPolicy(), nil)
	require.Error(t, err)
}

func TestHeaderCarrierOverwrites(t *testing.T) {
	t.Parallel()

	var headers []kafka.Header
	c := &headerCarrier{headers: &headers}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	require.Len(t, headers, 1)
	require.Equal(t, "b", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
	require.Empty(t, c.Get("missing"))
}
