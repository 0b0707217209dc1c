// Package pubsub implements the work queue on Google Cloud Pub/Sub.
//
// Redelivery is driven by the queue rather than the subscription: a nacked item is
// republished with its attempt counter bumped after the retry backoff, and the original
// message is acked once the copy is accepted.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
	"github.com/JakeFAU/page-acquisition/internal/queue"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = acquire.ErrQueueClosed

// Attribute keys set on every message.
const (
	AttrJobID = "job_id"
	AttrKind  = "kind"
)

// Config names the topic/subscription pair backing the queue.
type Config struct {
	Topic          string
	Subscription   string
	MaxOutstanding int
}

type inbound struct {
	data            []byte
	attrs           map[string]string
	deliveryAttempt *int
	ack             func()
	nack            func()
}

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

type receiveFunc func(ctx context.Context, handle func(context.Context, *inbound)) error

// Queue implements acquire.Queue over a Pub/Sub topic and subscription.
type Queue struct {
	publish    publishFunc
	receive    receiveFunc
	stop       func()
	retry      queue.RetryPolicy
	logger     *zap.Logger
	propagator propagation.TextMapPropagator
	after      func(time.Duration) <-chan time.Time

	deliveries chan *delivery
	recvErr    chan error
	startOnce  sync.Once
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New wires a Queue to the client's publisher and subscriber.
func New(client *pubsub.Client, cfg Config, retry queue.RetryPolicy, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub topic and subscription are required")
	}
	pub := client.Publisher(cfg.Topic)
	sub := client.Subscriber(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}

	publish := func(ctx context.Context, msg *pubsub.Message) (string, error) {
		return pub.Publish(ctx, msg).Get(ctx)
	}
	receive := func(ctx context.Context, handle func(context.Context, *inbound)) error {
		return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			handle(ctx, &inbound{
				data:            m.Data,
				attrs:           m.Attributes,
				deliveryAttempt: m.DeliveryAttempt,
				ack:             m.Ack,
				nack:            m.Nack,
			})
		})
	}
	q := newQueue(publish, receive, retry, logger)
	q.stop = pub.Stop
	return q, nil
}

func newQueue(publish publishFunc, receive receiveFunc, retry queue.RetryPolicy, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		publish:    publish,
		receive:    receive,
		stop:       func() {},
		retry:      retry,
		logger:     logger.Named("pubsub_queue"),
		propagator: otel.GetTextMapPropagator(),
		after:      time.After,
		deliveries: make(chan *delivery),
		recvErr:    make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Enqueue publishes the item and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, item acquire.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	attrs := map[string]string{
		AttrJobID: item.JobID,
		AttrKind:  string(item.Kind),
	}
	q.propagator.Inject(ctx, propagation.MapCarrier(attrs))

	if _, err := q.publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue blocks until the subscription hands over a message.
func (q *Queue) Dequeue(ctx context.Context) (acquire.Delivery, error) {
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d := <-q.deliveries:
		return d, nil
	case err := <-q.recvErr:
		// Let other waiting consumers observe the same failure.
		q.recvErr <- err
		return nil, err
	}
}

// Close stops receiving, waits for pending redeliveries and flushes the publisher.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
		q.stop()
	})
}

func (q *Queue) startReceiving() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		err := q.receive(q.ctx, q.handle)
		if err == nil || errors.Is(err, context.Canceled) {
			err = ErrClosed
		} else {
			q.logger.Error("subscription receive stopped", zap.Error(err))
			err = fmt.Errorf("receive: %w", err)
		}
		q.recvErr <- err
	}()
}

func (q *Queue) handle(ctx context.Context, in *inbound) {
	var item acquire.QueueItem
	if err := json.Unmarshal(in.data, &item); err != nil {
		q.logger.Error("dropping undecodable message", zap.Error(err))
		in.ack()
		return
	}
	if in.deliveryAttempt != nil && *in.deliveryAttempt-1 > item.Attempt {
		item.Attempt = *in.deliveryAttempt - 1
	}
	d := &delivery{item: item, in: in, q: q}
	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		in.nack()
	}
}

func (q *Queue) redeliver(d *delivery, cause error) {
	item := d.item
	if q.retry.Exhausted(item.Attempt) {
		q.logger.Warn("dropping item after final attempt",
			zap.String("job_id", item.JobID),
			zap.String("url", item.URL),
			zap.Int("attempt", item.Attempt),
			zap.Error(cause),
		)
		d.in.ack()
		return
	}
	delay := q.retry.Backoff(item.Attempt)
	item.Attempt++
	metrics.ObserveRedelivery(string(item.Kind))

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case <-q.ctx.Done():
			d.in.nack()
			return
		case <-q.after(delay):
		}
		if err := q.Enqueue(d.Context(q.ctx), item); err != nil {
			q.logger.Warn("republish failed, leaving redelivery to the subscription",
				zap.String("job_id", item.JobID), zap.Error(err))
			d.in.nack()
			return
		}
		d.in.ack()
	}()
}

type delivery struct {
	item acquire.QueueItem
	in   *inbound
	q    *Queue
	once sync.Once
}

func (d *delivery) Item() acquire.QueueItem { return d.item }

func (d *delivery) Ack() {
	d.once.Do(d.in.ack)
}

func (d *delivery) Nack(err error) {
	d.once.Do(func() { d.q.redeliver(d, err) })
}

// Context returns parent enriched with the trace context carried by the message.
func (d *delivery) Context(parent context.Context) context.Context {
	return d.q.propagator.Extract(parent, propagation.MapCarrier(d.in.attrs))
}
