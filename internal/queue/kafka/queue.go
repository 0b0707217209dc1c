// Package kafka implements the work queue on a Kafka topic consumed by a reader group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
	"github.com/JakeFAU/page-acquisition/internal/queue"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config describes the brokers, topic and consumer group.
type Config struct {
	Brokers      []string
	Topic        string
	GroupID      string
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Queue implements acquire.Queue. Offsets are committed per partition only once every
// earlier fetched message has been acked or handed off for redelivery.
type Queue struct {
	writer     messageWriter
	reader     messageReader
	retry      queue.RetryPolicy
	logger     *zap.Logger
	propagator propagation.TextMapPropagator
	after      func(time.Duration) <-chan time.Time
	commits    *committer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New dials the brokers lazily through kafka-go's Writer and Reader.
func New(cfg Config, retry queue.RetryPolicy, logger *zap.Logger) (*Queue, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka brokers, topic and group id are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})
	return newQueue(writer, reader, retry, logger), nil
}

func newQueue(writer messageWriter, reader messageReader, retry queue.RetryPolicy, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.Named("kafka_queue")
	return &Queue{
		writer:     writer,
		reader:     reader,
		retry:      retry,
		logger:     logger,
		propagator: otel.GetTextMapPropagator(),
		after:      time.After,
		commits:    newCommitter(reader, logger),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Enqueue writes the item keyed by job ID so a job's pages share a partition.
func (q *Queue) Enqueue(ctx context.Context, item acquire.QueueItem) error {
	value, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(item.JobID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	q.propagator.Inject(ctx, &headerCarrier{headers: &msg.Headers})
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write queue item: %w", err)
	}
	return nil
}

// Dequeue fetches the next decodable message.
func (q *Queue) Dequeue(ctx context.Context) (acquire.Delivery, error) {
	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			if errors.Is(err, io.EOF) {
				return nil, acquire.ErrQueueClosed
			}
			return nil, fmt.Errorf("fetch message: %w", err)
		}
		q.commits.track(msg)

		var item acquire.QueueItem
		if err := json.Unmarshal(msg.Value, &item); err != nil {
			q.logger.Error("dropping undecodable message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			q.commits.complete(ctx, msg)
			continue
		}
		return &delivery{item: item, msg: msg, q: q}, nil
	}
}

// Close waits for pending redeliveries and closes the reader and writer.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
		err = errors.Join(q.reader.Close(), q.writer.Close())
	})
	return err
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
		q.commits.complete(q.ctx, d.msg)
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
			// Left uncommitted; the group redelivers it after a rebalance or restart.
			return
		case <-q.after(delay):
		}
		if err := q.Enqueue(d.Context(q.ctx), item); err != nil {
			q.logger.Error("republish failed, offset left uncommitted",
				zap.String("job_id", item.JobID), zap.Error(err))
			return
		}
		q.commits.complete(q.ctx, d.msg)
	}()
}

type delivery struct {
	item acquire.QueueItem
	msg  kafka.Message
	q    *Queue
	once sync.Once
}

func (d *delivery) Item() acquire.QueueItem { return d.item }

func (d *delivery) Ack() {
	d.once.Do(func() { d.q.commits.complete(d.q.ctx, d.msg) })
}

func (d *delivery) Nack(err error) {
	d.once.Do(func() { d.q.redeliver(d, err) })
}

// Context returns parent enriched with the trace context carried in the message headers.
func (d *delivery) Context(parent context.Context) context.Context {
	headers := d.msg.Headers
	return d.q.propagator.Extract(parent, &headerCarrier{headers: &headers})
}

// headerCarrier adapts kafka headers to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
