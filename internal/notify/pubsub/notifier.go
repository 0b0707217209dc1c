// Package pubsub publishes terminal job events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

// Attribute keys set on every event, usable in subscription filters.
const (
	AttrJobID  = "job_id"
	AttrKind   = "kind"
	AttrStatus = "status"
)

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Notifier wraps a Pub/Sub topic publisher.
type Notifier struct {
	publish    publishFunc
	stop       func()
	propagator propagation.TextMapPropagator
}

// New creates a Notifier publishing to topic.
func New(client *pubsub.Client, topic string) (*Notifier, error) {
	if client == nil || topic == "" {
		return nil, errors.New("pubsub client and notify topic are required")
	}
	pub := client.Publisher(topic)
	n := newNotifier(func(ctx context.Context, msg *pubsub.Message) (string, error) {
		return pub.Publish(ctx, msg).Get(ctx)
	})
	n.stop = pub.Stop
	return n, nil
}

func newNotifier(publish publishFunc) *Notifier {
	return &Notifier{
		publish:    publish,
		stop:       func() {},
		propagator: otel.GetTextMapPropagator(),
	}
}

// Notify marshals the event to JSON and publishes it.
func (n *Notifier) Notify(ctx context.Context, event acquire.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	attrs := map[string]string{
		AttrJobID:  event.JobID,
		AttrKind:   string(event.Kind),
		AttrStatus: string(event.Status),
	}
	n.propagator.Inject(ctx, propagation.MapCarrier(attrs))

	if _, err := n.publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

// Close flushes outstanding publishes.
func (n *Notifier) Close() {
	n.stop()
}
