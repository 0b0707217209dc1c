package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

var _ acquire.Notifier = (*Notifier)(nil)

func TestNotifyPublishesEventWithAttributes(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	n := newNotifier(func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "id-1", nil
	})
	n.propagator = propagation.TraceContext{}

	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	}))
	finished := time.Unix(1700000000, 0).UTC()
	event := acquire.JobEvent{
		JobID: "job-1", Kind: acquire.KindCrawl, UserID: "u1", Status: acquire.StatusCompleted,
		Counts: acquire.Counts{Total: 3, Completed: 2, Failed: 1}, FinishedAt: finished,
	}
	require.NoError(t, n.Notify(ctx, event))

	require.NotNil(t, got)
	require.Equal(t, "job-1", got.Attributes[AttrJobID])
	require.Equal(t, "crawl", got.Attributes[AttrKind])
	require.Equal(t, "COMPLETED", got.Attributes[AttrStatus])
	require.Contains(t, got.Attributes, "traceparent")

	var decoded acquire.JobEvent
	require.NoError(t, json.Unmarshal(got.Data, &decoded))
	require.Equal(t, event, decoded)
}

func TestNotifyWrapsPublishError(t *testing.T) {
	t.Parallel()

	n := newNotifier(func(context.Context, *pubsub.Message) (string, error) {
		return "", errors.New("permission denied")
	})
	err := n.Notify(context.Background(), acquire.JobEvent{JobID: "job-1"})
	require.ErrorContains(t, err, "publish job event: permission denied")
}

func TestNewRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "")
	require.Error(t, err)
}
