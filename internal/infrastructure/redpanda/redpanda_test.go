package redpanda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier(t *testing.T) {
	rec := &kgo.Record{}
	c := NewHeaderCarrier(rec)

	c.Set("traceparent", "a")
	c.Set("tracestate", "b")
	c.Set("traceparent", "c")

	assert.Equal(t, "c", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, c.Keys())
	assert.Len(t, rec.Headers, 2)
}

func TestHeaderCarrier_RoundTripsTraceContext(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	rec := &kgo.Record{}
	prop := propagation.TraceContext{}
	prop.Inject(ctx, NewHeaderCarrier(rec))

	got := trace.SpanContextFromContext(prop.Extract(context.Background(), NewHeaderCarrier(rec)))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs(0)
	require.Len(t, configs, 3)

	names := make([]string, 0, len(configs))
	for _, c := range configs {
		names = append(names, c.Name)
		assert.Equal(t, int16(1), c.ReplicationFactor)
		assert.Positive(t, c.Partitions)
	}
	assert.Equal(t, []string{TopicStockEvents, TopicStockAlerts, TopicDeadLetter}, names)

	assert.Equal(t, int16(3), DefaultTopicConfigs(3)[0].ReplicationFactor)
}

func TestRetryPolicy_RetriesUntilSuccess(t *testing.T) {
	p := newRetryPolicy(ConsumerConfig{RetryBackoff: time.Millisecond, MaxRetryBackoff: 4 * time.Millisecond})

	calls := 0
	var waits []time.Duration
	err := p.run(context.Background(), func(context.Context) error {
		calls++
		if calls < 5 {
			return errors.New("database unavailable")
		}
		return nil
	}, func(_ int, _ error, wait time.Duration) {
		waits = append(waits, wait)
	})

	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}, waits)
}

func TestRetryPolicy_SkipsUnfixableErrors(t *testing.T) {
	unfixable := errors.New("bad payload")
	p := newRetryPolicy(ConsumerConfig{
		RetryBackoff: time.Millisecond,
		Skip:         func(err error) bool { return errors.Is(err, unfixable) },
	})

	calls := 0
	err := p.run(context.Background(), func(context.Context) error {
		calls++
		return unfixable
	}, nil)

	assert.ErrorIs(t, err, unfixable)
	assert.Equal(t, 1, calls)
	assert.True(t, p.skip(err))
}

func TestRetryPolicy_StopsWhenContextDone(t *testing.T) {
	p := newRetryPolicy(ConsumerConfig{RetryBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.run(ctx, func(context.Context) error {
		calls++
		return errors.New("circuit open")
	}, func(int, error, time.Duration) { cancel() })

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, p.skip(err))
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	p := newRetryPolicy(ConsumerConfig{})
	assert.Equal(t, 500*time.Millisecond, p.backoff)
	assert.Equal(t, p.backoff, p.maxBackoff)
	assert.False(t, p.skip(errors.New("any")))

	cfg := DefaultConsumerConfig()
	assert.Equal(t, 30*time.Second, newRetryPolicy(cfg).maxBackoff)
}
