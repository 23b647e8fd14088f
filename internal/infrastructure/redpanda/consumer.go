package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// RetryBackoff is the first wait before a failed record is handled again
	RetryBackoff time.Duration
	// MaxRetryBackoff caps the doubling wait between attempts
	MaxRetryBackoff time.Duration
	// Skip reports handler errors that no retry can fix. Such records are
	// logged and committed past. Nil retries every error.
	Skip func(error) bool
}

// DefaultConsumerConfig returns defaults for the alert service
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "stock-alerts",
		Topics:              []string{TopicStockEvents},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		StartOffset:         "earliest",
		RetryBackoff:        500 * time.Millisecond,
		MaxRetryBackoff:     30 * time.Second,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Consumer reads records from Redpanda and hands them to a MessageHandler.
// A failed record is retried in place until it succeeds, is skipped or the
// consumer stops, so no later offset on its partition is committed first.
type Consumer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	retry   retryPolicy

	// OnConsumed is called after each successfully handled record when set
	OnConsumed func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	read       int64
	errorCount int64
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		retry:   newRetryPolicy(cfg),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.countError()
		})

		for iter := fetches.RecordIter(); !iter.Done(); {
			if !c.processRecord(iter.Next()) {
				return
			}
		}
	}
}

// processRecord reports false when the consumer stopped before record was done
func (c *Consumer) processRecord(record *kgo.Record) bool {
	ctx := otel.GetTextMapPropagator().Extract(c.ctx, NewHeaderCarrier(record))
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	}

	err := c.retry.run(ctx, func(ctx context.Context) error {
		return c.handler(ctx, msg)
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("message handler failed, retrying",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		span.RecordError(err)
		c.countError()
	})
	switch {
	case err == nil:
	case c.retry.skip(err):
		c.logger.Error("skipping message",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		c.countError()
	default:
		// stopping; the uncommitted record is redelivered to the next member
		return false
	}

	if err == nil {
		c.mu.Lock()
		c.read++
		c.mu.Unlock()
		if c.OnConsumed != nil {
			c.OnConsumed()
		}
	}

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
	}
	return true
}

// retryPolicy retries a handler with doubling backoff
type retryPolicy struct {
	backoff    time.Duration
	maxBackoff time.Duration
	skip       func(error) bool
}

func newRetryPolicy(cfg ConsumerConfig) retryPolicy {
	p := retryPolicy{backoff: cfg.RetryBackoff, maxBackoff: cfg.MaxRetryBackoff, skip: cfg.Skip}
	if p.backoff <= 0 {
		p.backoff = 500 * time.Millisecond
	}
	if p.maxBackoff < p.backoff {
		p.maxBackoff = p.backoff
	}
	if p.skip == nil {
		p.skip = func(error) bool { return false }
	}
	return p
}

// run calls fn until it succeeds, fails with a skippable error or ctx is done.
// It returns nil on success, otherwise the last error.
func (p retryPolicy) run(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	wait := p.backoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || p.skip(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		wait = min(wait*2, p.maxBackoff)
	}
}

func (c *Consumer) countError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerStats{MessagesRead: c.read, ErrorCount: c.errorCount}
}
