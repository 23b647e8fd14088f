// Package alerts turns stock events into deduplicated low-stock alerts.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medstock/medstock/internal/calendar"
	"github.com/medstock/medstock/internal/domain/schedule"
	"github.com/medstock/medstock/internal/domain/stock"
	"github.com/medstock/medstock/internal/infrastructure/redpanda"
	"github.com/medstock/medstock/internal/observability/metrics"
	"github.com/medstock/medstock/pkg/circuitbreaker"
	"github.com/medstock/medstock/pkg/idempotency"
	"github.com/medstock/medstock/pkg/workerpool"
)

const handlerName = "low-stock-alert"

// Reader loads the medication and schedules an alert is computed from
type Reader interface {
	Medication(ctx context.Context, id string) (*stock.Medication, error)
	Prescriptions(ctx context.Context, ownerID string) ([]schedule.Prescription, error)
}

// Deduper runs fn at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, fn idempotency.ProcessFunc) (*idempotency.Result, error)
}

// Publisher sends a message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// LowStockAlert tells an owner that a medication is running out
type LowStockAlert struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	MedicationID   string          `json:"medication_id"`
	MedicationName string          `json:"medication_name"`
	Level          stock.Level     `json:"level"`
	DaysLeft       *int            `json:"days_left"`
	Quantity       decimal.Decimal `json:"quantity"`
	Date           calendar.Date   `json:"date"`
	EventID        string          `json:"event_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Config holds alert service configuration
type Config struct {
	// Location decides which calendar day an alert belongs to
	Location *time.Location
	// Topic receives the alerts
	Topic string
	Pool  workerpool.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Location: time.UTC,
		Topic:    redpanda.TopicStockAlerts,
		Pool:     workerpool.DefaultConfig(),
	}
}

type job struct {
	event *stock.Event
	link  trace.Link
}

// Service evaluates stock events on a worker pool
type Service struct {
	reader    Reader
	inbox     Deduper
	publisher Publisher
	cb        *circuitbreaker.CircuitBreaker
	metrics   *metrics.Metrics
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	pool      *workerpool.Pool[job]
	now       func() time.Time
}

// NewService creates the alert service. cb guards the publisher; m may be nil.
func NewService(reader Reader, inbox Deduper, publisher Publisher, cb *circuitbreaker.CircuitBreaker, m *metrics.Metrics, cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Topic == "" {
		cfg.Topic = redpanda.TopicStockAlerts
	}
	if cfg.Pool.Retryable == nil {
		cfg.Pool.Retryable = retryable
	}

	s := &Service{
		reader:    reader,
		inbox:     inbox,
		publisher: publisher,
		cb:        cb,
		metrics:   m,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("alert-service"),
		now:       time.Now,
	}

	pool, err := workerpool.New(cfg.Pool, s.run, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// retryable keeps workers from spinning on an open circuit or a failed key
func retryable(err error) bool {
	return !circuitbreaker.IsOpen(err) && !errors.Is(err, idempotency.ErrPermanent)
}

// Start launches the workers
func (s *Service) Start() {
	s.pool.Start()
}

// Stop drains queued evaluations
func (s *Service) Stop() {
	s.pool.Stop()
}

// HandleMessage is a redpanda.MessageHandler. It blocks until the event is
// evaluated; a failure is returned so the consumer retries the record before
// committing past it. Permanent failures wrap idempotency.ErrPermanent.
func (s *Service) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var event stock.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		s.logger.Warn("skipping undecodable stock event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if event.EventType != stock.EventStockChanged {
		return nil
	}

	link := trace.LinkFromContext(ctx)
	return s.pool.Run(ctx, event.ID, job{event: &event, link: link})
}

func (s *Service) run(ctx context.Context, j job) error {
	ctx, span := s.tracer.Start(ctx, "evaluate_stock_event",
		trace.WithLinks(j.link),
		trace.WithAttributes(
			attribute.String("event_id", j.event.ID),
			attribute.String("medication_id", j.event.AggregateID),
		))
	defer span.End()

	alert, err := s.Evaluate(ctx, j.event)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if alert != nil {
		span.SetAttributes(attribute.String("level", string(alert.Level)))
	}
	return nil
}

// Evaluate checks the medication named by event and publishes an alert when
// its stock is critical or warning. It returns the alert it published, or nil
// when none was needed or the same alert already went out today.
func (s *Service) Evaluate(ctx context.Context, event *stock.Event) (*LowStockAlert, error) {
	data, err := stock.DecodeStockChanged(event)
	if err != nil {
		return nil, idempotency.Permanent(fmt.Errorf("decode event %s: %w", event.ID, err))
	}

	med, err := s.reader.Medication(ctx, data.MedicationID)
	if errors.Is(err, stock.ErrMedicationNotFound) {
		s.logger.Debug("medication gone, no alert", zap.String("medication_id", data.MedicationID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load medication: %w", err)
	}

	prescriptions, err := s.reader.Prescriptions(ctx, med.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load prescriptions: %w", err)
	}

	today := calendar.Of(s.now().In(s.config.Location))
	prediction := stock.Predict(*med, prescriptions, today)
	if prediction.Level != stock.LevelCritical && prediction.Level != stock.LevelWarning {
		return nil, nil
	}

	alert := &LowStockAlert{
		ID:             uuid.New().String(),
		OwnerID:        med.OwnerID,
		MedicationID:   med.ID,
		MedicationName: med.Name,
		Level:          prediction.Level,
		DaysLeft:       prediction.DaysLeft,
		Quantity:       med.Quantity,
		Date:           today,
		EventID:        event.ID,
		CreatedAt:      s.now().UTC(),
	}

	key := idempotency.GenerateKey(med.OwnerID, med.ID, string(prediction.Level), today.String())
	res, err := s.inbox.Process(ctx, key, handlerName, func(ctx context.Context) (json.RawMessage, error) {
		return s.publish(ctx, alert)
	})
	if err != nil {
		return nil, fmt.Errorf("publish alert: %w", err)
	}

	s.metrics.AlertSent(string(alert.Level), res.Duplicate)
	if res.Duplicate {
		s.logger.Debug("alert already sent today",
			zap.String("medication_id", med.ID),
			zap.String("level", string(alert.Level)))
		return nil, nil
	}

	s.logger.Info("low stock alert published",
		zap.String("owner_id", alert.OwnerID),
		zap.String("medication_id", alert.MedicationID),
		zap.String("level", string(alert.Level)),
		zap.Int("days_left", prediction.Days()))
	return alert, nil
}

func (s *Service) publish(ctx context.Context, alert *LowStockAlert) (json.RawMessage, error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return nil, idempotency.Permanent(err)
	}
	_, err = circuitbreaker.Do(ctx, s.cb, func() (struct{}, error) {
		return struct{}{}, s.publisher.Publish(ctx, s.config.Topic, alert.OwnerID, payload)
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Stats returns worker pool statistics
func (s *Service) Stats() workerpool.Stats {
	return s.pool.Stats()
}
