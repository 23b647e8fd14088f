package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medstock/medstock/internal/calendar"
	"github.com/medstock/medstock/internal/domain/schedule"
	"github.com/medstock/medstock/internal/domain/stock"
	"github.com/medstock/medstock/internal/infrastructure/redpanda"
	"github.com/medstock/medstock/internal/observability/metrics"
	"github.com/medstock/medstock/pkg/circuitbreaker"
	"github.com/medstock/medstock/pkg/idempotency"
	"github.com/medstock/medstock/pkg/workerpool"
)

type fakeReader struct {
	meds          map[string]stock.Medication
	prescriptions []schedule.Prescription
}

func (f *fakeReader) Medication(_ context.Context, id string) (*stock.Medication, error) {
	m, ok := f.meds[id]
	if !ok {
		return nil, stock.ErrMedicationNotFound
	}
	return &m, nil
}

func (f *fakeReader) Prescriptions(context.Context, string) ([]schedule.Prescription, error) {
	return f.prescriptions, nil
}

// memoryInbox records finished keys like the PostgreSQL inbox
type memoryInbox struct {
	mu   sync.Mutex
	done map[string]json.RawMessage
}

func (m *memoryInbox) Process(ctx context.Context, key, _ string, fn idempotency.ProcessFunc) (*idempotency.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.done[key]; ok {
		return &idempotency.Result{Duplicate: true, Output: out}, nil
	}
	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	m.done[key] = out
	return &idempotency.Result{Output: out}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
	keys     []string
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if topic != redpanda.TopicStockAlerts {
		return errors.New("unexpected topic " + topic)
	}
	p.keys = append(p.keys, key)
	p.messages = append(p.messages, value)
	return nil
}

type fixture struct {
	svc       *Service
	reader    *fakeReader
	publisher *fakePublisher
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, qty int64) *fixture {
	t.Helper()
	reader := &fakeReader{
		meds: map[string]stock.Medication{
			"med1": {ID: "med1", OwnerID: "alice", Name: "Metformin", Quantity: decimal.NewFromInt(qty)},
		},
		prescriptions: []schedule.Prescription{
			{ID: "rx1", MedicationID: "med1", StartDate: calendar.MustParse("2024-01-01"), ContinuousUse: true, Times: []string{"08:00", "20:00"}},
		},
	}
	publisher := &fakePublisher{}

	cbCfg := circuitbreaker.DefaultConfig("alerts")
	cbCfg.FailureThreshold = 2
	cbCfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cbCfg, nil)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())

	cfg := DefaultConfig()
	cfg.Pool.Workers = 2
	cfg.Pool.MaxRetries = 1
	cfg.Pool.RetryDelay = time.Millisecond

	svc, err := NewService(reader, &memoryInbox{done: map[string]json.RawMessage{}}, publisher, cb, m, cfg, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC) }

	return &fixture{svc: svc, reader: reader, publisher: publisher, metrics: m}
}

func stockEvent(t *testing.T, medicationID string) *stock.Event {
	t.Helper()
	e, err := stock.NewEvent(medicationID, "alice", stock.EventStockChanged, &stock.StockChangedData{
		MedicationID: medicationID,
		OwnerID:      "alice",
		Reason:       stock.ReasonConsumption,
	})
	require.NoError(t, err)
	return e
}

func TestEvaluate_PublishesCriticalAlert(t *testing.T) {
	f := newFixture(t, 5)

	alert, err := f.svc.Evaluate(context.Background(), stockEvent(t, "med1"))
	require.NoError(t, err)
	require.NotNil(t, alert)

	assert.Equal(t, stock.LevelCritical, alert.Level)
	require.NotNil(t, alert.DaysLeft)
	assert.Equal(t, 2, *alert.DaysLeft)
	assert.Equal(t, calendar.MustParse("2024-03-10"), alert.Date)

	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, []string{"alice"}, f.publisher.keys)

	var sent LowStockAlert
	require.NoError(t, json.Unmarshal(f.publisher.messages[0], &sent))
	assert.Equal(t, alert.ID, sent.ID)
	assert.Equal(t, "Metformin", sent.MedicationName)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AlertsPublished.WithLabelValues("critical")))
}

func TestEvaluate_OncePerLevelPerDay(t *testing.T) {
	f := newFixture(t, 12)
	ctx := context.Background()

	first, err := f.svc.Evaluate(ctx, stockEvent(t, "med1"))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, stock.LevelWarning, first.Level)

	second, err := f.svc.Evaluate(ctx, stockEvent(t, "med1"))
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, f.publisher.messages, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AlertsSuppressed))

	// escalation to a new level is a new alert
	m := f.reader.meds["med1"]
	m.Quantity = decimal.NewFromInt(4)
	f.reader.meds["med1"] = m
	third, err := f.svc.Evaluate(ctx, stockEvent(t, "med1"))
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, stock.LevelCritical, third.Level)

	// next day repeats the alert
	f.svc.now = func() time.Time { return time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC) }
	fourth, err := f.svc.Evaluate(ctx, stockEvent(t, "med1"))
	require.NoError(t, err)
	assert.NotNil(t, fourth)
	assert.Len(t, f.publisher.messages, 3)
}

func TestEvaluate_NoAlertWhenStocked(t *testing.T) {
	f := newFixture(t, 100)

	alert, err := f.svc.Evaluate(context.Background(), stockEvent(t, "med1"))
	require.NoError(t, err)
	assert.Nil(t, alert)
	assert.Empty(t, f.publisher.messages)
}

func TestEvaluate_UnusedMedication(t *testing.T) {
	f := newFixture(t, 1)
	f.reader.prescriptions = nil

	alert, err := f.svc.Evaluate(context.Background(), stockEvent(t, "med1"))
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestEvaluate_MissingMedication(t *testing.T) {
	f := newFixture(t, 1)

	alert, err := f.svc.Evaluate(context.Background(), stockEvent(t, "gone"))
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestEvaluate_BadPayloadIsPermanent(t *testing.T) {
	f := newFixture(t, 1)
	e := stockEvent(t, "med1")
	e.EventData = json.RawMessage(`"not an object"`)

	_, err := f.svc.Evaluate(context.Background(), e)
	assert.ErrorIs(t, err, idempotency.ErrPermanent)
	assert.False(t, retryable(err))
}

func TestEvaluate_PublisherFailureOpensCircuit(t *testing.T) {
	f := newFixture(t, 1)
	f.publisher.err = errors.New("broker unreachable")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Evaluate(ctx, stockEvent(t, "med1"))
		require.Error(t, err)
		assert.False(t, circuitbreaker.IsOpen(err))
	}

	_, err := f.svc.Evaluate(ctx, stockEvent(t, "med1"))
	assert.True(t, circuitbreaker.IsOpen(err))
	assert.False(t, retryable(err))
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t, 3)
	f.svc.Start()
	defer f.svc.Stop()

	value, err := json.Marshal(stockEvent(t, "med1"))
	require.NoError(t, err)

	err = f.svc.HandleMessage(context.Background(), &redpanda.ConsumedMessage{Topic: redpanda.TopicStockEvents, Value: value})
	require.NoError(t, err)
	assert.Len(t, f.publisher.messages, 1)

	// undecodable and foreign events are acknowledged without work
	require.NoError(t, f.svc.HandleMessage(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{")}))
	other, err := json.Marshal(&stock.Event{ID: "x", EventType: "Renamed"})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleMessage(context.Background(), &redpanda.ConsumedMessage{Value: other}))

	assert.Len(t, f.publisher.messages, 1)
	assert.Equal(t, int64(1), f.svc.Stats().Completed)
}

func TestHandleMessage_AfterStop(t *testing.T) {
	f := newFixture(t, 3)
	f.svc.Start()
	f.svc.Stop()

	value, err := json.Marshal(stockEvent(t, "med1"))
	require.NoError(t, err)
	err = f.svc.HandleMessage(context.Background(), &redpanda.ConsumedMessage{Value: value})
	assert.ErrorIs(t, err, workerpool.ErrStopped)
}
