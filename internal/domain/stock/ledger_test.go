package stock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medstock/medstock/internal/domain/adherence"
	"github.com/medstock/medstock/internal/domain/schedule"
)

type fakeWriter struct {
	changes []*Change
	err     error
}

func (w *fakeWriter) ApplyChange(_ context.Context, c *Change) error {
	if w.err != nil {
		return w.err
	}
	w.changes = append(w.changes, c)
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRefill(t *testing.T) {
	w := &fakeWriter{}
	l := NewLedger(w, nil)

	res, err := l.Refill(context.Background(), RefillRequest{
		MedicationID:   "med1",
		OwnerID:        "owner1",
		ActorID:        "user1",
		Quantity:       dec("20"),
		CurrentBalance: dec("10"),
		Notes:          "restock",
	})
	require.NoError(t, err)

	assert.True(t, res.NewBalance.Equal(dec("30")))
	assert.True(t, res.Entry.PreviousBalance.Equal(dec("10")))
	assert.True(t, res.Entry.NewBalance.Equal(dec("30")))
	assert.True(t, res.Entry.QuantityChange.Equal(dec("20")))
	assert.Equal(t, ReasonRefill, res.Entry.Reason)
	assert.Equal(t, "user1", res.Entry.ActorID)
	assert.Equal(t, "restock", res.Entry.Notes)
	assert.True(t, res.Entry.Balanced())
	assert.Nil(t, res.Dose)

	require.Len(t, w.changes, 1)
	c := w.changes[0]
	assert.Equal(t, "owner1", c.OwnerID)
	assert.Equal(t, res.Entry, c.Entry)
	require.NotNil(t, c.Event)
	assert.Equal(t, EventStockChanged, c.Event.EventType)
	assert.Equal(t, "med1", c.Event.AggregateID)

	data, err := DecodeStockChanged(c.Event)
	require.NoError(t, err)
	assert.Equal(t, res.Entry.ID, data.HistoryEntryID)
	assert.True(t, data.NewBalance.Equal(dec("30")))
}

func TestRefill_FractionalIsExact(t *testing.T) {
	l := NewLedger(&fakeWriter{}, nil)
	res, err := l.Refill(context.Background(), RefillRequest{MedicationID: "syrup", Quantity: dec("0.1"), CurrentBalance: dec("0.2")})
	require.NoError(t, err)
	assert.Equal(t, "0.3", res.NewBalance.String())
}

func TestRefill_RejectsNonPositive(t *testing.T) {
	w := &fakeWriter{}
	l := NewLedger(w, nil)

	for _, q := range []string{"0", "-5", "0.00004"} {
		_, err := l.Refill(context.Background(), RefillRequest{MedicationID: "med1", Quantity: dec(q), CurrentBalance: dec("10")})
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	}
	assert.Empty(t, w.changes)
}

func TestRefill_PropagatesWriterError(t *testing.T) {
	boom := errors.New("connection reset")
	l := NewLedger(&fakeWriter{err: boom}, nil)

	res, err := l.Refill(context.Background(), RefillRequest{MedicationID: "med1", Quantity: dec("1"), CurrentBalance: dec("1")})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)

	l = NewLedger(&fakeWriter{err: ErrStaleBalance}, nil)
	_, err = l.Refill(context.Background(), RefillRequest{MedicationID: "med1", Quantity: dec("1"), CurrentBalance: dec("1")})
	assert.ErrorIs(t, err, ErrStaleBalance)
}

func TestAdjust(t *testing.T) {
	w := &fakeWriter{}
	l := NewLedger(w, nil)

	res, err := l.Adjust(context.Background(), AdjustRequest{
		MedicationID:   "med1",
		NewQuantity:    dec("4"),
		Reason:         ReasonExpired,
		CurrentBalance: dec("10"),
	})
	require.NoError(t, err)
	assert.True(t, res.Entry.QuantityChange.Equal(dec("-6")))
	assert.Equal(t, ReasonExpired, res.Entry.Reason)
	assert.True(t, res.Entry.Balanced())
}

func TestAdjust_DefaultsReason(t *testing.T) {
	l := NewLedger(&fakeWriter{}, nil)
	res, err := l.Adjust(context.Background(), AdjustRequest{MedicationID: "med1", NewQuantity: dec("12"), CurrentBalance: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, ReasonAdjustment, res.Entry.Reason)
}

func TestAdjust_Rejects(t *testing.T) {
	l := NewLedger(&fakeWriter{}, nil)
	ctx := context.Background()

	_, err := l.Adjust(ctx, AdjustRequest{NewQuantity: dec("10"), CurrentBalance: dec("10")})
	assert.ErrorIs(t, err, ErrNoChange)

	_, err = l.Adjust(ctx, AdjustRequest{NewQuantity: dec("5"), Reason: ReasonRefill, CurrentBalance: dec("10")})
	assert.ErrorIs(t, err, ErrInvalidReason)

	_, err = l.Adjust(ctx, AdjustRequest{NewQuantity: dec("-1"), CurrentBalance: dec("10")})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestLogDose(t *testing.T) {
	w := &fakeWriter{}
	l := NewLedger(w, nil)
	p := schedule.Prescription{ID: "rx1", MedicationID: "med1", DoseAmount: 2, Times: []string{"08:00"}}

	res, err := l.LogDose(context.Background(), DoseRequest{
		OwnerID:        "owner1",
		ActorID:        "user1",
		Prescription:   p,
		Date:           today,
		ScheduledTime:  "8:00:30",
		CurrentBalance: dec("10"),
	})
	require.NoError(t, err)

	assert.True(t, res.NewBalance.Equal(dec("8")))
	assert.Equal(t, ReasonConsumption, res.Entry.Reason)
	assert.True(t, res.Entry.QuantityChange.Equal(dec("-2")))
	require.NotNil(t, res.Dose)
	assert.Equal(t, "rx1", res.Dose.PrescriptionID)
	assert.Equal(t, "08:00", res.Dose.ScheduledTime)
	assert.Equal(t, adherence.StatusTaken, res.Dose.Status)
	assert.Equal(t, today, res.Dose.Date)

	require.Len(t, w.changes, 1)
	assert.Same(t, res.Dose, w.changes[0].Dose)
}

func TestLogDose_Shortfall(t *testing.T) {
	l := NewLedger(&fakeWriter{}, nil)
	p := schedule.Prescription{ID: "rx1", MedicationID: "med1", DoseAmount: 2}

	res, err := l.LogDose(context.Background(), DoseRequest{Prescription: p, Date: today, ScheduledTime: "08:00", CurrentBalance: dec("0.5")})
	require.NoError(t, err)
	assert.True(t, res.NewBalance.IsZero())
	assert.True(t, res.Entry.QuantityChange.Equal(dec("-0.5")))
	assert.Contains(t, res.Entry.Notes, "shortfall of 1.5")
	assert.True(t, res.Entry.Balanced())
}

func TestLogDose_RoundsToStoredScale(t *testing.T) {
	w := &fakeWriter{}
	l := NewLedger(w, nil)
	p := schedule.Prescription{ID: "rx1", MedicationID: "med1", DoseAmount: 1.0 / 3}

	res, err := l.LogDose(context.Background(), DoseRequest{OwnerID: "owner1", Prescription: p, Date: today, ScheduledTime: "08:00", CurrentBalance: dec("10")})
	require.NoError(t, err)
	assert.True(t, res.Entry.QuantityChange.Equal(dec("-0.3333")), res.Entry.QuantityChange.String())
	assert.True(t, res.NewBalance.Equal(dec("9.6667")), res.NewBalance.String())
	assert.True(t, res.Entry.Balanced())

	require.Len(t, w.changes, 1)
	data, err := DecodeStockChanged(w.changes[0].Event)
	require.NoError(t, err)
	assert.True(t, data.QuantityChange.Equal(res.Entry.QuantityChange))
	assert.True(t, data.NewBalance.Equal(res.NewBalance))
}

func TestLogDose_TinyDoseTakesSmallestUnit(t *testing.T) {
	l := NewLedger(&fakeWriter{}, nil)
	p := schedule.Prescription{ID: "rx1", MedicationID: "med1", DoseAmount: 0.00001}

	res, err := l.LogDose(context.Background(), DoseRequest{Prescription: p, Date: today, ScheduledTime: "08:00", CurrentBalance: dec("1")})
	require.NoError(t, err)
	assert.True(t, res.Entry.QuantityChange.Equal(dec("-0.0001")))
}

func TestLogDose_RequiresDate(t *testing.T) {
	l := NewLedger(&fakeWriter{}, nil)
	_, err := l.LogDose(context.Background(), DoseRequest{CurrentBalance: dec("1")})
	assert.Error(t, err)
}

func TestChartData(t *testing.T) {
	at := func(s string) time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return ts
	}
	entries := []HistoryEntry{
		{NewBalance: dec("28"), CreatedAt: at("2024-06-02T20:00:00Z")},
		{NewBalance: dec("30"), CreatedAt: at("2024-06-01T09:00:00Z")},
		{NewBalance: dec("29"), CreatedAt: at("2024-06-02T08:00:00Z")},
		{NewBalance: dec("40"), CreatedAt: at("2024-06-04T12:00:00Z")},
	}

	points := ChartData(entries, nil)
	require.Len(t, points, 3)
	assert.Equal(t, "2024-06-01", points[0].Date.String())
	assert.True(t, points[0].Balance.Equal(dec("30")))
	assert.Equal(t, "2024-06-02", points[1].Date.String())
	assert.True(t, points[1].Balance.Equal(dec("28")))
	assert.Equal(t, "2024-06-04", points[2].Date.String())

	// input order untouched
	assert.True(t, entries[0].NewBalance.Equal(dec("28")))
}

func TestChartData_GroupsByLocationDay(t *testing.T) {
	saoPaulo := time.FixedZone("BRT", -3*60*60)
	entries := []HistoryEntry{
		{NewBalance: dec("30"), CreatedAt: time.Date(2024, 6, 1, 10, 0, 0, 0, saoPaulo).UTC()},
		{NewBalance: dec("60"), CreatedAt: time.Date(2024, 6, 1, 22, 0, 0, 0, saoPaulo).UTC()},
	}

	points := ChartData(entries, saoPaulo)
	require.Len(t, points, 1)
	assert.Equal(t, "2024-06-01", points[0].Date.String())
	assert.True(t, points[0].Balance.Equal(dec("60")))

	assert.Len(t, ChartData(entries, time.UTC), 2)
}

func TestChartData_Empty(t *testing.T) {
	points := ChartData(nil, time.UTC)
	assert.NotNil(t, points)
	assert.Empty(t, points)
}

func TestReasonValid(t *testing.T) {
	assert.True(t, ReasonLost.Valid())
	assert.False(t, Reason("stolen").Valid())
}
