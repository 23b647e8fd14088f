package postgres

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medstock/medstock/internal/domain/schedule"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		case *float64:
			*p = r.values[i].(float64)
		case *[]string:
			*p = r.values[i].([]string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case **time.Time:
			if v, ok := r.values[i].(time.Time); ok {
				*p = &v
			}
		}
	}
	return nil
}

func TestScanPrescription(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	var owner string
	p, err := scanPrescription(fakeRow{values: []any{
		"rx1", "med1", start, end, false, 2.0, []string{"08:00", "20:00"}, "weekly", "owner1",
	}}, &owner)
	require.NoError(t, err)

	assert.Equal(t, "rx1", p.ID)
	assert.Equal(t, "med1", p.MedicationID)
	assert.Equal(t, "2024-06-01", p.StartDate.String())
	assert.Equal(t, "2024-06-30", p.EndDate.String())
	assert.Equal(t, schedule.FrequencyWeekly, p.Frequency)
	assert.Equal(t, []string{"08:00", "20:00"}, p.Times)
	assert.Equal(t, "owner1", owner)
}

func TestScanPrescription_NullEndDate(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	p, err := scanPrescription(fakeRow{values: []any{
		"rx1", "med1", start, nil, true, 1.0, []string{"08:00"}, "daily",
	}})
	require.NoError(t, err)
	assert.True(t, p.EndDate.IsZero())
	assert.False(t, p.HasEndDate())
}

func TestScanPrescription_NoRows(t *testing.T) {
	_, err := scanPrescription(fakeRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	_, err = scanPrescription(fakeRow{err: errors.New("conn closed")})
	assert.ErrorContains(t, err, "scan prescription")
}

func TestSchemaDeclaresTables(t *testing.T) {
	for _, table := range []string{"medications", "prescriptions", "consumption_logs", "stock_history", "outbox", "inbox"} {
		assert.Contains(t, Schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestNewDeadLetter(t *testing.T) {
	lastErr := "broker unavailable"
	entry := &OutboxEntry{
		AggregateID: "med1",
		EventType:   "StockChanged",
		Payload:     json.RawMessage(`{"medication_id":"med1"}`),
		KafkaTopic:  "stock.events",
		RetryCount:  5,
		LastError:   &lastErr,
	}

	raw, err := json.Marshal(NewDeadLetter(entry))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "stock.events", got["original_topic"])
	assert.Equal(t, "broker unavailable", got["last_error"])
	assert.Equal(t, map[string]any{"medication_id": "med1"}, got["payload"])
}
