package stock

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the type of stock event
type EventType string

const (
	EventStockChanged EventType = "StockChanged"
)

// AggregateType is the aggregate name stored with stock events
const AggregateType = "Medication"

// Event is a stock event destined for the outbox
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	OwnerID       string          `json:"owner_id"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, ownerID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		OwnerID:       ownerID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// StockChangedData describes a ledger movement
type StockChangedData struct {
	MedicationID    string          `json:"medication_id"`
	OwnerID         string          `json:"owner_id"`
	HistoryEntryID  string          `json:"history_entry_id"`
	Reason          Reason          `json:"reason"`
	QuantityChange  decimal.Decimal `json:"quantity_change"`
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// DecodeStockChanged extracts StockChangedData from an event payload
func DecodeStockChanged(e *Event) (*StockChangedData, error) {
	var data StockChangedData
	if err := json.Unmarshal(e.EventData, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
