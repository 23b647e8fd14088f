package stock

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medstock/medstock/internal/calendar"
)

// Reason explains a stock movement
type Reason string

const (
	ReasonRefill      Reason = "refill"
	ReasonConsumption Reason = "consumption"
	ReasonAdjustment  Reason = "adjustment"
	ReasonInitial     Reason = "initial"
	ReasonExpired     Reason = "expired"
	ReasonLost        Reason = "lost"
	ReasonOther       Reason = "other"
)

// Valid reports whether r is a known reason
func (r Reason) Valid() bool {
	switch r {
	case ReasonRefill, ReasonConsumption, ReasonAdjustment, ReasonInitial,
		ReasonExpired, ReasonLost, ReasonOther:
		return true
	}
	return false
}

// HistoryEntry is one immutable line of the stock ledger.
// NewBalance always equals PreviousBalance + QuantityChange.
type HistoryEntry struct {
	ID              string          `json:"id"`
	MedicationID    string          `json:"medication_id"`
	QuantityChange  decimal.Decimal `json:"quantity_change"`
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	Reason          Reason          `json:"reason"`
	ActorID         string          `json:"actor_id"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Balanced reports whether the entry satisfies the ledger invariant
func (e HistoryEntry) Balanced() bool {
	return e.PreviousBalance.Add(e.QuantityChange).Equal(e.NewBalance)
}

// ChartPoint is the end-of-day balance for one date
type ChartPoint struct {
	Date    calendar.Date   `json:"date"`
	Balance decimal.Decimal `json:"balance"`
}

// ChartData projects history into one end-of-day balance per date in
// chronological order. Entries are grouped by the calendar date of CreatedAt in
// loc (UTC when nil); the latest entry of a date wins. The input is not modified.
func ChartData(entries []HistoryEntry, loc *time.Location) []ChartPoint {
	if loc == nil {
		loc = time.UTC
	}

	sorted := make([]HistoryEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	points := make([]ChartPoint, 0)
	for _, e := range sorted {
		d := calendar.Of(e.CreatedAt.In(loc))
		if n := len(points); n > 0 && points[n-1].Date.Equal(d) {
			points[n-1].Balance = e.NewBalance
			continue
		}
		points = append(points, ChartPoint{Date: d, Balance: e.NewBalance})
	}
	return points
}
