package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/medstock/medstock/internal/calendar"
	"github.com/medstock/medstock/internal/domain/adherence"
	"github.com/medstock/medstock/internal/domain/schedule"
)

var (
	// ErrInvalidQuantity is returned for a non-positive refill quantity
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrNoChange is returned for an adjustment that leaves the balance unchanged
	ErrNoChange = errors.New("adjustment does not change the balance")
	// ErrInvalidReason is returned for a reason not allowed on the operation
	ErrInvalidReason = errors.New("invalid stock change reason")
	// ErrStaleBalance is returned by a Writer when the stored quantity no longer
	// matches the balance the change was computed from
	ErrStaleBalance = errors.New("stock balance changed concurrently")
	// ErrMedicationNotFound is returned when the medication does not exist
	ErrMedicationNotFound = errors.New("medication not found")
)

// QuantityScale is the number of decimal places stock quantities are stored with
const QuantityScale int32 = 4

// Change is one atomic ledger write: the medication's quantity moves to
// Entry.NewBalance, Entry is appended, Dose (if any) is logged and Event is
// queued for publication. Writers apply all of it or none of it.
type Change struct {
	OwnerID string
	Entry   HistoryEntry
	Dose    *adherence.LogEntry
	Event   *Event
}

// Writer persists ledger changes
type Writer interface {
	ApplyChange(ctx context.Context, change *Change) error
}

// Result is the outcome of a ledger operation
type Result struct {
	NewBalance decimal.Decimal     `json:"new_balance"`
	Entry      HistoryEntry        `json:"history_entry"`
	Dose       *adherence.LogEntry `json:"dose,omitempty"`
}

// Ledger records stock movements
type Ledger struct {
	writer Writer
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a new ledger
func NewLedger(writer Writer, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		writer: writer,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RefillRequest adds stock to a medication
type RefillRequest struct {
	MedicationID   string
	OwnerID        string
	ActorID        string
	Quantity       decimal.Decimal
	CurrentBalance decimal.Decimal
	Notes          string
}

// Refill adds req.Quantity to the current balance and records a refill entry.
// On error the final state is unknown; callers re-fetch before retrying.
func (l *Ledger) Refill(ctx context.Context, req RefillRequest) (*Result, error) {
	req.Quantity = req.Quantity.Round(QuantityScale)
	if !req.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	entry := l.newEntry(req.MedicationID, req.ActorID, ReasonRefill, req.CurrentBalance, req.Quantity, req.Notes)
	return l.apply(ctx, req.OwnerID, entry, nil)
}

// AdjustRequest sets a medication's stock to an observed quantity
type AdjustRequest struct {
	MedicationID   string
	OwnerID        string
	ActorID        string
	NewQuantity    decimal.Decimal
	Reason         Reason
	CurrentBalance decimal.Decimal
	Notes          string
}

var adjustReasons = map[Reason]bool{
	ReasonAdjustment: true,
	ReasonInitial:    true,
	ReasonExpired:    true,
	ReasonLost:       true,
	ReasonOther:      true,
}

// Adjust corrects the stock to req.NewQuantity
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest) (*Result, error) {
	if req.Reason == "" {
		req.Reason = ReasonAdjustment
	}
	if !adjustReasons[req.Reason] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReason, req.Reason)
	}
	req.NewQuantity = req.NewQuantity.Round(QuantityScale)
	if req.NewQuantity.IsNegative() {
		return nil, ErrInvalidQuantity
	}

	delta := req.NewQuantity.Sub(req.CurrentBalance)
	if delta.IsZero() {
		return nil, ErrNoChange
	}

	entry := l.newEntry(req.MedicationID, req.ActorID, req.Reason, req.CurrentBalance, delta, req.Notes)
	return l.apply(ctx, req.OwnerID, entry, nil)
}

// DoseRequest records a taken dose
type DoseRequest struct {
	OwnerID        string
	ActorID        string
	Prescription   schedule.Prescription
	Date           calendar.Date
	ScheduledTime  string
	CurrentBalance decimal.Decimal
}

// LogDose marks a scheduled dose as taken and deducts it from stock.
// Stock never drops below zero; a shortfall is noted on the entry.
func (l *Ledger) LogDose(ctx context.Context, req DoseRequest) (*Result, error) {
	if req.Date.IsZero() {
		return nil, calendar.ErrMalformedDate
	}

	dose := decimal.NewFromFloat(req.Prescription.Dose()).Round(QuantityScale)
	if !dose.IsPositive() {
		dose = decimal.New(1, -QuantityScale)
	}
	taken := dose
	notes := ""
	if req.CurrentBalance.LessThan(dose) {
		taken = decimal.Max(req.CurrentBalance, decimal.Zero)
		notes = fmt.Sprintf("shortfall of %s", dose.Sub(taken).String())
	}

	now := l.now()
	log := &adherence.LogEntry{
		ID:             uuid.New().String(),
		PrescriptionID: req.Prescription.ID,
		Date:           req.Date,
		ScheduledTime:  calendar.NormalizeClock(req.ScheduledTime),
		Status:         adherence.StatusTaken,
		TakenAt:        now,
	}

	entry := l.newEntry(req.Prescription.MedicationID, req.ActorID, ReasonConsumption, req.CurrentBalance, taken.Neg(), notes)
	return l.apply(ctx, req.OwnerID, entry, log)
}

func (l *Ledger) newEntry(medicationID, actorID string, reason Reason, previous, delta decimal.Decimal, notes string) HistoryEntry {
	previous = previous.Round(QuantityScale)
	delta = delta.Round(QuantityScale)
	return HistoryEntry{
		ID:              uuid.New().String(),
		MedicationID:    medicationID,
		QuantityChange:  delta,
		PreviousBalance: previous,
		NewBalance:      previous.Add(delta),
		Reason:          reason,
		ActorID:         actorID,
		Notes:           notes,
		CreatedAt:       l.now(),
	}
}

func (l *Ledger) apply(ctx context.Context, ownerID string, entry HistoryEntry, dose *adherence.LogEntry) (*Result, error) {
	event, err := NewEvent(entry.MedicationID, ownerID, EventStockChanged, &StockChangedData{
		MedicationID:    entry.MedicationID,
		OwnerID:         ownerID,
		HistoryEntryID:  entry.ID,
		Reason:          entry.Reason,
		QuantityChange:  entry.QuantityChange,
		PreviousBalance: entry.PreviousBalance,
		NewBalance:      entry.NewBalance,
		OccurredAt:      entry.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}

	change := &Change{OwnerID: ownerID, Entry: entry, Dose: dose, Event: event}
	if err := l.writer.ApplyChange(ctx, change); err != nil {
		l.logger.Error("stock change failed",
			zap.String("medication_id", entry.MedicationID),
			zap.String("reason", string(entry.Reason)),
			zap.Error(err))
		return nil, fmt.Errorf("apply %s: %w", entry.Reason, err)
	}

	l.logger.Info("stock changed",
		zap.String("medication_id", entry.MedicationID),
		zap.String("reason", string(entry.Reason)),
		zap.String("change", entry.QuantityChange.String()),
		zap.String("new_balance", entry.NewBalance.String()))

	return &Result{NewBalance: entry.NewBalance, Entry: entry, Dose: dose}, nil
}
