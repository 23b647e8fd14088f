package postgres

import (
	"context"
	"errors"

	"github.com/medstock/medstock/internal/calendar"
	"github.com/medstock/medstock/internal/domain/adherence"
	"github.com/medstock/medstock/internal/domain/schedule"
	"github.com/medstock/medstock/internal/domain/stock"
	"github.com/medstock/medstock/pkg/circuitbreaker"
)

// Backend is the method set of Store
type Backend interface {
	Medications(ctx context.Context, ownerID string) ([]stock.Medication, error)
	Medication(ctx context.Context, id string) (*stock.Medication, error)
	Prescriptions(ctx context.Context, ownerID string) ([]schedule.Prescription, error)
	Prescription(ctx context.Context, id string) (*schedule.Prescription, string, error)
	ConsumptionLogs(ctx context.Context, ownerID string, from, to calendar.Date) ([]adherence.LogEntry, error)
	History(ctx context.Context, medicationID string, days int) ([]stock.HistoryEntry, error)
	ApplyChange(ctx context.Context, change *stock.Change) error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*Guarded)(nil)
)

// IsBusinessError reports errors that describe the request rather than the
// database's health
func IsBusinessError(err error) bool {
	return errors.Is(err, stock.ErrMedicationNotFound) ||
		errors.Is(err, schedule.ErrPrescriptionNotFound) ||
		errors.Is(err, stock.ErrStaleBalance) ||
		errors.Is(err, context.Canceled)
}

// Guarded routes every Backend call through a circuit breaker
type Guarded struct {
	next Backend
	cb   *circuitbreaker.CircuitBreaker
}

// NewGuarded wraps next with cb. cb should be built with IsBusinessError as
// its Ignore function.
func NewGuarded(next Backend, cb *circuitbreaker.CircuitBreaker) *Guarded {
	return &Guarded{next: next, cb: cb}
}

// Medications implements Backend
func (g *Guarded) Medications(ctx context.Context, ownerID string) ([]stock.Medication, error) {
	return circuitbreaker.Do(ctx, g.cb, func() ([]stock.Medication, error) {
		return g.next.Medications(ctx, ownerID)
	})
}

// Medication implements Backend
func (g *Guarded) Medication(ctx context.Context, id string) (*stock.Medication, error) {
	return circuitbreaker.Do(ctx, g.cb, func() (*stock.Medication, error) {
		return g.next.Medication(ctx, id)
	})
}

// Prescriptions implements Backend
func (g *Guarded) Prescriptions(ctx context.Context, ownerID string) ([]schedule.Prescription, error) {
	return circuitbreaker.Do(ctx, g.cb, func() ([]schedule.Prescription, error) {
		return g.next.Prescriptions(ctx, ownerID)
	})
}

type ownedPrescription struct {
	p     *schedule.Prescription
	owner string
}

// Prescription implements Backend
func (g *Guarded) Prescription(ctx context.Context, id string) (*schedule.Prescription, string, error) {
	out, err := circuitbreaker.Do(ctx, g.cb, func() (ownedPrescription, error) {
		p, owner, err := g.next.Prescription(ctx, id)
		return ownedPrescription{p: p, owner: owner}, err
	})
	if err != nil {
		return nil, "", err
	}
	return out.p, out.owner, nil
}

// ConsumptionLogs implements Backend
func (g *Guarded) ConsumptionLogs(ctx context.Context, ownerID string, from, to calendar.Date) ([]adherence.LogEntry, error) {
	return circuitbreaker.Do(ctx, g.cb, func() ([]adherence.LogEntry, error) {
		return g.next.ConsumptionLogs(ctx, ownerID, from, to)
	})
}

// History implements Backend
func (g *Guarded) History(ctx context.Context, medicationID string, days int) ([]stock.HistoryEntry, error) {
	return circuitbreaker.Do(ctx, g.cb, func() ([]stock.HistoryEntry, error) {
		return g.next.History(ctx, medicationID, days)
	})
}

// ApplyChange implements Backend
func (g *Guarded) ApplyChange(ctx context.Context, change *stock.Change) error {
	_, err := circuitbreaker.Do(ctx, g.cb, func() (struct{}, error) {
		return struct{}{}, g.next.ApplyChange(ctx, change)
	})
	return err
}
