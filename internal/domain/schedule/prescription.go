// Package schedule implements prescriptions and the dose schedule generator.
package schedule

import (
	"errors"

	"github.com/medstock/medstock/internal/calendar"
)

// ErrPrescriptionNotFound is returned when a prescription does not exist
var ErrPrescriptionNotFound = errors.New("prescription not found")

// Frequency describes how often a prescription's times apply
type Frequency string

const (
	FrequencyDaily         Frequency = "daily"
	FrequencyWeekly        Frequency = "weekly"
	FrequencyMonthly       Frequency = "monthly"
	FrequencyEveryOtherDay Frequency = "every_other_day"
)

// Multiplier converts a per-administration-day count into a per-calendar-day rate.
// Unknown or empty frequencies count as daily.
func (f Frequency) Multiplier() float64 {
	switch f {
	case FrequencyWeekly:
		return 1.0 / 7.0
	case FrequencyMonthly:
		return 1.0 / 30.0
	case FrequencyEveryOtherDay:
		return 0.5
	default:
		return 1
	}
}

// Valid reports whether f is one of the known frequencies
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyEveryOtherDay:
		return true
	}
	return false
}

// DefaultDoseAmount is used when a prescription carries no usable dose amount
const DefaultDoseAmount = 1.0

// Prescription is a dosing schedule for one medication
type Prescription struct {
	ID            string        `json:"id"`
	MedicationID  string        `json:"medication_id"`
	StartDate     calendar.Date `json:"start_date"`
	EndDate       calendar.Date `json:"end_date"` // zero when absent
	ContinuousUse bool          `json:"continuous_use"`
	DoseAmount    float64       `json:"dose_amount"`
	Times         []string      `json:"times"`
	Frequency     Frequency     `json:"frequency"`
}

// Dose returns the units consumed per administration
func (p *Prescription) Dose() float64 {
	if p.DoseAmount <= 0 {
		return DefaultDoseAmount
	}
	return p.DoseAmount
}

// HasEndDate reports whether the prescription ends on a known date
func (p *Prescription) HasEndDate() bool {
	return !p.ContinuousUse && !p.EndDate.IsZero()
}

// ActiveOn reports whether the prescription is still in use on d.
// The start date is not considered: a prescription that has not begun yet
// still counts toward planned consumption.
func (p *Prescription) ActiveOn(d calendar.Date) bool {
	if !p.HasEndDate() {
		return true
	}
	return !p.EndDate.Before(d)
}

// Covers reports whether doses are expected on d
func (p *Prescription) Covers(d calendar.Date) bool {
	if !p.StartDate.IsZero() && d.Before(p.StartDate) {
		return false
	}
	if p.HasEndDate() && d.After(p.EndDate) {
		return false
	}
	return true
}

// DailyRate returns the units this prescription consumes per calendar day
func (p *Prescription) DailyRate() float64 {
	return p.Dose() * float64(len(p.Times)) * p.Frequency.Multiplier()
}
