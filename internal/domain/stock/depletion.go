// Package stock implements stock level prediction and the stock ledger.
package stock

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/medstock/medstock/internal/calendar"
	"github.com/medstock/medstock/internal/domain/schedule"
)

// Medication is a stocked medication
type Medication struct {
	ID       string          `json:"id"`
	OwnerID  string          `json:"owner_id"`
	Name     string          `json:"name"`
	Dosage   string          `json:"dosage"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Level is the urgency of a medication's stock
type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
	LevelOK       Level = "ok"
	LevelUnused   Level = "unused"
)

// Severity boundaries in days remaining
const (
	CriticalDays = 3
	WarningDays  = 7
)

// DefaultLowStockThreshold is the low-stock cutoff in days when none is given
const DefaultLowStockThreshold = 7

// MaxDaysLeft caps predictions for stock that outlasts any realistic horizon
const MaxDaysLeft = math.MaxInt32

// floorEpsilon keeps results like 30 / (1/7) at 210 rather than 209
const floorEpsilon = 1e-9

// DailyConsumption returns the units of medicationID consumed per day by the
// prescriptions active on today
func DailyConsumption(medicationID string, prescriptions []schedule.Prescription, today calendar.Date) (rate float64, active int) {
	for i := range prescriptions {
		p := &prescriptions[i]
		if p.MedicationID != medicationID || !p.ActiveOn(today) {
			continue
		}
		active++
		rate += p.DailyRate()
	}
	return rate, active
}

// DaysUntilDepletion predicts how many whole days the stock of med lasts,
// capped at MaxDaysLeft.
// ok is false when no prediction is possible: the medication is not in active
// use or its prescriptions consume nothing.
func DaysUntilDepletion(med Medication, prescriptions []schedule.Prescription, today calendar.Date) (days int, ok bool) {
	if !med.Quantity.IsPositive() {
		return 0, true
	}

	rate, active := DailyConsumption(med.ID, prescriptions, today)
	if active == 0 || rate <= 0 {
		return 0, false
	}

	whole := math.Floor(med.Quantity.InexactFloat64()/rate + floorEpsilon)
	if math.IsNaN(whole) || whole >= MaxDaysLeft {
		return MaxDaysLeft, true
	}
	return int(whole), true
}

// LevelFor classifies a depletion prediction
func LevelFor(days int, ok bool) Level {
	switch {
	case !ok:
		return LevelUnused
	case days <= CriticalDays:
		return LevelCritical
	case days <= WarningDays:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Prediction is the stock outlook for one medication
type Prediction struct {
	Medication Medication `json:"medication"`
	DaysLeft   *int       `json:"days_left"`
	Level      Level      `json:"level"`
}

// Predict computes the depletion prediction and level for med
func Predict(med Medication, prescriptions []schedule.Prescription, today calendar.Date) Prediction {
	days, ok := DaysUntilDepletion(med, prescriptions, today)
	p := Prediction{Medication: med, Level: LevelFor(days, ok)}
	if ok {
		p.DaysLeft = &days
	}
	return p
}

// Days returns the predicted days, treating an unknown prediction as zero
func (p Prediction) Days() int {
	if p.DaysLeft == nil {
		return 0
	}
	return *p.DaysLeft
}

// LowStock ranks the medications that need attention: critical or warning
// levels within threshold days, soonest first. threshold <= 0 uses the default.
// The level cut applies first, so a threshold above WarningDays never admits
// ok medications.
func LowStock(meds []Medication, prescriptions []schedule.Prescription, threshold int, today calendar.Date) []Prediction {
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}

	out := make([]Prediction, 0)
	for _, m := range meds {
		p := Predict(m, prescriptions, today)
		if p.Level != LevelCritical && p.Level != LevelWarning {
			continue
		}
		if p.Days() > threshold {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Days() < out[j].Days()
	})
	return out
}
