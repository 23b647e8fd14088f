// Package adherence computes dose adherence from consumption logs.
package adherence

import (
	"time"

	"github.com/medstock/medstock/internal/calendar"
)

// Status represents the outcome recorded for a scheduled dose
type Status string

const (
	StatusTaken   Status = "taken"
	StatusSkipped Status = "skipped"
	StatusMissed  Status = "missed"
)

// LogEntry records what happened to one scheduled dose
type LogEntry struct {
	ID             string        `json:"id"`
	PrescriptionID string        `json:"prescription_id"`
	Date           calendar.Date `json:"date"`
	ScheduledTime  string        `json:"scheduled_time"`
	Status         Status        `json:"status"`
	TakenAt        time.Time     `json:"taken_at"`
}

type doseKey struct {
	prescriptionID string
	date           calendar.Date
	clock          string
}

// Index answers "was this dose taken" in constant time
type Index struct {
	taken map[doseKey]struct{}
}

// NewIndex builds an index of the taken entries in logs
func NewIndex(logs []LogEntry) *Index {
	idx := &Index{taken: make(map[doseKey]struct{}, len(logs))}
	for _, l := range logs {
		if l.Status != StatusTaken {
			continue
		}
		idx.taken[doseKey{
			prescriptionID: l.PrescriptionID,
			date:           l.Date,
			clock:          calendar.NormalizeClock(l.ScheduledTime),
		}] = struct{}{}
	}
	return idx
}

// Taken reports whether the dose of prescriptionID at clock on date was taken
func (i *Index) Taken(prescriptionID string, date calendar.Date, clock string) bool {
	_, ok := i.taken[doseKey{
		prescriptionID: prescriptionID,
		date:           date,
		clock:          calendar.NormalizeClock(clock),
	}]
	return ok
}
