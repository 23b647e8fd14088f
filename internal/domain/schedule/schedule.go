package schedule

import (
	"github.com/medstock/medstock/internal/calendar"
)

// DoseEvent is one administration expected on a given day
type DoseEvent struct {
	PrescriptionID string `json:"prescription_id"`
	MedicationID   string `json:"medication_id"`
	Time           string `json:"time"`
}

// Generate lists the dose events expected on date, in prescription order and
// then in times order. Two prescriptions sharing a time both produce an event.
func Generate(date calendar.Date, prescriptions []Prescription) []DoseEvent {
	events := make([]DoseEvent, 0)
	for i := range prescriptions {
		p := &prescriptions[i]
		if !p.Covers(date) {
			continue
		}
		for _, t := range p.Times {
			events = append(events, DoseEvent{
				PrescriptionID: p.ID,
				MedicationID:   p.MedicationID,
				Time:           calendar.NormalizeClock(t),
			})
		}
	}
	return events
}

// GenerateString is Generate for a YYYY-MM-DD date string
func GenerateString(date string, prescriptions []Prescription) ([]DoseEvent, error) {
	d, err := calendar.Parse(date)
	if err != nil {
		return nil, err
	}
	return Generate(d, prescriptions), nil
}

// ForMedication returns the prescriptions referencing medicationID
func ForMedication(medicationID string, prescriptions []Prescription) []Prescription {
	var out []Prescription
	for _, p := range prescriptions {
		if p.MedicationID == medicationID {
			out = append(out, p)
		}
	}
	return out
}
