package adherence

import (
	"github.com/medstock/medstock/internal/calendar"
	"github.com/medstock/medstock/internal/domain/schedule"
)

// MaxStreakLookback bounds how far back CalculateStreak walks
const MaxStreakLookback = 365

// IsPerfect reports whether every dose expected on day was taken.
// A day with nothing scheduled is perfect.
func IsPerfect(day calendar.Date, prescriptions []schedule.Prescription, idx *Index) bool {
	for _, ev := range schedule.Generate(day, prescriptions) {
		if !idx.Taken(ev.PrescriptionID, day, ev.Time) {
			return false
		}
	}
	return true
}

// CalculateStreak counts consecutive perfect days ending at today.
//
// The walk starts at yesterday and stops at the first imperfect day. Today is
// judged on its own and adds one when perfect, even if yesterday broke the chain.
func CalculateStreak(prescriptions []schedule.Prescription, logs []LogEntry, today calendar.Date) int {
	idx := NewIndex(logs)

	streak := 0
	for back := 1; back <= MaxStreakLookback; back++ {
		if !IsPerfect(today.AddDays(-back), prescriptions, idx) {
			break
		}
		streak++
	}

	if IsPerfect(today, prescriptions, idx) {
		streak++
	}
	return streak
}

// Summary describes progress through one day's doses
type Summary struct {
	Date     calendar.Date        `json:"date"`
	Expected int                  `json:"expected"`
	Taken    int                  `json:"taken"`
	Perfect  bool                 `json:"perfect"`
	Pending  []schedule.DoseEvent `json:"pending"`
}

// DaySummary reports expected, taken and still pending doses for day
func DaySummary(day calendar.Date, prescriptions []schedule.Prescription, logs []LogEntry) Summary {
	idx := NewIndex(logs)
	events := schedule.Generate(day, prescriptions)

	s := Summary{
		Date:     day,
		Expected: len(events),
		Pending:  make([]schedule.DoseEvent, 0),
	}
	for _, ev := range events {
		if idx.Taken(ev.PrescriptionID, day, ev.Time) {
			s.Taken++
			continue
		}
		s.Pending = append(s.Pending, ev)
	}
	s.Perfect = len(s.Pending) == 0
	return s
}
