package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medstock/medstock/internal/calendar"
)

func day(s string) calendar.Date { return calendar.MustParse(s) }

func TestGenerate_DateBoundaries(t *testing.T) {
	rx := []Prescription{{
		ID:        "rx1",
		StartDate: day("2024-03-01"),
		EndDate:   day("2024-03-10"),
		Times:     []string{"08:00"},
		Frequency: FrequencyDaily,
	}}

	assert.Len(t, Generate(day("2024-03-01"), rx), 1)
	assert.Len(t, Generate(day("2024-03-10"), rx), 1)
	assert.Empty(t, Generate(day("2024-02-28"), rx))
	assert.Empty(t, Generate(day("2024-03-11"), rx))
}

func TestGenerate_ContinuousUseIgnoresEndDate(t *testing.T) {
	rx := []Prescription{{
		ID:            "rx1",
		StartDate:     day("2024-03-01"),
		EndDate:       day("2024-03-10"),
		ContinuousUse: true,
		Times:         []string{"08:00"},
	}}

	assert.Len(t, Generate(day("2025-01-01"), rx), 1)
	assert.Empty(t, Generate(day("2024-02-29"), rx))
}

func TestGenerate_Order(t *testing.T) {
	rx := []Prescription{
		{ID: "a", MedicationID: "m1", StartDate: day("2024-01-01"), Times: []string{"08:00", "20:00"}},
		{ID: "b", MedicationID: "m2", StartDate: day("2024-01-01"), Times: []string{"08:00"}},
	}

	events := Generate(day("2024-01-05"), rx)
	require.Len(t, events, 3)
	assert.Equal(t, DoseEvent{PrescriptionID: "a", MedicationID: "m1", Time: "08:00"}, events[0])
	assert.Equal(t, DoseEvent{PrescriptionID: "a", MedicationID: "m1", Time: "20:00"}, events[1])
	assert.Equal(t, DoseEvent{PrescriptionID: "b", MedicationID: "m2", Time: "08:00"}, events[2])
}

func TestGenerate_NoPrescriptions(t *testing.T) {
	events := Generate(day("2024-01-05"), nil)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestGenerate_Deterministic(t *testing.T) {
	rx := []Prescription{{ID: "a", StartDate: day("2024-01-01"), Times: []string{"9:30", "21:00:10"}}}
	first := Generate(day("2024-02-01"), rx)
	second := Generate(day("2024-02-01"), rx)
	assert.Equal(t, first, second)
	assert.Equal(t, "09:30", first[0].Time)
	assert.Equal(t, "21:00", first[1].Time)
}

func TestGenerateString(t *testing.T) {
	rx := []Prescription{{ID: "a", StartDate: day("2024-03-01"), Times: []string{"08:00"}}}

	events, err := GenerateString("2024-03-01", rx)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = GenerateString("03/01/2024", rx)
	assert.ErrorIs(t, err, calendar.ErrMalformedDate)
}

func TestActiveOn(t *testing.T) {
	ended := Prescription{EndDate: day("2024-03-10")}
	assert.True(t, ended.ActiveOn(day("2024-03-10")))
	assert.False(t, ended.ActiveOn(day("2024-03-11")))

	open := Prescription{}
	assert.True(t, open.ActiveOn(day("2030-01-01")))

	continuous := Prescription{EndDate: day("2024-03-10"), ContinuousUse: true}
	assert.True(t, continuous.ActiveOn(day("2030-01-01")))

	future := Prescription{StartDate: day("2030-01-01")}
	assert.True(t, future.ActiveOn(day("2024-01-01")))
}

func TestFrequencyMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, FrequencyDaily.Multiplier())
	assert.InDelta(t, 1.0/7, FrequencyWeekly.Multiplier(), 1e-12)
	assert.InDelta(t, 1.0/30, FrequencyMonthly.Multiplier(), 1e-12)
	assert.Equal(t, 0.5, FrequencyEveryOtherDay.Multiplier())
	assert.Equal(t, 1.0, Frequency("").Multiplier())
	assert.Equal(t, 1.0, Frequency("hourly").Multiplier())
}

func TestDose_Defaults(t *testing.T) {
	assert.Equal(t, 1.0, (&Prescription{}).Dose())
	assert.Equal(t, 1.0, (&Prescription{DoseAmount: -2}).Dose())
	assert.Equal(t, 2.5, (&Prescription{DoseAmount: 2.5}).Dose())
}

func TestDailyRate(t *testing.T) {
	p := Prescription{DoseAmount: 2, Times: []string{"08:00", "20:00"}, Frequency: FrequencyEveryOtherDay}
	assert.Equal(t, 2.0, p.DailyRate())
}

func TestForMedication(t *testing.T) {
	rx := []Prescription{{ID: "a", MedicationID: "m1"}, {ID: "b", MedicationID: "m2"}, {ID: "c", MedicationID: "m1"}}
	got := ForMedication("m1", rx)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}
