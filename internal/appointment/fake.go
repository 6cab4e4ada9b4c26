package appointment

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

var fakeReasons = []string{
	"follow-up",
	"annual check-up",
	"blood pressure review",
	"vaccination",
	"skin rash",
	"back pain",
	"prescription renewal",
	"lab results discussion",
}

// Fake generates a reproducible day of appointments for local runs and load
// tests. Doctors get IDs doc-01..doc-NN and slots are spread over 08:00-17:00
// on day, in 15 minute steps.
func Fake(seed uint64, day time.Time, doctors, count int) []Appointment {
	if doctors < 1 {
		doctors = 1
	}
	f := gofakeit.New(seed)
	opening := time.Date(day.Year(), day.Month(), day.Day(), 8, 0, 0, 0, day.Location())

	out := make([]Appointment, 0, count)
	for i := range count {
		pri := PriorityNormal
		switch n := f.Number(1, 10); {
		case n == 1:
			pri = PriorityHigh
		case n >= 9:
			pri = PriorityLow
		}
		out = append(out, Appointment{
			ID:            f.UUID(),
			PatientID:     fmt.Sprintf("pat-%06d", f.Number(1, 999999)),
			DoctorID:      fmt.Sprintf("doc-%02d", i%doctors+1),
			ScheduledTime: opening.Add(time.Duration(f.Number(0, 35)) * 15 * time.Minute),
			Reason:        f.RandomString(fakeReasons),
			Priority:      pri,
		})
	}
	return out
}

const (
	DemoDoctors      = 4
	DemoAppointments = 120
)

// Demo is the day the orchestrator serves when no database is configured.
// The simulator regenerates the same set to know which IDs exist.
func Demo(day time.Time) []Appointment {
	return Fake(uint64(day.YearDay()), day, DemoDoctors, DemoAppointments)
}
