package appointment

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps unknown or empty values to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityHigh:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Appointment is created by the external scheduling system and is read-only
// here. Reason is free text and must never reach audit records or
// notification payloads.
type Appointment struct {
	ID            string
	PatientID     string
	DoctorID      string
	ScheduledTime time.Time
	Reason        string
	Priority      Priority
}
