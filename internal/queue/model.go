package queue

import (
	"errors"
	"time"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
)

type State string

const (
	StateWaiting    State = "waiting"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Live reports whether the entry still occupies the doctor's queue.
func (s State) Live() bool {
	return s == StateWaiting || s == StateInProgress
}

var (
	ErrAlreadyQueued     = errors.New("appointment already has a live queue entry")
	ErrInvalidTransition = errors.New("invalid queue state transition")
	ErrNotQueued         = errors.New("appointment is not in a queue")
)

// Entry is a snapshot of one appointment's place in a doctor's queue.
// Position is 1-based among Waiting entries and 0 for every other state;
// it is recomputed on each mutation and never stored authoritatively.
type Entry struct {
	AppointmentID string
	DoctorID      string
	Priority      appointment.Priority
	EnqueuedAt    time.Time
	StartedAt     time.Time
	Position      int
	State         State
}

// SnapshotItem is one Waiting entry as shown to the doctor portal.
type SnapshotItem struct {
	AppointmentID string
	Position      int
	EstimatedWait time.Duration
	Priority      appointment.Priority
}

// Update tells a patient their position moved.
type Update struct {
	AppointmentID string
	DoctorID      string
	Position      int
	EstimatedWait time.Duration
}

type Stats struct {
	DoctorID            string
	Waiting             int
	InProgress          int
	Completed           int
	Cancelled           int
	AverageConsultation time.Duration
}
