package checkin

import (
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/loyalty"
)

type Source string

const (
	SourceQR  Source = "QR"
	SourceNFC Source = "NFC"
)

// Event is the canonical kiosk payload. Device specifics are decoded by
// the kiosk adapter before it gets here.
type Event struct {
	Source          Source
	PatientID       string
	AppointmentID   string
	KioskID         string
	DeviceTimestamp int64 // unix ms, as reported by the kiosk
}

// Verified is the only check-in payload downstream components may use.
type Verified struct {
	AppointmentID string
	PatientID     string
	DoctorID      string
	Priority      appointment.Priority
	ScheduledTime time.Time
	Activity      loyalty.Activity
	Source        Source
	VerifiedAt    time.Time
}

type RejectReason string

const (
	ReasonDuplicateCheckIn   RejectReason = "duplicate_check_in"
	ReasonSuspiciousReplay   RejectReason = "suspicious_replay"
	ReasonUnknownAppointment RejectReason = "unknown_appointment"
	ReasonAppointmentClosed  RejectReason = "appointment_closed"
	ReasonMalformedEvent     RejectReason = "malformed_event"
)

var (
	ErrDuplicateCheckIn   = errors.New("appointment already checked in")
	ErrSuspiciousReplay   = errors.New("check-in replayed within the replay window")
	ErrUnknownAppointment = errors.New("unknown appointment")
	ErrAppointmentClosed  = errors.New("appointment already completed or cancelled")
	ErrMalformedEvent     = errors.New("malformed check-in event")
)

var reasonErrors = map[RejectReason]error{
	ReasonDuplicateCheckIn:   ErrDuplicateCheckIn,
	ReasonSuspiciousReplay:   ErrSuspiciousReplay,
	ReasonUnknownAppointment: ErrUnknownAppointment,
	ReasonAppointmentClosed:  ErrAppointmentClosed,
	ReasonMalformedEvent:     ErrMalformedEvent,
}

// Rejection is the typed result of a refused check-in. errors.Is matches it
// against the sentinel for its reason.
type Rejection struct {
	Reason RejectReason
	Detail string
}

// Reject builds a Rejection for reason.
func Reject(reason RejectReason, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return reasonErrors[r.Reason].Error()
	}
	return fmt.Sprintf("%s: %s", reasonErrors[r.Reason], r.Detail)
}

func (r *Rejection) Is(target error) bool {
	return reasonErrors[r.Reason] == target
}

// ReasonOf extracts the rejection reason from err, if there is one.
func ReasonOf(err error) (RejectReason, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason, true
	}
	return "", false
}
