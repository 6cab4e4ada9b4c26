package appointment

import (
	"context"
	"errors"
	"time"
)

var ErrAppointmentNotFound = errors.New("appointment not found")

// Directory is the read-only view of appointments owned by the scheduling system.
type Directory interface {
	GetAppointment(ctx context.Context, id string) (*Appointment, error)

	// ListBetween returns appointments scheduled in [from, to), ordered by time.
	ListBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)
}
