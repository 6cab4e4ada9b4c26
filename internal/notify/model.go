package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindReminder    Kind = "reminder"
	KindQueueUpdate Kind = "queue_update"
	KindLabResult   Kind = "lab_result"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrDeliveryFailed     = errors.New("notification delivery failed")
	ErrInvalidLeadTime    = errors.New("reminder lead time must not be negative")
	ErrMissingAppointment = errors.New("notification requires an appointment id")
)

// Notification carries identifiers and a digest only. Contact details and
// message bodies are resolved by the delivery transport.
type Notification struct {
	ID            string
	Kind          Kind
	AppointmentID string
	ScheduledFor  time.Time
	CreatedAt     time.Time
	PayloadDigest string
	Position      int
	EstimatedWait time.Duration
	Status        Status
	Attempts      int
	LastError     string
}

// Deliverer hands a fired notification to SMS, email or push.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, n Notification) error

func (f DelivererFunc) Deliver(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

func digest(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v|", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
