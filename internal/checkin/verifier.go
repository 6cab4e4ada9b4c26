package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/audit"
	"github.com/hackgods/patient-flow-orchestrator/internal/loyalty"
	"github.com/hackgods/patient-flow-orchestrator/internal/metrics"
	"github.com/hackgods/patient-flow-orchestrator/internal/queue"
	redisclient "github.com/hackgods/patient-flow-orchestrator/internal/redis"
)

// QueueState is the read side of the queue the verifier needs.
type QueueState interface {
	State(appointmentID string) (queue.State, bool)
}

// Verifier validates kiosk check-ins. Verification for one (kiosk,
// appointment) pair is serialized; unrelated pairs run in parallel.
type Verifier struct {
	directory appointment.Directory
	queue     QueueState
	recorder  audit.Recorder
	window    time.Duration

	guard   ReplayGuard
	locker  redisclient.Locker
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Verifier)

func WithReplayGuard(g ReplayGuard) Option {
	return func(v *Verifier) { v.guard = g }
}

// WithLocker replaces the in-process pair lock, e.g. with a Redis lock
// when several instances share kiosks.
func WithLocker(l redisclient.Locker) Option {
	return func(v *Verifier) { v.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

func NewVerifier(directory appointment.Directory, qs QueueState, recorder audit.Recorder, window time.Duration, opts ...Option) *Verifier {
	v := &Verifier{
		directory: directory,
		queue:     qs,
		recorder:  recorder,
		window:    window,
		locker:    newKeyedLocker(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.guard == nil {
		v.guard = NewMemoryReplayGuard(v.now)
	}
	return v
}

// Verify returns the verified check-in or a *Rejection. Any other error
// means a collaborator (directory, replay store) failed.
func (v *Verifier) Verify(ctx context.Context, ev Event) (Verified, error) {
	if err := validate(ev); err != nil {
		v.rejected(ctx, ev, err)
		return Verified{}, err
	}

	var out Verified
	err := v.locker.WithLock(ctx, pairKey(ev.KioskID, ev.AppointmentID), func(ctx context.Context) error {
		var err error
		out, err = v.verifyLocked(ctx, ev)
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		err = Reject(ReasonSuspiciousReplay, "concurrent tap from the same kiosk")
	}
	if err != nil {
		if _, ok := ReasonOf(err); ok {
			v.rejected(ctx, ev, err)
		}
		return Verified{}, err
	}

	v.metrics.IncCheckIn("verified")
	v.recorder.Record(ctx, audit.ActionCheckInVerified, audit.Metadata{
		"appointment_id": out.AppointmentID,
		"patient_id":     out.PatientID,
		"doctor_id":      out.DoctorID,
		"kiosk_id":       ev.KioskID,
		"source":         string(out.Source),
	})
	return out, nil
}

func (v *Verifier) verifyLocked(ctx context.Context, ev Event) (Verified, error) {
	first, err := v.guard.Claim(ctx, ev.KioskID, ev.AppointmentID, v.window)
	if err != nil {
		return Verified{}, fmt.Errorf("replay guard: %w", err)
	}
	if !first {
		return Verified{}, Reject(ReasonSuspiciousReplay, "")
	}

	appt, err := v.directory.GetAppointment(ctx, ev.AppointmentID)
	if errors.Is(err, appointment.ErrAppointmentNotFound) {
		return Verified{}, Reject(ReasonUnknownAppointment, "")
	}
	if err != nil {
		return Verified{}, fmt.Errorf("lookup appointment: %w", err)
	}
	// a mismatched patient reads the same as a missing appointment
	if appt.PatientID != ev.PatientID {
		return Verified{}, Reject(ReasonUnknownAppointment, "")
	}

	if st, ok := v.queue.State(appt.ID); ok {
		switch {
		case st.Terminal():
			return Verified{}, Reject(ReasonAppointmentClosed, string(st))
		case st.Live():
			return Verified{}, Reject(ReasonDuplicateCheckIn, string(st))
		}
	}

	return Verified{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		DoctorID:      appt.DoctorID,
		Priority:      appt.Priority,
		ScheduledTime: appt.ScheduledTime,
		Activity:      loyalty.ActivityFor(appt.Reason),
		Source:        ev.Source,
		VerifiedAt:    v.now(),
	}, nil
}

func (v *Verifier) rejected(ctx context.Context, ev Event, err error) {
	reason, _ := ReasonOf(err)
	v.metrics.IncCheckIn(string(reason))
	v.recorder.Record(ctx, audit.ActionCheckInRejected, audit.Metadata{
		"appointment_id": ev.AppointmentID,
		"patient_id":     ev.PatientID,
		"kiosk_id":       ev.KioskID,
		"source":         string(ev.Source),
		"reason":         string(reason),
	})
}

func validate(ev Event) error {
	switch {
	case ev.Source != SourceQR && ev.Source != SourceNFC:
		return Reject(ReasonMalformedEvent, "source must be QR or NFC")
	case ev.PatientID == "":
		return Reject(ReasonMalformedEvent, "patient id is required")
	case ev.AppointmentID == "":
		return Reject(ReasonMalformedEvent, "appointment id is required")
	case ev.KioskID == "":
		return Reject(ReasonMalformedEvent, "kiosk id is required")
	case ev.DeviceTimestamp < 0:
		return Reject(ReasonMalformedEvent, "device timestamp is negative")
	}
	return nil
}
