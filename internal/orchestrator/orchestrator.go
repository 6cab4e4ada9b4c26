package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/audit"
	"github.com/hackgods/patient-flow-orchestrator/internal/checkin"
	"github.com/hackgods/patient-flow-orchestrator/internal/loyalty"
	"github.com/hackgods/patient-flow-orchestrator/internal/notify"
	"github.com/hackgods/patient-flow-orchestrator/internal/privacy"
	"github.com/hackgods/patient-flow-orchestrator/internal/queue"
)

const tracerName = "github.com/hackgods/patient-flow-orchestrator/internal/orchestrator"

// Notifications is the part of the scheduler the orchestrator drives.
type Notifications interface {
	ScheduleReminder(ctx context.Context, appt appointment.Appointment, lead time.Duration) (notify.Notification, error)
	NotifyLabResult(ctx context.Context, appointmentID, resultDigest string) (notify.Notification, error)
	CancelForAppointment(ctx context.Context, appointmentID string) int
	PendingFor(appointmentID string) []notify.Notification
}

// Sessions records audit entries and closes audit sessions.
type Sessions interface {
	audit.Recorder
	EndSession(ctx context.Context, sessionID string)
}

type CancelReason string

const (
	CancelNoShow  CancelReason = "no_show"
	CancelAdmin   CancelReason = "admin"
	CancelPatient CancelReason = "patient"
)

// ParseCancelReason maps free text to a known reason; anything else is admin.
func ParseCancelReason(s string) CancelReason {
	switch r := CancelReason(s); r {
	case CancelNoShow, CancelPatient:
		return r
	default:
		return CancelAdmin
	}
}

type CheckInResult struct {
	AppointmentID string
	DoctorID      string
	Position      int
	EstimatedWait time.Duration
	Priority      appointment.Priority
	VerifiedAt    time.Time
	PointsAwarded int
}

type Deps struct {
	Directory     appointment.Directory
	Verifier      *checkin.Verifier
	Queue         *queue.Manager
	Notifications Notifications
	Audit         Sessions
	Privacy       *privacy.Service
	Points        loyalty.Policy
	ReminderLead  time.Duration
	Log           *logrus.Entry
}

// Orchestrator is the single entry point for kiosks and the doctor portal.
type Orchestrator struct {
	directory    appointment.Directory
	verifier     *checkin.Verifier
	queue        *queue.Manager
	notify       Notifications
	audit        Sessions
	privacy      *privacy.Service
	points       loyalty.Policy
	reminderLead time.Duration
	log          *logrus.Entry
	tracer       trace.Tracer

	sessions sync.Map // appointmentID -> audit session id
}

// New wires the orchestrator. Without a points policy check-ins earn nothing.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		directory:    d.Directory,
		verifier:     d.Verifier,
		queue:        d.Queue,
		notify:       d.Notifications,
		audit:        d.Audit,
		privacy:      d.Privacy,
		points:       d.Points,
		reminderLead: d.ReminderLead,
		log:          d.Log,
		tracer:       otel.Tracer(tracerName),
	}
	if o.points == nil {
		o.points = loyalty.None{}
	}
	d.Queue.SetAuditContext(o.withSession)
	return o
}

// CheckIn verifies the kiosk event and enqueues the appointment. Rejections
// come back as *checkin.Rejection.
func (o *Orchestrator) CheckIn(ctx context.Context, ev checkin.Event) (CheckInResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CheckIn", trace.WithAttributes(
		attribute.String("checkin.source", string(ev.Source)),
		attribute.String("checkin.kiosk_id", ev.KioskID),
	))
	defer span.End()

	sessionID := uuid.NewString()
	ctx = audit.WithSession(ctx, sessionID)

	v, err := o.verifier.Verify(ctx, ev)
	if err != nil {
		return CheckInResult{}, fail(span, err)
	}

	entry, err := o.queue.Enqueue(ctx, v.AppointmentID, v.DoctorID, v.Priority)
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		// another kiosk won the race for this appointment
		return CheckInResult{}, fail(span, checkin.Reject(checkin.ReasonDuplicateCheckIn, "already queued"))
	case errors.Is(err, queue.ErrInvalidTransition):
		return CheckInResult{}, fail(span, checkin.Reject(checkin.ReasonAppointmentClosed, ""))
	case err != nil:
		return CheckInResult{}, fail(span, fmt.Errorf("enqueue: %w", err))
	}
	o.sessions.Store(v.AppointmentID, sessionID)

	wait, err := o.queue.EstimateWait(v.AppointmentID)
	if err != nil {
		// already called or closed by the time we asked
		wait = 0
	}
	span.SetAttributes(attribute.String("doctor.id", v.DoctorID), attribute.Int("queue.position", entry.Position))

	return CheckInResult{
		AppointmentID: v.AppointmentID,
		DoctorID:      v.DoctorID,
		Position:      entry.Position,
		EstimatedWait: wait,
		Priority:      v.Priority,
		VerifiedAt:    v.VerifiedAt,
		PointsAwarded: o.award(ctx, v),
	}, nil
}

// award applies the points table to a queued check-in.
func (o *Orchestrator) award(ctx context.Context, v checkin.Verified) int {
	points := o.points.Points(v.Activity)
	if points <= 0 {
		return 0
	}
	o.audit.Record(ctx, audit.ActionLoyaltyPointsAwarded, audit.Metadata{
		"appointment_id": v.AppointmentID,
		"patient_id":     v.PatientID,
		"activity":       string(v.Activity),
		"points":         points,
	})
	return points
}

// CallNext starts the doctor's earliest waiting appointment. Its audit
// record joins the appointment's check-in session.
func (o *Orchestrator) CallNext(ctx context.Context, doctorID string) (queue.Entry, bool) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CallNext", trace.WithAttributes(attribute.String("doctor.id", doctorID)))
	defer span.End()

	e, ok := o.queue.CallNext(ctx, doctorID)
	span.SetAttributes(attribute.Bool("queue.called", ok))
	return e, ok
}

func (o *Orchestrator) Start(ctx context.Context, appointmentID string) (queue.Entry, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Start", trace.WithAttributes(attribute.String("appointment.id", appointmentID)))
	defer span.End()

	e, err := o.queue.Start(o.withSession(ctx, appointmentID), appointmentID)
	if err != nil {
		return queue.Entry{}, fail(span, err)
	}
	return e, nil
}

// Complete finishes the consultation. Pending notifications for the
// appointment are cancelled before Complete returns.
func (o *Orchestrator) Complete(ctx context.Context, appointmentID string) (queue.Entry, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Complete", trace.WithAttributes(attribute.String("appointment.id", appointmentID)))
	defer span.End()

	ctx = o.withSession(ctx, appointmentID)
	e, err := o.queue.Complete(ctx, appointmentID)
	if err != nil {
		return queue.Entry{}, fail(span, err)
	}
	o.close(ctx, appointmentID)
	return e, nil
}

// Cancel covers no-shows and administrative cancellation, from either
// Waiting or InProgress.
func (o *Orchestrator) Cancel(ctx context.Context, appointmentID string, reason CancelReason) (queue.Entry, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Cancel", trace.WithAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.String("cancel.reason", string(reason)),
	))
	defer span.End()

	ctx = o.withSession(ctx, appointmentID)
	e, err := o.queue.Cancel(ctx, appointmentID)
	if err != nil {
		return queue.Entry{}, fail(span, err)
	}
	o.close(ctx, appointmentID)
	if o.log != nil {
		o.log.WithFields(logrus.Fields{
			"appointment_id": appointmentID,
			"doctor_id":      e.DoctorID,
			"reason":         reason,
		}).Info("appointment cancelled")
	}
	return e, nil
}

// close cancels what is still pending for a finished appointment and ends
// its audit session.
func (o *Orchestrator) close(ctx context.Context, appointmentID string) {
	n := o.notify.CancelForAppointment(ctx, appointmentID)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("notifications.cancelled", n))

	if sid, ok := o.sessions.LoadAndDelete(appointmentID); ok {
		o.audit.EndSession(ctx, sid.(string))
	}
}

func (o *Orchestrator) QueueSnapshot(ctx context.Context, doctorID string) []queue.SnapshotItem {
	_, span := o.tracer.Start(ctx, "orchestrator.QueueSnapshot", trace.WithAttributes(attribute.String("doctor.id", doctorID)))
	defer span.End()
	return o.queue.Snapshot(doctorID)
}

func (o *Orchestrator) Stats(ctx context.Context, doctorID string) queue.Stats {
	_, span := o.tracer.Start(ctx, "orchestrator.Stats", trace.WithAttributes(attribute.String("doctor.id", doctorID)))
	defer span.End()
	return o.queue.Stats(doctorID)
}

// ScheduleReminder schedules the appointment's reminder with the configured
// lead time.
func (o *Orchestrator) ScheduleReminder(ctx context.Context, appointmentID string) (notify.Notification, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ScheduleReminder", trace.WithAttributes(attribute.String("appointment.id", appointmentID)))
	defer span.End()

	appt, err := o.open(ctx, appointmentID)
	if err != nil {
		return notify.Notification{}, fail(span, err)
	}
	n, err := o.notify.ScheduleReminder(ctx, *appt, o.reminderLead)
	if err != nil {
		return notify.Notification{}, fail(span, err)
	}
	return n, nil
}

// ScheduleReminders schedules reminders for every appointment in [from, to).
// It returns how many were scheduled and stops at the first error.
func (o *Orchestrator) ScheduleReminders(ctx context.Context, from, to time.Time) (int, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ScheduleReminders")
	defer span.End()

	appts, err := o.directory.ListBetween(ctx, from, to)
	if err != nil {
		return 0, fail(span, fmt.Errorf("list appointments: %w", err))
	}
	n := 0
	for _, a := range appts {
		if st, ok := o.queue.State(a.ID); ok && st.Terminal() {
			continue
		}
		if _, err := o.notify.ScheduleReminder(ctx, a, o.reminderLead); err != nil {
			return n, fail(span, err)
		}
		n++
	}
	span.SetAttributes(attribute.Int("reminders.scheduled", n))
	return n, nil
}

// NotifyLabResult tells the patient a result is ready. Only the digest of
// the result is passed on.
func (o *Orchestrator) NotifyLabResult(ctx context.Context, appointmentID, resultDigest string) (notify.Notification, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.NotifyLabResult", trace.WithAttributes(attribute.String("appointment.id", appointmentID)))
	defer span.End()

	if _, err := o.directory.GetAppointment(ctx, appointmentID); err != nil {
		return notify.Notification{}, fail(span, err)
	}
	n, err := o.notify.NotifyLabResult(ctx, appointmentID, resultDigest)
	if err != nil {
		return notify.Notification{}, fail(span, err)
	}
	return n, nil
}

func (o *Orchestrator) PendingNotifications(appointmentID string) []notify.Notification {
	return o.notify.PendingFor(appointmentID)
}

func (o *Orchestrator) RequestExport(ctx context.Context, patientID, format string) privacy.Outcome {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RequestExport")
	defer span.End()
	out := o.privacy.RequestExport(ctx, patientID, format)
	span.SetAttributes(attribute.String("privacy.status", string(out.Status)))
	return out
}

func (o *Orchestrator) RequestErasure(ctx context.Context, patientID, reason string) privacy.Outcome {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RequestErasure")
	defer span.End()
	out := o.privacy.RequestErasure(ctx, patientID, reason)
	span.SetAttributes(attribute.String("privacy.status", string(out.Status)))
	return out
}

// open looks the appointment up and refuses closed ones.
func (o *Orchestrator) open(ctx context.Context, appointmentID string) (*appointment.Appointment, error) {
	appt, err := o.directory.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if st, ok := o.queue.State(appointmentID); ok && st.Terminal() {
		return nil, checkin.Reject(checkin.ReasonAppointmentClosed, string(st))
	}
	return appt, nil
}

func (o *Orchestrator) withSession(ctx context.Context, appointmentID string) context.Context {
	if sid, ok := o.sessions.Load(appointmentID); ok {
		return audit.WithSession(ctx, sid.(string))
	}
	return ctx
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
