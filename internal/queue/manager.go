package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/audit"
	"github.com/hackgods/patient-flow-orchestrator/internal/metrics"
)

// Notifier receives position changes after every mutation. It is called
// with the doctor's queue locked.
type Notifier interface {
	NotifyQueueUpdate(ctx context.Context, appointmentID string, position int, estimatedWait time.Duration)
}

// Manager owns one ordered queue per doctor. Mutations on one doctor's
// queue are serialized by that queue's lock; different doctors never
// share a lock.
type Manager struct {
	defaultConsultation time.Duration
	now                 func() time.Time
	recorder            audit.Recorder
	notifier            Notifier
	metrics             *metrics.Metrics
	auditContext        func(ctx context.Context, appointmentID string) context.Context

	queues sync.Map // doctorID -> *doctorQueue
	index  sync.Map // appointmentID -> doctorID
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(defaultConsultation time.Duration, recorder audit.Recorder, opts ...Option) *Manager {
	m := &Manager{
		defaultConsultation: defaultConsultation,
		now:                 time.Now,
		recorder:            recorder,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetNotifier wires the notifier after construction, for callers that
// build the scheduler on top of the manager.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetAuditContext installs a hook that enriches the context of each
// transition record with what the caller knows about the appointment, such
// as its audit session. CallNext needs it because the caller does not know
// the appointment in advance.
func (m *Manager) SetAuditContext(fn func(ctx context.Context, appointmentID string) context.Context) {
	m.auditContext = fn
}

// ClosedHorizon is how long a finished appointment is remembered. Until
// then it cannot be enqueued again.
const ClosedHorizon = 24 * time.Hour

const pruneEvery = time.Hour

type closedEntry struct {
	state State
	at    time.Time
}

type doctorQueue struct {
	mu        sync.Mutex
	doctorID  string
	live      []*Entry
	byID      map[string]*Entry
	closed    map[string]closedEntry
	prunedAt  time.Time
	avg       consultationAverage
	completed int
	cancelled int
}

func (m *Manager) queueFor(doctorID string) *doctorQueue {
	if q, ok := m.queues.Load(doctorID); ok {
		return q.(*doctorQueue)
	}
	q, _ := m.queues.LoadOrStore(doctorID, &doctorQueue{
		doctorID: doctorID,
		byID:     make(map[string]*Entry),
		closed:   make(map[string]closedEntry),
		avg:      newConsultationAverage(m.defaultConsultation),
	})
	return q.(*doctorQueue)
}

func (m *Manager) queueOf(appointmentID string) (*doctorQueue, bool) {
	d, ok := m.index.Load(appointmentID)
	if !ok {
		return nil, false
	}
	q, ok := m.queues.Load(d.(string))
	if !ok {
		return nil, false
	}
	return q.(*doctorQueue), true
}

// Enqueue appends the appointment to the tail of the doctor's queue.
func (m *Manager) Enqueue(ctx context.Context, appointmentID, doctorID string, priority appointment.Priority) (Entry, error) {
	if prev, loaded := m.index.LoadOrStore(appointmentID, doctorID); loaded && prev.(string) != doctorID {
		if st, ok := m.State(appointmentID); ok {
			if st.Live() {
				return Entry{}, ErrAlreadyQueued
			}
			return Entry{}, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, st)
		}
		m.index.Store(appointmentID, doctorID)
	}

	q := m.queueFor(doctorID)

	q.mu.Lock()
	if _, ok := q.byID[appointmentID]; ok {
		q.mu.Unlock()
		return Entry{}, ErrAlreadyQueued
	}
	if c, ok := q.closed[appointmentID]; ok {
		q.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, c.state)
	}

	e := &Entry{
		AppointmentID: appointmentID,
		DoctorID:      doctorID,
		Priority:      priority,
		EnqueuedAt:    m.now(),
		State:         StateWaiting,
	}
	q.live = append(q.live, e)
	q.byID[appointmentID] = e
	m.notify(ctx, q.recompute())
	out := *e
	waiting := q.waitingCount()
	q.mu.Unlock()

	m.after(ctx, doctorID, audit.ActionQueueEnqueued, out, "", waiting)
	return out, nil
}

// CallNext moves the earliest-enqueued Waiting entry to InProgress.
// Priority does not reorder the queue.
func (m *Manager) CallNext(ctx context.Context, doctorID string) (Entry, bool) {
	v, ok := m.queues.Load(doctorID)
	if !ok {
		return Entry{}, false
	}
	q := v.(*doctorQueue)

	q.mu.Lock()
	var next *Entry
	for _, e := range q.live {
		if e.State == StateWaiting {
			next = e
			break
		}
	}
	if next == nil {
		q.mu.Unlock()
		return Entry{}, false
	}
	next.State = StateInProgress
	next.StartedAt = m.now()
	m.notify(ctx, q.recompute())
	out := *next
	waiting := q.waitingCount()
	q.mu.Unlock()

	m.after(ctx, doctorID, audit.ActionQueueCalled, out, StateWaiting, waiting)
	return out, true
}

// Start moves a specific Waiting entry to InProgress, for doctors taking
// patients out of order.
func (m *Manager) Start(ctx context.Context, appointmentID string) (Entry, error) {
	return m.transition(ctx, appointmentID, audit.ActionQueueStarted, func(q *doctorQueue, e *Entry) error {
		if e.State != StateWaiting {
			return fmt.Errorf("%w: start from %s", ErrInvalidTransition, e.State)
		}
		e.State = StateInProgress
		e.StartedAt = m.now()
		return nil
	})
}

// Complete finishes an InProgress entry and removes it from the live queue.
func (m *Manager) Complete(ctx context.Context, appointmentID string) (Entry, error) {
	return m.transition(ctx, appointmentID, audit.ActionQueueCompleted, func(q *doctorQueue, e *Entry) error {
		if e.State != StateInProgress {
			return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, e.State)
		}
		if !e.StartedAt.IsZero() {
			q.avg.observe(m.now().Sub(e.StartedAt))
		}
		e.State = StateCompleted
		q.completed++
		m.close(q, e)
		return nil
	})
}

// Cancel ends a Waiting or InProgress entry (no-show, admin cancel).
func (m *Manager) Cancel(ctx context.Context, appointmentID string) (Entry, error) {
	return m.transition(ctx, appointmentID, audit.ActionQueueCancelled, func(q *doctorQueue, e *Entry) error {
		if !e.State.Live() {
			return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, e.State)
		}
		e.State = StateCancelled
		q.cancelled++
		m.close(q, e)
		return nil
	})
}

func (m *Manager) transition(ctx context.Context, appointmentID, action string, apply func(*doctorQueue, *Entry) error) (Entry, error) {
	q, ok := m.queueOf(appointmentID)
	if !ok {
		return Entry{}, ErrNotQueued
	}

	q.mu.Lock()
	e, ok := q.byID[appointmentID]
	if !ok {
		c, closed := q.closed[appointmentID]
		q.mu.Unlock()
		if closed {
			return Entry{}, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, c.state)
		}
		return Entry{}, ErrNotQueued
	}
	from := e.State
	if err := apply(q, e); err != nil {
		q.mu.Unlock()
		return Entry{}, err
	}
	m.notify(ctx, q.recompute())
	out := *e
	waiting := q.waitingCount()
	q.mu.Unlock()

	m.after(ctx, q.doctorID, action, out, from, waiting)
	return out, nil
}

// notify hands position changes to the notifier while the caller still
// holds q.mu, so notices for one doctor go out in mutation order and none
// can land after a later transition has closed the appointment. The
// notifier must not block or call back into the manager.
func (m *Manager) notify(ctx context.Context, updates []Update) {
	if m.notifier == nil {
		return
	}
	for _, u := range updates {
		m.notifier.NotifyQueueUpdate(ctx, u.AppointmentID, u.Position, u.EstimatedWait)
	}
}

// after runs the audit and metrics outside the queue lock.
func (m *Manager) after(ctx context.Context, doctorID, action string, e Entry, from State, waiting int) {
	if m.auditContext != nil {
		ctx = m.auditContext(ctx, e.AppointmentID)
	}
	meta := audit.Metadata{
		"appointment_id": e.AppointmentID,
		"doctor_id":      doctorID,
		"to":             string(e.State),
		"position":       e.Position,
	}
	if from != "" {
		meta["from"] = string(from)
	}
	m.recorder.Record(ctx, action, meta)

	m.metrics.IncTransition(string(e.State))
	m.metrics.SetQueueDepth(doctorID, waiting)
}

// EstimateWait is the number of Waiting entries ahead times the doctor's
// average consultation length. It is 0 at position 1 and while in progress.
func (m *Manager) EstimateWait(appointmentID string) (time.Duration, error) {
	q, ok := m.queueOf(appointmentID)
	if !ok {
		return 0, ErrNotQueued
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[appointmentID]
	if !ok {
		return 0, ErrNotQueued
	}
	return q.estimate(e.Position), nil
}

// Snapshot lists the doctor's Waiting entries in queue order.
func (m *Manager) Snapshot(doctorID string) []SnapshotItem {
	v, ok := m.queues.Load(doctorID)
	if !ok {
		return []SnapshotItem{}
	}
	q := v.(*doctorQueue)
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]SnapshotItem, 0, len(q.live))
	for _, e := range q.live {
		if e.State != StateWaiting {
			continue
		}
		out = append(out, SnapshotItem{
			AppointmentID: e.AppointmentID,
			Position:      e.Position,
			EstimatedWait: q.estimate(e.Position),
			Priority:      e.Priority,
		})
	}
	return out
}

// Lookup returns the live entry for an appointment.
func (m *Manager) Lookup(appointmentID string) (Entry, bool) {
	q, ok := m.queueOf(appointmentID)
	if !ok {
		return Entry{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[appointmentID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// State reports the current or final state of an appointment the manager
// has seen.
func (m *Manager) State(appointmentID string) (State, bool) {
	q, ok := m.queueOf(appointmentID)
	if !ok {
		return "", false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.byID[appointmentID]; ok {
		return e.State, true
	}
	c, ok := q.closed[appointmentID]
	return c.state, ok
}

func (m *Manager) Stats(doctorID string) Stats {
	v, ok := m.queues.Load(doctorID)
	if !ok {
		return Stats{DoctorID: doctorID, AverageConsultation: newConsultationAverage(m.defaultConsultation).value}
	}
	q := v.(*doctorQueue)
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		DoctorID:            doctorID,
		Completed:           q.completed,
		Cancelled:           q.cancelled,
		AverageConsultation: q.avg.value,
	}
	for _, e := range q.live {
		switch e.State {
		case StateWaiting:
			s.Waiting++
		case StateInProgress:
			s.InProgress++
		}
	}
	return s
}

// recompute renumbers Waiting entries 1..N in enqueue order and returns the
// entries whose position changed. Callers hold q.mu.
func (q *doctorQueue) recompute() []Update {
	var updates []Update
	pos := 0
	for _, e := range q.live {
		if e.State != StateWaiting {
			e.Position = 0
			continue
		}
		pos++
		if e.Position != pos {
			e.Position = pos
			updates = append(updates, Update{
				AppointmentID: e.AppointmentID,
				DoctorID:      q.doctorID,
				Position:      pos,
			})
		}
	}
	for i := range updates {
		updates[i].EstimatedWait = q.estimate(updates[i].Position)
	}
	return updates
}

func (q *doctorQueue) estimate(position int) time.Duration {
	if position <= 1 {
		return 0
	}
	return time.Duration(position-1) * q.avg.value
}

// close drops a terminal entry from the live list and remembers its final
// state for ClosedHorizon. Callers hold q.mu.
func (m *Manager) close(q *doctorQueue, e *Entry) {
	now := m.now()
	for i, x := range q.live {
		if x == e {
			q.live = append(q.live[:i], q.live[i+1:]...)
			break
		}
	}
	delete(q.byID, e.AppointmentID)
	q.closed[e.AppointmentID] = closedEntry{state: e.State, at: now}
	e.Position = 0

	if now.Sub(q.prunedAt) < pruneEvery {
		return
	}
	q.prunedAt = now
	for id, c := range q.closed {
		if now.Sub(c.at) >= ClosedHorizon {
			delete(q.closed, id)
			m.index.CompareAndDelete(id, q.doctorID)
		}
	}
}

func (q *doctorQueue) waitingCount() int {
	n := 0
	for _, e := range q.live {
		if e.State == StateWaiting {
			n++
		}
	}
	return n
}
