package notify

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/audit"
	"github.com/hackgods/patient-flow-orchestrator/internal/logger"
	"github.com/hackgods/patient-flow-orchestrator/internal/metrics"
)

const (
	failedHistory   = 1024
	remindedPruneAt = 4096
)

type Config struct {
	CoalesceWindow time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	Workers        int
}

// Scheduler keeps a time-ordered set of pending notifications and fires
// each one once, in ScheduledFor order with ties in creation order.
// Scheduling and cancelling only touch the in-memory timer structure;
// firing and delivery happen on the goroutines started by Run.
//
// Each appointment is pinned to one delivery worker, so its notifications
// reach the deliverer in firing order even while an earlier one is being
// retried.
type Scheduler struct {
	deliverer Deliverer
	recorder  audit.Recorder
	metrics   *metrics.Metrics
	log       *logrus.Entry
	now       func() time.Time
	cfg       Config

	mu          sync.Mutex
	seq         uint64
	timers      timerHeap
	items       map[string]*item
	byAppt      map[string]map[string]struct{}
	recent      map[string]time.Time
	failed      map[string]Notification
	failedOrder []string
	reminded    map[string]sentReminder

	wake  chan struct{}
	lanes []chan *item
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Scheduler) { s.log = log }
}

func NewScheduler(deliverer Deliverer, recorder audit.Recorder, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = backoff.DefaultInitialInterval
	}
	s := &Scheduler{
		deliverer: deliverer,
		recorder:  recorder,
		log:       logger.Discard().WithComponent("notify"),
		now:       time.Now,
		cfg:       cfg,
		items:     make(map[string]*item),
		byAppt:    make(map[string]map[string]struct{}),
		recent:    make(map[string]time.Time),
		failed:    make(map[string]Notification),
		reminded:  make(map[string]sentReminder),
		wake:      make(chan struct{}, 1),
		lanes:     make([]chan *item, cfg.Workers),
	}
	for i := range s.lanes {
		s.lanes[i] = make(chan *item, 16)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleReminder schedules a reminder lead before the appointment. A
// reminder whose time has already passed fires immediately. An appointment
// gets one reminder: scheduling again returns the pending one, or the one
// already sent while the appointment is still ahead.
func (s *Scheduler) ScheduleReminder(ctx context.Context, appt appointment.Appointment, lead time.Duration) (Notification, error) {
	if appt.ID == "" {
		return Notification{}, ErrMissingAppointment
	}
	if lead < 0 {
		return Notification{}, ErrInvalidLeadTime
	}

	now := s.now()
	at := appt.ScheduledTime.Add(-lead)
	immediate := false
	if !at.After(now) {
		at = now
		immediate = true
	}

	s.mu.Lock()
	for id := range s.byAppt[appt.ID] {
		if it := s.items[id]; it.n.Kind == KindReminder {
			out := it.n
			s.mu.Unlock()
			return out, nil
		}
	}
	if sent, ok := s.reminded[appt.ID]; ok && now.Before(sent.until) {
		s.mu.Unlock()
		return sent.n, nil
	}
	it := s.add(Notification{
		Kind:          KindReminder,
		AppointmentID: appt.ID,
		ScheduledFor:  at,
		PayloadDigest: digest(KindReminder, appt.ID, appt.ScheduledTime.UTC().Format(time.RFC3339)),
	}, now)
	it.apptAt = appt.ScheduledTime
	out := it.n
	s.mu.Unlock()
	s.kick()

	s.recorder.Record(ctx, audit.ActionNotificationScheduled, audit.Metadata{
		"notification_id": out.ID,
		"appointment_id":  out.AppointmentID,
		"kind":            string(out.Kind),
		"scheduled_for":   out.ScheduledFor.UTC().Format(time.RFC3339),
		"immediate":       immediate,
	})
	return out, nil
}

// NotifyQueueUpdate sends a position notice right away. An identical notice
// for the same appointment inside the coalescing window is dropped, and a
// newer notice replaces one that has not fired yet.
func (s *Scheduler) NotifyQueueUpdate(ctx context.Context, appointmentID string, position int, estimatedWait time.Duration) {
	if appointmentID == "" {
		return
	}
	key := digest(KindQueueUpdate, appointmentID, position, estimatedWait)
	now := s.now()

	s.mu.Lock()
	for k, at := range s.recent {
		if now.Sub(at) >= s.cfg.CoalesceWindow {
			delete(s.recent, k)
		}
	}
	if _, dup := s.recent[key]; dup {
		s.mu.Unlock()
		s.metrics.IncCoalesced()
		return
	}
	s.recent[key] = now

	superseded := 0
	for id := range s.byAppt[appointmentID] {
		if it := s.items[id]; it.n.Kind == KindQueueUpdate {
			s.drop(it)
			superseded++
		}
	}
	s.add(Notification{
		Kind:          KindQueueUpdate,
		AppointmentID: appointmentID,
		ScheduledFor:  now,
		PayloadDigest: key,
		Position:      position,
		EstimatedWait: estimatedWait,
	}, now)
	s.mu.Unlock()
	s.kick()

	for range superseded {
		s.metrics.IncCoalesced()
	}
}

// NotifyLabResult sends a lab result notice right away. Only the digest
// of the result travels with it.
func (s *Scheduler) NotifyLabResult(ctx context.Context, appointmentID, resultDigest string) (Notification, error) {
	if appointmentID == "" {
		return Notification{}, ErrMissingAppointment
	}
	now := s.now()

	s.mu.Lock()
	it := s.add(Notification{
		Kind:          KindLabResult,
		AppointmentID: appointmentID,
		ScheduledFor:  now,
		PayloadDigest: digest(KindLabResult, appointmentID, resultDigest),
	}, now)
	out := it.n
	s.mu.Unlock()
	s.kick()

	s.recorder.Record(ctx, audit.ActionNotificationScheduled, audit.Metadata{
		"notification_id": out.ID,
		"appointment_id":  out.AppointmentID,
		"kind":            string(out.Kind),
		"immediate":       true,
	})
	return out, nil
}

// Cancel removes a notification that has not been delivered yet. It
// reports whether anything was removed; an unknown or already fired id is
// not an error.
func (s *Scheduler) Cancel(ctx context.Context, notificationID string) bool {
	s.mu.Lock()
	it, ok := s.items[notificationID]
	if ok {
		s.drop(it)
	}
	s.mu.Unlock()

	if ok {
		s.recordCancelled(ctx, it.n)
	}
	return ok
}

// CancelForAppointment removes every undelivered notification tied to the
// appointment and returns how many were removed.
func (s *Scheduler) CancelForAppointment(ctx context.Context, appointmentID string) int {
	s.mu.Lock()
	delete(s.reminded, appointmentID)
	var removed []Notification
	for id := range s.byAppt[appointmentID] {
		it := s.items[id]
		s.drop(it)
		removed = append(removed, it.n)
	}
	s.mu.Unlock()

	for _, n := range removed {
		s.recordCancelled(ctx, n)
	}
	return len(removed)
}

// PendingFor lists the appointment's undelivered notifications in firing order.
func (s *Scheduler) PendingFor(appointmentID string) []Notification {
	s.mu.Lock()
	its := make([]*item, 0, len(s.byAppt[appointmentID]))
	for id := range s.byAppt[appointmentID] {
		its = append(its, s.items[id])
	}
	s.mu.Unlock()

	sort.Slice(its, func(i, j int) bool { return timerHeap(its).Less(i, j) })
	out := make([]Notification, len(its))
	for i, it := range its {
		out[i] = it.n
	}
	return out
}

// Pending is the number of notifications not yet handed to the deliverer.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Failed returns notifications that exhausted their delivery attempts,
// oldest first.
func (s *Scheduler) Failed() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, 0, len(s.failedOrder))
	for _, id := range s.failedOrder {
		out = append(out, s.failed[id])
	}
	return out
}

// Run drives the fire loop and the delivery workers until ctx is done.
// It must be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, lane := range s.lanes {
		g.Go(func() error {
			s.deliverLoop(ctx, lane)
			return nil
		})
	}
	g.Go(func() error {
		s.fireLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Scheduler) fireLoop(ctx context.Context) {
	for {
		due, wait, more := s.popDue()
		for _, it := range due {
			select {
			case s.laneFor(it.n.AppointmentID) <- it:
			case <-ctx.Done():
				return
			}
		}
		if len(due) > 0 {
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if more {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// popDue removes every item whose time has come. It also returns how long
// until the next one, if any remain.
func (s *Scheduler) popDue() ([]*item, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []*item
	for len(s.timers) > 0 && !s.timers[0].n.ScheduledFor.After(now) {
		due = append(due, heap.Pop(&s.timers).(*item))
	}
	if len(s.timers) == 0 {
		return due, 0, false
	}
	return due, s.timers[0].n.ScheduledFor.Sub(now), true
}

func (s *Scheduler) laneFor(appointmentID string) chan *item {
	return s.lanes[xxhash.Sum64String(appointmentID)%uint64(len(s.lanes))]
}

func (s *Scheduler) deliverLoop(ctx context.Context, lane <-chan *item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-lane:
			s.mu.Lock()
			if cur, ok := s.items[it.n.ID]; !ok || cur != it {
				// cancelled after firing
				s.mu.Unlock()
				continue
			}
			s.forget(it)
			if it.n.Kind == KindReminder {
				s.remember(it)
			}
			s.mu.Unlock()
			s.deliver(ctx, it.n)
		}
	}
}

// deliver retries with bounded exponential backoff. After the last attempt
// the notification is kept as Failed and audited.
func (s *Scheduler) deliver(ctx context.Context, n Notification) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.MaxInterval = s.cfg.BackoffBase * 64
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(func() (err error) {
		n.Attempts++
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("deliverer panic: %v", r)
			}
		}()
		return s.deliverer.Deliver(ctx, n)
	}, policy)

	actx := context.WithoutCancel(ctx)
	meta := audit.Metadata{
		"notification_id": n.ID,
		"appointment_id":  n.AppointmentID,
		"kind":            string(n.Kind),
		"attempts":        n.Attempts,
	}
	if err == nil {
		n.Status = StatusDelivered
		s.settle(n)
		s.metrics.IncDelivered(string(n.Kind))
		s.recorder.Record(actx, audit.ActionNotificationDelivered, meta)
		return
	}

	err = fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	n.Status = StatusFailed
	n.LastError = err.Error()

	s.settle(n)
	s.mu.Lock()
	s.failed[n.ID] = n
	s.failedOrder = append(s.failedOrder, n.ID)
	if len(s.failedOrder) > failedHistory {
		delete(s.failed, s.failedOrder[0])
		s.failedOrder = s.failedOrder[1:]
	}
	s.mu.Unlock()

	s.metrics.IncDeliveryFailed(string(n.Kind))
	s.log.WithError(err).WithFields(logrus.Fields{
		"notification_id": n.ID,
		"kind":            n.Kind,
		"attempts":        n.Attempts,
	}).Warn("notification marked failed")
	meta["error"] = err.Error()
	s.recorder.Record(actx, audit.ActionNotificationFailed, meta)
}

// add stores a new pending notification. Callers hold s.mu.
func (s *Scheduler) add(n Notification, now time.Time) *item {
	s.seq++
	n.ID = uuid.NewString()
	n.CreatedAt = now
	n.Status = StatusPending
	it := &item{n: n, seq: s.seq}
	heap.Push(&s.timers, it)
	s.items[n.ID] = it
	set, ok := s.byAppt[n.AppointmentID]
	if !ok {
		set = make(map[string]struct{})
		s.byAppt[n.AppointmentID] = set
	}
	set[n.ID] = struct{}{}
	return it
}

// drop removes a pending notification wherever it is. Callers hold s.mu.
func (s *Scheduler) drop(it *item) {
	if it.index >= 0 {
		heap.Remove(&s.timers, it.index)
	}
	s.forget(it)
}

func (s *Scheduler) forget(it *item) {
	delete(s.items, it.n.ID)
	if set, ok := s.byAppt[it.n.AppointmentID]; ok {
		delete(set, it.n.ID)
		if len(set) == 0 {
			delete(s.byAppt, it.n.AppointmentID)
		}
	}
}

// sentReminder is a reminder already handed to the deliverer. It blocks a
// second reminder for the same appointment until the appointment time.
type sentReminder struct {
	n     Notification
	until time.Time
}

// remember marks the appointment as reminded. Callers hold s.mu.
func (s *Scheduler) remember(it *item) {
	now := s.now()
	if len(s.reminded) >= remindedPruneAt {
		for id, r := range s.reminded {
			if !now.Before(r.until) {
				delete(s.reminded, id)
			}
		}
	}
	s.reminded[it.n.AppointmentID] = sentReminder{n: it.n, until: it.apptAt}
}

// settle records the delivery outcome on the sent reminder.
func (s *Scheduler) settle(n Notification) {
	if n.Kind != KindReminder {
		return
	}
	s.mu.Lock()
	if r, ok := s.reminded[n.AppointmentID]; ok && r.n.ID == n.ID {
		r.n = n
		s.reminded[n.AppointmentID] = r
	}
	s.mu.Unlock()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) recordCancelled(ctx context.Context, n Notification) {
	s.recorder.Record(ctx, audit.ActionNotificationCancelled, audit.Metadata{
		"notification_id": n.ID,
		"appointment_id":  n.AppointmentID,
		"kind":            string(n.Kind),
	})
}
