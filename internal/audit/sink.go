package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/patient-flow-orchestrator/internal/metrics"
)

// ErrAuditWriteFailed wraps every failure the sink absorbs.
var ErrAuditWriteFailed = errors.New("audit write failed")

// Store persists sanitized entries. Implementations are append-only.
type Store interface {
	Append(ctx context.Context, e Entry) error
}

// Alarm is the monitoring collaborator told about lost audit records.
type Alarm interface {
	AuditWriteFailed(ctx context.Context, err error)
	AuditRecovered(ctx context.Context)
}

// Recorder is the narrow capability other components depend on.
type Recorder interface {
	Record(ctx context.Context, action string, meta Metadata)
}

type sessionKey struct{}

// WithSession attaches the audit session to ctx. Records made with the
// returned context carry the session in redacted form.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFrom returns the session attached by WithSession.
func SessionFrom(ctx context.Context) string {
	if id, ok := ctx.Value(sessionKey{}).(string); ok {
		return id
	}
	return ""
}

// Sink sanitizes and records every state-changing action. Record never
// returns an error: failures go to the Alarm instead.
type Sink struct {
	store     Store
	alarm     Alarm
	retention Retention
	now       func() time.Time

	mu      sync.Mutex
	last    time.Time
	ended   map[string]time.Time
	alarmed atomic.Bool
}

type Option func(*Sink)

func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

func WithAlarm(a Alarm) Option {
	return func(s *Sink) { s.alarm = a }
}

func NewSink(store Store, retention Retention, opts ...Option) *Sink {
	s := &Sink{
		store:     store,
		retention: retention,
		now:       time.Now,
		ended:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record sanitizes meta and appends an entry. It is safe for concurrent use.
func (s *Sink) Record(ctx context.Context, action string, meta Metadata) {
	defer func() {
		if r := recover(); r != nil {
			s.raise(ctx, fmt.Errorf("%w: panic: %v", ErrAuditWriteFailed, r))
		}
	}()

	session := SessionFrom(ctx)
	e := Entry{
		Timestamp: s.stamp(),
		Action:    action,
		Category:  CategoryFor(action),
		Metadata:  Sanitize(meta),
	}
	if session != "" {
		e.SessionID = Redact(session)
		e.SessionKey = SessionDigest(session)
	}

	if err := s.store.Append(context.WithoutCancel(ctx), e); err != nil {
		s.raise(ctx, fmt.Errorf("%w: %s: %w", ErrAuditWriteFailed, action, err))
		return
	}
	if s.alarmed.CompareAndSwap(true, false) && s.alarm != nil {
		s.alarm.AuditRecovered(ctx)
	}
}

// EndSession records the session end. From then on the session's records
// are purgeable.
func (s *Sink) EndSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	s.Record(WithSession(ctx, sessionID), ActionSessionEnded, nil)

	now := s.now()
	s.mu.Lock()
	s.ended[SessionDigest(sessionID)] = now
	for k, at := range s.ended {
		if now.Sub(at) >= s.retention.Session {
			delete(s.ended, k)
		}
	}
	s.mu.Unlock()
}

// ShouldPurge reports whether e is past its retention. The sink never
// deletes anything itself; an external sweeper acts on this answer.
func (s *Sink) ShouldPurge(e Entry, now time.Time) bool {
	s.mu.Lock()
	_, ended := s.ended[e.SessionKey]
	s.mu.Unlock()
	return s.retention.ShouldPurge(e, now, ended && e.SessionKey != "")
}

// stamp returns a timestamp that never goes backwards.
func (s *Sink) stamp() time.Time {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.last) {
		now = s.last
	}
	s.last = now
	return now
}

func (s *Sink) raise(ctx context.Context, err error) {
	s.alarmed.Store(true)
	if s.alarm != nil {
		s.alarm.AuditWriteFailed(ctx, err)
	}
}

// SessionDigest is the one-way key used to group a session's records.
func SessionDigest(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])
}

// MonitorAlarm raises the alarm through metrics and an error log line.
type MonitorAlarm struct {
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewMonitorAlarm(m *metrics.Metrics, log *logrus.Entry) *MonitorAlarm {
	return &MonitorAlarm{metrics: m, log: log}
}

func (a *MonitorAlarm) AuditWriteFailed(ctx context.Context, err error) {
	a.metrics.RaiseAuditAlarm()
	if a.log != nil {
		a.log.WithContext(ctx).WithError(err).Error("audit record lost")
	}
}

func (a *MonitorAlarm) AuditRecovered(ctx context.Context) {
	a.metrics.ClearAuditAlarm()
	if a.log != nil {
		a.log.WithContext(ctx).Warn("audit writes recovered")
	}
}
