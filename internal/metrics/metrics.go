package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	CheckIns               *prometheus.CounterVec
	QueueTransitions       *prometheus.CounterVec
	QueueDepth             *prometheus.GaugeVec
	NotificationsDelivered *prometheus.CounterVec
	NotificationsFailed    *prometheus.CounterVec
	NotificationsCoalesced prometheus.Counter
	AuditWriteFailures     prometheus.Counter
	AuditAlarm             prometheus.Gauge
	AuditPurged            prometheus.Counter
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CheckIns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_flow_checkins_total",
			Help: "Check-in events by verification outcome",
		}, []string{"outcome"}),
		QueueTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_flow_queue_transitions_total",
			Help: "Queue entry state transitions",
		}, []string{"to"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patient_flow_queue_waiting",
			Help: "Waiting entries per doctor queue",
		}, []string{"doctor_id"}),
		NotificationsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_flow_notifications_delivered_total",
			Help: "Notifications handed to the delivery transport",
		}, []string{"kind"}),
		NotificationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_flow_notifications_failed_total",
			Help: "Notifications marked failed after exhausting retries",
		}, []string{"kind"}),
		NotificationsCoalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "patient_flow_notifications_coalesced_total",
			Help: "Queue updates merged into an earlier identical notice",
		}),
		AuditWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "patient_flow_audit_write_failures_total",
			Help: "Audit records that could not be written",
		}),
		AuditAlarm: f.NewGauge(prometheus.GaugeOpts{
			Name: "patient_flow_audit_alarm",
			Help: "1 while the audit sink is losing records, 0 once a write succeeds again",
		}),
		AuditPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "patient_flow_audit_purged_total",
			Help: "Audit records removed by the retention sweeper",
		}),
	}
}

func (m *Metrics) IncCheckIn(outcome string) {
	if m == nil {
		return
	}
	m.CheckIns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncTransition(to string) {
	if m == nil {
		return
	}
	m.QueueTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) SetQueueDepth(doctorID string, waiting int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(doctorID).Set(float64(waiting))
}

func (m *Metrics) IncDelivered(kind string) {
	if m == nil {
		return
	}
	m.NotificationsDelivered.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncDeliveryFailed(kind string) {
	if m == nil {
		return
	}
	m.NotificationsFailed.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncCoalesced() {
	if m == nil {
		return
	}
	m.NotificationsCoalesced.Inc()
}

// RaiseAuditAlarm counts a lost audit record and holds the alarm gauge high.
func (m *Metrics) RaiseAuditAlarm() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
	m.AuditAlarm.Set(1)
}

func (m *Metrics) ClearAuditAlarm() {
	if m == nil {
		return
	}
	m.AuditAlarm.Set(0)
}

func (m *Metrics) AddPurged(n int) {
	if m == nil {
		return
	}
	m.AuditPurged.Add(float64(n))
}
