package audit

import "time"

// Category selects the retention rule an entry falls under.
type Category string

const (
	// CategorySession covers check-in and live-session records. They are
	// purgeable once the session ends.
	CategorySession Category = "session"
	// CategoryTrail covers the clinical and security trail kept for the
	// statutory period.
	CategoryTrail Category = "trail"
)

const (
	ActionCheckInVerified = "checkin.verified"
	ActionCheckInRejected = "checkin.rejected"
	ActionSessionEnded    = "session.ended"

	ActionQueueEnqueued  = "queue.enqueued"
	ActionQueueCalled    = "queue.called"
	ActionQueueStarted   = "queue.started"
	ActionQueueCompleted = "queue.completed"
	ActionQueueCancelled = "queue.cancelled"

	ActionNotificationScheduled = "notification.scheduled"
	ActionNotificationDelivered = "notification.delivered"
	ActionNotificationFailed    = "notification.failed"
	ActionNotificationCancelled = "notification.cancelled"

	ActionPrivacyExportRequested  = "privacy.export_requested"
	ActionPrivacyErasureRequested = "privacy.erasure_requested"
	ActionPrivacyRequestRejected  = "privacy.request_rejected"

	ActionLoyaltyPointsAwarded = "loyalty.points_awarded"
)

var sessionActions = map[string]struct{}{
	ActionCheckInVerified: {},
	ActionSessionEnded:    {},
}

// CategoryFor maps an action to its retention category. Unknown actions
// are kept for the full trail period.
func CategoryFor(action string) Category {
	if _, ok := sessionActions[action]; ok {
		return CategorySession
	}
	return CategoryTrail
}

// Metadata is the free-form payload attached to a record before sanitizing.
type Metadata map[string]any

// Entry is one written audit record. Metadata has already been sanitized
// and SessionID redacted; SessionKey is a one-way digest used only to
// match records of the same session at purge time.
type Entry struct {
	ID         int64
	Timestamp  time.Time
	Action     string
	Category   Category
	SessionID  string
	SessionKey string
	Metadata   Metadata
}
