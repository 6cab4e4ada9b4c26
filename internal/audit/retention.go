package audit

import "time"

// Retention holds the per-category retention periods.
type Retention struct {
	Session time.Duration
	Trail   time.Duration
}

// ShouldPurge applies the category rule. Session records go as soon as the
// session has ended, or once Session has elapsed for sessions that never
// closed cleanly. Trail records stay for the full Trail period.
func (r Retention) ShouldPurge(e Entry, now time.Time, sessionEnded bool) bool {
	age := now.Sub(e.Timestamp)
	switch e.Category {
	case CategorySession:
		return sessionEnded || age >= r.Session
	default:
		return age >= r.Trail
	}
}
