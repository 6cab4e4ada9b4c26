package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/patient-flow-orchestrator/internal/metrics"
)

// PurgeStore is a Store the retention sweeper can prune. Delete never
// removes a trail entry still inside the store's trail retention, whatever
// ids it is given.
type PurgeStore interface {
	Store
	List(ctx context.Context, category Category, before time.Time, limit int) ([]Entry, error)
	Delete(ctx context.Context, ids []int64) (int, error)
}

const sweepBatch = 5000

// deletable reports whether e may be removed when trail entries recorded at
// or after protect are still under retention.
func deletable(e Entry, protect time.Time) bool {
	return e.Category != CategoryTrail || e.Timestamp.Before(protect)
}

// Sweeper removes entries past retention. Ended sessions are recognised
// from their session.ended markers in the store, so the sweeper works the
// same in-process and as a standalone job.
type Sweeper struct {
	store     PurgeStore
	retention Retention
	now       func() time.Time
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

func NewSweeper(store PurgeStore, retention Retention, m *metrics.Metrics, log *logrus.Entry) *Sweeper {
	return &Sweeper{
		store:     store,
		retention: retention,
		now:       time.Now,
		metrics:   m,
		log:       log,
	}
}

// RunOnce performs a single sweep and returns how many entries were removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now()

	sessions, err := s.sweepSessions(ctx, now)
	if err != nil {
		return sessions, err
	}
	trail, err := s.sweepTrail(ctx, now)
	total := sessions + trail
	s.metrics.AddPurged(total)
	return total, err
}

func (s *Sweeper) sweepSessions(ctx context.Context, now time.Time) (int, error) {
	entries, err := s.store.List(ctx, CategorySession, now.Add(time.Nanosecond), 0)
	if err != nil {
		return 0, fmt.Errorf("list session entries: %w", err)
	}

	ended := make(map[string]struct{})
	for _, e := range entries {
		if e.Action == ActionSessionEnded && e.SessionKey != "" {
			ended[e.SessionKey] = struct{}{}
		}
	}

	var ids []int64
	for _, e := range entries {
		_, done := ended[e.SessionKey]
		if s.retention.ShouldPurge(e, now, done && e.SessionKey != "") {
			ids = append(ids, e.ID)
		}
	}

	n, err := s.store.Delete(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("purge session entries: %w", err)
	}
	return n, nil
}

// sweepTrail only reads entries already past retention, in batches.
func (s *Sweeper) sweepTrail(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.retention.Trail)
	total := 0
	for {
		entries, err := s.store.List(ctx, CategoryTrail, cutoff, sweepBatch)
		if err != nil {
			return total, fmt.Errorf("list trail entries: %w", err)
		}
		ids := make([]int64, 0, len(entries))
		for _, e := range entries {
			if s.retention.ShouldPurge(e, now, false) {
				ids = append(ids, e.ID)
			}
		}
		n, err := s.store.Delete(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("purge trail entries: %w", err)
		}
		total += n
		if len(entries) < sweepBatch || n == 0 {
			return total, nil
		}
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			n, err := s.RunOnce(ctx)
			if err != nil {
				s.log.WithError(err).Error("retention sweep failed")
				continue
			}
			s.log.WithFields(logrus.Fields{"purged": n, "took": time.Since(start).String()}).Debug("retention sweep complete")
		}
	}
}
