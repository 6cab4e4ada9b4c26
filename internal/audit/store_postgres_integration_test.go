//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/patient-flow-orchestrator/internal/testutil/containers"
)

func TestPgStoreRetentionRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := containers.NewPostgres(t)
	store := NewPgStore(pool, 48*time.Hour)
	require.NoError(t, store.EnsureSchema(ctx))

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	retention := Retention{Session: 12 * time.Hour, Trail: 48 * time.Hour}
	sink := NewSink(store, retention, WithClock(func() time.Time { return now }))

	visit := WithSession(ctx, "session-1234")
	sink.Record(visit, ActionCheckInVerified, Metadata{"patient_id": "patient-0042", "diagnosis": "flu"})
	sink.Record(visit, ActionQueueCompleted, Metadata{"doctor_id": "doc-01"})
	sink.EndSession(ctx, "session-1234")

	session, err := store.List(ctx, CategorySession, now.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, session, 2)
	assert.Equal(t, "se***34", session[0].SessionID)
	assert.Equal(t, "pa***42", session[0].Metadata["patient_id"])
	assert.NotContains(t, session[0].Metadata, "diagnosis")
	assert.True(t, session[0].Timestamp.Equal(now))

	sweeper := NewSweeper(store, retention, nil, nil)
	sweeper.now = func() time.Time { return now.Add(time.Minute) }
	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	trail, err := store.List(ctx, CategoryTrail, now.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, ActionQueueCompleted, trail[0].Action)

	expired, err := store.List(ctx, CategoryTrail, now.Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, expired)

	n, err = store.Delete(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPgStoreRefusesToDeleteTrailInsideRetention(t *testing.T) {
	ctx := context.Background()
	pool := containers.NewPostgres(t)
	store := NewPgStore(pool, 48*time.Hour)
	require.NoError(t, store.EnsureSchema(ctx))

	now := time.Now().UTC()
	require.NoError(t, store.Append(ctx, Entry{Timestamp: now.Add(-time.Hour), Action: ActionQueueCompleted, Category: CategoryTrail}))
	require.NoError(t, store.Append(ctx, Entry{Timestamp: now.Add(-72 * time.Hour), Action: ActionQueueCancelled, Category: CategoryTrail}))

	all, err := store.List(ctx, CategoryTrail, now.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	n, err := store.Delete(ctx, []int64{all[0].ID, all[1].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := store.List(ctx, CategoryTrail, now.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ActionQueueCompleted, left[0].Action)
}
