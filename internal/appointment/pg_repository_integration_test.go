//go:build integration

package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/patient-flow-orchestrator/internal/testutil/containers"
)

func TestPgDirectory(t *testing.T) {
	ctx := context.Background()
	pool := containers.NewPostgres(t, Schema)
	dir := NewPgDirectory(pool)

	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	for _, a := range Fake(3, day, 2, 20) {
		_, err := pool.Exec(ctx, `
			INSERT INTO appointments (id, patient_id, doctor_id, scheduled_time, reason, priority)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, a.ID, a.PatientID, a.DoctorID, a.ScheduledTime, a.Reason, string(a.Priority))
		require.NoError(t, err)
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, scheduled_time, priority)
		VALUES ('legacy', 'pat-1', 'doc-01', $1, 'urgent')
	`, day.Add(-time.Hour))
	require.NoError(t, err)

	t.Run("list is ordered and bounded to the day", func(t *testing.T) {
		appts, err := dir.ListBetween(ctx, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, appts, 20)
		for i := 1; i < len(appts); i++ {
			assert.False(t, appts[i].ScheduledTime.Before(appts[i-1].ScheduledTime))
		}
	})

	t.Run("unknown priority reads as normal", func(t *testing.T) {
		a, err := dir.GetAppointment(ctx, "legacy")
		require.NoError(t, err)
		assert.Equal(t, PriorityNormal, a.Priority)
	})

	t.Run("missing appointment", func(t *testing.T) {
		_, err := dir.GetAppointment(ctx, "nope")
		assert.ErrorIs(t, err, ErrAppointmentNotFound)
	})
}
