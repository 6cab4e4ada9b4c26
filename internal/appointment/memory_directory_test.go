package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	dir := NewMemoryDirectory(
		Appointment{ID: "A2", DoctorID: "D", ScheduledTime: base.Add(30 * time.Minute)},
		Appointment{ID: "A1", DoctorID: "D", ScheduledTime: base},
		Appointment{ID: "A3", DoctorID: "D", ScheduledTime: base.Add(2 * time.Hour)},
	)

	t.Run("get known and unknown", func(t *testing.T) {
		a, err := dir.GetAppointment(ctx, "A1")
		require.NoError(t, err)
		assert.Equal(t, base, a.ScheduledTime)

		_, err = dir.GetAppointment(ctx, "nope")
		assert.ErrorIs(t, err, ErrAppointmentNotFound)
	})

	t.Run("list is half open and ordered", func(t *testing.T) {
		got, err := dir.ListBetween(ctx, base, base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "A1", got[0].ID)
		assert.Equal(t, "A2", got[1].ID)
	})
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("urgent"))
}
