package appointment

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryDirectory serves appointments from process memory. It backs local
// runs without Postgres and tests.
type MemoryDirectory struct {
	mu   sync.RWMutex
	byID map[string]Appointment
}

func NewMemoryDirectory(appts ...Appointment) *MemoryDirectory {
	d := &MemoryDirectory{byID: make(map[string]Appointment, len(appts))}
	for _, a := range appts {
		d.byID[a.ID] = a
	}
	return d
}

// Put stands in for the scheduling system creating an appointment.
func (d *MemoryDirectory) Put(a Appointment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[a.ID] = a
}

func (d *MemoryDirectory) GetAppointment(_ context.Context, id string) (*Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.byID[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (d *MemoryDirectory) ListBetween(_ context.Context, from, to time.Time) ([]Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Appointment
	for _, a := range d.byID {
		if !a.ScheduledTime.Before(from) && a.ScheduledTime.Before(to) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Appointment) int {
		if c := a.ScheduledTime.Compare(b.ScheduledTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}
