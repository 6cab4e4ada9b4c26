package queue

import "time"

const smoothing = 0.3

// consultationAverage is an exponentially weighted average of observed
// consultation lengths. It starts at the configured default, so it is
// defined before any history exists and converges as samples arrive.
type consultationAverage struct {
	value   time.Duration
	samples int
}

func newConsultationAverage(def time.Duration) consultationAverage {
	if def < 0 {
		def = 0
	}
	return consultationAverage{value: def}
}

func (a *consultationAverage) observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.value = time.Duration(smoothing*float64(d) + (1-smoothing)*float64(a.value))
	a.samples++
}
