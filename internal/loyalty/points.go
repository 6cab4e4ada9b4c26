package loyalty

import "strings"

// Activity is the kind of visit a check-in rewards.
type Activity string

const (
	ActivityCheckUp             Activity = "check_up"
	ActivityPreventiveScreening Activity = "preventive_screening"
	ActivityVaccination         Activity = "vaccination"
	ActivityHealthEducation     Activity = "health_education"
	ActivityOther               Activity = "other"
)

// Policy decides how many points a check-in earns.
type Policy interface {
	Points(activity Activity) int
}

// Table is a fixed award table. Activities it does not list earn Default.
type Table struct {
	Awards  map[Activity]int
	Default int
}

func (t Table) Points(activity Activity) int {
	if p, ok := t.Awards[activity]; ok {
		return p
	}
	return t.Default
}

// DefaultTable rewards preventive care the most.
func DefaultTable() Table {
	return Table{
		Awards: map[Activity]int{
			ActivityCheckUp:             10,
			ActivityPreventiveScreening: 20,
			ActivityVaccination:         15,
			ActivityHealthEducation:     5,
		},
		Default: 5,
	}
}

// None awards nothing.
type None struct{}

func (None) Points(Activity) int { return 0 }

var activityHints = []struct {
	hint     string
	activity Activity
}{
	{"vaccin", ActivityVaccination},
	{"screening", ActivityPreventiveScreening},
	{"check-up", ActivityCheckUp},
	{"checkup", ActivityCheckUp},
	{"check up", ActivityCheckUp},
	{"education", ActivityHealthEducation},
	{"counsel", ActivityHealthEducation},
}

// ActivityFor classifies an appointment reason. Only the activity leaves
// this function; the reason itself is never stored.
func ActivityFor(reason string) Activity {
	r := strings.ToLower(reason)
	for _, h := range activityHints {
		if strings.Contains(r, h.hint) {
			return h.activity
		}
	}
	return ActivityOther
}
