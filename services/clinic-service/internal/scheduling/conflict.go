package scheduling

import (
	"time"

	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
)

// Interval is half-open: [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func IntervalOf(a model.Appointment) Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

// Overlaps is the half-open overlap test. Touching intervals do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// HasConflict reports whether candidate overlaps any active appointment of doctorID.
// Callers reject empty or inverted candidates before calling.
func HasConflict(doctorID string, candidate Interval, existing []model.Appointment) bool {
	for _, a := range existing {
		if blocks(doctorID, candidate, a) {
			return true
		}
	}
	return false
}

// FindConflicts returns the appointments that make HasConflict true, in input order.
func FindConflicts(doctorID string, candidate Interval, existing []model.Appointment) []model.Appointment {
	var out []model.Appointment
	for _, a := range existing {
		if blocks(doctorID, candidate, a) {
			out = append(out, a)
		}
	}
	return out
}

func blocks(doctorID string, candidate Interval, a model.Appointment) bool {
	return a.DoctorID == doctorID && a.Active() && Overlaps(candidate, IntervalOf(a))
}
