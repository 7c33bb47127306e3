package scheduling

import (
	"time"

	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
)

// Slot search defaults used by the doctor slots endpoint.
const (
	DefaultDayStart = 9 * time.Hour
	DefaultDayEnd   = 18 * time.Hour
	DefaultStep     = 30 * time.Minute
	DefaultDuration = 60 * time.Minute
)

// DayWindow returns the working window of the UTC day containing day.
func DayWindow(day time.Time) (time.Time, time.Time) {
	y, m, d := day.UTC().Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return midnight.Add(DefaultDayStart), midnight.Add(DefaultDayEnd)
}

// BusyIntervals keeps the intervals of active appointments for doctorID.
func BusyIntervals(doctorID string, appts []model.Appointment) []Interval {
	var busy []Interval
	for _, a := range appts {
		if a.DoctorID == doctorID && a.Active() {
			busy = append(busy, IntervalOf(a))
		}
	}
	return busy
}

// AvailableSlots returns slot start times within [windowStart, windowEnd) where a booking of
// length duration would not overlap any of the busy intervals. Slots starting before now are skipped.
//
// All times are expected to be in the same location (timezone).
func AvailableSlots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []Interval, now time.Time) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}
	if windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var slots []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		if t.Before(now) {
			continue
		}
		if !overlapsAny(Interval{Start: t, End: t.Add(duration)}, busy) {
			slots = append(slots, t)
		}
	}
	return slots
}

func overlapsAny(candidate Interval, busy []Interval) bool {
	for _, b := range busy {
		if Overlaps(candidate, b) {
			return true
		}
	}
	return false
}
