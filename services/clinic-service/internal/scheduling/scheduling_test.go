package scheduling

import (
	"math/rand"
	"testing"
	"time"

	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func appt(id, doctor string, start, end time.Time, status model.Status) model.Appointment {
	return model.Appointment{ID: id, DoctorID: doctor, StartTime: start, EndTime: end, Status: status}
}

func TestHasConflict_WorkedExample(t *testing.T) {
	existing := []model.Appointment{appt("a1", "D", at(10, 0), at(11, 0), model.StatusScheduled)}

	assert.True(t, HasConflict("D", Interval{at(10, 30), at(11, 30)}, existing))
	assert.False(t, HasConflict("D", Interval{at(11, 0), at(12, 0)}, existing))

	existing[0].Status = model.StatusCancelled
	assert.False(t, HasConflict("D", Interval{at(10, 30), at(11, 30)}, existing))
}

func TestHasConflict_OtherDoctorIgnored(t *testing.T) {
	existing := []model.Appointment{appt("a1", "E", at(10, 0), at(11, 0), model.StatusScheduled)}
	assert.False(t, HasConflict("D", Interval{at(10, 0), at(11, 0)}, existing))
}

func TestHasConflict_NestedAndEnclosing(t *testing.T) {
	existing := []model.Appointment{appt("a1", "D", at(10, 0), at(12, 0), model.StatusInProgress)}
	assert.True(t, HasConflict("D", Interval{at(10, 30), at(11, 0)}, existing), "nested")
	assert.True(t, HasConflict("D", Interval{at(9, 0), at(13, 0)}, existing), "enclosing")
	assert.True(t, HasConflict("D", Interval{at(10, 0), at(12, 0)}, existing), "identical")
	assert.False(t, HasConflict("D", Interval{at(9, 0), at(10, 0)}, existing), "touching before")
}

func TestHasConflict_AllNonCancelledStatusesBlock(t *testing.T) {
	for _, st := range model.AllStatuses() {
		existing := []model.Appointment{appt("a1", "D", at(10, 0), at(11, 0), st)}
		assert.Equal(t, st != model.StatusCancelled, HasConflict("D", Interval{at(10, 15), at(10, 45)}, existing), st)
	}
}

func TestFindConflicts(t *testing.T) {
	existing := []model.Appointment{
		appt("a1", "D", at(9, 0), at(10, 0), model.StatusScheduled),
		appt("a2", "D", at(10, 0), at(11, 0), model.StatusCancelled),
		appt("a3", "D", at(10, 30), at(11, 30), model.StatusDelayed),
		appt("a4", "E", at(10, 30), at(11, 30), model.StatusScheduled),
		appt("a5", "D", at(11, 0), at(12, 0), model.StatusScheduled),
	}
	got := FindConflicts("D", Interval{at(9, 30), at(11, 0)}, existing)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a3", got[1].ID)

	assert.Empty(t, FindConflicts("D", Interval{at(12, 0), at(13, 0)}, existing))
}

// Randomized check of the overlap properties against an independent minute-grid oracle.
func TestOverlaps_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		a := randomInterval(rng)
		b := randomInterval(rng)

		disjoint := !a.End.After(b.Start) || !b.End.After(a.Start)
		assert.Equal(t, !disjoint, Overlaps(a, b), "a=%v b=%v", a, b)
		assert.Equal(t, Overlaps(a, b), Overlaps(b, a), "symmetry")
		assert.Equal(t, sharesMinute(a, b), Overlaps(a, b), "grid oracle a=%v b=%v", a, b)

		existing := []model.Appointment{appt("x", "D", b.Start, b.End, model.StatusCancelled)}
		assert.False(t, HasConflict("D", a, existing), "cancelled never conflicts")
	}
}

func randomInterval(rng *rand.Rand) Interval {
	start := rng.Intn(24 * 60)
	length := 1 + rng.Intn(180)
	s := day.Add(time.Duration(start) * time.Minute)
	return Interval{Start: s, End: s.Add(time.Duration(length) * time.Minute)}
}

func sharesMinute(a, b Interval) bool {
	for t := a.Start; t.Before(a.End); t = t.Add(time.Minute) {
		if !t.Before(b.Start) && t.Before(b.End) {
			return true
		}
	}
	return false
}

func TestAvailableSlots_Basic(t *testing.T) {
	busy := []Interval{{Start: at(9, 15), End: at(9, 45)}}

	slots := AvailableSlots(at(9, 0), at(10, 0), 15*time.Minute, 15*time.Minute, busy, day)
	require.Len(t, slots, 2)
	assert.True(t, slots[0].Equal(at(9, 0)))
	assert.True(t, slots[1].Equal(at(9, 45)))
}

func TestAvailableSlots_SkipsPast(t *testing.T) {
	now := at(9, 31)
	slots := AvailableSlots(at(9, 0), at(10, 0), 15*time.Minute, 15*time.Minute, nil, now)
	// 09:00, 09:15, 09:30 start before now.
	require.Len(t, slots, 1)
	assert.True(t, slots[0].Equal(at(9, 45)))
}

func TestAvailableSlots_Degenerate(t *testing.T) {
	assert.Nil(t, AvailableSlots(at(9, 0), at(10, 0), 0, time.Minute, nil, day))
	assert.Nil(t, AvailableSlots(at(10, 0), at(9, 0), time.Minute, time.Minute, nil, day))
	assert.Nil(t, AvailableSlots(at(9, 0), at(9, 30), time.Hour, time.Minute, nil, day))
}

func TestDayWindowAndBusy(t *testing.T) {
	start, end := DayWindow(at(15, 20))
	assert.Equal(t, at(9, 0), start)
	assert.Equal(t, at(18, 0), end)

	appts := []model.Appointment{
		appt("a1", "D", at(10, 0), at(11, 0), model.StatusScheduled),
		appt("a2", "D", at(12, 0), at(13, 0), model.StatusCancelled),
		appt("a3", "E", at(14, 0), at(15, 0), model.StatusScheduled),
	}
	busy := BusyIntervals("D", appts)
	require.Len(t, busy, 1)

	slots := AvailableSlots(start, end, DefaultDuration, DefaultStep, busy, day)
	// 09:00..17:00 every 30 minutes is 17 starts; 09:30, 10:00, 10:30 overlap 10:00-11:00.
	assert.Len(t, slots, 14)
}
