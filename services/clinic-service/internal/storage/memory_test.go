package storage

import (
	"context"
	"testing"
	"time"

	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := sampleAppointment()
	b := a
	b.ID = "appt-2"
	b.StartTime = a.EndTime
	b.EndTime = a.EndTime.Add(time.Hour)
	b.Status = model.StatusCancelled

	require.NoError(t, s.Insert(ctx, a))
	require.NoError(t, s.Insert(ctx, b))
	assert.ErrorIs(t, s.Insert(ctx, a), ErrConflict)

	active, err := s.ListActiveForDoctor(ctx, "doc-1", a.StartTime, b.EndTime)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "appt-1", active[0].ID)

	all, err := s.List(ctx, Filter{DoctorID: "doc-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	touching, err := s.List(ctx, Filter{From: a.EndTime})
	require.NoError(t, err)
	require.Len(t, touching, 1, "half-open: an appointment ending at From is excluded")
	assert.Equal(t, "appt-2", touching[0].ID)

	_, err = s.UpdateStatus(ctx, "appt-1", model.StatusDelayed, model.StatusCompleted, time.Now())
	assert.ErrorIs(t, err, ErrStaleStatus)
	_, err = s.SetRating(ctx, "appt-1", 5, time.Now())
	assert.ErrorIs(t, err, ErrStaleStatus)

	done, err := s.UpdateStatus(ctx, "appt-1", model.StatusScheduled, model.StatusCompleted, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	rated, err := s.SetRating(ctx, "appt-1", 5, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, rated.Rating)

	require.NoError(t, s.Delete(ctx, "appt-2"))
	assert.ErrorIs(t, s.Delete(ctx, "appt-2"), ErrNotFound)
	_, err = s.Get(ctx, "appt-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, s.Len())
}
