package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
)

var (
	ErrNotFound = errors.New("appointment not found")
	// ErrConflict is a uniqueness or overlap violation enforced by the database itself.
	ErrConflict = errors.New("appointment conflicts with an existing record")
	// ErrStaleStatus means the row changed status between read and write.
	ErrStaleStatus = errors.New("appointment status changed concurrently")

	ErrThreadNotFound = errors.New("chat thread not found")
)

const collectionName = "appointments"

// Filter narrows List. Zero fields are ignored; Limit 0 means no limit.
// From and To select appointments overlapping [From, To).
type Filter struct {
	DoctorID  string
	PatientID string
	Status    model.Status
	From      time.Time
	To        time.Time
	Limit     int
}

type AppointmentStore interface {
	// EnsureSchema creates indexes or tables. Safe to call repeatedly.
	EnsureSchema(ctx context.Context) error
	Insert(ctx context.Context, appt model.Appointment) error
	Get(ctx context.Context, id string) (model.Appointment, error)
	List(ctx context.Context, f Filter) ([]model.Appointment, error)
	// ListActiveForDoctor returns the doctor's non-cancelled appointments overlapping [from, to).
	ListActiveForDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]model.Appointment, error)
	// UpdateStatus moves id from `from` to `to`. It fails with ErrStaleStatus if the stored status is no longer `from`.
	UpdateStatus(ctx context.Context, id string, from, to model.Status, at time.Time) (model.Appointment, error)
	// SetRating rates a completed appointment, failing with ErrStaleStatus otherwise.
	SetRating(ctx context.Context, id string, rating int, at time.Time) (model.Appointment, error)
	Delete(ctx context.Context, id string) error
}

// ThreadFilter narrows ListThreads. Zero fields are ignored; Limit 0 means no limit.
type ThreadFilter struct {
	PatientID string
	DoctorID  string
	Limit     int
}

// MessageStore persists patient and doctor chat threads. Schema setup is shared with AppointmentStore.
type MessageStore interface {
	// EnsureThread stores t unless a thread with the same ID exists, and returns the stored thread.
	EnsureThread(ctx context.Context, t model.Thread) (model.Thread, error)
	GetThread(ctx context.Context, id string) (model.Thread, error)
	// ListThreads returns the most recently active threads first.
	ListThreads(ctx context.Context, f ThreadFilter) ([]model.Thread, error)
	// AppendMessage stores m and moves its thread's UpdatedAt forward. It fails with ErrThreadNotFound for an unknown ChatID.
	AppendMessage(ctx context.Context, m model.Message) error
	// ListMessages returns the newest limit messages of a thread, oldest first.
	ListMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error)
}
