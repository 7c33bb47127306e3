package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/events"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/locks"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/metrics"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/scheduling"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrSchedulingConflict = errors.New("scheduling conflict detected")
	ErrNotRateable        = errors.New("only completed appointments can be rated")
)

// ConflictError carries the appointments that block a booking. It matches ErrSchedulingConflict.
type ConflictError struct {
	DoctorID  string
	Conflicts []model.Appointment
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: doctor %s has %d overlapping appointment(s)", ErrSchedulingConflict, e.DoctorID, len(e.Conflicts))
}

func (e *ConflictError) Unwrap() error {
	return ErrSchedulingConflict
}

type BookRequest struct {
	DoctorID  string
	PatientID string
	TherapyID string
	StartTime time.Time
	EndTime   time.Time
	Notes     string
}

type Deps struct {
	Store     storage.AppointmentStore
	Locker    locks.Locker
	Publisher events.Publisher
	Metrics   *metrics.BookingMetrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Service struct {
	store     storage.AppointmentStore
	locker    locks.Locker
	publisher events.Publisher
	metrics   *metrics.BookingMetrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		locker:    d.Locker,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       d.Now,
	}
	if s.locker == nil {
		s.locker = locks.NewLocalLocker()
	}
	if s.publisher == nil {
		s.publisher = events.Discard
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

var tracer = otel.Tracer("booking")

// Book creates a scheduled appointment unless the doctor already has an active one overlapping it.
func (s *Service) Book(ctx context.Context, req BookRequest) (model.Appointment, error) {
	ctx, span := tracer.Start(ctx, "booking.book")
	defer span.End()

	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.TherapyID = strings.TrimSpace(req.TherapyID)
	if req.DoctorID == "" || req.PatientID == "" {
		s.metrics.ObserveBooking("invalid")
		return model.Appointment{}, fmt.Errorf("%w: doctorId and patientId are required", ErrInvalidRequest)
	}
	if err := model.ValidateInterval(req.StartTime, req.EndTime); err != nil {
		s.metrics.ObserveBooking("invalid")
		return model.Appointment{}, err
	}
	span.SetAttributes(attribute.String("doctor.id", req.DoctorID))

	candidate := scheduling.Interval{Start: req.StartTime.UTC(), End: req.EndTime.UTC()}
	var created model.Appointment
	err := s.locker.WithLock(ctx, locks.DoctorKey(req.DoctorID), func(ctx context.Context) error {
		existing, err := s.store.ListActiveForDoctor(ctx, req.DoctorID, candidate.Start, candidate.End)
		if err != nil {
			return err
		}
		if conflicts := scheduling.FindConflicts(req.DoctorID, candidate, existing); len(conflicts) > 0 {
			return &ConflictError{DoctorID: req.DoctorID, Conflicts: conflicts}
		}

		now := s.now().UTC()
		appt := model.Appointment{
			ID:        uuid.NewString(),
			DoctorID:  req.DoctorID,
			PatientID: req.PatientID,
			TherapyID: req.TherapyID,
			StartTime: candidate.Start,
			EndTime:   candidate.End,
			Status:    model.StatusScheduled,
			Notes:     strings.TrimSpace(req.Notes),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.Insert(ctx, appt); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return &ConflictError{DoctorID: req.DoctorID}
			}
			return err
		}
		created = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSchedulingConflict) {
			s.metrics.ObserveBooking("conflict")
			span.SetAttributes(attribute.Bool("booking.conflict", true))
			return model.Appointment{}, err
		}
		s.metrics.ObserveBooking("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "book failed")
		return model.Appointment{}, err
	}

	s.metrics.ObserveBooking("created")
	s.logger.Info("appointment booked",
		"appointment_id", created.ID,
		"doctor_id", created.DoctorID,
		"start", created.StartTime,
	)
	s.publish(ctx, events.TypeAppointmentCreated, created)
	return created, nil
}

// UpdateStatus applies a lifecycle transition. Moving to the current status is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, id string, to model.Status) (model.Appointment, error) {
	if !to.Valid() {
		return model.Appointment{}, fmt.Errorf("%w: %q", model.ErrInvalidStatus, to)
	}
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status == to {
		return appt, nil
	}
	if !model.CanTransition(appt.Status, to) {
		return model.Appointment{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, appt.Status, to)
	}

	updated, err := s.store.UpdateStatus(ctx, id, appt.Status, to, s.now().UTC())
	if err != nil {
		return model.Appointment{}, err
	}
	s.metrics.ObserveTransition(string(to))
	s.logger.Info("appointment status changed", "appointment_id", id, "from", appt.Status, "to", to)
	s.publish(ctx, events.TypeAppointmentUpdated, updated)
	return updated, nil
}

func (s *Service) Rate(ctx context.Context, id string, rating int) (model.Appointment, error) {
	if err := model.ValidateRating(rating); err != nil {
		return model.Appointment{}, err
	}
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status != model.StatusCompleted {
		return model.Appointment{}, ErrNotRateable
	}
	rated, err := s.store.SetRating(ctx, id, rating, s.now().UTC())
	if errors.Is(err, storage.ErrStaleStatus) {
		return model.Appointment{}, ErrNotRateable
	}
	if err != nil {
		return model.Appointment{}, err
	}
	s.publish(ctx, events.TypeAppointmentUpdated, rated)
	return rated, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("appointment deleted", "appointment_id", id)
	s.publish(ctx, events.TypeAppointmentDeleted, appt)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Appointment, error) {
	return s.store.Get(ctx, id)
}

// List clamps the limit to (0, MaxListLimit], defaulting to DefaultListLimit.
func (s *Service) List(ctx context.Context, f storage.Filter) ([]model.Appointment, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidStatus, f.Status)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return nil, model.ErrInvalidInterval
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return s.store.List(ctx, f)
}

// Slots returns free start times for doctorID on the UTC day of date.
func (s *Service) Slots(ctx context.Context, doctorID string, date time.Time, duration time.Duration) ([]time.Time, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return nil, fmt.Errorf("%w: doctor id is required", ErrInvalidRequest)
	}
	if duration <= 0 {
		duration = scheduling.DefaultDuration
	}
	start, end := scheduling.DayWindow(date)
	appts, err := s.store.ListActiveForDoctor(ctx, doctorID, start, end)
	if err != nil {
		return nil, err
	}
	busy := scheduling.BusyIntervals(doctorID, appts)
	slots := scheduling.AvailableSlots(start, end, duration, scheduling.DefaultStep, busy, s.now().UTC())
	if slots == nil {
		slots = []time.Time{}
	}
	return slots, nil
}

type Report struct {
	From          time.Time            `json:"from,omitempty"`
	To            time.Time            `json:"to,omitempty"`
	Total         int                  `json:"total"`
	ByStatus      map[model.Status]int `json:"byStatus"`
	ByDoctor      map[string]int       `json:"byDoctor"`
	Rated         int                  `json:"rated"`
	AverageRating float64              `json:"averageRating"`
}

// Report summarizes appointments overlapping [from, to). Zero bounds are open.
func (s *Service) Report(ctx context.Context, from, to time.Time) (Report, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return Report{}, model.ErrInvalidInterval
	}
	appts, err := s.store.List(ctx, storage.Filter{From: from, To: to})
	if err != nil {
		return Report{}, err
	}
	r := Report{
		From:     from,
		To:       to,
		ByStatus: map[model.Status]int{},
		ByDoctor: map[string]int{},
	}
	for _, st := range model.AllStatuses() {
		r.ByStatus[st] = 0
	}
	ratingSum := 0
	for _, a := range appts {
		r.Total++
		r.ByStatus[a.Status]++
		r.ByDoctor[a.DoctorID]++
		if a.Rating > 0 {
			r.Rated++
			ratingSum += a.Rating
		}
	}
	if r.Rated > 0 {
		r.AverageRating = float64(ratingSum) / float64(r.Rated)
	}
	return r, nil
}

// publish never fails the request; the write already succeeded.
func (s *Service) publish(ctx context.Context, eventType string, appt model.Appointment) {
	evt, err := events.NewAppointmentEvent(ctx, eventType, appt)
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		s.metrics.ObservePublishFailure()
		s.logger.Warn("activity event not published", "event_type", eventType, "appointment_id", appt.ID, "err", err)
	}
}
