// Package messaging keeps the patient and doctor chat threads.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/clinicdesk/libs/auth"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/events"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/metrics"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultHistory = 100
	MaxHistory     = 500
	DefaultThreads = 50
	MaxThreads     = 200

	// syncScan bounds the appointments read when discovering a caller's counterparts.
	syncScan = 200
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotParticipant = errors.New("not a participant in this chat")
	ErrSenderMismatch = errors.New("senderId does not match the authenticated user")
)

// Caller is the authenticated user acting on a chat.
type Caller struct {
	ID   string
	Role string
}

func (c Caller) privileged() bool {
	return c.Role == auth.RoleAdmin
}

// AppointmentLister is satisfied by storage.AppointmentStore.
type AppointmentLister interface {
	List(ctx context.Context, f storage.Filter) ([]model.Appointment, error)
}

type SendRequest struct {
	// SenderID is optional; when set it must name the caller.
	SenderID      string
	Text          string
	AttachmentURL string
	ReplyTo       string
}

type Deps struct {
	Store storage.MessageStore
	// Appointments seeds a thread for every doctor a patient has booked. Nil disables it.
	Appointments AppointmentLister
	Publisher    events.Publisher
	Metrics      *metrics.MessagingMetrics
	Logger       *slog.Logger
	Now          func() time.Time
}

type Service struct {
	store        storage.MessageStore
	appointments AppointmentLister
	publisher    events.Publisher
	metrics      *metrics.MessagingMetrics
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:        d.Store,
		appointments: d.Appointments,
		publisher:    d.Publisher,
		metrics:      d.Metrics,
		logger:       d.Logger,
		now:          d.Now,
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

var tracer = otel.Tracer("messaging")

// Threads lists the caller's threads, most recently active first. Admins see every thread.
func (s *Service) Threads(ctx context.Context, caller Caller, limit int) ([]model.Thread, error) {
	f := storage.ThreadFilter{Limit: clamp(limit, DefaultThreads, MaxThreads)}
	switch caller.Role {
	case auth.RolePatient:
		f.PatientID = caller.ID
	case auth.RoleDoctor:
		f.DoctorID = caller.ID
	case auth.RoleAdmin:
		return s.store.ListThreads(ctx, f)
	default:
		return nil, ErrNotParticipant
	}
	if err := s.syncThreads(ctx, caller); err != nil {
		return nil, err
	}
	return s.store.ListThreads(ctx, f)
}

// syncThreads opens a thread for every counterpart the caller shares an appointment with.
func (s *Service) syncThreads(ctx context.Context, caller Caller) error {
	if s.appointments == nil {
		return nil
	}
	apptFilter := storage.Filter{Limit: syncScan}
	threadFilter := storage.ThreadFilter{}
	if caller.Role == auth.RolePatient {
		apptFilter.PatientID, threadFilter.PatientID = caller.ID, caller.ID
	} else {
		apptFilter.DoctorID, threadFilter.DoctorID = caller.ID, caller.ID
	}
	appts, err := s.appointments.List(ctx, apptFilter)
	if err != nil || len(appts) == 0 {
		return err
	}
	existing, err := s.store.ListThreads(ctx, threadFilter)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, t := range existing {
		known[t.ID] = true
	}
	for _, a := range appts {
		id := model.ThreadID(a.PatientID, a.DoctorID)
		if known[id] || a.PatientID == a.DoctorID {
			continue
		}
		if _, err := s.store.EnsureThread(ctx, s.newThread(a.PatientID, a.DoctorID)); err != nil {
			return err
		}
		known[id] = true
	}
	return nil
}

// Open returns the thread between a patient and a doctor, creating it if needed.
// Patients and doctors may only open threads they take part in; the missing side defaults to the caller.
func (s *Service) Open(ctx context.Context, caller Caller, patientID, doctorID string) (model.Thread, error) {
	patientID = strings.TrimSpace(patientID)
	doctorID = strings.TrimSpace(doctorID)
	switch caller.Role {
	case auth.RolePatient:
		if patientID == "" {
			patientID = caller.ID
		}
		if patientID != caller.ID {
			return model.Thread{}, ErrNotParticipant
		}
	case auth.RoleDoctor:
		if doctorID == "" {
			doctorID = caller.ID
		}
		if doctorID != caller.ID {
			return model.Thread{}, ErrNotParticipant
		}
	case auth.RoleAdmin:
	default:
		return model.Thread{}, ErrNotParticipant
	}
	if patientID == "" || doctorID == "" {
		return model.Thread{}, fmt.Errorf("%w: patientId and doctorId are required", ErrInvalidRequest)
	}
	if patientID == doctorID {
		return model.Thread{}, fmt.Errorf("%w: a thread needs two different participants", ErrInvalidRequest)
	}
	return s.store.EnsureThread(ctx, s.newThread(patientID, doctorID))
}

func (s *Service) newThread(patientID, doctorID string) model.Thread {
	now := s.now().UTC()
	return model.Thread{
		ID:        model.ThreadID(patientID, doctorID),
		PatientID: patientID,
		DoctorID:  doctorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Thread loads chatID for the caller. Threads the caller may not read look missing.
func (s *Service) Thread(ctx context.Context, caller Caller, chatID string) (model.Thread, error) {
	t, err := s.store.GetThread(ctx, strings.TrimSpace(chatID))
	if err != nil {
		return model.Thread{}, err
	}
	if !caller.privileged() && !t.HasParticipant(caller.ID) {
		return model.Thread{}, storage.ErrThreadNotFound
	}
	return t, nil
}

// Messages returns the newest messages of chatID, oldest first.
func (s *Service) Messages(ctx context.Context, caller Caller, chatID string, limit int) ([]model.Message, error) {
	t, err := s.Thread(ctx, caller, chatID)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, t.ID, clamp(limit, DefaultHistory, MaxHistory))
}

// Send stores a message from the caller and announces it as message.created to both participants.
// Admins can read any thread but only participants can post.
func (s *Service) Send(ctx context.Context, caller Caller, chatID string, req SendRequest) (model.Message, error) {
	ctx, span := tracer.Start(ctx, "messaging.send")
	defer span.End()

	t, err := s.Thread(ctx, caller, chatID)
	if err != nil {
		return model.Message{}, err
	}
	if !t.HasParticipant(caller.ID) {
		return model.Message{}, ErrNotParticipant
	}
	if sender := strings.TrimSpace(req.SenderID); sender != "" && sender != caller.ID {
		return model.Message{}, ErrSenderMismatch
	}
	span.SetAttributes(attribute.String("chat.id", t.ID))

	msg := model.Message{
		ID:            uuid.NewString(),
		ChatID:        t.ID,
		Sender:        model.Sender{UID: caller.ID, Role: caller.Role},
		Text:          strings.TrimSpace(req.Text),
		AttachmentURL: strings.TrimSpace(req.AttachmentURL),
		ReplyTo:       strings.TrimSpace(req.ReplyTo),
		CreatedAt:     s.now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return model.Message{}, err
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return model.Message{}, err
	}

	s.metrics.ObserveSent(caller.Role)
	s.logger.Info("chat message sent", "chat_id", t.ID, "message_id", msg.ID, "sender_role", caller.Role)
	s.publish(ctx, t, msg)
	return msg, nil
}

// publish never fails the request; the message is already stored.
func (s *Service) publish(ctx context.Context, t model.Thread, msg model.Message) {
	evt, err := events.NewMessageEvent(ctx, t, msg)
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		s.metrics.ObservePublishFailure()
		s.logger.Warn("message event not published", "chat_id", t.ID, "message_id", msg.ID, "err", err)
	}
}

func clamp(n, fallback, ceiling int) int {
	switch {
	case n <= 0:
		return fallback
	case n > ceiling:
		return ceiling
	}
	return n
}
