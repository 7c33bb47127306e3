package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	otelx "github.com/md-rashed-zaman/clinicdesk/libs/otel"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
)

const (
	TypeAppointmentCreated = "appointment.created"
	TypeAppointmentUpdated = "appointment.updated"
	TypeAppointmentDeleted = "appointment.deleted"
	TypeMessageCreated     = "message.created"
)

type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
	// Audience lists the user ids allowed to see the event. Empty means everyone.
	Audience []string `json:"audience,omitempty"`

	Trace otelx.TraceContext `json:"-"`
}

// NewAppointmentEvent snapshots appt and the current trace context.
func NewAppointmentEvent(ctx context.Context, eventType string, appt model.Appointment) (Event, error) {
	return newEvent(ctx, eventType, appt.ID, appt)
}

type MessagePayload struct {
	ChatID  string        `json:"chatId"`
	Message model.Message `json:"message"`
}

// NewMessageEvent announces msg to the two participants of thread.
func NewMessageEvent(ctx context.Context, thread model.Thread, msg model.Message) (Event, error) {
	evt, err := newEvent(ctx, TypeMessageCreated, thread.ID, MessagePayload{ChatID: thread.ID, Message: msg})
	if err != nil {
		return Event{}, err
	}
	evt.Audience = []string{thread.PatientID, thread.DoctorID}
	return evt, nil
}

func newEvent(ctx context.Context, eventType, key string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
		Trace:      otelx.CurrentTraceContext(ctx),
	}, nil
}

// VisibleTo reports whether userID may see e. Privileged viewers see everything.
func (e Event) VisibleTo(userID string, privileged bool) bool {
	return privileged || len(e.Audience) == 0 || (userID != "" && slices.Contains(e.Audience, userID))
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type PublisherFunc func(ctx context.Context, evt Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Multi publishes to every publisher, returning the joined errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
