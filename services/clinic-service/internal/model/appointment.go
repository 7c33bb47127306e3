package model

import (
	"errors"
	"time"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDelayed    Status = "delayed"
)

var (
	ErrInvalidInterval   = errors.New("start time must be before end time")
	ErrInvalidStatus     = errors.New("unknown appointment status")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
)

type Appointment struct {
	ID        string    `json:"id" bson:"_id"`
	DoctorID  string    `json:"doctorId" bson:"doctorId"`
	PatientID string    `json:"patientId" bson:"patientId"`
	TherapyID string    `json:"therapyId,omitempty" bson:"therapyId,omitempty"`
	StartTime time.Time `json:"startTime" bson:"startTime"`
	EndTime   time.Time `json:"endTime" bson:"endTime"`
	Status    Status    `json:"status" bson:"status"`
	Notes     string    `json:"notes,omitempty" bson:"notes,omitempty"`
	Rating    int       `json:"rating,omitempty" bson:"rating,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Active reports whether the appointment still occupies its slot.
func (a Appointment) Active() bool {
	return a.Status != StatusCancelled
}

func (a Appointment) Duration() time.Duration {
	return a.EndTime.Sub(a.StartTime)
}

// ValidateInterval rejects zero-length and inverted intervals.
func ValidateInterval(start, end time.Time) error {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return ErrInvalidInterval
	}
	return nil
}

func (a Appointment) Validate() error {
	if err := ValidateInterval(a.StartTime, a.EndTime); err != nil {
		return err
	}
	if !a.Status.Valid() {
		return ErrInvalidStatus
	}
	if a.Rating != 0 {
		return ValidateRating(a.Rating)
	}
	return nil
}

func ValidateRating(r int) error {
	if r < 1 || r > 5 {
		return ErrInvalidRating
	}
	return nil
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", ErrInvalidStatus
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusDelayed, StatusCompleted, StatusCancelled},
	StatusDelayed:    {StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusDelayed, StatusCompleted, StatusCancelled},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

// CanTransition reports whether from -> to is allowed. Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func AllStatuses() []Status {
	return []Status{StatusScheduled, StatusInProgress, StatusDelayed, StatusCompleted, StatusCancelled}
}
