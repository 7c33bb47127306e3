package model

import (
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxMessageLength = 4000

var (
	ErrEmptyMessage      = errors.New("message needs text or an attachment")
	ErrMessageTooLong    = errors.New("message text is too long")
	ErrInvalidAttachment = errors.New("attachment url must be an absolute http or https url")
)

var threadNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("clinicdesk:chat-thread"))

// Thread is the conversation between one patient and one doctor.
type Thread struct {
	ID        string    `json:"chatId" bson:"_id"`
	PatientID string    `json:"patientId" bson:"patientId"`
	DoctorID  string    `json:"doctorId" bson:"doctorId"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	// UpdatedAt moves to the newest message's CreatedAt.
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// ThreadID is stable per patient and doctor pair, so opening a thread twice yields the same one.
func ThreadID(patientID, doctorID string) string {
	return uuid.NewSHA1(threadNamespace, []byte(patientID+"\x00"+doctorID)).String()
}

func (t Thread) HasParticipant(id string) bool {
	return id != "" && (t.PatientID == id || t.DoctorID == id)
}

type Sender struct {
	UID  string `json:"uid" bson:"uid"`
	Role string `json:"role" bson:"role"`
}

type Message struct {
	ID            string    `json:"id" bson:"_id"`
	ChatID        string    `json:"chatId" bson:"chatId"`
	Sender        Sender    `json:"sender" bson:"sender"`
	Text          string    `json:"text" bson:"text"`
	AttachmentURL string    `json:"attachmentUrl,omitempty" bson:"attachmentUrl,omitempty"`
	ReplyTo       string    `json:"replyTo,omitempty" bson:"replyTo,omitempty"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
}

func (m Message) Validate() error {
	text := strings.TrimSpace(m.Text)
	if text == "" && m.AttachmentURL == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if m.AttachmentURL != "" {
		return ValidateAttachmentURL(m.AttachmentURL)
	}
	return nil
}

func ValidateAttachmentURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidAttachment
	}
	return nil
}
