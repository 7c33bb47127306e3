package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreadID(t *testing.T) {
	id := ThreadID("pat-1", "doc-1")
	assert.Equal(t, id, ThreadID("pat-1", "doc-1"))
	assert.NotEqual(t, id, ThreadID("doc-1", "pat-1"))
	assert.NotEqual(t, id, ThreadID("pat-1d", "oc-1"))
	assert.Len(t, id, 36)
}

func TestThreadHasParticipant(t *testing.T) {
	th := Thread{PatientID: "pat-1", DoctorID: "doc-1"}
	assert.True(t, th.HasParticipant("pat-1"))
	assert.True(t, th.HasParticipant("doc-1"))
	assert.False(t, th.HasParticipant("pat-2"))
	assert.False(t, th.HasParticipant(""))
}

func TestMessageValidate(t *testing.T) {
	cases := map[string]struct {
		msg  Message
		want error
	}{
		"text":              {Message{Text: "hello"}, nil},
		"attachment only":   {Message{AttachmentURL: "https://cdn.example.com/report.pdf"}, nil},
		"blank":             {Message{Text: "  \n"}, ErrEmptyMessage},
		"too long":          {Message{Text: strings.Repeat("a", MaxMessageLength+1)}, ErrMessageTooLong},
		"multibyte at max":  {Message{Text: strings.Repeat("é", MaxMessageLength)}, nil},
		"relative url":      {Message{Text: "see", AttachmentURL: "/files/1"}, ErrInvalidAttachment},
		"javascript scheme": {Message{AttachmentURL: "javascript:alert(1)"}, ErrInvalidAttachment},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
