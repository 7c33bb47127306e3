package handlers

import (
	"net/http"
	"testing"

	"github.com/md-rashed-zaman/clinicdesk/libs/auth"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/events"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessages_ThreadFromBooking(t *testing.T) {
	f := newFixture(t)
	f.book(t, "pat-1", at(10, 0), at(11, 0))
	patient := token(t, "pat-1", auth.RolePatient)

	rw := f.do(t, http.MethodGet, "/api/v1/messages/threads", patient, nil)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	list := decode[threadListResponse](t, rw)
	require.Equal(t, 1, list.Count)
	thread := list.Threads[0]
	assert.Equal(t, model.ThreadID("pat-1", "doc-1"), thread.ID)
	assert.Equal(t, "doc-1", thread.Doctor.ID)
	assert.Equal(t, "pat-1", thread.Patient.ID)

	path := "/api/v1/messages/threads/" + thread.ID + "/messages"
	rw = f.do(t, http.MethodPost, path, patient, map[string]any{"senderId": "pat-1", "text": "Can I reschedule?"})
	require.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())
	sent := decode[sendMessageResponse](t, rw)
	assert.Equal(t, "Can I reschedule?", sent.Message.Text)
	require.Len(t, sent.Messages, 1)

	rw = f.do(t, http.MethodPost, path, token(t, "doc-1", auth.RoleDoctor), map[string]any{"text": "Yes.", "replyTo": sent.Message.ID})
	require.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())
	assert.Len(t, decode[sendMessageResponse](t, rw).Messages, 2)

	rw = f.do(t, http.MethodGet, path+"?limit=1", token(t, "admin-1", auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rw.Code)
	history := decode[messageListResponse](t, rw)
	require.Equal(t, 1, history.Count)
	assert.Equal(t, "Yes.", history.Messages[0].Text)

	var created int
	for _, e := range f.hub.Recent() {
		if e.Type == events.TypeMessageCreated {
			created++
			assert.ElementsMatch(t, []string{"pat-1", "doc-1"}, e.Audience)
		}
	}
	assert.Equal(t, 2, created)
}

func TestMessages_Rejections(t *testing.T) {
	f := newFixture(t)
	patient := token(t, "pat-1", auth.RolePatient)

	rw := f.do(t, http.MethodPost, "/api/v1/messages/threads", patient, map[string]any{"doctorId": "doc-1"})
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	thread := decode[threadView](t, rw)
	path := "/api/v1/messages/threads/" + thread.ID + "/messages"

	cases := []struct {
		name string
		tok  string
		path string
		body map[string]any
		want int
	}{
		{"no token", "", path, map[string]any{"text": "hi"}, http.StatusUnauthorized},
		{"other patient", token(t, "pat-2", auth.RolePatient), path, map[string]any{"text": "hi"}, http.StatusNotFound},
		{"unknown chat", patient, "/api/v1/messages/threads/nope/messages", map[string]any{"text": "hi"}, http.StatusNotFound},
		{"spoofed sender", patient, path, map[string]any{"senderId": "doc-1", "text": "hi"}, http.StatusForbidden},
		{"admin posting", token(t, "admin-1", auth.RoleAdmin), path, map[string]any{"text": "hi"}, http.StatusForbidden},
		{"empty", patient, path, map[string]any{"text": " "}, http.StatusBadRequest},
		{"bad attachment", patient, path, map[string]any{"attachmentUrl": "ftp://files/x"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rw := f.do(t, http.MethodPost, tc.path, tc.tok, tc.body)
			assert.Equal(t, tc.want, rw.Code, rw.Body.String())
		})
	}

	rw = f.do(t, http.MethodPost, "/api/v1/messages/threads", patient, map[string]any{"patientId": "pat-2", "doctorId": "doc-1"})
	assert.Equal(t, http.StatusForbidden, rw.Code)
	rw = f.do(t, http.MethodPost, "/api/v1/messages/threads", token(t, "admin-1", auth.RoleAdmin), map[string]any{"doctorId": "doc-1"})
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	rw = f.do(t, http.MethodGet, "/api/v1/messages/threads?limit=-1", patient, nil)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}
