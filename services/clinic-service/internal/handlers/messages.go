package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/clinicdesk/libs/auth"
	"github.com/md-rashed-zaman/clinicdesk/libs/httpx"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/messaging"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
)

type MessageHandler struct {
	svc    *messaging.Service
	logger *slog.Logger
}

func NewMessageHandler(svc *messaging.Service, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{svc: svc, logger: logger}
}

type participantRef struct {
	ID string `json:"id"`
}

// threadView adds the nested participant objects dashboards render from.
type threadView struct {
	model.Thread
	Patient participantRef `json:"patient"`
	Doctor  participantRef `json:"doctor"`
}

func viewThread(t model.Thread) threadView {
	return threadView{Thread: t, Patient: participantRef{ID: t.PatientID}, Doctor: participantRef{ID: t.DoctorID}}
}

type openThreadRequest struct {
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId"`
}

type sendMessageRequest struct {
	SenderID      string `json:"senderId"`
	Text          string `json:"text"`
	AttachmentURL string `json:"attachmentUrl"`
	ReplyTo       string `json:"replyTo"`
}

type threadListResponse struct {
	Threads []threadView `json:"threads"`
	Count   int          `json:"count"`
}

type messageListResponse struct {
	ChatID   string          `json:"chatId"`
	Messages []model.Message `json:"messages"`
	Count    int             `json:"count"`
}

type sendMessageResponse struct {
	Message  model.Message   `json:"message"`
	Messages []model.Message `json:"messages"`
}

func (h *MessageHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	threads, err := h.svc.Threads(r.Context(), caller, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	views := make([]threadView, 0, len(threads))
	for _, t := range threads {
		views = append(views, viewThread(t))
	}
	httpx.WriteJSON(w, http.StatusOK, threadListResponse{Threads: views, Count: len(views)})
}

func (h *MessageHandler) OpenThread(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req openThreadRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := h.svc.Open(r.Context(), caller, req.PatientID, req.DoctorID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewThread(t))
}

func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	chatID := chi.URLParam(r, "chatId")
	msgs, err := h.svc.Messages(r.Context(), caller, chatID, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, messageListResponse{ChatID: chatID, Messages: msgs, Count: len(msgs)})
}

// Send answers with the stored message and the refreshed history.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	chatID := chi.URLParam(r, "chatId")
	msg, err := h.svc.Send(r.Context(), caller, chatID, messaging.SendRequest{
		SenderID:      req.SenderID,
		Text:          req.Text,
		AttachmentURL: req.AttachmentURL,
		ReplyTo:       req.ReplyTo,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	history, err := h.svc.Messages(r.Context(), caller, chatID, 0)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, sendMessageResponse{Message: msg, Messages: history})
}

func callerFrom(w http.ResponseWriter, r *http.Request) (messaging.Caller, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "missing bearer token")
		return messaging.Caller{}, false
	}
	return messaging.Caller{ID: claims.Subject, Role: claims.Role}, true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}
