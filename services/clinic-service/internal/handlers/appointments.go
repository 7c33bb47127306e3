package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/clinicdesk/libs/auth"
	"github.com/md-rashed-zaman/clinicdesk/libs/httpx"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/booking"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/scheduling"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/storage"
)

const maxSlotDuration = 9 * time.Hour

type AppointmentHandler struct {
	svc    *booking.Service
	logger *slog.Logger
}

func NewAppointmentHandler(svc *booking.Service, logger *slog.Logger) *AppointmentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppointmentHandler{svc: svc, logger: logger}
}

type createAppointmentRequest struct {
	DoctorID  string    `json:"doctorId"`
	PatientID string    `json:"patientId"`
	TherapyID string    `json:"therapyId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Notes     string    `json:"notes"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type rateRequest struct {
	Rating int `json:"rating"`
}

type listResponse struct {
	Appointments []model.Appointment `json:"appointments"`
	Count        int                 `json:"count"`
}

type slotItem struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type slotsResponse struct {
	DoctorID        string     `json:"doctorId"`
	Date            string     `json:"date"`
	DurationMinutes int        `json:"durationMinutes"`
	Slots           []slotItem `json:"slots"`
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	claims, _ := auth.ClaimsFromContext(r.Context())
	if claims != nil && claims.Role == auth.RolePatient {
		patientID := strings.TrimSpace(req.PatientID)
		if patientID == "" {
			req.PatientID = claims.Subject
		} else if patientID != claims.Subject {
			httpx.WriteError(w, http.StatusForbidden, "patients can only book for themselves")
			return
		}
	}

	appt, err := h.svc.Book(r.Context(), booking.BookRequest{
		DoctorID:  req.DoctorID,
		PatientID: req.PatientID,
		TherapyID: req.TherapyID,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Notes:     req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, appt)
}

func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{
		DoctorID:  strings.TrimSpace(q.Get("doctor_id")),
		PatientID: strings.TrimSpace(q.Get("patient_id")),
		Status:    model.Status(strings.TrimSpace(q.Get("status"))),
	}
	var err error
	if f.From, err = parseTimeParam(q.Get("from")); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid from, expected RFC3339")
		return
	}
	if f.To, err = parseTimeParam(q.Get("to")); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid to, expected RFC3339")
		return
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if f.Limit, err = strconv.Atoi(raw); err != nil || f.Limit < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	// Patients only see their own appointments.
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Role == auth.RolePatient {
		f.PatientID = claims.Subject
	}

	appts, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{Appointments: appts, Count: len(appts)})
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appt)
}

func (h *AppointmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := model.ParseStatus(strings.TrimSpace(req.Status))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	claims, _ := auth.ClaimsFromContext(r.Context())
	if claims != nil && claims.Role == auth.RolePatient && status != model.StatusCancelled {
		httpx.WriteError(w, http.StatusForbidden, "patients can only cancel appointments")
		return
	}
	appt, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	updated, err := h.svc.UpdateStatus(r.Context(), appt.ID, status)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

func (h *AppointmentHandler) Rate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	appt, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	rated, err := h.svc.Rate(r.Context(), appt.ID, req.Rating)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rated)
}

func (h *AppointmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AppointmentHandler) Slots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := time.Now().UTC()
	if raw := strings.TrimSpace(q.Get("date")); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
			return
		}
		date = parsed
	}
	duration := time.Duration(0)
	if raw := strings.TrimSpace(q.Get("duration_minutes")); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 || time.Duration(minutes)*time.Minute > maxSlotDuration {
			httpx.WriteError(w, http.StatusBadRequest, "invalid duration_minutes")
			return
		}
		duration = time.Duration(minutes) * time.Minute
	}

	doctorID := chi.URLParam(r, "id")
	slots, err := h.svc.Slots(r.Context(), doctorID, date, duration)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if duration == 0 {
		duration = scheduling.DefaultDuration
	}
	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: s.Format(time.RFC3339),
			EndTime:   s.Add(duration).Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, slotsResponse{
		DoctorID:        doctorID,
		Date:            date.UTC().Format(time.DateOnly),
		DurationMinutes: int(duration / time.Minute),
		Slots:           items,
	})
}

func (h *AppointmentHandler) Report(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid from, expected RFC3339")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid to, expected RFC3339")
		return
	}
	report, err := h.svc.Report(r.Context(), from, to)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

// loadOwned fetches the {id} appointment and enforces that patients and doctors only touch their own.
func (h *AppointmentHandler) loadOwned(w http.ResponseWriter, r *http.Request) (model.Appointment, bool) {
	appt, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return model.Appointment{}, false
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return appt, true
	}
	switch claims.Role {
	case auth.RolePatient:
		if appt.PatientID != claims.Subject {
			httpx.WriteError(w, http.StatusNotFound, "appointment not found")
			return model.Appointment{}, false
		}
	case auth.RoleDoctor:
		if appt.DoctorID != claims.Subject {
			httpx.WriteError(w, http.StatusForbidden, "appointment belongs to another doctor")
			return model.Appointment{}, false
		}
	}
	return appt, true
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
