package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
)

// MemoryStore keeps appointments and chats in process memory. It backs STORE_DRIVER=memory for local runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	appts    map[string]model.Appointment
	threads  map[string]model.Thread
	messages map[string][]model.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appts:    map[string]model.Appointment{},
		threads:  map[string]model.Thread{},
		messages: map[string][]model.Message{},
	}
}

func (m *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (m *MemoryStore) Insert(_ context.Context, a model.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[a.ID]; ok {
		return ErrConflict
	}
	m.appts[a.ID] = a
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Appointment{}
	for _, a := range m.appts {
		if matches(a, f) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(a model.Appointment, f Filter) bool {
	switch {
	case f.DoctorID != "" && a.DoctorID != f.DoctorID:
		return false
	case f.PatientID != "" && a.PatientID != f.PatientID:
		return false
	case f.Status != "" && a.Status != f.Status:
		return false
	case !f.To.IsZero() && !a.StartTime.Before(f.To):
		return false
	case !f.From.IsZero() && !a.EndTime.After(f.From):
		return false
	}
	return true
}

func (m *MemoryStore) ListActiveForDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]model.Appointment, error) {
	all, err := m.List(ctx, Filter{DoctorID: doctorID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, a := range all {
		if a.Active() {
			active = append(active, a)
		}
	}
	return active, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to model.Status, at time.Time) (model.Appointment, error) {
	return m.update(id, from, func(a *model.Appointment) {
		a.Status = to
		a.UpdatedAt = at
	})
}

func (m *MemoryStore) SetRating(_ context.Context, id string, rating int, at time.Time) (model.Appointment, error) {
	return m.update(id, model.StatusCompleted, func(a *model.Appointment) {
		a.Rating = rating
		a.UpdatedAt = at
	})
}

func (m *MemoryStore) update(id string, want model.Status, apply func(*model.Appointment)) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != want {
		return model.Appointment{}, ErrStaleStatus
	}
	apply(&a)
	m.appts[id] = a
	return a, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[id]; !ok {
		return ErrNotFound
	}
	delete(m.appts, id)
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

func (m *MemoryStore) EnsureThread(_ context.Context, t model.Thread) (model.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.threads[t.ID]; ok {
		return existing, nil
	}
	m.threads[t.ID] = t
	return t, nil
}

func (m *MemoryStore) GetThread(_ context.Context, id string) (model.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return model.Thread{}, ErrThreadNotFound
	}
	return t, nil
}

func (m *MemoryStore) ListThreads(_ context.Context, f ThreadFilter) ([]model.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Thread{}
	for _, t := range m.threads {
		if (f.PatientID == "" || t.PatientID == f.PatientID) && (f.DoctorID == "" || t.DoctorID == f.DoctorID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[msg.ChatID]
	if !ok {
		return ErrThreadNotFound
	}
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	if msg.CreatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = msg.CreatedAt
		m.threads[t.ID] = t
	}
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, chatID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Message, len(m.messages[chatID]))
	copy(out, m.messages[chatID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

var (
	_ AppointmentStore = (*MemoryStore)(nil)
	_ AppointmentStore = (*MongoStore)(nil)
	_ AppointmentStore = (*PostgresStore)(nil)

	_ MessageStore = (*MemoryStore)(nil)
	_ MessageStore = (*MongoStore)(nil)
	_ MessageStore = (*PostgresStore)(nil)
)
