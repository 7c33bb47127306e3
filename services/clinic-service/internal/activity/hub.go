// Package activity fans appointment and chat events out to dashboard clients over SSE.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/md-rashed-zaman/clinicdesk/libs/auth"
	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/events"
)

const (
	DefaultRecent     = 20
	DefaultBuffer     = 16
	DefaultPingPeriod = 25 * time.Second
)

type Hub struct {
	logger *slog.Logger
	buffer int
	ping   time.Duration

	mu     sync.RWMutex
	subs   map[chan events.Event]struct{}
	recent []events.Event
	size   int

	dropped atomic.Uint64
}

type Option func(*Hub)

func WithRecent(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.size = n
		}
	}
}

func WithPingPeriod(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.ping = d
		}
	}
}

func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger: logger,
		buffer: DefaultBuffer,
		ping:   DefaultPingPeriod,
		subs:   map[chan events.Event]struct{}{},
		size:   DefaultRecent,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish records evt in the recent feed and delivers it to every subscriber.
// An event already in the recent feed is ignored, so local and relayed copies collapse.
// Subscribers whose buffer is full miss the event.
func (h *Hub) Publish(_ context.Context, evt events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.recent {
		if r.ID == evt.ID {
			return nil
		}
	}
	h.recent = append(h.recent, evt)
	if len(h.recent) > h.size {
		h.recent = h.recent[len(h.recent)-h.size:]
	}

	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe returns a channel of future events and a func that must be called to release it.
func (h *Hub) Subscribe() (<-chan events.Event, func()) {
	_, ch, cancel := h.subscribe(false)
	return ch, cancel
}

// SubscribeWithReplay is Subscribe plus the recent feed as of the moment of subscribing.
// Every event is either in the replay or delivered on the channel, never both.
func (h *Hub) SubscribeWithReplay() ([]events.Event, <-chan events.Event, func()) {
	return h.subscribe(true)
}

func (h *Hub) subscribe(replay bool) ([]events.Event, <-chan events.Event, func()) {
	ch := make(chan events.Event, h.buffer)
	var recent []events.Event
	h.mu.Lock()
	if replay {
		recent = make([]events.Event, len(h.recent))
		copy(recent, h.recent)
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return recent, ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Recent returns the retained events, oldest first.
func (h *Hub) Recent() []events.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]events.Event, len(h.recent))
	copy(out, h.recent)
	return out
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeHTTP streams the recent feed followed by live events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	visible := viewer(r)
	replay, ch, unsubscribe := h.SubscribeWithReplay()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, evt := range replay {
		if !visible(evt) {
			continue
		}
		if err := writeEvent(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if !visible(evt) {
				continue
			}
			if err := writeEvent(w, evt); err != nil {
				h.logger.Debug("sse write failed", "err", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// viewer decides which events the authenticated client may see. Admins see everything;
// anonymous clients only see events without an audience.
func viewer(r *http.Request) func(events.Event) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return func(evt events.Event) bool { return evt.VisibleTo("", false) }
	}
	privileged := claims.Role == auth.RoleAdmin
	return func(evt events.Event) bool { return evt.VisibleTo(claims.Subject, privileged) }
}

func writeEvent(w http.ResponseWriter, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
	return err
}
