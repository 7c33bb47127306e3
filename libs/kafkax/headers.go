package kafkax

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

// Headers is a view over message headers. *Headers satisfies propagation.TextMapCarrier.
type Headers []kafka.Header

var _ propagation.TextMapCarrier = (*Headers)(nil)

// Get returns the first value stored under key.
func (h Headers) Get(key string) string {
	for _, kv := range h {
		if kv.Key == key {
			return string(kv.Value)
		}
	}
	return ""
}

// Set overwrites key in place, appending it when absent.
func (h *Headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h Headers) Keys() []string {
	keys := make([]string, len(h))
	for i, kv := range h {
		keys[i] = kv.Key
	}
	return keys
}

// EventMeta identifies the activity event a message carries without decoding its body.
type EventMeta struct {
	ID   string
	Type string
}

// NewMessage builds an activity message whose headers carry meta and the span context of ctx.
func NewMessage(ctx context.Context, key string, value []byte, meta EventMeta) kafka.Message {
	var h Headers
	if meta.ID != "" {
		h.Set(HeaderEventID, meta.ID)
	}
	if meta.Type != "" {
		h.Set(HeaderEventType, meta.Type)
	}
	otel.GetTextMapPropagator().Inject(ctx, &h)

	msg := kafka.Message{Value: value, Headers: h}
	if key != "" {
		msg.Key = []byte(key)
	}
	return msg
}

// MessageMeta reads the event headers. Messages from older producers fall back to key and topic.
func MessageMeta(msg kafka.Message) EventMeta {
	h := Headers(msg.Headers)
	meta := EventMeta{ID: h.Get(HeaderEventID), Type: h.Get(HeaderEventType)}
	if meta.ID == "" {
		meta.ID = string(msg.Key)
	}
	if meta.Type == "" {
		meta.Type = msg.Topic
	}
	return meta
}

// MessageContext returns ctx with the producer's span as remote parent.
func MessageContext(ctx context.Context, msg kafka.Message) context.Context {
	h := Headers(msg.Headers)
	return otel.GetTextMapPropagator().Extract(ctx, &h)
}
