package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/clinicdesk/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTopic = "clinic.activity.v1"

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c KafkaConfig) topic() string {
	if c.Topic == "" {
		return DefaultTopic
	}
	return c.Topic
}

type KafkaPublisher struct {
	writer MessageWriter
	topic  string
}

func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.topic(),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

func NewKafkaPublisher(writer MessageWriter, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{writer: writer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafkax.NewMessage(evt.Trace.Context(ctx), evt.Key, value, kafkax.EventMeta{ID: evt.ID, Type: evt.Type})
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", evt.Type, p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaRelay feeds every message on the activity topic into a local publisher (the SSE hub).
// Each instance uses its own consumer group so all instances see all events.
type KafkaRelay struct {
	reader MessageReader
	sink   Publisher
	logger *slog.Logger
	retry  time.Duration
}

func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.topic(),
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
}

func NewKafkaRelay(reader MessageReader, sink Publisher, logger *slog.Logger) *KafkaRelay {
	return &KafkaRelay{reader: reader, sink: sink, logger: logger, retry: time.Second}
}

// Run blocks until ctx is done.
func (r *KafkaRelay) Run(ctx context.Context) {
	defer r.reader.Close()

	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("kafka read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.retry):
			}
			continue
		}
		r.handle(ctx, msg)
	}
}

func (r *KafkaRelay) handle(ctx context.Context, msg kafka.Message) {
	meta := kafkax.MessageMeta(msg)
	ctxMsg := kafkax.MessageContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("event.type", meta.Type),
		),
	)
	defer span.End()

	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		r.logger.Warn("dropping undecodable activity message", "err", err, "event_id", meta.ID)
		span.RecordError(err)
		return
	}
	if evt.ID == "" {
		evt.ID = meta.ID
	}
	if evt.Type == "" {
		evt.Type = meta.Type
	}
	if err := r.sink.Publish(ctxSpan, evt); err != nil {
		r.logger.Error("relay publish failed", "err", err, "event_id", evt.ID)
		span.RecordError(err)
	}
}
