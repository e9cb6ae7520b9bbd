// Package kafka mirrors outbound agent messages to a Kafka topic for
// downstream analytics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes domain.Message envelopes keyed by message type.
type Sink struct {
	w      messageWriter
	topic  string
	logger *slog.Logger
}

// NewSink creates a synchronous writer for topic on brokers.
func NewSink(brokers []string, topic string, logger *slog.Logger) *Sink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return newSink(w, topic, logger)
}

func newSink(w messageWriter, topic string, logger *slog.Logger) *Sink {
	return &Sink{w: w, topic: topic, logger: logger.With(slog.String("component", "kafka_sink"))}
}

// Emit writes msg to the topic.
func (s *Sink) Emit(ctx context.Context, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", msg.Type, err)
	}
	km := kafka.Message{
		Key:   []byte(msg.Type),
		Value: data,
		Headers: []kafka.Header{
			{Key: "from", Value: []byte(msg.From)},
			{Key: "to", Value: []byte(msg.To)},
		},
		Time: msg.SentAt,
	}
	if err := s.w.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", s.topic, err)
	}
	s.logger.DebugContext(ctx, "message mirrored",
		slog.String("topic", s.topic),
		slog.String("type", string(msg.Type)),
	)
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	if err := s.w.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}
