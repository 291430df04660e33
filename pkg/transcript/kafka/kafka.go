// Package kafka publishes transcript records to a Kafka topic. Messages are
// keyed by client ID so one connection's transcriptions stay in order on a
// single partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/earshot/pkg/transcript"
)

// Writer is the subset of [*kafka.Writer] used by [Sink].
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	_ Writer          = (*kafka.Writer)(nil)
	_ transcript.Sink = (*Sink)(nil)
)

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string

	// WriteTimeout bounds each publish. Defaults to 10s.
	WriteTimeout time.Duration
}

// Sink publishes records as JSON messages.
type Sink struct {
	w     Writer
	topic string
}

// New returns a sink backed by a [kafka.Writer] for cfg.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	return NewWithWriter(w, cfg.Topic), nil
}

// NewWithWriter wraps an existing writer. topic is used only for headers.
func NewWithWriter(w Writer, topic string) *Sink {
	return &Sink{w: w, topic: topic}
}

// Write implements [transcript.Sink].
func (s *Sink) Write(ctx context.Context, r transcript.Record) error {
	msg, err := Message(r)
	if err != nil {
		return err
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka sink: publish to %s: %w", s.topic, err)
	}
	return nil
}

// Close implements [transcript.Sink].
func (s *Sink) Close() error {
	if err := s.w.Close(); err != nil {
		return fmt.Errorf("kafka sink: close: %w", err)
	}
	return nil
}

// Message builds the Kafka message for r.
func Message(r transcript.Record) (kafka.Message, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka sink: marshal: %w", err)
	}
	return kafka.Message{
		Key:   []byte(r.ClientID),
		Value: payload,
		Time:  r.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("transcription")},
			{Key: "sessionId", Value: []byte(r.SessionID)},
		},
	}, nil
}
