// Package events announces registry changes to other services.
package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
)

// TypeModelRegistered is published after a run's predictor is logged.
const TypeModelRegistered = "model.registered"

// ModelRegistered describes a newly registered predictor.
type ModelRegistered struct {
	Type         string         `json:"type"`
	RunID        string         `json:"run_id"`
	ExperimentID string         `json:"experiment_id"`
	Kind         string         `json:"kind"`
	IonMode      domain.IonMode `json:"ion_mode"`
	ArtifactURI  string         `json:"artifact_uri"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Publisher sends events.
type Publisher interface {
	PublishModelRegistered(ctx context.Context, e ModelRegistered) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) PublishModelRegistered(context.Context, ModelRegistered) error { return nil }
func (Noop) Close() error                                                  { return nil }

// Writer is the part of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by run id.
type KafkaPublisher struct {
	writer Writer
	topic  string
}

// NewKafkaPublisher creates a publisher for cfg.Topic.
func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  4,
		BatchTimeout: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic}
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w Writer, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// New returns a Kafka publisher when enabled, otherwise Noop.
func New(cfg config.KafkaConfig) Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		return Noop{}
	}
	return NewKafkaPublisher(cfg)
}

func (p *KafkaPublisher) PublishModelRegistered(ctx context.Context, e ModelRegistered) error {
	e.Type = TypeModelRegistered
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return domain.Permanent("publish event", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.RunID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return domain.Transient("publish event", err)
	}
	logger.With(logger.Fields{logger.FieldRunID: e.RunID}).
		Info(ctx, "Published %s to %s", e.Type, p.topic)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
