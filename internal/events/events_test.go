package events

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishModelRegistered(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w, "ms2sim.models")

	err := p.PublishModelRegistered(context.Background(), ModelRegistered{
		RunID:   "run-1",
		Kind:    "spec2vec",
		IonMode: domain.IonModePositive,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "run-1", string(w.msgs[0].Key))

	var got ModelRegistered
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, TypeModelRegistered, got.Type)
	assert.Equal(t, domain.IonModePositive, got.IonMode)
	assert.False(t, got.OccurredAt.IsZero())
}

func TestPublishFailureIsTransient(t *testing.T) {
	p := NewKafkaPublisherWithWriter(&fakeWriter{err: errors.New("broker down")}, "t")
	err := p.PublishModelRegistered(context.Background(), ModelRegistered{RunID: "r"})
	assert.ErrorIs(t, err, domain.ErrTransientIO)
}

func TestNewDisabledIsNoop(t *testing.T) {
	assert.IsType(t, Noop{}, New(config.KafkaConfig{Enabled: false, Brokers: []string{"b:9092"}}))
	assert.IsType(t, &KafkaPublisher{}, New(config.KafkaConfig{Enabled: true, Brokers: []string{"b:9092"}, Topic: "t"}))
}
