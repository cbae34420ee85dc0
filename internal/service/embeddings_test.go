package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ms2sim/internal/domain"
)

func vectorEmbedder(runID string, skip map[string]bool) embedFunc {
	return func(_ context.Context, ids []string) ([]domain.Embedding, int, error) {
		var out []domain.Embedding
		skipped := 0
		for _, id := range ids {
			if skip[id] {
				skipped++
				continue
			}
			out = append(out, domain.Embedding{SpectrumID: id, RunID: runID, Vector: []float32{1, 2}})
		}
		return out, skipped, nil
	}
}

func TestStageThenPublishEmbeddings(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	e, rec := newTestEngine(t)
	store := NewEmbeddingStore(c, nil)

	require.NoError(t, c.WriteEmbeddings(ctx, domain.IonModeNegative, []domain.Embedding{{SpectrumID: "old", Vector: []float32{1}}}))

	chunks := idChunks([]string{"a", "b", "c", "d", "e"}, 2)
	staged, err := store.StageEmbeddings(ctx, e, domain.IonModeNegative, "run-1", chunks, vectorEmbedder("run-1", map[string]bool{"c": true}))
	require.NoError(t, err)
	assert.Equal(t, 4, staged)

	// staging leaves the served set alone
	ids, err := c.ListEmbeddingIDs(ctx, domain.IonModeNegative)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
	_, ok := rec.Task("MakeEmbeddings[2]")
	assert.True(t, ok)

	n, err := store.Publish(ctx, e, domain.IonModeNegative, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	ids, err = c.ListEmbeddingIDs(ctx, domain.IonModeNegative)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d", "e"}, ids)
	assert.False(t, mr.Exists(c.Keys().StagedEmbeddings(domain.IonModeNegative, "run-1")))

	run, ok := rec.Task("PublishEmbeddings")
	require.True(t, ok)
	assert.Equal(t, domain.TaskSucceeded, run.State)
}

func TestStageEmbeddingsFailureKeepsLiveSet(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	e, _ := newTestEngine(t)
	store := NewEmbeddingStore(c, nil)

	live := []domain.Embedding{{SpectrumID: "old", RunID: "run-0", Vector: []float32{1}}}
	require.NoError(t, c.WriteEmbeddings(ctx, domain.IonModePositive, live))

	good := vectorEmbedder("run-1", nil)
	embed := func(ctx context.Context, ids []string) ([]domain.Embedding, int, error) {
		if ids[0] == "c" {
			return nil, 0, domain.Permanent("embed", errors.New("model exploded"))
		}
		return good(ctx, ids)
	}
	_, err := store.StageEmbeddings(ctx, e, domain.IonModePositive, "run-1", [][]string{{"a", "b"}, {"c"}}, embed)
	require.Error(t, err)

	got, err := c.ReadEmbeddings(ctx, domain.IonModePositive, []string{"old", "a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-0", got[0].RunID)
	assert.False(t, mr.Exists(c.Keys().StagedEmbeddings(domain.IonModePositive, "run-1")))
}

func TestDiscardDropsStagedRun(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	e, _ := newTestEngine(t)
	store := NewEmbeddingStore(c, nil)

	_, err := store.StageEmbeddings(ctx, e, domain.IonModePositive, "run-1", [][]string{{"a"}}, vectorEmbedder("run-1", nil))
	require.NoError(t, err)
	require.True(t, mr.Exists(c.Keys().StagedEmbeddings(domain.IonModePositive, "run-1")))

	store.Discard(ctx, domain.IonModePositive, "run-1")
	assert.False(t, mr.Exists(c.Keys().StagedEmbeddings(domain.IonModePositive, "run-1")))
}

func TestPublishWithNothingStagedClearsMode(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	e, _ := newTestEngine(t)
	store := NewEmbeddingStore(c, nil)
	require.NoError(t, c.WriteEmbeddings(ctx, domain.IonModePositive, []domain.Embedding{{SpectrumID: "old", Vector: []float32{1}}}))

	staged, err := store.StageEmbeddings(ctx, e, domain.IonModePositive, "run-1", [][]string{{"a"}}, vectorEmbedder("run-1", map[string]bool{"a": true}))
	require.NoError(t, err)
	assert.Zero(t, staged)

	n, err := store.Publish(ctx, e, domain.IonModePositive, "run-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIDChunks(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		size int
		want [][]string
	}{
		{"even", []string{"a", "b", "c", "d"}, 2, [][]string{{"a", "b"}, {"c", "d"}}},
		{"remainder", []string{"a", "b", "c"}, 2, [][]string{{"a", "b"}, {"c"}}},
		{"unbounded", []string{"a", "b"}, 0, [][]string{{"a", "b"}}},
		{"empty", nil, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, idChunks(tt.ids, tt.size))
		})
	}
}
