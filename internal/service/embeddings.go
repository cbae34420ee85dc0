package service

import (
	"context"

	"github.com/timmy/ms2sim/internal/cache"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/pipeline"
	"github.com/timmy/ms2sim/internal/repository"
)

// EmbeddingStore stages embeddings per run and publishes a run's set as the
// served embeddings of its ion mode, mirroring them into Qdrant when an
// index is configured.
type EmbeddingStore struct {
	cache *cache.SpectrumCache
	index *repository.EmbeddingIndex
}

// NewEmbeddingStore creates an EmbeddingStore. index may be nil.
func NewEmbeddingStore(c *cache.SpectrumCache, index *repository.EmbeddingIndex) *EmbeddingStore {
	return &EmbeddingStore{cache: c, index: index}
}

// embedFunc computes the embeddings of one id chunk and how many ids were
// skipped.
type embedFunc func(ctx context.Context, ids []string) ([]domain.Embedding, int, error)

// StageEmbeddings runs embed over id chunks and stages the results under
// runID. Nothing is served until Publish; a failed chunk drops the staged
// set.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - e: engine of the flow run.
//   - mode: ion mode of the model.
//   - runID: registry run the embeddings belong to.
//   - chunks: spectrum id chunks.
//   - embed: per-chunk embedding function.
// Returns:
//   - int: number of staged embeddings.
//   - error: non-nil if any chunk fails.
func (s *EmbeddingStore) StageEmbeddings(ctx context.Context, e *pipeline.Engine, mode domain.IonMode, runID string, chunks [][]string, embed embedFunc) (int, error) {
	type staged struct{ written, skipped int }
	counts, err := pipeline.Map(ctx, e, pipeline.MapSpec[[]string]{Name: "MakeEmbeddings"}, chunks,
		func(ctx context.Context, ids []string) (staged, error) {
			embeddings, skipped, err := embed(ctx, ids)
			if err != nil {
				return staged{}, err
			}
			if len(embeddings) == 0 {
				return staged{skipped: skipped}, nil
			}
			if err := s.cache.StageEmbeddings(ctx, mode, runID, embeddings); err != nil {
				return staged{}, err
			}
			return staged{written: len(embeddings), skipped: skipped}, nil
		})
	if err != nil {
		s.Discard(ctx, mode, runID)
		return 0, err
	}
	written, skipped := 0, 0
	for _, c := range counts {
		written += c.written
		skipped += c.skipped
	}
	if skipped > 0 {
		logger.With(logger.Fields{logger.FieldCount: skipped}).
			Warn(ctx, "Skipped %d spectra without a usable embedding", skipped)
	}
	return written, nil
}

// Publish replaces the live embeddings of mode with the run's staged set
// and refreshes the Qdrant mirror.
func (s *EmbeddingStore) Publish(ctx context.Context, e *pipeline.Engine, mode domain.IonMode, runID string) (int64, error) {
	return pipeline.Run(ctx, e, pipeline.TaskSpec{Name: "PublishEmbeddings"}, func(ctx context.Context) (int64, error) {
		n, err := s.cache.PublishEmbeddings(ctx, mode, runID)
		if err != nil {
			return 0, err
		}
		if s.index != nil {
			if err := s.mirror(ctx, mode); err != nil {
				return 0, err
			}
		}
		return n, nil
	})
}

// Discard drops the staged embeddings of a run that will not be published.
func (s *EmbeddingStore) Discard(ctx context.Context, mode domain.IonMode, runID string) {
	if err := s.cache.DeleteStagedEmbeddings(context.WithoutCancel(ctx), mode, runID); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to drop staged embeddings")
	}
}

// mirror copies the live embeddings of mode and their precursor m/z into
// the Qdrant index.
func (s *EmbeddingStore) mirror(ctx context.Context, mode domain.IonMode) error {
	ids, err := s.cache.ListEmbeddingIDs(ctx, mode)
	if err != nil {
		return err
	}
	embeddings, err := s.cache.ReadEmbeddings(ctx, mode, ids)
	if err != nil {
		return err
	}
	spectra, err := s.cache.ReadSpectra(ctx, ids)
	if err != nil {
		return err
	}
	precursor := make(map[string]float64, len(spectra))
	for _, sp := range spectra {
		precursor[sp.SpectrumID] = sp.Metadata.PrecursorMZ
	}
	return s.index.Replace(ctx, mode, embeddings, precursor)
}
