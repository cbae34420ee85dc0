package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
)

const defaultBatchSize = 1000

// SpectrumCache is the key-value view of spectra and their derivatives.
// Every write batch is applied in one MULTI/EXEC transaction.
type SpectrumCache struct {
	factory   *Factory
	keys      Keys
	batchSize int
}

// New creates a SpectrumCache. batchSize bounds the records per transaction.
func New(factory *Factory, keys Keys, batchSize int) *SpectrumCache {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &SpectrumCache{factory: factory, keys: keys, batchSize: batchSize}
}

// Keys returns the key layout in use.
func (c *SpectrumCache) Keys() Keys { return c.keys }

func (c *SpectrumCache) rdb() *redis.Client { return c.factory.Client() }

func cacheErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.Transient(op, err)
}

// writeBatches runs fn for every item, committing one transaction per batch.
func writeBatches[T any](ctx context.Context, c *SpectrumCache, op string, items []T, fn func(pipe redis.Pipeliner, item T) error) error {
	for start := 0; start < len(items); start += c.batchSize {
		end := start + c.batchSize
		if end > len(items) {
			end = len(items)
		}
		_, err := c.rdb().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, item := range items[start:end] {
				if err := fn(pipe, item); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return cacheErr(op, err)
		}
	}
	return nil
}

// readHash loads the members of key named by ids. Missing members are
// skipped; the result keeps the order of ids.
func readHash[T any](ctx context.Context, c *SpectrumCache, op, key string, ids []string) ([]T, error) {
	out := make([]T, 0, len(ids))
	for start := 0; start < len(ids); start += c.batchSize {
		end := start + c.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		values, err := c.rdb().HMGet(ctx, key, ids[start:end]...).Result()
		if err != nil {
			return nil, cacheErr(op, err)
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var item T
			if err := json.Unmarshal([]byte(s), &item); err != nil {
				return nil, domain.Corrupt(op, errors.New("member "+ids[start+i]+": "+err.Error()))
			}
			out = append(out, item)
		}
	}
	return out, nil
}

// WriteRawSpectra stores spectra and their precursor m/z. Hash and sorted
// set members are written in the same transaction.
func (c *SpectrumCache) WriteRawSpectra(ctx context.Context, spectra []domain.Spectrum) error {
	hash, index := c.keys.Spectra(), c.keys.PrecursorIndex()
	err := writeBatches(ctx, c, "write raw spectra", spectra, func(pipe redis.Pipeliner, s domain.Spectrum) error {
		payload, err := json.Marshal(s)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, hash, s.SpectrumID, payload)
		pipe.ZAdd(ctx, index, redis.Z{Score: s.Metadata.PrecursorMZ, Member: s.SpectrumID})
		return nil
	})
	if err != nil {
		return err
	}
	logger.With(logger.Fields{logger.FieldCount: len(spectra)}).Debug(ctx, "Wrote raw spectra to cache")
	return nil
}

// WriteBinnedSpectra stores binned spectra under the ion mode's hash.
func (c *SpectrumCache) WriteBinnedSpectra(ctx context.Context, mode domain.IonMode, binned []domain.BinnedSpectrum) error {
	key := c.keys.Binned(mode)
	return writeBatches(ctx, c, "write binned spectra", binned, func(pipe redis.Pipeliner, b domain.BinnedSpectrum) error {
		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, key, b.SpectrumID, payload)
		return nil
	})
}

// WriteDocuments stores spectrum documents.
func (c *SpectrumCache) WriteDocuments(ctx context.Context, docs []domain.Document) error {
	key := c.keys.Documents()
	return writeBatches(ctx, c, "write documents", docs, func(pipe redis.Pipeliner, d domain.Document) error {
		payload, err := json.Marshal(d)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, key, d.SpectrumID, payload)
		return nil
	})
}

// WriteEmbeddings adds embeddings to the live hash of the ion mode.
func (c *SpectrumCache) WriteEmbeddings(ctx context.Context, mode domain.IonMode, embeddings []domain.Embedding) error {
	return c.writeEmbeddings(ctx, c.keys.Embeddings(mode), embeddings)
}

// StageEmbeddings adds embeddings to the run's staging hash. They are not
// served until PublishEmbeddings.
func (c *SpectrumCache) StageEmbeddings(ctx context.Context, mode domain.IonMode, runID string, embeddings []domain.Embedding) error {
	return c.writeEmbeddings(ctx, c.keys.StagedEmbeddings(mode, runID), embeddings)
}

func (c *SpectrumCache) writeEmbeddings(ctx context.Context, key string, embeddings []domain.Embedding) error {
	return writeBatches(ctx, c, "write embeddings", embeddings, func(pipe redis.Pipeliner, e domain.Embedding) error {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, key, e.SpectrumID, payload)
		return nil
	})
}

// PublishEmbeddings replaces the live embeddings of mode with the run's
// staged set in one step. A run that staged nothing leaves the mode empty.
func (c *SpectrumCache) PublishEmbeddings(ctx context.Context, mode domain.IonMode, runID string) (int64, error) {
	const op = "publish embeddings"
	live, staged := c.keys.Embeddings(mode), c.keys.StagedEmbeddings(mode, runID)

	n, err := c.rdb().Exists(ctx, staged).Result()
	if err != nil {
		return 0, cacheErr(op, err)
	}
	_, err = c.rdb().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if n == 0 {
			pipe.Del(ctx, live)
			return nil
		}
		pipe.Rename(ctx, staged, live)
		return nil
	})
	if err != nil {
		return 0, cacheErr(op, err)
	}
	count, err := c.rdb().HLen(ctx, live).Result()
	if err != nil {
		return 0, cacheErr(op, err)
	}
	logger.With(logger.Fields{
		logger.FieldCount:   count,
		logger.FieldRunID:   runID,
		logger.FieldIonMode: string(mode),
	}).Info(ctx, "Published embeddings to %s", live)
	return count, nil
}

// ReplaceEmbeddings deletes the live embeddings of mode and writes the given
// set in a single transaction.
func (c *SpectrumCache) ReplaceEmbeddings(ctx context.Context, mode domain.IonMode, embeddings []domain.Embedding) error {
	key := c.keys.Embeddings(mode)
	_, err := c.rdb().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		for _, e := range embeddings {
			payload, err := json.Marshal(e)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, key, e.SpectrumID, payload)
		}
		return nil
	})
	return cacheErr("replace embeddings", err)
}

// DeleteEmbeddings removes the live embeddings of mode.
func (c *SpectrumCache) DeleteEmbeddings(ctx context.Context, mode domain.IonMode) error {
	return cacheErr("delete embeddings", c.rdb().Del(ctx, c.keys.Embeddings(mode)).Err())
}

// DeleteStagedEmbeddings drops an unpublished run.
func (c *SpectrumCache) DeleteStagedEmbeddings(ctx context.Context, mode domain.IonMode, runID string) error {
	return cacheErr("delete staged embeddings", c.rdb().Del(ctx, c.keys.StagedEmbeddings(mode, runID)).Err())
}

// ListSpectrumIDs returns every cached spectrum id, sorted.
func (c *SpectrumCache) ListSpectrumIDs(ctx context.Context) ([]string, error) {
	ids, err := c.rdb().HKeys(ctx, c.keys.Spectra()).Result()
	if err != nil {
		return nil, cacheErr("list spectrum ids", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListEmbeddingIDs returns the spectrum ids with a live embedding, sorted.
func (c *SpectrumCache) ListEmbeddingIDs(ctx context.Context, mode domain.IonMode) ([]string, error) {
	ids, err := c.rdb().HKeys(ctx, c.keys.Embeddings(mode)).Result()
	if err != nil {
		return nil, cacheErr("list embedding ids", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListExisting returns the subset of ids present in the spectrum hash, in
// input order.
func (c *SpectrumCache) ListExisting(ctx context.Context, ids []string) ([]string, error) {
	key := c.keys.Spectra()
	existing := make([]string, 0, len(ids))
	for start := 0; start < len(ids); start += c.batchSize {
		end := start + c.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		cmds := make([]*redis.BoolCmd, len(batch))
		_, err := c.rdb().Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range batch {
				cmds[i] = pipe.HExists(ctx, key, id)
			}
			return nil
		})
		if err != nil {
			return nil, cacheErr("list existing", err)
		}
		for i, cmd := range cmds {
			if cmd.Val() {
				existing = append(existing, batch[i])
			}
		}
	}
	return existing, nil
}

// ReadSpectra loads cached spectra. Unknown ids are skipped.
func (c *SpectrumCache) ReadSpectra(ctx context.Context, ids []string) ([]domain.Spectrum, error) {
	return readHash[domain.Spectrum](ctx, c, "read spectra", c.keys.Spectra(), ids)
}

// ReadBinnedSpectra loads binned spectra of mode.
func (c *SpectrumCache) ReadBinnedSpectra(ctx context.Context, mode domain.IonMode, ids []string) ([]domain.BinnedSpectrum, error) {
	return readHash[domain.BinnedSpectrum](ctx, c, "read binned spectra", c.keys.Binned(mode), ids)
}

// ReadDocuments loads spectrum documents.
func (c *SpectrumCache) ReadDocuments(ctx context.Context, ids []string) ([]domain.Document, error) {
	return readHash[domain.Document](ctx, c, "read documents", c.keys.Documents(), ids)
}

// ReadEmbeddings loads live embeddings of mode.
func (c *SpectrumCache) ReadEmbeddings(ctx context.Context, mode domain.IonMode, ids []string) ([]domain.Embedding, error) {
	return readHash[domain.Embedding](ctx, c, "read embeddings", c.keys.Embeddings(mode), ids)
}

// IDsInMZRange returns the spectrum ids whose precursor m/z lies in
// [min, max], ordered by m/z.
func (c *SpectrumCache) IDsInMZRange(ctx context.Context, min, max float64) ([]string, error) {
	if max < min {
		return []string{}, nil
	}
	ids, err := c.rdb().ZRangeByScore(ctx, c.keys.PrecursorIndex(), &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, cacheErr("ids in mz range", err)
	}
	return ids, nil
}

// CountEmbeddings returns the number of live embeddings of mode.
func (c *SpectrumCache) CountEmbeddings(ctx context.Context, mode domain.IonMode) (int64, error) {
	n, err := c.rdb().HLen(ctx, c.keys.Embeddings(mode)).Result()
	return n, cacheErr("count embeddings", err)
}

// Ping checks connectivity.
func (c *SpectrumCache) Ping(ctx context.Context) error {
	return cacheErr("ping", c.rdb().Ping(ctx).Err())
}
