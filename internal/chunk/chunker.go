// Package chunk splits a library file into ion-mode specific JSON chunks
// sized by a byte budget.
package chunk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/storage"
)

// ManifestName is the checkpoint listing the chunk files of a run.
const ManifestName = "chunk_paths.pickle"

// Store is the slice of the data gateway the chunker needs.
type Store interface {
	StreamRecords(ctx context.Context, p string, fn func(storage.RawRecord) error) (int, error)
	WriteFile(ctx context.Context, p string, fn func(w io.Writer) error) error
	Serialize(ctx context.Context, p string, v interface{}) error
	Read(ctx context.Context, p string, v interface{}) error
}

// Chunker writes <OutputDir>/chunk_<i>.json files holding the records of
// one ion mode. A chunk is closed once its serialised records reach
// ChunkSize bytes.
type Chunker struct {
	Store     Store
	OutputDir string
	ChunkSize int64
	IonMode   domain.IonMode
}

// ManifestPath returns where the chunk list is persisted.
func (c *Chunker) ManifestPath() string {
	return storage.Join(c.OutputDir, ManifestName)
}

// Run chunks source and returns the chunk paths. When the manifest already
// exists its contents are returned and no chunk is rewritten.
func (c *Chunker) Run(ctx context.Context, source string) ([]string, error) {
	if c.ChunkSize <= 0 {
		return nil, domain.Invalid("chunk", "chunk_size must be positive, got %d", c.ChunkSize)
	}
	manifest := c.ManifestPath()
	var paths []string
	err := c.Store.Read(ctx, manifest, &paths)
	switch {
	case err == nil:
		logger.With(logger.Fields{logger.FieldCount: len(paths)}).Info(ctx, "Chunk manifest %s found, reusing chunks", manifest)
		return paths, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	var (
		buf     bytes.Buffer
		records int
		total   int
	)
	flush := func() error {
		if records == 0 {
			return nil
		}
		p := storage.Join(c.OutputDir, fmt.Sprintf("chunk_%d.json", len(paths)))
		data := append(append([]byte{'['}, buf.Bytes()...), ']')
		if err := c.Store.WriteFile(ctx, p, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}); err != nil {
			return err
		}
		paths = append(paths, p)
		buf.Reset()
		records = 0
		return nil
	}

	_, err = c.Store.StreamRecords(ctx, source, func(r storage.RawRecord) error {
		if !c.IonMode.Matches(r.Spectrum.IonMode) {
			return nil
		}
		encoded, err := json.Marshal(r.Fields)
		if err != nil {
			return domain.BadRecord("chunk", err)
		}
		if records > 0 {
			buf.WriteByte(',')
		}
		buf.Write(encoded)
		records++
		total++
		if int64(buf.Len()) >= c.ChunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, domain.Invalid("chunk", "no %s spectra in %s", c.IonMode, source)
	}
	if err := c.Store.Serialize(ctx, manifest, paths); err != nil {
		return nil, err
	}

	logger.With(logger.Fields{
		logger.FieldCount: total,
		"chunks":          len(paths),
	}).Info(ctx, "Chunked %s spectra from %s", c.IonMode, source)
	return paths, nil
}
