package service

import (
	"context"
	"time"

	"github.com/timmy/ms2sim/internal/cache"
	"github.com/timmy/ms2sim/internal/chunk"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/metrics"
	"github.com/timmy/ms2sim/internal/pipeline"
	"github.com/timmy/ms2sim/internal/source"
	"github.com/timmy/ms2sim/internal/spectrum"
	"github.com/timmy/ms2sim/internal/storage"
)

// Downloader fetches a remote file. storage.Downloader satisfies it.
type Downloader interface {
	Download(ctx context.Context, uri, dest string) (bool, error)
}

// IngestService runs the stages shared by both training flows: download,
// chunking, cleaning and caching of the raw spectra.
type IngestService struct {
	gw         *storage.Gateway
	downloader Downloader
	source     source.Source
	cache      *cache.SpectrumCache
	cleaner    *spectrum.Cleaner
	metrics    *metrics.Metrics
}

// IngestConfig holds the collaborators of the ingest service.
type IngestConfig struct {
	Gateway    *storage.Gateway
	Downloader Downloader
	Source     source.Source
	Cache      *cache.SpectrumCache
	Metrics    *metrics.Metrics
}

// NewIngestService creates a new ingest service.
func NewIngestService(cfg *IngestConfig) *IngestService {
	return &IngestService{
		gw:         cfg.Gateway,
		downloader: cfg.Downloader,
		source:     cfg.Source,
		cache:      cfg.Cache,
		cleaner:    spectrum.NewCleaner(),
		metrics:    cfg.Metrics,
	}
}

// Preamble is the output of the shared stages. SpectrumIDs covers the whole
// library; CleanedIDs only the spectra of the flow's ion mode that survived
// cleaning, in chunk order.
type Preamble struct {
	SpectrumIDs []string
	Chunks      []string
	Cleaned     []string
	CleanedIDs  []string
	RawCached   int
	Duration    time.Duration
}

// Preamble runs DownloadData, CreateChunks, CleanRawSpectra and, when
// enabled, SaveRawSpectra.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - e: engine of the flow run.
//   - params: validated flow parameters.
// Returns:
//   - *Preamble: spectrum ids, chunk paths and cleaned-chunk paths.
//   - error: non-nil if any stage fails after retries.
func (s *IngestService) Preamble(ctx context.Context, e *pipeline.Engine, params config.FlowParams) (*Preamble, error) {
	start := time.Now()
	layout := NewLayout(params)
	ds, err := s.source.Resolve(params.DatasetID)
	if err != nil {
		return nil, err
	}
	library := ds.URI
	if ds.Remote() {
		library = layout.Library(ds.FileName)
	}

	ids, err := s.DownloadData(ctx, e, ds, library, layout)
	if err != nil {
		return nil, err
	}
	chunks, err := s.CreateChunks(ctx, e, params, library, layout)
	if err != nil {
		return nil, err
	}
	cleaned, err := s.CleanRawSpectra(ctx, e, params, chunks, layout)
	if err != nil {
		return nil, err
	}
	cleanedIDs, err := s.CleanedIDs(ctx, cleaned)
	if err != nil {
		return nil, err
	}
	out := &Preamble{SpectrumIDs: ids, Chunks: chunks, Cleaned: cleaned, CleanedIDs: cleanedIDs}
	if params.SaveRawSpectra {
		if out.RawCached, err = s.SaveRawSpectra(ctx, e, cleaned); err != nil {
			return nil, err
		}
	}
	out.Duration = time.Since(start)

	logger.With(logger.Fields{
		logger.FieldDatasetID:  params.DatasetID,
		logger.FieldIonMode:    params.IonMode,
		logger.FieldCount:      len(ids),
		logger.FieldDurationMs: out.Duration.Milliseconds(),
	}).Info(ctx, "Prepared %d chunks with %d cleaned spectra", len(chunks), len(cleanedIDs))
	return out, nil
}

// DownloadData fetches the library when it is remote and returns its
// spectrum ids. The ids are checkpointed.
func (s *IngestService) DownloadData(ctx context.Context, e *pipeline.Engine, ds source.Dataset, library string, layout Layout) ([]string, error) {
	return pipeline.Run(ctx, e, pipeline.TaskSpec{
		Name:       "DownloadData",
		ResultPath: layout.SpectrumIDs(),
		Params:     ds,
	}, func(ctx context.Context) ([]string, error) {
		if ds.Remote() {
			if s.downloader == nil {
				return nil, domain.Invalid("download data", "dataset %s is remote and no downloader is configured", ds.ID)
			}
			if _, err := s.downloader.Download(ctx, ds.URI, library); err != nil {
				return nil, err
			}
		}
		return s.gw.SpectrumIDs(ctx, library)
	})
}

// CreateChunks splits the library into chunks of the flow's ion mode. An
// ion mode without spectra fails the flow.
func (s *IngestService) CreateChunks(ctx context.Context, e *pipeline.Engine, params config.FlowParams, library string, layout Layout) ([]string, error) {
	chunks, err := pipeline.Run(ctx, e, pipeline.TaskSpec{
		Name: "CreateChunks",
		Params: map[string]interface{}{
			"library":    library,
			"ion_mode":   params.IonMode,
			"chunk_size": params.ChunkSize,
		},
	}, func(ctx context.Context) ([]string, error) {
		c := &chunk.Chunker{
			Store:     s.gw,
			OutputDir: layout.Chunks(params),
			ChunkSize: params.ChunkSize,
			IonMode:   params.IonMode,
		}
		return c.Run(ctx, library)
	})
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, domain.Invalid("create chunks", "dataset %s has no %s spectra", params.DatasetID, params.IonMode)
	}
	return chunks, nil
}

// CleanRawSpectra cleans each chunk into its own pickle.
func (s *IngestService) CleanRawSpectra(ctx context.Context, e *pipeline.Engine, params config.FlowParams, chunks []string, layout Layout) ([]string, error) {
	return pipeline.MapFiles(ctx, e, pipeline.MapSpec[string]{
		Name: "CleanRawSpectra",
		OutputPath: func(_ int, c string) string {
			return layout.Cleaned(params, c)
		},
	}, chunks, func(ctx context.Context, c, out string) error {
		records, err := s.gw.LoadSpectra(ctx, c)
		if err != nil {
			return err
		}
		spectra, stats := s.cleaner.CleanAll(ctx, records)
		s.metrics.Dropped("clean", stats.Dropped())
		return s.gw.Serialize(ctx, out, spectra)
	})
}

// SaveRawSpectra writes the cleaned spectra and their precursor index to
// the cache and returns how many were written.
func (s *IngestService) SaveRawSpectra(ctx context.Context, e *pipeline.Engine, cleaned []string) (int, error) {
	if s.cache == nil {
		return 0, domain.Invalid("save raw spectra", "spectrum cache is not configured")
	}
	counts, err := pipeline.Map(ctx, e, pipeline.MapSpec[string]{Name: "SaveRawSpectra"}, cleaned,
		func(ctx context.Context, p string) (int, error) {
			var spectra []domain.Spectrum
			if err := s.gw.Read(ctx, p, &spectra); err != nil {
				return 0, err
			}
			if err := s.cache.WriteRawSpectra(ctx, spectra); err != nil {
				return 0, err
			}
			return len(spectra), nil
		})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// ReadCleaned loads every cleaned chunk in order.
func (s *IngestService) ReadCleaned(ctx context.Context, cleaned []string) ([]domain.Spectrum, error) {
	var all []domain.Spectrum
	for _, p := range cleaned {
		var spectra []domain.Spectrum
		if err := s.gw.Read(ctx, p, &spectra); err != nil {
			return nil, err
		}
		all = append(all, spectra...)
	}
	return all, nil
}

// CleanedIDs returns the spectrum ids of the cleaned chunks in order.
func (s *IngestService) CleanedIDs(ctx context.Context, cleaned []string) ([]string, error) {
	spectra, err := s.ReadCleaned(ctx, cleaned)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(spectra))
	for i := range spectra {
		ids[i] = spectra[i].SpectrumID
	}
	return ids, nil
}

// idChunks splits ids into slices of at most size.
func idChunks(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}
