package service

import (
	"context"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/document"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/model"
	"github.com/timmy/ms2sim/internal/pipeline"
	"github.com/timmy/ms2sim/internal/predictor"
)

// Spec2VecFlow trains a Word2Vec model on spectrum documents and serves
// the mean of its weighted word vectors as the spectrum embedding.
type Spec2VecFlow struct {
	deps FlowDeps
}

// NewSpec2VecFlow creates the flow.
func NewSpec2VecFlow(deps FlowDeps) *Spec2VecFlow {
	return &Spec2VecFlow{deps: deps}
}

// Run executes the flow.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - e: engine of this flow run.
//   - params: flow parameters, validated here.
// Returns:
//   - *FlowResult: registry entry, embedding count and deployment.
//   - error: non-nil if any task fails after retries.
func (f *Spec2VecFlow) Run(ctx context.Context, e *pipeline.Engine, params config.Spec2VecParams) (*FlowResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldDatasetID: params.DatasetID,
		logger.FieldIonMode:   params.IonMode,
	})
	layout := NewLayout(params.FlowParams)

	pre, err := f.deps.Ingest.Preamble(ctx, e, params.FlowParams)
	if err != nil {
		return nil, err
	}
	docs, err := f.CreateDocuments(ctx, e, params, pre.Cleaned, layout)
	if err != nil {
		return nil, err
	}
	if err := f.CacheDocuments(ctx, e, docs); err != nil {
		return nil, err
	}
	w2v, err := f.TrainWord2Vec(ctx, e, params, docs, layout)
	if err != nil {
		return nil, err
	}

	p := &predictor.Spec2VecPredictor{
		Model:                    w2v,
		Mode:                     params.IonMode,
		NDecimals:                params.NDecimals,
		IntensityWeightingPower:  params.IntensityWeightingPower,
		AllowedMissingPercentage: params.AllowedMissingPercentage,
	}
	run, err := f.deps.Registry.StartRun(ctx, experimentName(params.FlowParams, model.KindSpec2Vec), params)
	if err != nil {
		return nil, err
	}
	metrics := map[string]float64{
		"vocabulary_size": float64(len(w2v.Words)),
		"n_spectra":       float64(len(pre.SpectrumIDs)),
		"n_cleaned":       float64(len(pre.CleanedIDs)),
		"preamble_s":      pre.Duration.Seconds(),
	}
	return finish(ctx, e, f.deps, params.FlowParams, run, p, idChunks(pre.CleanedIDs, params.SpectrumIDsChunkSize), f.embedder(p, run.ID), metrics)
}

// CreateDocuments turns each cleaned chunk into a documents pickle.
func (f *Spec2VecFlow) CreateDocuments(ctx context.Context, e *pipeline.Engine, params config.Spec2VecParams, cleaned []string, layout Layout) ([]string, error) {
	return pipeline.MapFiles(ctx, e, pipeline.MapSpec[string]{
		Name: "CreateDocuments",
		OutputPath: func(_ int, c string) string {
			return layout.Documents(params.FlowParams, c)
		},
		Params: map[string]interface{}{
			"n_decimals":                params.NDecimals,
			"intensity_weighting_power": params.IntensityWeightingPower,
		},
	}, cleaned, func(ctx context.Context, c, out string) error {
		var spectra []domain.Spectrum
		if err := f.deps.Gateway.Read(ctx, c, &spectra); err != nil {
			return err
		}
		return f.deps.Gateway.Serialize(ctx, out, document.FromSpectra(spectra, params.NDecimals, params.IntensityWeightingPower))
	})
}

// CacheDocuments writes the documents to the cache, where MakeEmbeddings
// reads them by spectrum id.
func (f *Spec2VecFlow) CacheDocuments(ctx context.Context, e *pipeline.Engine, docs []string) error {
	_, err := pipeline.Map(ctx, e, pipeline.MapSpec[string]{Name: "CacheDocuments"}, docs,
		func(ctx context.Context, p string) (int, error) {
			var batch []domain.Document
			if err := f.deps.Gateway.Read(ctx, p, &batch); err != nil {
				return 0, err
			}
			return len(batch), f.deps.Cache.WriteDocuments(ctx, batch)
		})
	return err
}

// TrainWord2Vec trains on a streaming iterator over the document files and
// returns the saved model.
func (f *Spec2VecFlow) TrainWord2Vec(ctx context.Context, e *pipeline.Engine, params config.Spec2VecParams, docs []string, layout Layout) (*model.Word2Vec, error) {
	cfg := model.Word2VecConfig{
		VectorSize:      params.VectorSize,
		Window:          params.Window,
		Iterations:      params.Iterations,
		LearningRate:    params.LearningRate,
		MinLearningRate: params.LearningRate / 250,
		NegativeSamples: params.NegativeSamples,
		Seed:            params.Seed,
	}
	path, err := pipeline.RunFile(ctx, e, pipeline.TaskSpec{
		Name:       "TrainWord2Vec",
		OutputPath: layout.Model(params.FlowParams, predictor.Spec2VecFile),
		Params:     map[string]interface{}{"config": cfg, "documents": docs},
	}, func(ctx context.Context, out string) error {
		m, err := model.TrainWord2Vec(ctx, document.NewIterator(f.deps.Gateway, docs), cfg)
		if err != nil {
			return err
		}
		return m.Save(ctx, f.deps.Gateway, out)
	})
	if err != nil {
		return nil, err
	}
	return model.LoadWord2Vec(ctx, f.deps.Gateway, path)
}

// embedder embeds the cached documents of an id chunk.
func (f *Spec2VecFlow) embedder(p *predictor.Spec2VecPredictor, runID string) embedFunc {
	return func(ctx context.Context, ids []string) ([]domain.Embedding, int, error) {
		docs, err := f.deps.Cache.ReadDocuments(ctx, ids)
		if err != nil {
			return nil, 0, err
		}
		keys, err := inchiKeys(ctx, f.deps, docIDs(docs))
		if err != nil {
			return nil, 0, err
		}
		out := make([]domain.Embedding, 0, len(docs))
		skipped := 0
		for _, doc := range docs {
			vec, err := p.EmbedDocument(doc)
			if err != nil {
				skipped++
				logger.CtxDebug(ctx, "No embedding for %s: %v", doc.SpectrumID, err)
				continue
			}
			out = append(out, domain.Embedding{
				SpectrumID: doc.SpectrumID,
				InChIKey:   keys[doc.SpectrumID],
				RunID:      runID,
				Vector:     vec,
			})
		}
		return out, skipped, nil
	}
}

func docIDs(docs []domain.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.SpectrumID
	}
	return ids
}

// inchiKeys looks up the InChIKeys of cached spectra.
func inchiKeys(ctx context.Context, deps FlowDeps, ids []string) (map[string]string, error) {
	spectra, err := deps.Cache.ReadSpectra(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(spectra))
	for _, s := range spectra {
		out[s.SpectrumID] = s.Metadata.InChIKey
	}
	return out, nil
}
