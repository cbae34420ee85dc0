package service

import (
	"context"
	"math"

	"github.com/timmy/ms2sim/internal/binning"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/model"
	"github.com/timmy/ms2sim/internal/pipeline"
	"github.com/timmy/ms2sim/internal/predictor"
	"github.com/timmy/ms2sim/internal/tanimoto"
)

// MS2DeepScoreFlow trains a Siamese network to predict the Tanimoto
// similarity of spectrum pairs and serves its base network as the
// embedding.
type MS2DeepScoreFlow struct {
	deps FlowDeps
}

// NewMS2DeepScoreFlow creates the flow.
func NewMS2DeepScoreFlow(deps FlowDeps) *MS2DeepScoreFlow {
	return &MS2DeepScoreFlow{deps: deps}
}

// TrainResult is the checkpointed outcome of TrainSiamese.
type TrainResult struct {
	ModelPath       string
	TrainLoss       float64
	ValidationLoss  float64
	TestLoss        float64
	TrainSpectra    int
	ValidationPairs int
	TestPairs       int
}

// Run executes the flow.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - e: engine of this flow run.
//   - params: flow parameters, validated here.
// Returns:
//   - *FlowResult: registry entry, embedding count and deployment.
//   - error: non-nil if any task fails after retries.
func (f *MS2DeepScoreFlow) Run(ctx context.Context, e *pipeline.Engine, params config.MS2DeepScoreParams) (*FlowResult, error) {
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
	binned, binner, err := f.ProcessSpectrum(ctx, e, params, pre.Cleaned, layout)
	if err != nil {
		return nil, err
	}
	scores, err := f.CalculateTanimotoScore(ctx, e, params, binned, layout)
	if err != nil {
		return nil, err
	}
	trained, err := f.TrainSiamese(ctx, e, params, binned, binner, scores, layout)
	if err != nil {
		return nil, err
	}
	siamese, err := model.LoadSiamese(ctx, f.deps.Gateway, trained.ModelPath)
	if err != nil {
		return nil, err
	}

	p := &predictor.MS2DeepScorePredictor{Model: siamese, Mode: params.IonMode}
	run, err := f.deps.Registry.StartRun(ctx, experimentName(params.FlowParams, model.KindMS2DeepScore), params)
	if err != nil {
		return nil, err
	}
	metrics := map[string]float64{
		"train_loss":      trained.TrainLoss,
		"validation_loss": trained.ValidationLoss,
		"test_loss":       trained.TestLoss,
		"input_dim":       float64(binner.InputDim()),
		"n_cleaned":       float64(len(pre.CleanedIDs)),
		"n_binned":        float64(len(binned)),
		"n_inchikeys":     float64(len(scores.Keys)),
		"preamble_s":      pre.Duration.Seconds(),
	}
	return finish(ctx, e, f.deps, params.FlowParams, run, p, idChunks(pre.CleanedIDs, params.SpectrumIDsChunkSize), f.embedder(p, run.ID), metrics)
}

// hasChemicalIdentity keeps spectra with a full InChIKey and either a
// SMILES or an InChI.
func hasChemicalIdentity(s *domain.Spectrum) bool {
	m := s.Metadata
	return domain.InChIKeyPrefix(m.InChIKey) != "" && (m.SMILES != "" || m.InChI != "")
}

// ProcessSpectrum fits the binner on the spectra with a chemical identity,
// persists binner and binned spectra, and caches the binned spectra.
func (f *MS2DeepScoreFlow) ProcessSpectrum(ctx context.Context, e *pipeline.Engine, params config.MS2DeepScoreParams, cleaned []string, layout Layout) ([]domain.BinnedSpectrum, *binning.Binner, error) {
	binnerPath := layout.Binner(params.FlowParams)
	path, err := pipeline.RunFile(ctx, e, pipeline.TaskSpec{
		Name:       "ProcessSpectrum",
		OutputPath: layout.Binned(params.FlowParams),
		Params: map[string]interface{}{
			"n_bins":                     params.SpectrumBinnerNBins,
			"peak_scaling":               params.PeakScaling,
			"allowed_missing_percentage": params.AllowedMissingPercentage,
			"cleaned":                    cleaned,
		},
	}, func(ctx context.Context, out string) error {
		spectra, err := f.deps.Ingest.ReadCleaned(ctx, cleaned)
		if err != nil {
			return err
		}
		kept := spectra[:0]
		for i := range spectra {
			if hasChemicalIdentity(&spectra[i]) {
				kept = append(kept, spectra[i])
			}
		}
		if dropped := len(spectra) - len(kept); dropped > 0 {
			logger.With(logger.Fields{logger.FieldCount: dropped}).
				Info(ctx, "Dropped %d spectra without chemical identity", dropped)
		}
		b := binning.New(params.SpectrumBinnerNBins, params.PeakScaling, params.AllowedMissingPercentage)
		binned, err := b.Fit(ctx, kept)
		if err != nil {
			return err
		}
		if len(binned) == 0 {
			return domain.Invalid("process spectrum", "no spectrum with chemical identity and enough peaks")
		}
		if err := binning.Save(ctx, f.deps.Gateway, b, binnerPath); err != nil {
			return err
		}
		return f.deps.Gateway.Serialize(ctx, out, binned)
	})
	if err != nil {
		return nil, nil, err
	}

	var binned []domain.BinnedSpectrum
	if err := f.deps.Gateway.Read(ctx, path, &binned); err != nil {
		return nil, nil, domain.Corrupt("process spectrum", err)
	}
	b, err := binning.Load(ctx, f.deps.Gateway, binnerPath)
	if err != nil {
		return nil, nil, err
	}
	_, err = pipeline.Run(ctx, e, pipeline.TaskSpec{Name: "CacheBinnedSpectra"}, func(ctx context.Context) (int, error) {
		return len(binned), f.deps.Cache.WriteBinnedSpectra(ctx, params.IonMode, binned)
	})
	if err != nil {
		return nil, nil, err
	}
	return binned, b, nil
}

// CalculateTanimotoScore computes the fingerprint similarity of every pair
// of InChIKey prefixes.
func (f *MS2DeepScoreFlow) CalculateTanimotoScore(ctx context.Context, e *pipeline.Engine, params config.MS2DeepScoreParams, binned []domain.BinnedSpectrum, layout Layout) (*domain.ScoreMatrix, error) {
	path, err := pipeline.RunFile(ctx, e, pipeline.TaskSpec{
		Name:       "CalculateTanimotoScore",
		OutputPath: layout.TanimotoScores(params.FlowParams),
		Params: map[string]interface{}{
			"fingerprint_n_bits": params.FingerprintNBits,
			"scores_decimals":    params.ScoresDecimals,
			"n_binned":           len(binned),
		},
	}, func(ctx context.Context, out string) error {
		scores, err := tanimoto.FromBinned(ctx, binned, params.FingerprintNBits, params.ScoresDecimals)
		if err != nil {
			return err
		}
		return f.deps.Gateway.Serialize(ctx, out, scores)
	})
	if err != nil {
		return nil, err
	}
	var scores domain.ScoreMatrix
	if err := f.deps.Gateway.Read(ctx, path, &scores); err != nil {
		return nil, err
	}
	return &scores, nil
}

// TrainSiamese splits the binned spectra by InChIKey prefix, trains on the
// train part and reports validation and test losses.
func (f *MS2DeepScoreFlow) TrainSiamese(ctx context.Context, e *pipeline.Engine, params config.MS2DeepScoreParams, binned []domain.BinnedSpectrum, binner *binning.Binner, scores *domain.ScoreMatrix, layout Layout) (*TrainResult, error) {
	cfg := model.SiameseConfig{
		BaseDims:     params.BaseDims,
		EmbeddingDim: params.EmbeddingDim,
		Dropout:      params.Dropout,
		LearningRate: params.LearningRate,
		Seed:         params.Seed,
	}
	modelPath := layout.Model(params.FlowParams, predictor.MS2DeepScoreFile)
	return pipeline.Run(ctx, e, pipeline.TaskSpec{
		Name:       "TrainSiamese",
		ResultPath: layout.Model(params.FlowParams, "train_result.pickle"),
		Params: map[string]interface{}{
			"siamese":          cfg,
			"epochs":           params.Epochs,
			"batch_size":       params.BatchSize,
			"train_ratio":      params.TrainRatio,
			"validation_ratio": params.ValidationRatio,
			"test_ratio":       params.TestRatio,
			"n_binned":         len(binned),
			"input_dim":        binner.InputDim(),
		},
	}, func(ctx context.Context) (*TrainResult, error) {
		split, err := SplitByInChIKey(binned, params.TrainRatio, params.ValidationRatio, params.TestRatio, params.Seed)
		if err != nil {
			return nil, err
		}
		gen, err := model.NewPairGenerator(split.Train, scores, params.Seed)
		if err != nil {
			return nil, err
		}
		validation := fixedPairs(split.Validation, scores, params.Seed+1)
		test := fixedPairs(split.Test, scores, params.Seed+2)

		net, err := model.NewSiamese(cfg, binner)
		if err != nil {
			return nil, err
		}
		history, err := net.Fit(ctx, gen, validation, params.Epochs, params.BatchSize)
		if err != nil {
			return nil, err
		}
		if err := net.Save(ctx, f.deps.Gateway, modelPath); err != nil {
			return nil, err
		}
		res := &TrainResult{
			ModelPath:       modelPath,
			TrainLoss:       history.Loss[len(history.Loss)-1],
			ValidationLoss:  history.FinalValidationLoss(),
			TestLoss:        net.Loss(test),
			TrainSpectra:    len(split.Train),
			ValidationPairs: len(validation),
			TestPairs:       len(test),
		}
		if math.IsNaN(res.ValidationLoss) {
			logger.CtxWarn(ctx, "Validation split is empty, no validation loss")
		}
		return res, nil
	})
}

// fixedPairs returns one deterministic pair per InChIKey prefix, or nil
// when spectra has no scored prefix.
func fixedPairs(spectra []domain.BinnedSpectrum, scores *domain.ScoreMatrix, seed int64) []model.Pair {
	if len(spectra) == 0 {
		return nil
	}
	gen, err := model.NewPairGenerator(spectra, scores, seed)
	if err != nil {
		return nil
	}
	return gen.Fixed()
}

// embedder embeds the cached binned spectra of an id chunk. Ids without a
// binned spectrum lacked a chemical identity and count as skipped.
func (f *MS2DeepScoreFlow) embedder(p *predictor.MS2DeepScorePredictor, runID string) embedFunc {
	return func(ctx context.Context, ids []string) ([]domain.Embedding, int, error) {
		binned, err := f.deps.Cache.ReadBinnedSpectra(ctx, p.Mode, ids)
		if err != nil {
			return nil, 0, err
		}
		out := make([]domain.Embedding, 0, len(binned))
		for i := range binned {
			out = append(out, domain.Embedding{
				SpectrumID: binned[i].SpectrumID,
				InChIKey:   binned[i].InChIKey,
				RunID:      runID,
				Vector:     p.EmbedBinned(&binned[i]),
			})
		}
		return out, len(ids) - len(binned), nil
	}
}
