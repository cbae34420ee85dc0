package config

import (
	"math"

	"github.com/timmy/ms2sim/internal/domain"
)

// DatasetIDs are the library subsets a flow can be trained on.
var DatasetIDs = []string{"small", "small_500", "10k", "complete"}

// FlowParams are the parameters shared by both training flows.
type FlowParams struct {
	DatasetID            string         `json:"dataset_id"`
	IonMode              domain.IonMode `json:"ion_mode"`
	DatasetDirectory     string         `json:"dataset_directory"`
	FlowName             string         `json:"flow_name"`
	ChunkSize            int64          `json:"chunk_size"` // bytes of serialised records per chunk
	SaveRawSpectra       bool           `json:"save_raw_spectra"`
	SpectrumIDsChunkSize int            `json:"spectrum_ids_chunk_size"`
	Deploy               bool           `json:"deploy"`
	Local                bool           `json:"local"`
}

// DefaultFlowParams returns the shared defaults for dataset.
func DefaultFlowParams(datasetID string) FlowParams {
	return FlowParams{
		DatasetID:            datasetID,
		IonMode:              domain.IonModePositive,
		DatasetDirectory:     "./data",
		ChunkSize:            10_000_000,
		SaveRawSpectra:       true,
		SpectrumIDsChunkSize: 10_000,
	}
}

// Validate rejects illegal shared parameters before a flow is built.
func (p *FlowParams) Validate() error {
	const op = "validate flow params"
	known := false
	for _, id := range DatasetIDs {
		if id == p.DatasetID {
			known = true
			break
		}
	}
	if !known {
		return domain.Invalid(op, "dataset_id must be one of %v, got %q", DatasetIDs, p.DatasetID)
	}
	mode, err := domain.ParseIonMode(string(p.IonMode))
	if err != nil {
		return err
	}
	p.IonMode = mode
	if p.DatasetDirectory == "" {
		return domain.Invalid(op, "dataset_directory is required")
	}
	if p.ChunkSize <= 0 {
		return domain.Invalid(op, "chunk_size must be positive, got %d", p.ChunkSize)
	}
	if p.SpectrumIDsChunkSize <= 0 {
		return domain.Invalid(op, "spectrum_ids_chunk_size must be positive, got %d", p.SpectrumIDsChunkSize)
	}
	return nil
}

// Spec2VecParams configure document building and Word2Vec training.
type Spec2VecParams struct {
	FlowParams               `json:"flow"`
	Iterations               int     `json:"iterations"`
	NDecimals                int     `json:"n_decimals"`
	Window                   int     `json:"window"`
	LearningRate             float64 `json:"learning_rate"`
	VectorSize               int     `json:"vector_size"`
	NegativeSamples          int     `json:"negative_samples"`
	IntensityWeightingPower  float64 `json:"intensity_weighting_power"`
	AllowedMissingPercentage float64 `json:"allowed_missing_percentage"`
	Seed                     int64   `json:"seed"`
}

// DefaultSpec2VecParams returns the Spec2Vec defaults.
func DefaultSpec2VecParams(datasetID string) Spec2VecParams {
	return Spec2VecParams{
		FlowParams:               DefaultFlowParams(datasetID),
		Iterations:               25,
		NDecimals:                2,
		Window:                   500,
		LearningRate:             0.025,
		VectorSize:               300,
		NegativeSamples:          5,
		IntensityWeightingPower:  0.5,
		AllowedMissingPercentage: 5.0,
		Seed:                     42,
	}
}

func (p *Spec2VecParams) Validate() error {
	const op = "validate spec2vec params"
	if err := p.FlowParams.Validate(); err != nil {
		return err
	}
	switch {
	case p.Iterations <= 0:
		return domain.Invalid(op, "iterations must be positive, got %d", p.Iterations)
	case p.NDecimals < 0 || p.NDecimals > 6:
		return domain.Invalid(op, "n_decimals must be in [0, 6], got %d", p.NDecimals)
	case p.Window <= 0:
		return domain.Invalid(op, "window must be positive, got %d", p.Window)
	case p.LearningRate <= 0:
		return domain.Invalid(op, "learning_rate must be positive, got %g", p.LearningRate)
	case p.VectorSize <= 0:
		return domain.Invalid(op, "vector_size must be positive, got %d", p.VectorSize)
	case p.NegativeSamples <= 0:
		return domain.Invalid(op, "negative_samples must be positive, got %d", p.NegativeSamples)
	case p.AllowedMissingPercentage < 0 || p.AllowedMissingPercentage > 100:
		return domain.Invalid(op, "allowed_missing_percentage must be in [0, 100], got %g", p.AllowedMissingPercentage)
	}
	return nil
}

// MS2DeepScoreParams configure binning, Tanimoto targets and Siamese training.
type MS2DeepScoreParams struct {
	FlowParams               `json:"flow"`
	FingerprintNBits         int     `json:"fingerprint_n_bits"`
	ScoresDecimals           int     `json:"scores_decimals"`
	SpectrumBinnerNBins      int     `json:"spectrum_binner_n_bins"`
	PeakScaling              float64 `json:"peak_scaling"`
	AllowedMissingPercentage float64 `json:"allowed_missing_percentage"`
	TrainRatio               float64 `json:"train_ratio"`
	ValidationRatio          float64 `json:"validation_ratio"`
	TestRatio                float64 `json:"test_ratio"`
	Epochs                   int     `json:"epochs"`
	BatchSize                int     `json:"batch_size"`
	LearningRate             float64 `json:"learning_rate"`
	BaseDims                 []int   `json:"base_dims"`
	EmbeddingDim             int     `json:"embedding_dim"`
	Dropout                  float64 `json:"dropout"`
	Seed                     int64   `json:"seed"`
}

// DefaultMS2DeepScoreParams returns the MS2DeepScore defaults.
func DefaultMS2DeepScoreParams(datasetID string) MS2DeepScoreParams {
	return MS2DeepScoreParams{
		FlowParams:               DefaultFlowParams(datasetID),
		FingerprintNBits:         2048,
		ScoresDecimals:           5,
		SpectrumBinnerNBins:      10_000,
		PeakScaling:              0.5,
		AllowedMissingPercentage: 10.0,
		TrainRatio:               0.9,
		ValidationRatio:          0.05,
		TestRatio:                0.05,
		Epochs:                   150,
		BatchSize:                32,
		LearningRate:             0.001,
		BaseDims:                 []int{600, 500, 400},
		EmbeddingDim:             400,
		Dropout:                  0.2,
		Seed:                     42,
	}
}

func (p *MS2DeepScoreParams) Validate() error {
	const op = "validate ms2deepscore params"
	if err := p.FlowParams.Validate(); err != nil {
		return err
	}
	if err := ValidateRatios(p.TrainRatio, p.ValidationRatio, p.TestRatio); err != nil {
		return err
	}
	switch {
	case p.FingerprintNBits <= 0:
		return domain.Invalid(op, "fingerprint_n_bits must be positive, got %d", p.FingerprintNBits)
	case p.ScoresDecimals < 0 || p.ScoresDecimals > 10:
		return domain.Invalid(op, "scores_decimals must be in [0, 10], got %d", p.ScoresDecimals)
	case p.SpectrumBinnerNBins <= 0:
		return domain.Invalid(op, "spectrum_binner_n_bins must be positive, got %d", p.SpectrumBinnerNBins)
	case p.Epochs <= 0:
		return domain.Invalid(op, "epochs must be positive, got %d", p.Epochs)
	case p.BatchSize <= 0:
		return domain.Invalid(op, "batch_size must be positive, got %d", p.BatchSize)
	case p.LearningRate <= 0:
		return domain.Invalid(op, "learning_rate must be positive, got %g", p.LearningRate)
	case p.EmbeddingDim <= 0:
		return domain.Invalid(op, "embedding_dim must be positive, got %d", p.EmbeddingDim)
	case p.Dropout < 0 || p.Dropout >= 1:
		return domain.Invalid(op, "dropout must be in [0, 1), got %g", p.Dropout)
	}
	for _, d := range p.BaseDims {
		if d <= 0 {
			return domain.Invalid(op, "base_dims must be positive, got %v", p.BaseDims)
		}
	}
	return nil
}

// ValidateRatios checks a train/validation/test split.
func ValidateRatios(train, validation, test float64) error {
	const op = "validate split ratios"
	if train <= 0 || validation < 0 || test < 0 {
		return domain.Invalid(op, "ratios must be non-negative with a positive train ratio, got (%g, %g, %g)", train, validation, test)
	}
	if sum := train + validation + test; math.Abs(sum-1) > 1e-6 {
		return domain.Invalid(op, "ratios must sum to 1, got %g", sum)
	}
	return nil
}
