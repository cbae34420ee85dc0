// Package predictor turns query spectra into embeddings with a trained
// model, and persists the predictor next to its model file.
package predictor

import (
	"context"
	"fmt"

	"github.com/timmy/ms2sim/internal/binning"
	"github.com/timmy/ms2sim/internal/document"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/model"
	"github.com/timmy/ms2sim/internal/spectrum"
)

// Predictor embeds cleaned spectra of one ion mode.
type Predictor interface {
	Kind() string
	IonMode() domain.IonMode
	// Embed returns the embedding of a cleaned spectrum. Spectra the model
	// cannot represent fail with a BadRecord error.
	Embed(s *domain.Spectrum) ([]float32, error)
}

// Spec2VecPredictor embeds spectra as intensity-weighted sums of peak-word
// vectors.
type Spec2VecPredictor struct {
	Model                    *model.Word2Vec
	Mode                     domain.IonMode
	NDecimals                int
	IntensityWeightingPower  float64
	AllowedMissingPercentage float64
}

func (p *Spec2VecPredictor) Kind() string            { return model.KindSpec2Vec }
func (p *Spec2VecPredictor) IonMode() domain.IonMode { return p.Mode }

// Document builds the peak document of s with the predictor's settings.
func (p *Spec2VecPredictor) Document(s *domain.Spectrum) domain.Document {
	return document.New(s, p.NDecimals, p.IntensityWeightingPower)
}

// EmbedDocument embeds doc, failing when more than
// AllowedMissingPercentage of its weight falls on unknown words.
func (p *Spec2VecPredictor) EmbedDocument(doc domain.Document) ([]float32, error) {
	vec, missing := p.Model.Embed(doc)
	if missing > p.AllowedMissingPercentage {
		return nil, domain.BadRecord("embed document", fmt.Errorf(
			"spectrum %s: %.1f%% of the weight is on unknown peaks, allowed %.1f%%",
			doc.SpectrumID, missing, p.AllowedMissingPercentage))
	}
	return vec, nil
}

func (p *Spec2VecPredictor) Embed(s *domain.Spectrum) ([]float32, error) {
	return p.EmbedDocument(p.Document(s))
}

// Pair scores two documents by the cosine of their embeddings.
func (p *Spec2VecPredictor) Pair(a, b domain.Document) (float64, error) {
	va, err := p.EmbedDocument(a)
	if err != nil {
		return 0, err
	}
	vb, err := p.EmbedDocument(b)
	if err != nil {
		return 0, err
	}
	return domain.Cosine(va, vb), nil
}

// MS2DeepScorePredictor embeds spectra with the base of a Siamese network.
type MS2DeepScorePredictor struct {
	Model *model.Siamese
	Mode  domain.IonMode
}

func (p *MS2DeepScorePredictor) Kind() string            { return model.KindMS2DeepScore }
func (p *MS2DeepScorePredictor) IonMode() domain.IonMode { return p.Mode }

// Binner returns the vocabulary the network was trained on.
func (p *MS2DeepScorePredictor) Binner() *binning.Binner { return p.Model.Binner }

// EmbedBinned runs the base network on an already binned spectrum.
func (p *MS2DeepScorePredictor) EmbedBinned(b *domain.BinnedSpectrum) []float32 {
	return p.Model.Embed(b)
}

func (p *MS2DeepScorePredictor) Embed(s *domain.Spectrum) ([]float32, error) {
	b, missing, err := p.Model.Binner.TransformOne(s)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, domain.BadRecord("embed spectrum", fmt.Errorf("spectrum %s has fewer than %d peaks in the binning window", s.SpectrumID, binning.DefaultMinPeaks))
	}
	if missing > p.Model.Binner.AllowedMissingPercentage {
		logger.Warn("Spectrum %s has %.1f%% of its intensity in unknown bins", s.SpectrumID, missing)
	}
	return p.Model.Embed(b), nil
}

// Prepare cleans a raw query spectrum the way training spectra were
// cleaned. A rejected spectrum is a BadRecord.
func Prepare(cleaner *spectrum.Cleaner, raw domain.RawSpectrum) (*domain.Spectrum, error) {
	s, err := cleaner.Clean(raw)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, domain.BadRecord("clean query", fmt.Errorf("spectrum %q rejected by the cleaner", raw.SpectrumID))
	}
	return s, nil
}

// EmbedAll embeds spectra in order, skipping those the model cannot
// represent. It returns the embeddings and the number skipped.
func EmbedAll(ctx context.Context, p Predictor, spectra []domain.Spectrum, runID string) ([]domain.Embedding, int) {
	out := make([]domain.Embedding, 0, len(spectra))
	skipped := 0
	for i := range spectra {
		s := &spectra[i]
		vec, err := p.Embed(s)
		if err != nil {
			skipped++
			logger.CtxDebug(ctx, "Skipping %s: %v", s.SpectrumID, err)
			continue
		}
		out = append(out, domain.Embedding{SpectrumID: s.SpectrumID, InChIKey: s.Metadata.InChIKey, RunID: runID, Vector: vec})
	}
	return out, skipped
}
