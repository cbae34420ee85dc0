package predictor

import (
	"context"
	"fmt"

	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/model"
	"github.com/timmy/ms2sim/internal/storage"
)

// File names inside a predictor artifact directory.
const (
	DescriptorFile   = "predictor.gob"
	Spec2VecFile     = "spec2vec.model"
	MS2DeepScoreFile = "ms2deepscore_model.bin"
)

// Descriptor is the serialised form of a predictor, minus its model
// weights, which live in ModelFile next to it.
type Descriptor struct {
	Kind                     string
	IonMode                  domain.IonMode
	ModelFile                string
	NDecimals                int
	IntensityWeightingPower  float64
	AllowedMissingPercentage float64
}

// Describe returns the descriptor of p.
func Describe(p Predictor) (Descriptor, error) {
	switch v := p.(type) {
	case *Spec2VecPredictor:
		return Descriptor{
			Kind:                     model.KindSpec2Vec,
			IonMode:                  v.Mode,
			ModelFile:                Spec2VecFile,
			NDecimals:                v.NDecimals,
			IntensityWeightingPower:  v.IntensityWeightingPower,
			AllowedMissingPercentage: v.AllowedMissingPercentage,
		}, nil
	case *MS2DeepScorePredictor:
		return Descriptor{
			Kind:      model.KindMS2DeepScore,
			IonMode:   v.Mode,
			ModelFile: MS2DeepScoreFile,
		}, nil
	default:
		return Descriptor{}, domain.Invalid("describe predictor", "unsupported predictor %T", p)
	}
}

// Save writes the descriptor and the model of p into dir.
func Save(ctx context.Context, g *storage.Gateway, p Predictor, dir string) error {
	d, err := Describe(p)
	if err != nil {
		return err
	}
	modelPath := storage.Join(dir, d.ModelFile)
	switch v := p.(type) {
	case *Spec2VecPredictor:
		err = v.Model.Save(ctx, g, modelPath)
	case *MS2DeepScorePredictor:
		err = v.Model.Save(ctx, g, modelPath)
	}
	if err != nil {
		return err
	}
	return g.Serialize(ctx, storage.Join(dir, DescriptorFile), d)
}

// Load restores a predictor saved with Save.
func Load(ctx context.Context, g *storage.Gateway, dir string) (Predictor, error) {
	var d Descriptor
	if err := g.Read(ctx, storage.Join(dir, DescriptorFile), &d); err != nil {
		return nil, err
	}
	modelPath := storage.Join(dir, d.ModelFile)
	switch d.Kind {
	case model.KindSpec2Vec:
		m, err := model.LoadWord2Vec(ctx, g, modelPath)
		if err != nil {
			return nil, err
		}
		return &Spec2VecPredictor{
			Model:                    m,
			Mode:                     d.IonMode,
			NDecimals:                d.NDecimals,
			IntensityWeightingPower:  d.IntensityWeightingPower,
			AllowedMissingPercentage: d.AllowedMissingPercentage,
		}, nil
	case model.KindMS2DeepScore:
		m, err := model.LoadSiamese(ctx, g, modelPath)
		if err != nil {
			return nil, err
		}
		return &MS2DeepScorePredictor{Model: m, Mode: d.IonMode}, nil
	default:
		return nil, domain.Corrupt("load predictor", fmt.Errorf("unknown predictor kind %q", d.Kind))
	}
}
