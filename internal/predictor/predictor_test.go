package predictor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ms2sim/internal/binning"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/model"
	"github.com/timmy/ms2sim/internal/storage"
)

func spec2vec() *Spec2VecPredictor {
	return &Spec2VecPredictor{
		Model: model.NewWord2Vec(
			[]string{"peak@100.0", "peak@200.0", "peak@300.0"},
			[][]float32{{1, 0, 0}, {0, 1, 0}, {0.5, 0.5, 0.5}},
		),
		Mode:                     domain.IonModePositive,
		NDecimals:                1,
		IntensityWeightingPower:  0.5,
		AllowedMissingPercentage: 20,
	}
}

func peaks(mz ...float64) domain.Peaks {
	in := make([]float64, len(mz))
	for i := range in {
		in[i] = float64(i + 1)
	}
	return domain.Peaks{MZ: mz, Intensities: in}
}

func TestSpec2VecPairMatchesWordVectorCosine(t *testing.T) {
	p := spec2vec()
	a := domain.Document{Words: []string{"peak@100.0", "peak@300.0"}, Weights: []float64{0.2, 0.8}}
	b := domain.Document{Words: []string{"peak@200.0", "peak@300.0"}, Weights: []float64{0.6, 0.4}}

	got, err := p.Pair(a, b)
	require.NoError(t, err)

	va, _ := p.Model.Embed(a)
	vb, _ := p.Model.Embed(b)
	assert.Equal(t, domain.Cosine(va, vb), got)
}

func TestSpec2VecRejectsUnknownPeaks(t *testing.T) {
	p := spec2vec()
	_, err := p.EmbedDocument(domain.Document{
		SpectrumID: "q",
		Words:      []string{"peak@100.0", "peak@999.9"},
		Weights:    []float64{0.5, 0.5},
	})
	assert.ErrorIs(t, err, domain.ErrBadRecord)
}

func TestSpec2VecEmbedUsesDocumentSettings(t *testing.T) {
	p := spec2vec()
	s := &domain.Spectrum{SpectrumID: "q", Peaks: peaks(100, 200)}
	doc := p.Document(s)
	assert.Equal(t, []string{"peak@100.0", "peak@200.0"}, doc.Words)

	vec, err := p.Embed(s)
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func ms2deepscore(t *testing.T) (*MS2DeepScorePredictor, []domain.Spectrum) {
	t.Helper()
	spectra := make([]domain.Spectrum, 3)
	for i := range spectra {
		spectra[i] = domain.Spectrum{
			SpectrumID: fmt.Sprintf("s%d", i),
			Peaks:      peaks(50, 70, 90, 110, float64(130+i)),
		}
	}
	b := binning.New(990, 0.5, 10)
	_, err := b.Fit(context.Background(), spectra)
	require.NoError(t, err)
	m, err := model.NewSiamese(model.SiameseConfig{BaseDims: []int{8}, EmbeddingDim: 4, Seed: 3}, b)
	require.NoError(t, err)
	return &MS2DeepScorePredictor{Model: m, Mode: domain.IonModeNegative}, spectra
}

func TestMS2DeepScoreEmbed(t *testing.T) {
	p, spectra := ms2deepscore(t)
	vec, err := p.Embed(&spectra[0])
	require.NoError(t, err)
	assert.Len(t, vec, 4)

	_, err = p.Embed(&domain.Spectrum{SpectrumID: "short", Peaks: peaks(50, 70)})
	assert.ErrorIs(t, err, domain.ErrBadRecord)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g := storage.NewGateway()
	ms2d, spectra := ms2deepscore(t)

	tests := []struct {
		name string
		p    Predictor
	}{
		{"spec2vec", spec2vec()},
		{"ms2deepscore", ms2d},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, Save(context.Background(), g, tt.p, dir))

			loaded, err := Load(context.Background(), g, dir)
			require.NoError(t, err)
			assert.Equal(t, tt.p.Kind(), loaded.Kind())
			assert.Equal(t, tt.p.IonMode(), loaded.IonMode())

			s := &spectra[1]
			if tt.name == "spec2vec" {
				s = &domain.Spectrum{SpectrumID: "q", Peaks: peaks(100, 200, 300)}
			}
			want, err := tt.p.Embed(s)
			require.NoError(t, err)
			got, err := loaded.Embed(s)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSaveIsByteStable(t *testing.T) {
	g := storage.NewGateway()
	a, b := t.TempDir(), t.TempDir()
	require.NoError(t, Save(context.Background(), g, spec2vec(), a))
	require.NoError(t, Save(context.Background(), g, spec2vec(), b))

	for _, name := range []string{DescriptorFile, Spec2VecFile} {
		x, err := os.ReadFile(filepath.Join(a, name))
		require.NoError(t, err)
		y, err := os.ReadFile(filepath.Join(b, name))
		require.NoError(t, err)
		assert.Equal(t, x, y, name)
	}
}

func TestLoadMissingDescriptor(t *testing.T) {
	_, err := Load(context.Background(), storage.NewGateway(), t.TempDir())
	assert.ErrorIs(t, err, domain.ErrPermanentIO)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(domain.IonModePositive)
	assert.ErrorIs(t, err, domain.ErrModelNotLoaded)

	r.Set("run-1", spec2vec())
	r.Set("run-2", spec2vec())
	ms2d, _ := ms2deepscore(t)
	r.Set("run-3", ms2d)

	l, err := r.Get(domain.IonModePositive)
	require.NoError(t, err)
	assert.Equal(t, "run-2", l.RunID)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.IonModeNegative, list[0].Predictor.IonMode())
}
