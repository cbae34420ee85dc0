package binning

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/storage"
)

func spec(id string, mz ...float64) domain.Spectrum {
	in := make([]float64, len(mz))
	for i := range in {
		in[i] = float64(i + 1)
	}
	return domain.Spectrum{
		SpectrumID: id,
		Peaks:      domain.Peaks{MZ: mz, Intensities: in},
		Metadata:   domain.Metadata{InChI: "InChI=1S/" + id, InChIKey: "AAAAAAAAAAAAAA-" + id},
	}
}

func TestFitTransform(t *testing.T) {
	ctx := context.Background()
	b := New(990, 0.5, 10)
	spectra := []domain.Spectrum{
		spec("a", 100.2, 200.2, 300.2, 400.2, 500.2),
		spec("b", 100.7, 200.2, 600.2, 700.2, 800.2),
		spec("short", 100.2, 900.2),
	}

	binned, err := b.Fit(ctx, spectra)
	require.NoError(t, err)
	require.Len(t, binned, 2)
	assert.Equal(t, []int32{90, 190, 290, 390, 490, 590, 690, 790}, b.KnownBins)
	assert.Equal(t, 8, b.InputDim())

	for i, bs := range binned {
		assert.Equal(t, spectra[i].SpectrumID, bs.SpectrumID)
		assert.Equal(t, spectra[i].Metadata.InChI, bs.InChI)
		for _, bin := range bs.Bins {
			assert.True(t, bin >= 0 && int(bin) < b.InputDim())
			assert.True(t, int(bin) < b.NBins)
		}
	}
	// 100.2 and 100.7 share a bin; max intensity kept, then scaled
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, binned[0].Bins)
	assert.InDelta(t, math.Sqrt(5), float64(binned[0].Intensities[4]), 1e-6)
}

func TestTransformUnknownBinsDropped(t *testing.T) {
	ctx := context.Background()
	b := New(990, 1, 10)
	_, err := b.Fit(ctx, []domain.Spectrum{spec("a", 100, 200, 300, 400, 500)})
	require.NoError(t, err)

	bs, missing, err := b.TransformOne(&domain.Spectrum{
		SpectrumID: "q",
		Peaks:      domain.Peaks{MZ: []float64{100, 200, 300, 400, 950}, Intensities: []float64{1, 1, 1, 1, 6}},
	})
	require.NoError(t, err)
	require.NotNil(t, bs)
	assert.Len(t, bs.Bins, 4)
	assert.InDelta(t, 60.0, missing, 1e-9)

	out, stats := b.Transform(ctx, []domain.Spectrum{spec("z", 100, 200, 300, 400, 950)})
	assert.Len(t, out, 1)
	assert.Equal(t, 1, stats.OverMissing)
}

func TestTransformBeforeFit(t *testing.T) {
	b := New(10, 0.5, 10)
	_, _, err := b.TransformOne(&domain.Spectrum{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDenseVector(t *testing.T) {
	ctx := context.Background()
	b := New(990, 1, 10)
	binned, err := b.Fit(ctx, []domain.Spectrum{spec("a", 100, 200, 300, 400, 500)})
	require.NoError(t, err)

	x := binned[0].Dense(b.InputDim())
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, x)
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := New(990, 0.5, 10)
	spectra := []domain.Spectrum{spec("a", 100, 200, 300, 400, 500)}
	want, err := b.Fit(ctx, spectra)
	require.NoError(t, err)

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var restored Binner
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.True(t, restored.Fitted())
	assert.Equal(t, b.KnownBins, restored.KnownBins)

	got, _ := restored.Transform(ctx, spectra)
	assert.Equal(t, want, got)
}

func TestUnmarshalRejectsUnsortedVocabulary(t *testing.T) {
	var b Binner
	err := json.Unmarshal([]byte(`{"number_of_bins":10,"mz_min":10,"mz_max":1000,"known_bins":[3,1]}`), &b)
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	g := storage.NewGateway()
	p := filepath.Join(t.TempDir(), "spectrum_binner.pickle")

	b := New(990, 0.5, 10)
	assert.ErrorIs(t, Save(ctx, g, b, p), domain.ErrValidation)

	spectra := []domain.Spectrum{spec("a", 100, 200, 300, 400, 500)}
	want, err := b.Fit(ctx, spectra)
	require.NoError(t, err)
	require.NoError(t, Save(ctx, g, b, p))

	restored, err := Load(ctx, g, p)
	require.NoError(t, err)
	got, _ := restored.Transform(ctx, spectra)
	assert.Equal(t, want, got)
}
