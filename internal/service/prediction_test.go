package service

import (
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ms2sim/internal/cache"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/model"
	"github.com/timmy/ms2sim/internal/predictor"
)

const queryPeaks = `"[[100,1],[200,1],[300,1],[400,1],[500,1]]"`

func testPredictor() *predictor.Spec2VecPredictor {
	words := []string{"peak@100.0", "peak@200.0", "peak@300.0", "peak@400.0", "peak@500.0"}
	vectors := make([][]float32, len(words))
	for i := range vectors {
		vectors[i] = []float32{1, 0, 0}
	}
	return &predictor.Spec2VecPredictor{
		Model:                    model.NewWord2Vec(words, vectors),
		Mode:                     domain.IonModePositive,
		NDecimals:                1,
		IntensityWeightingPower:  0.5,
		AllowedMissingPercentage: 5,
	}
}

func reference(id string, mz float64) domain.Spectrum {
	return domain.Spectrum{
		SpectrumID: id,
		Peaks:      domain.Peaks{MZ: []float64{100, 200}, Intensities: []float64{1, 1}},
		Metadata: domain.Metadata{
			PrecursorMZ:  mz,
			IonMode:      domain.IonModePositive,
			CompoundName: "compound " + id,
		},
	}
}

func newPredictionService(t *testing.T, serving config.ServingConfig) (*PredictionService, *cache.SpectrumCache) {
	t.Helper()
	ctx := context.Background()
	c, _ := newTestCache(t)
	require.NoError(t, c.WriteRawSpectra(ctx, []domain.Spectrum{
		reference("r1", 150.5),
		reference("r2", 149.2),
		reference("r3", 150.9),
		reference("r4", 150),
		reference("far", 300),
	}))
	require.NoError(t, c.WriteEmbeddings(ctx, domain.IonModePositive, []domain.Embedding{
		{SpectrumID: "r1", Vector: []float32{1, 0, 0}},
		{SpectrumID: "r2", Vector: []float32{1, 1, 0}},
		{SpectrumID: "r3", Vector: []float32{0, 1, 0}},
		{SpectrumID: "r4", Vector: []float32{2, 0, 0}},
		{SpectrumID: "far", Vector: []float32{1, 0, 0}},
	}))

	predictors := predictor.NewRegistry()
	predictors.Set("run-1", testPredictor())
	s := NewPredictionService(&PredictionConfig{Predictors: predictors, Cache: c, Serving: serving})
	return s, c
}

func query(precursor string, peaks string) json.RawMessage {
	return json.RawMessage(`{"peaks_json":` + peaks + `,"precursor_mz":` + precursor + `}`)
}

func TestPredictRanksCandidatesInWindow(t *testing.T) {
	s, _ := newPredictionService(t, config.ServingConfig{})
	resp, err := s.Predict(context.Background(), domain.IonModePositive, &PredictRequest{
		Data:       []json.RawMessage{query("150", queryPeaks)},
		Parameters: PredictParameters{NBestSpectra: 3},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	hits := resp.Results[0].Hits
	require.Len(t, hits, 3)
	// r1 and r4 tie at 1 and are ordered by id; far is outside the window
	assert.Equal(t, "r1", hits[0].SpectrumID)
	assert.Equal(t, "r4", hits[1].SpectrumID)
	assert.Equal(t, "r2", hits[2].SpectrumID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.InDelta(t, 0.70710678, hits[2].Score, 1e-6)
	assert.Nil(t, hits[0].Metadata)
}

func TestPredictIncludesMetadata(t *testing.T) {
	s, _ := newPredictionService(t, config.ServingConfig{})
	resp, err := s.Predict(context.Background(), domain.IonModePositive, &PredictRequest{
		Data:       []json.RawMessage{query(`"150"`, queryPeaks)},
		Parameters: PredictParameters{NBestSpectra: 1, IncludeMetadata: true},
	})
	require.NoError(t, err)
	hits := resp.Results[0].Hits
	require.Len(t, hits, 1)
	require.NotNil(t, hits[0].Metadata)
	assert.Equal(t, "compound r1", hits[0].Metadata.CompoundName)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"compound_name":"compound r1"`)
	assert.Contains(t, string(data), `{"spectrum-0":{"r1":{"score":`)
}

func TestPredictReportsPerQueryErrors(t *testing.T) {
	s, _ := newPredictionService(t, config.ServingConfig{})
	resp, err := s.Predict(context.Background(), domain.IonModePositive, &PredictRequest{
		Data: []json.RawMessage{
			query("150", `"[[100,1],[200,1]]"`),
			query("150", queryPeaks),
			json.RawMessage(`{"peaks_json": {"bad": true}}`),
			query("150", `"[[100,1],[200,1],[300,1],[700,5],[800,5]]"`),
		},
		Parameters: PredictParameters{NBestSpectra: 2},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)
	assert.NotEmpty(t, resp.Results[0].Error, "too few peaks")
	assert.Empty(t, resp.Results[1].Error)
	assert.Len(t, resp.Results[1].Hits, 2)
	assert.NotEmpty(t, resp.Results[2].Error, "unreadable record")
	assert.NotEmpty(t, resp.Results[3].Error, "unknown peaks")
}

func TestPredictZeroMZRangeHasNoCandidates(t *testing.T) {
	s, _ := newPredictionService(t, config.ServingConfig{})
	zero := 0.0
	resp, err := s.Predict(context.Background(), domain.IonModePositive, &PredictRequest{
		Data:       []json.RawMessage{query("150", queryPeaks)},
		Parameters: PredictParameters{NBestSpectra: 5, MZRange: &zero},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results[0].Hits)
	assert.Empty(t, resp.Results[0].Error)
}

func TestPredictWideRangeReachesAllReferences(t *testing.T) {
	s, _ := newPredictionService(t, config.ServingConfig{DefaultMZRange: 200})
	resp, err := s.Predict(context.Background(), domain.IonModePositive, &PredictRequest{
		Data:       []json.RawMessage{query("150", queryPeaks)},
		Parameters: PredictParameters{NBestSpectra: 10},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results[0].Hits, 5)
}

func TestPredictRejectsBadRequests(t *testing.T) {
	negative := -1.0
	tests := []struct {
		name string
		req  PredictRequest
	}{
		{"no data", PredictRequest{Parameters: PredictParameters{NBestSpectra: 1}}},
		{"no n_best", PredictRequest{Data: []json.RawMessage{query("150", queryPeaks)}}},
		{"too many", PredictRequest{Data: []json.RawMessage{query("150", queryPeaks)}, Parameters: PredictParameters{NBestSpectra: 101}}},
		{"negative range", PredictRequest{Data: []json.RawMessage{query("150", queryPeaks)}, Parameters: PredictParameters{NBestSpectra: 1, MZRange: &negative}}},
	}
	s, _ := newPredictionService(t, config.ServingConfig{MaxNBest: 100})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Predict(context.Background(), domain.IonModePositive, &tt.req)
			assert.ErrorIs(t, err, domain.ErrBadRequest)
		})
	}
}

func TestPredictWithoutModel(t *testing.T) {
	s, _ := newPredictionService(t, config.ServingConfig{})
	_, err := s.Predict(context.Background(), domain.IonModeNegative, &PredictRequest{
		Data:       []json.RawMessage{query("150", queryPeaks)},
		Parameters: PredictParameters{NBestSpectra: 1},
	})
	assert.ErrorIs(t, err, domain.ErrModelNotLoaded)
}

func TestLoadModelWithoutRegistry(t *testing.T) {
	s, _ := newPredictionService(t, config.ServingConfig{})
	_, err := s.LoadModel(context.Background(), "run-2")
	assert.ErrorIs(t, err, domain.ErrValidation)
	require.Len(t, s.Models(), 1)
	assert.Equal(t, "run-1", s.Models()[0].RunID)
}

func TestPredictResponseKeepsOrder(t *testing.T) {
	resp := PredictResponse{Results: []QueryResult{
		{Hits: []Hit{{SpectrumID: "z", Score: 0.5}, {SpectrumID: "a", Score: 0.25}}},
		{Error: "boom"},
		{Hits: []Hit{}},
	}}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Equal(t,
		`{"spectrum-0":{"z":{"score":0.5},"a":{"score":0.25}},"spectrum-1":{"error":"boom"},"spectrum-2":{}}`,
		string(data))
	assert.True(t, strings.Index(string(data), `"z"`) < strings.Index(string(data), `"a"`))
}

func TestPredictScoresStayInUnitRange(t *testing.T) {
	ctx := context.Background()
	s, c := newPredictionService(t, config.ServingConfig{})
	require.NoError(t, c.WriteRawSpectra(ctx, []domain.Spectrum{reference("opp", 150.2)}))
	require.NoError(t, c.WriteEmbeddings(ctx, domain.IonModePositive, []domain.Embedding{
		{SpectrumID: "opp", Vector: []float32{-1, 0, 0}},
	}))

	resp, err := s.Predict(ctx, domain.IonModePositive, &PredictRequest{
		Data:       []json.RawMessage{query("150", queryPeaks)},
		Parameters: PredictParameters{NBestSpectra: 10},
	})
	require.NoError(t, err)

	hits := resp.Results[0].Hits
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.SpectrumID
		assert.True(t, h.Score >= 0 && h.Score <= 1, "%s scored %v", h.SpectrumID, h.Score)
	}
	// opp and r3 both score 0 and fall back to id order
	assert.Equal(t, []string{"r1", "r4", "r2", "opp", "r3"}, ids)
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		cos  float64
		want float64
	}{
		{-1, 0},
		{-0.25, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{1.0000001, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, similarity(tt.cos), "cos %v", tt.cos)
	}
}

func TestDefaultIonMode(t *testing.T) {
	s, _ := newPredictionService(t, config.ServingConfig{})
	mode, err := s.DefaultIonMode()
	require.NoError(t, err)
	assert.Equal(t, domain.IonModePositive, mode)

	negative := testPredictor()
	negative.Mode = domain.IonModeNegative
	s.predictors.Set("run-2", negative)
	_, err = s.DefaultIonMode()
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	empty := NewPredictionService(&PredictionConfig{Predictors: predictor.NewRegistry()})
	_, err = empty.DefaultIonMode()
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestRank(t *testing.T) {
	hits := []Hit{
		{SpectrumID: "c", Score: -0.2},
		{SpectrumID: "b", Score: 0.9},
		{SpectrumID: "a", Score: 0.9},
		{SpectrumID: "d", Score: 0.1},
	}
	got := rank(hits, 3)
	ids := make([]string, len(got))
	for i, h := range got {
		ids[i] = h.SpectrumID
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids)
}
