package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ms2sim/internal/cache"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/metrics"
	"github.com/timmy/ms2sim/internal/model"
	"github.com/timmy/ms2sim/internal/predictor"
	"github.com/timmy/ms2sim/internal/service"
)

const predictBody = `{"data":[{"peaks_json":"[[100,1],[200,1],[300,1],[400,1],[500,1]]","precursor_mz":150}],"parameters":{"n_best_spectra":2}}`

type testServer struct {
	router *httptestRouter
	mr     *miniredis.Miniredis
}

type httptestRouter struct {
	handler http.Handler
}

func (r *httptestRouter) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.handler.ServeHTTP(w, req)
	return w
}

// newTestServer serves a positive Spec2Vec model plus any extra predictors.
func newTestServer(t *testing.T, extra ...predictor.Loaded) *testServer {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.New(cache.NewFactoryFromClient(client), cache.Keys{Namespace: "test", Project: "ms2sim"}, 0)

	var refs []domain.Spectrum
	for _, r := range []struct {
		id string
		mz float64
	}{{"r1", 150.2}, {"r2", 149.5}, {"far", 400}} {
		refs = append(refs, domain.Spectrum{
			SpectrumID: r.id,
			Peaks:      domain.Peaks{MZ: []float64{100, 200}, Intensities: []float64{1, 1}},
			Metadata:   domain.Metadata{PrecursorMZ: r.mz, IonMode: domain.IonModePositive},
		})
	}
	require.NoError(t, c.WriteRawSpectra(ctx, refs))
	require.NoError(t, c.WriteEmbeddings(ctx, domain.IonModePositive, []domain.Embedding{
		{SpectrumID: "r1", Vector: []float32{1, 0, 0}},
		{SpectrumID: "r2", Vector: []float32{0, 1, 0}},
		{SpectrumID: "far", Vector: []float32{1, 0, 0}},
	}))

	words := []string{"peak@100.0", "peak@200.0", "peak@300.0", "peak@400.0", "peak@500.0"}
	vectors := make([][]float32, len(words))
	for i := range vectors {
		vectors[i] = []float32{1, 0, 0}
	}
	predictors := predictor.NewRegistry()
	predictors.Set("run-1", &predictor.Spec2VecPredictor{
		Model:                    model.NewWord2Vec(words, vectors),
		Mode:                     domain.IonModePositive,
		NDecimals:                1,
		IntensityWeightingPower:  0.5,
		AllowedMissingPercentage: 5,
	})
	for _, l := range extra {
		predictors.Set(l.RunID, l.Predictor)
	}

	m := metrics.New("ms2sim")
	prediction := service.NewPredictionService(&service.PredictionConfig{
		Predictors: predictors,
		Cache:      c,
		Metrics:    m,
		Serving:    config.ServingConfig{MaxNBest: 10},
	})
	r := SetupRouter(&RouterConfig{
		Prediction: prediction,
		Health:     c,
		Metrics:    m,
		Server:     config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}},
	})
	return &testServer{router: &httptestRouter{handler: r}, mr: mr}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.router.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	s.mr.Close()
	w = s.router.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestPredictRoute(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"ok", "/api/v1/predict?ion_mode=positive", predictBody, http.StatusOK},
		{"mixed case mode", "/api/v1/predict?ion_mode=Positive", predictBody, http.StatusOK},
		{"mode of the only model", "/api/v1/predict", predictBody, http.StatusOK},
		{"unknown mode", "/api/v1/predict?ion_mode=neutral", predictBody, http.StatusBadRequest},
		{"empty mode", "/api/v1/predict?ion_mode=", predictBody, http.StatusBadRequest},
		{"no model", "/api/v1/predict?ion_mode=negative", predictBody, http.StatusServiceUnavailable},
		{"malformed body", "/api/v1/predict?ion_mode=positive", `{"data":`, http.StatusBadRequest},
		{"no n_best", "/api/v1/predict?ion_mode=positive", `{"data":[{}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.router.do(http.MethodPost, tt.target, tt.body, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusOK {
				assert.Contains(t, w.Body.String(), `"error"`)
			}
		})
	}
}

func TestPredictRouteNeedsModeWithTwoModels(t *testing.T) {
	s := newTestServer(t, predictor.Loaded{RunID: "run-2", Predictor: &predictor.Spec2VecPredictor{
		Model: model.NewWord2Vec([]string{"peak@100.0"}, [][]float32{{1, 0, 0}}),
		Mode:  domain.IonModeNegative,
	}})

	w := s.router.do(http.MethodPost, "/api/v1/predict", predictBody, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ion_mode is required")

	w = s.router.do(http.MethodPost, "/api/v1/predict?ion_mode=positive", predictBody, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestPredictRouteBody(t *testing.T) {
	s := newTestServer(t)
	w := s.router.do(http.MethodPost, "/api/v1/predict?ion_mode=positive", predictBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, `{"spectrum-0":{"r1":{"score":`), body)
	assert.True(t, strings.Index(body, `"r1"`) < strings.Index(body, `"r2"`))
	assert.NotContains(t, body, `"far"`)

	var decoded map[string]map[string]map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	assert.InDelta(t, 1.0, decoded["spectrum-0"]["r1"]["score"], 1e-6)
	assert.InDelta(t, 0.0, decoded["spectrum-0"]["r2"]["score"], 1e-6)
}

func TestAdminModels(t *testing.T) {
	s := newTestServer(t)

	w := s.router.do(http.MethodGet, "/api/v1/admin/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"models":[{"run_id":"run-1","kind":"spec2vec","ion_mode":"positive"}]}`, w.Body.String())

	w = s.router.do(http.MethodPost, "/api/v1/admin/models/reload", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// no registry configured
	w = s.router.do(http.MethodPost, "/api/v1/admin/models/reload", `{"run_id":"run-2"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"validation"`)
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t)
	s.router.do(http.MethodPost, "/api/v1/predict?ion_mode=positive", predictBody, nil)

	w := s.router.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `ms2sim_api_predict_requests_total{ion_mode="positive",status="ok"} 1`)
}

func TestMiddleware(t *testing.T) {
	s := newTestServer(t)

	w := s.router.do(http.MethodOptions, "/api/v1/predict", "", map[string]string{"Origin": "https://example.org"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = s.router.do(http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = s.router.do(http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
