package service

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/timmy/ms2sim/internal/cache"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/metrics"
	"github.com/timmy/ms2sim/internal/predictor"
	"github.com/timmy/ms2sim/internal/registry"
	"github.com/timmy/ms2sim/internal/repository"
	"github.com/timmy/ms2sim/internal/spectrum"
)

// Candidate search backends.
const (
	BackendCache  = "cache"
	BackendQdrant = "qdrant"
)

const defaultMZRange = 1.0

// PredictParameters are the request-wide options of a prediction.
type PredictParameters struct {
	NBestSpectra    int      `json:"n_best_spectra"`
	IncludeMetadata bool     `json:"include_metadata"`
	MZRange         *float64 `json:"mz_range,omitempty"`
}

// PredictRequest is a batch of query spectra. Each element of Data is a
// library-style record with at least peaks_json and precursor_mz.
type PredictRequest struct {
	Data       []json.RawMessage `json:"data"`
	Parameters PredictParameters `json:"parameters"`
}

// Hit is one reference spectrum matched to a query.
type Hit struct {
	SpectrumID string
	Score      float64
	Metadata   *domain.Metadata
}

// QueryResult holds the ranked hits of one query, or the reason it failed.
type QueryResult struct {
	Hits  []Hit
	Error string
}

// PredictResponse keeps queries and hits in rank order when encoded.
type PredictResponse struct {
	Results []QueryResult
}

type hitJSON struct {
	Score float64 `json:"score"`
	*domain.Metadata
}

// MarshalJSON encodes {"spectrum-<i>": {"<ref id>": {"score": ...}}}.
// Object keys keep query order and descending score order.
func (r PredictResponse) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, q := range r.Results {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(fmt.Sprintf("spectrum-%d", i)))
		buf.WriteByte(':')
		if q.Error != "" {
			b, err := json.Marshal(map[string]string{"error": q.Error})
			if err != nil {
				return nil, err
			}
			buf.Write(b)
			continue
		}
		buf.WriteByte('{')
		for j, h := range q.Hits {
			if j > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(h.SpectrumID)
			if err != nil {
				return nil, err
			}
			val, err := json.Marshal(hitJSON{Score: h.Score, Metadata: h.Metadata})
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PredictionConfig configures PredictionService.
type PredictionConfig struct {
	Predictors *predictor.Registry
	Cache      *cache.SpectrumCache
	// Index is required only for the qdrant backend.
	Index    *repository.EmbeddingIndex
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Serving  config.ServingConfig
}

// PredictionService scores query spectra against the reference embeddings
// of the served models.
type PredictionService struct {
	predictors *predictor.Registry
	cache      *cache.SpectrumCache
	index      *repository.EmbeddingIndex
	registry   *registry.Registry
	metrics    *metrics.Metrics
	cleaner    *spectrum.Cleaner
	cfg        config.ServingConfig
}

// NewPredictionService creates a PredictionService.
// Parameters:
//   - cfg: collaborators and serving settings.
//
// Returns:
//   - *PredictionService: service ready to serve once a model is loaded.
func NewPredictionService(cfg *PredictionConfig) *PredictionService {
	serving := cfg.Serving
	if serving.DefaultMZRange <= 0 {
		serving.DefaultMZRange = defaultMZRange
	}
	if serving.SearchBackend == "" {
		serving.SearchBackend = BackendCache
	}
	predictors := cfg.Predictors
	if predictors == nil {
		predictors = predictor.NewRegistry()
	}
	return &PredictionService{
		predictors: predictors,
		cache:      cfg.Cache,
		index:      cfg.Index,
		registry:   cfg.Registry,
		metrics:    cfg.Metrics,
		cleaner:    spectrum.NewCleaner(),
		cfg:        serving,
	}
}

// Models returns the loaded predictors.
func (s *PredictionService) Models() []predictor.Loaded {
	return s.predictors.List()
}

// DefaultIonMode is the ion mode of the only served model. Requests must
// name the mode when both or neither mode is served.
func (s *PredictionService) DefaultIonMode() (domain.IonMode, error) {
	loaded := s.predictors.List()
	if len(loaded) != 1 {
		return "", domain.BadRequestf("predict", "ion_mode is required when %d models are served", len(loaded))
	}
	return loaded[0].Predictor.IonMode(), nil
}

// LoadModel loads the predictor registered under runID and serves it for
// its ion mode, replacing the previous one.
// Parameters:
//   - ctx: context for cancellation.
//   - runID: registry run id.
//
// Returns:
//   - predictor.Loaded: the predictor now served.
//   - error: non-nil if the run or its artifacts cannot be loaded.
func (s *PredictionService) LoadModel(ctx context.Context, runID string) (predictor.Loaded, error) {
	if s.registry == nil {
		return predictor.Loaded{}, domain.Invalid("load model", "no model registry configured")
	}
	p, err := s.registry.LoadPredictor(ctx, runID)
	if err != nil {
		return predictor.Loaded{}, err
	}
	s.predictors.Set(runID, p)
	logger.With(logger.Fields{
		logger.FieldRunID:   runID,
		logger.FieldIonMode: p.IonMode(),
	}).Info(ctx, "Serving %s model", p.Kind())
	return predictor.Loaded{RunID: runID, Predictor: p}, nil
}

// LoadConfigured loads the run ids of the serving configuration. A mode
// without a run id is left unserved.
func (s *PredictionService) LoadConfigured(ctx context.Context) error {
	for _, runID := range []string{s.cfg.PositiveRunID, s.cfg.NegativeRunID} {
		if runID == "" {
			continue
		}
		if _, err := s.LoadModel(ctx, runID); err != nil {
			return fmt.Errorf("load run %s: %w", runID, err)
		}
	}
	return nil
}

func (s *PredictionService) validate(req *PredictRequest) (float64, error) {
	const op = "predict"
	if len(req.Data) == 0 {
		return 0, domain.BadRequestf(op, "data must hold at least one spectrum")
	}
	n := req.Parameters.NBestSpectra
	if n <= 0 {
		return 0, domain.BadRequestf(op, "n_best_spectra must be positive, got %d", n)
	}
	if s.cfg.MaxNBest > 0 && n > s.cfg.MaxNBest {
		return 0, domain.BadRequestf(op, "n_best_spectra must be at most %d, got %d", s.cfg.MaxNBest, n)
	}
	mzRange := s.cfg.DefaultMZRange
	if req.Parameters.MZRange != nil {
		mzRange = *req.Parameters.MZRange
	}
	if mzRange < 0 {
		return 0, domain.BadRequestf(op, "mz_range must not be negative, got %g", mzRange)
	}
	return mzRange, nil
}

// Predict ranks reference spectra for every query of req with the model
// served for mode. Queries that cannot be parsed, cleaned or embedded get
// an error entry; the other queries are still answered.
// Parameters:
//   - ctx: context for cancellation.
//   - mode: ion mode selecting the model.
//   - req: query batch and parameters.
//
// Returns:
//   - *PredictResponse: one result per query, in request order.
//   - error: BadRequest, ModelNotLoaded, or an I/O error of the reference store.
func (s *PredictionService) Predict(ctx context.Context, mode domain.IonMode, req *PredictRequest) (resp *PredictResponse, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = domain.KindOf(err).String()
		}
		s.metrics.Prediction(string(mode), status, time.Since(start))
	}()

	mzRange, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	loaded, err := s.predictors.Get(mode)
	if err != nil {
		return nil, err
	}
	ctx = logger.SetRunID(ctx, loaded.RunID)

	resp = &PredictResponse{Results: make([]QueryResult, len(req.Data))}
	failed := 0
	for i, raw := range req.Data {
		hits, err := s.predictOne(ctx, loaded.Predictor, i, raw, mzRange, req.Parameters)
		switch {
		case err == nil:
			resp.Results[i].Hits = hits
		case isQueryError(err):
			failed++
			resp.Results[i].Error = err.Error()
		default:
			return nil, err
		}
	}
	logger.With(logger.Fields{
		logger.FieldCount:      len(req.Data),
		logger.FieldIonMode:    mode,
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "Predicted %d queries, %d failed", len(req.Data), failed)
	return resp, nil
}

// isQueryError reports whether err concerns a single query rather than
// the service.
func isQueryError(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindBadRecord, domain.KindValidation, domain.KindBadRequest:
		return true
	}
	return false
}

func (s *PredictionService) predictOne(ctx context.Context, p predictor.Predictor, i int, data json.RawMessage, mzRange float64, params PredictParameters) ([]Hit, error) {
	var raw domain.RawSpectrum
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.BadRecord("parse query", err)
	}
	if raw.SpectrumID == "" {
		raw.SpectrumID = fmt.Sprintf("spectrum-%d", i)
	}
	if raw.IonMode == "" {
		raw.IonMode = string(p.IonMode())
	}
	query, err := predictor.Prepare(s.cleaner, raw)
	if err != nil {
		return nil, err
	}
	vec, err := p.Embed(query)
	if err != nil {
		return nil, err
	}

	// an empty window matches nothing
	if mzRange == 0 {
		s.metrics.CandidateSetSize(0)
		return []Hit{}, nil
	}
	mz := query.Metadata.PrecursorMZ
	var hits []Hit
	if s.cfg.SearchBackend == BackendQdrant {
		hits, err = s.searchIndex(ctx, p.IonMode(), vec, mz-mzRange, mz+mzRange, params.NBestSpectra)
	} else {
		hits, err = s.searchCache(ctx, p.IonMode(), vec, mz-mzRange, mz+mzRange)
	}
	if err != nil {
		return nil, err
	}
	hits = rank(hits, params.NBestSpectra)

	if params.IncludeMetadata && len(hits) > 0 {
		if err := s.attachMetadata(ctx, hits); err != nil {
			return nil, err
		}
	}
	return hits, nil
}

func (s *PredictionService) searchCache(ctx context.Context, mode domain.IonMode, vec []float32, minMZ, maxMZ float64) ([]Hit, error) {
	ids, err := s.cache.IDsInMZRange(ctx, minMZ, maxMZ)
	if err != nil {
		return nil, err
	}
	candidates, err := s.cache.ReadEmbeddings(ctx, mode, ids)
	if err != nil {
		return nil, err
	}
	s.metrics.CandidateSetSize(len(candidates))
	hits := make([]Hit, 0, len(candidates))
	for i := range candidates {
		hits = append(hits, Hit{
			SpectrumID: candidates[i].SpectrumID,
			Score:      similarity(domain.Cosine(vec, candidates[i].Vector)),
		})
	}
	return hits, nil
}

func (s *PredictionService) searchIndex(ctx context.Context, mode domain.IonMode, vec []float32, minMZ, maxMZ float64, limit int) ([]Hit, error) {
	if s.index == nil {
		return nil, domain.Permanent("search index", fmt.Errorf("search backend %q has no index configured", BackendQdrant))
	}
	matches, err := s.index.SearchRange(ctx, mode, vec, minMZ, maxMZ, limit)
	if err != nil {
		return nil, err
	}
	s.metrics.CandidateSetSize(len(matches))
	hits := make([]Hit, len(matches))
	for i, m := range matches {
		hits[i] = Hit{SpectrumID: m.SpectrumID, Score: similarity(m.Score)}
	}
	return hits, nil
}

// similarity clamps a cosine to the served score range [0, 1]. Opposed
// embeddings score 0 like unrelated ones.
func similarity(cos float64) float64 {
	return math.Max(0, math.Min(1, cos))
}

// rank orders hits by descending score, then ascending id, and keeps the
// first n.
func rank(hits []Hit, n int) []Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].SpectrumID < hits[j].SpectrumID
	})
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits
}

func (s *PredictionService) attachMetadata(ctx context.Context, hits []Hit) error {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.SpectrumID
	}
	spectra, err := s.cache.ReadSpectra(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[string]*domain.Metadata, len(spectra))
	for i := range spectra {
		byID[spectra[i].SpectrumID] = &spectra[i].Metadata
	}
	for i := range hits {
		hits[i].Metadata = byID[hits[i].SpectrumID]
	}
	return nil
}
