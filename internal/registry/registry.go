package registry

import (
	"context"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/events"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/predictor"
	"github.com/timmy/ms2sim/internal/repository"
	"github.com/timmy/ms2sim/internal/storage"
)

// PredictorDir is the artifact subdirectory holding the predictor.
const PredictorDir = "predictor"

// Result is the registry entry of a finished run.
type Result struct {
	RunID        string         `json:"run_id"`
	ExperimentID string         `json:"experiment_id"`
	ArtifactURI  string         `json:"artifact_uri"`
	Metrics      domain.JSONMap `json:"metrics"`
	Params       domain.JSONMap `json:"params"`
}

// Registry records training runs and their model artifacts.
type Registry struct {
	runs   *repository.RunRepository
	gw     *storage.Gateway
	cfg    config.RegistryConfig
	events events.Publisher
}

// New creates a Registry. A nil publisher disables events.
func New(runs *repository.RunRepository, gw *storage.Gateway, cfg config.RegistryConfig, pub events.Publisher) *Registry {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Registry{runs: runs, gw: gw, cfg: cfg, events: pub}
}

// StartRun creates a run under experiment, reusing the experiment by name,
// and logs params.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - experiment: experiment name, usually the flow name.
//   - params: hyperparameters, any JSON-encodable value.
// Returns:
//   - *domain.Run: the new run in running state.
//   - error: non-nil if params cannot be encoded or the insert fails.
func (r *Registry) StartRun(ctx context.Context, experiment string, params interface{}) (*domain.Run, error) {
	if experiment == "" {
		return nil, domain.Invalid("start run", "experiment name is required")
	}
	flat, err := toJSONMap(params)
	if err != nil {
		return nil, domain.Invalid("start run", "encode params: %v", err)
	}
	exp, err := r.runs.EnsureExperiment(ctx, experiment)
	if err != nil {
		return nil, domain.Transient("ensure experiment", err)
	}
	run := &domain.Run{
		ID:           uuid.NewString(),
		ExperimentID: exp.ID,
		Status:       domain.RunStatusRunning,
		Params:       flat,
		Metrics:      domain.JSONMap{},
		StartedAt:    time.Now(),
	}
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, domain.Transient("create run", err)
	}
	logger.With(logger.Fields{logger.FieldRunID: run.ID}).
		Info(ctx, "Started run in experiment %s", experiment)
	return run, nil
}

// LogMetrics merges metrics into a run.
func (r *Registry) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	values := make(map[string]interface{}, len(metrics))
	for k, v := range metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			logger.CtxWarn(ctx, "Skipping non-finite metric %s", k)
			continue
		}
		values[k] = v
	}
	if err := r.runs.MergeMetrics(ctx, runID, values); err != nil {
		if repository.IsNotFound(err) {
			return domain.Permanent("log metrics", err)
		}
		return domain.Transient("log metrics", err)
	}
	return nil
}

// FinishRun sets the terminal status of a run and returns its entry.
func (r *Registry) FinishRun(ctx context.Context, runID string, status domain.RunStatus) (*Result, error) {
	if err := r.runs.Finish(ctx, runID, status); err != nil {
		if repository.IsNotFound(err) {
			return nil, domain.Permanent("finish run", err)
		}
		return nil, domain.Transient("finish run", err)
	}
	return r.Get(ctx, runID)
}

// Get returns the entry of a run.
func (r *Registry) Get(ctx context.Context, runID string) (*Result, error) {
	run, err := r.runs.GetByID(ctx, runID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, domain.Permanent("get run", err)
		}
		return nil, domain.Transient("get run", err)
	}
	return &Result{
		RunID:        run.ID,
		ExperimentID: run.ExperimentID,
		ArtifactURI:  run.ArtifactURI,
		Metrics:      run.Metrics,
		Params:       run.Params,
	}, nil
}

// RegisterModel runs a whole registration: StartRun followed by Complete.
func (r *Registry) RegisterModel(ctx context.Context, experiment string, params interface{}, metrics map[string]float64, p predictor.Predictor) (*Result, error) {
	run, err := r.StartRun(ctx, experiment, params)
	if err != nil {
		return nil, err
	}
	return r.Complete(ctx, run, metrics, p)
}

// Complete logs metrics and the predictor of a started run, finishes it and
// publishes model.registered. The run is marked failed when logging fails.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - run: run returned by StartRun.
//   - metrics: final metrics, may be nil.
//   - p: trained predictor.
// Returns:
//   - *Result: registry entry of the finished run.
//   - error: non-nil if any step fails.
func (r *Registry) Complete(ctx context.Context, run *domain.Run, metrics map[string]float64, p predictor.Predictor) (*Result, error) {
	ctx = logger.SetRunID(ctx, run.ID)
	if len(metrics) > 0 {
		if err := r.LogMetrics(ctx, run.ID, metrics); err != nil {
			return nil, r.Fail(ctx, run.ID, err)
		}
	}
	uri, err := r.LogModel(ctx, run.ID, p)
	if err != nil {
		return nil, r.Fail(ctx, run.ID, err)
	}
	res, err := r.FinishRun(ctx, run.ID, domain.RunStatusFinished)
	if err != nil {
		return nil, err
	}

	evt := events.ModelRegistered{
		RunID:        run.ID,
		ExperimentID: run.ExperimentID,
		Kind:         p.Kind(),
		IonMode:      p.IonMode(),
		ArtifactURI:  uri,
		OccurredAt:   time.Now().UTC(),
	}
	if err := r.events.PublishModelRegistered(ctx, evt); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to publish model.registered event")
	}
	logger.With(logger.Fields{
		logger.FieldIonMode: p.IonMode(),
	}).Info(ctx, "Registered %s model at %s", p.Kind(), uri)
	return res, nil
}

// Fail marks a run failed and returns cause.
func (r *Registry) Fail(ctx context.Context, runID string, cause error) error {
	if _, err := r.FinishRun(ctx, runID, domain.RunStatusFailed); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to mark run as failed")
	}
	return cause
}

// LoadPredictor restores the predictor logged for runID.
func (r *Registry) LoadPredictor(ctx context.Context, runID string) (predictor.Predictor, error) {
	res, err := r.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if res.ArtifactURI == "" {
		return nil, domain.Permanent("load predictor", errNoArtifacts(runID))
	}
	return predictor.Load(ctx, r.gw, storage.Join(res.ArtifactURI, PredictorDir))
}

func toJSONMap(v interface{}) (domain.JSONMap, error) {
	if v == nil {
		return domain.JSONMap{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := domain.JSONMap{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
