package registry

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/events"
	"github.com/timmy/ms2sim/internal/model"
	"github.com/timmy/ms2sim/internal/predictor"
	"github.com/timmy/ms2sim/internal/repository"
	"github.com/timmy/ms2sim/internal/storage"
)

type recordingPublisher struct {
	events.Noop
	got []events.ModelRegistered
}

func (p *recordingPublisher) PublishModelRegistered(_ context.Context, e events.ModelRegistered) error {
	p.got = append(p.got, e)
	return nil
}

func newRegistry(t *testing.T, root string, pub events.Publisher) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(dir, "registry.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	if root == "" {
		root = filepath.Join(dir, "mlruns")
	}
	fallback := filepath.Join(dir, "mlruns-local")
	reg := New(repository.NewRunRepository(db), storage.NewGateway(), config.RegistryConfig{
		ArtifactRoot:     root,
		LocalFallbackDir: fallback,
	}, pub)
	return reg, fallback
}

func spec2vecPredictor() *predictor.Spec2VecPredictor {
	return &predictor.Spec2VecPredictor{
		Model: model.NewWord2Vec(
			[]string{"peak@100.00", "peak@200.00"},
			[][]float32{{1, 0}, {0, 1}},
		),
		Mode:                     domain.IonModeNegative,
		NDecimals:                2,
		IntensityWeightingPower:  0.5,
		AllowedMissingPercentage: 5,
	}
}

func TestRegisterModel(t *testing.T) {
	pub := &recordingPublisher{}
	reg, _ := newRegistry(t, "", pub)
	ctx := context.Background()
	params := config.DefaultSpec2VecParams("small")

	res, err := reg.RegisterModel(ctx, "spec2vec", params, map[string]float64{"n_embeddings": 42}, spec2vecPredictor())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, ArtifactURI(reg.cfg.ArtifactRoot, res.ExperimentID, res.RunID), res.ArtifactURI)
	assert.EqualValues(t, 42, res.Metrics["n_embeddings"])
	assert.EqualValues(t, 25, res.Params["iterations"])

	require.Len(t, pub.got, 1)
	assert.Equal(t, res.RunID, pub.got[0].RunID)
	assert.Equal(t, model.KindSpec2Vec, pub.got[0].Kind)
	assert.Equal(t, domain.IonModeNegative, pub.got[0].IonMode)

	loaded, err := reg.LoadPredictor(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.KindSpec2Vec, loaded.Kind())
	assert.Equal(t, domain.IonModeNegative, loaded.IonMode())
	assert.Equal(t, 2, loaded.(*predictor.Spec2VecPredictor).NDecimals)

	manifest, err := reg.ReadManifest(ctx, res.ArtifactURI)
	require.NoError(t, err)
	assert.Contains(t, manifest.Packages, "github.com/timmy/ms2sim/internal/predictor")
	assert.Contains(t, manifest.Packages, "github.com/timmy/ms2sim/internal/model")

	exists, err := reg.gw.Exists(ctx, storage.Join(res.ArtifactURI, PredictorDir, environmentFile))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRegisterModelReusesExperiment(t *testing.T) {
	reg, _ := newRegistry(t, "", nil)
	ctx := context.Background()

	a, err := reg.RegisterModel(ctx, "spec2vec", nil, nil, spec2vecPredictor())
	require.NoError(t, err)
	b, err := reg.RegisterModel(ctx, "spec2vec", nil, nil, spec2vecPredictor())
	require.NoError(t, err)

	assert.Equal(t, a.ExperimentID, b.ExperimentID)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.NotEqual(t, a.ArtifactURI, b.ArtifactURI)
}

func TestLogModelFallsBackToLocalDirectory(t *testing.T) {
	reg, fallback := newRegistry(t, "s3://models/mlruns", nil)
	ctx := context.Background()

	res, err := reg.RegisterModel(ctx, "spec2vec", nil, nil, spec2vecPredictor())
	require.NoError(t, err)
	assert.Equal(t, ArtifactURI(fallback, res.ExperimentID, res.RunID), res.ArtifactURI)

	loaded, err := reg.LoadPredictor(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.KindSpec2Vec, loaded.Kind())
}

func TestRegisterModelMarksRunFailed(t *testing.T) {
	reg, _ := newRegistry(t, "s3://models/mlruns", nil)
	reg.cfg.LocalFallbackDir = ""
	ctx := context.Background()

	_, err := reg.RegisterModel(ctx, "spec2vec", nil, nil, spec2vecPredictor())
	require.Error(t, err)

	exp, err := reg.runs.EnsureExperiment(ctx, "spec2vec")
	require.NoError(t, err)
	runs, err := reg.runs.ListByExperiment(ctx, exp.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusFailed, runs[0].Status)
	assert.NotNil(t, runs[0].EndedAt)
}

func TestLoadPredictorErrors(t *testing.T) {
	reg, _ := newRegistry(t, "", nil)
	ctx := context.Background()

	_, err := reg.LoadPredictor(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPermanentIO)

	run, err := reg.StartRun(ctx, "spec2vec", nil)
	require.NoError(t, err)
	_, err = reg.LoadPredictor(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrPermanentIO)
}

func TestStartRunValidatesInput(t *testing.T) {
	reg, _ := newRegistry(t, "", nil)
	_, err := reg.StartRun(context.Background(), "", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = reg.StartRun(context.Background(), "spec2vec", "not an object")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLogMetricsSkipsNonFiniteValues(t *testing.T) {
	reg, _ := newRegistry(t, "", nil)
	ctx := context.Background()
	run, err := reg.StartRun(ctx, "ms2deepscore", nil)
	require.NoError(t, err)

	require.NoError(t, reg.LogMetrics(ctx, run.ID, map[string]float64{
		"validation_loss": math.NaN(),
		"train_loss":      0.5,
	}))
	res, err := reg.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.NotContains(t, res.Metrics, "validation_loss")
	assert.InDelta(t, 0.5, res.Metrics["train_loss"], 1e-12)
}
