package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/deploy"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/predictor"
	"github.com/timmy/ms2sim/internal/registry"
	"github.com/timmy/ms2sim/internal/repository"
	"github.com/timmy/ms2sim/internal/source"
	"github.com/timmy/ms2sim/internal/storage"
)

type compound struct {
	inchi    string
	inchikey string
	smiles   string
}

var compounds = []compound{
	{"InChI=1S/C2H6O/c1-2-3/h3H,2H2,1H3", "LFQSCWFLJHTTHZ-UHFFFAOYSA-N", "CCO"},
	{"InChI=1S/CH4O/c1-2/h2H,1H3", "OKKJLVBELUTLKV-UHFFFAOYSA-N", "CO"},
	{"InChI=1S/C3H8O/c1-2-3-4/h4H,2-3H2,1H3", "BDERNNFJNOPAEC-UHFFFAOYSA-N", "CCCO"},
	{"InChI=1S/C2H4O2/c1-2(3)4/h1H3,(H,3,4)", "QTBSBXVTEAMEQO-UHFFFAOYSA-N", "CC(=O)O"},
	{"InChI=1S/C6H6/c1-2-4-6-5-3-1/h1-6H", "UHOVQNZJYSORNB-UHFFFAOYSA-N", "c1ccccc1"},
	{"InChI=1S/C3H6O/c1-3(2)4/h1-2H3", "CSCPPACGZOOCGX-UHFFFAOYSA-N", "CC(C)=O"},
}

const negativeID = "CCMSLIB99999999"

// writeLibrary writes a small library of positive spectra, one per
// compound, plus one negative spectrum that the positive flows ignore.
func writeLibrary(t *testing.T, dir string) {
	t.Helper()
	writeLibraryWith(t, dir, "[[60,1],[80,2],[100,3],[120,4],[140,5]]")
}

// writeLibraryWith is writeLibrary with the peaks of the negative spectrum.
func writeLibraryWith(t *testing.T, dir, negativePeaks string) {
	t.Helper()
	records := make([]map[string]interface{}, 0, len(compounds)+1)
	for i, c := range compounds {
		peaks := make([][2]float64, 0, 6)
		for j := 0; j < 6; j++ {
			peaks = append(peaks, [2]float64{float64(50 + 40*j + 10*(i%3)), float64(100 * (j + 1))})
		}
		raw, err := json.Marshal(peaks)
		require.NoError(t, err)
		records = append(records, map[string]interface{}{
			"spectrum_id":     fmt.Sprintf("CCMSLIB%08d", i),
			"peaks_json":      string(raw),
			"Precursor_MZ":    fmt.Sprint(100 + 20*i),
			"Ion_Mode":        "Positive",
			"INCHI":           c.inchi,
			"InChIKey_inchi":  c.inchikey,
			"Smiles":          c.smiles,
			"Compound_Name":   fmt.Sprintf("compound %d", i),
			"Instrument":      "Orbitrap",
			"Charge":          "1",
		})
	}
	records = append(records, map[string]interface{}{
		"spectrum_id":  negativeID,
		"peaks_json":   negativePeaks,
		"Precursor_MZ": "150",
		"Ion_Mode":     "Negative",
	})
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, source.FileNames["small"]), data, 0o644))
}

type fakeDeployer struct {
	got []deploy.Request
}

func (d *fakeDeployer) Deploy(_ context.Context, req deploy.Request) (deploy.Result, error) {
	d.got = append(d.got, req)
	return deploy.Result{Name: deploy.Name(req.Kind, req.IonMode), Namespace: "test", Created: true}, nil
}

type flowFixture struct {
	deps     FlowDeps
	deployer *fakeDeployer
	mr       *miniredis.Miniredis
	root     string
	libDir   string
	dataDir  string
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	dir := t.TempDir()
	libDir := filepath.Join(dir, "library")
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	writeLibrary(t, libDir)

	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(dir, "registry.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)

	gw := storage.NewGateway()
	c, mr := newTestCache(t)
	reg := registry.New(repository.NewRunRepository(db), gw, config.RegistryConfig{
		ArtifactRoot: filepath.Join(dir, "mlruns"),
	}, nil)
	d := &fakeDeployer{}
	return &flowFixture{
		deps: FlowDeps{
			Ingest: NewIngestService(&IngestConfig{
				Gateway: gw,
				Source:  source.Chain{source.NewLocalDirectory(libDir)},
				Cache:   c,
			}),
			Gateway:    gw,
			Cache:      c,
			Embeddings: NewEmbeddingStore(c, nil),
			Registry:   reg,
			Deploy:     NewDeployService(d),
		},
		deployer: d,
		mr:       mr,
		root:     dir,
		libDir:   libDir,
		dataDir:  filepath.Join(dir, "data"),
	}
}

// positiveIDs are the ids writeLibrary gives the compounds.
func positiveIDs() []string {
	ids := make([]string, len(compounds))
	for i := range compounds {
		ids[i] = fmt.Sprintf("CCMSLIB%08d", i)
	}
	return ids
}

func smallSpec2VecParams(dataDir string) config.Spec2VecParams {
	p := config.DefaultSpec2VecParams("small")
	p.DatasetDirectory = dataDir
	p.ChunkSize = 600
	p.SpectrumIDsChunkSize = 3
	p.Iterations = 2
	p.Window = 5
	p.VectorSize = 8
	p.NegativeSamples = 2
	return p
}

func TestSpec2VecFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	fx := newFlowFixture(t)
	params := smallSpec2VecParams(fx.dataDir)
	params.Deploy = true

	e, rec := newTestEngine(t)
	res, err := NewSpec2VecFlow(fx.deps).Run(ctx, e, params)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, int64(len(compounds)), res.Embeddings)
	assert.Equal(t, "ms2sim-spec2vec-positive", res.Deployment)
	assert.Equal(t, float64(len(compounds)), res.Metrics["n_embeddings"])
	require.Len(t, fx.deployer.got, 1)
	assert.Equal(t, res.RunID, fx.deployer.got[0].RunID)

	for _, task := range []string{"DownloadData", "CreateChunks", "CleanRawSpectra[0]", "SaveRawSpectra[0]",
		"CreateDocuments[0]", "CacheDocuments[0]", "TrainWord2Vec", "MakeEmbeddings[0]", "PublishEmbeddings",
		"RegisterModel", "DeployModel"} {
		run, ok := rec.Task(task)
		require.True(t, ok, task)
		assert.Equal(t, domain.TaskSucceeded, run.State, task)
	}

	embeddings, err := fx.deps.Cache.ReadEmbeddings(ctx, domain.IonModePositive, []string{"CCMSLIB00000000", negativeID})
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	assert.Equal(t, res.RunID, embeddings[0].RunID)
	assert.Equal(t, compounds[0].inchikey, embeddings[0].InChIKey)
	assert.Len(t, embeddings[0].Vector, params.VectorSize)

	p, err := fx.deps.Registry.LoadPredictor(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.IonModePositive, p.IonMode())
	s2v, ok := p.(*predictor.Spec2VecPredictor)
	require.True(t, ok)
	assert.Equal(t, params.NDecimals, s2v.NDecimals)
}

func TestSpec2VecFlowReusesCheckpoints(t *testing.T) {
	ctx := context.Background()
	fx := newFlowFixture(t)
	params := smallSpec2VecParams(fx.dataDir)

	e, _ := newTestEngine(t)
	first, err := NewSpec2VecFlow(fx.deps).Run(ctx, e, params)
	require.NoError(t, err)

	e, rec := newTestEngine(t)
	second, err := NewSpec2VecFlow(fx.deps).Run(ctx, e, params)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	for _, task := range []string{"DownloadData", "CleanRawSpectra[0]", "CreateDocuments[0]", "TrainWord2Vec"} {
		run, ok := rec.Task(task)
		require.True(t, ok, task)
		assert.True(t, run.Cached, task)
	}
	run, ok := rec.Task("RegisterModel")
	require.True(t, ok)
	assert.False(t, run.Cached)
}

func TestSpec2VecFlowRejectsInvalidParams(t *testing.T) {
	fx := newFlowFixture(t)
	params := smallSpec2VecParams(fx.dataDir)
	params.DatasetID = "huge"

	e, _ := newTestEngine(t)
	_, err := NewSpec2VecFlow(fx.deps).Run(context.Background(), e, params)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFlowFailsWithoutSpectraOfMode(t *testing.T) {
	fx := newFlowFixture(t)
	lib := filepath.Join(fx.libDir, source.FileNames["small"])
	require.NoError(t, os.WriteFile(lib, []byte(`[{"spectrum_id":"p1","peaks_json":"[[60,1],[80,2],[100,3],[120,4],[140,5]]","Precursor_MZ":"150","Ion_Mode":"Positive"}]`), 0o644))

	params := smallSpec2VecParams(fx.dataDir)
	params.IonMode = domain.IonModeNegative

	e, rec := newTestEngine(t)
	_, err := NewSpec2VecFlow(fx.deps).Run(context.Background(), e, params)
	assert.ErrorIs(t, err, domain.ErrValidation)

	run, ok := rec.Task("CreateChunks")
	require.True(t, ok)
	assert.Equal(t, domain.TaskAborted, run.State)
	_, ok = rec.Task("TrainWord2Vec")
	assert.False(t, ok)
}

func smallMS2DeepScoreParams(dataDir string) config.MS2DeepScoreParams {
	p := config.DefaultMS2DeepScoreParams("small")
	p.DatasetDirectory = dataDir
	p.SpectrumBinnerNBins = 990
	p.FingerprintNBits = 256
	p.TrainRatio = 0.6
	p.ValidationRatio = 0.2
	p.TestRatio = 0.2
	p.Epochs = 2
	p.BatchSize = 2
	p.BaseDims = []int{8}
	p.EmbeddingDim = 4
	p.Dropout = 0
	return p
}

func TestMS2DeepScoreFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	fx := newFlowFixture(t)

	params := smallMS2DeepScoreParams(fx.dataDir)

	e, rec := newTestEngine(t)
	res, err := NewMS2DeepScoreFlow(fx.deps).Run(ctx, e, params)
	require.NoError(t, err)

	assert.Equal(t, int64(len(compounds)), res.Embeddings)
	assert.Empty(t, res.Deployment)
	assert.Contains(t, res.Metrics, "validation_loss")
	assert.Contains(t, res.Metrics, "test_loss")
	assert.Greater(t, res.Metrics["input_dim"], 0.0)

	for _, task := range []string{"ProcessSpectrum", "CacheBinnedSpectra", "CalculateTanimotoScore", "TrainSiamese"} {
		run, ok := rec.Task(task)
		require.True(t, ok, task)
		assert.Equal(t, domain.TaskSucceeded, run.State, task)
	}

	layout := NewLayout(params.FlowParams)
	for _, p := range []string{
		layout.Binned(params.FlowParams),
		layout.Binner(params.FlowParams),
		layout.TanimotoScores(params.FlowParams),
		layout.Model(params.FlowParams, predictor.MS2DeepScoreFile),
	} {
		ok, err := fx.deps.Gateway.Exists(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}

	binned, err := fx.deps.Cache.ReadBinnedSpectra(ctx, domain.IonModePositive, []string{"CCMSLIB00000001"})
	require.NoError(t, err)
	require.Len(t, binned, 1)

	embeddings, err := fx.deps.Cache.ReadEmbeddings(ctx, domain.IonModePositive, []string{"CCMSLIB00000001"})
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	assert.Len(t, embeddings[0].Vector, params.EmbeddingDim)
}

// runNegativeSpec2Vec trains on the single negative spectrum, whose peaks
// lie inside the positive vocabulary, leaving its document in the cache.
func runNegativeSpec2Vec(t *testing.T, fx *flowFixture) {
	t.Helper()
	writeLibraryWith(t, fx.libDir, "[[60,1],[100,2],[140,3],[180,4],[220,5]]")
	params := smallSpec2VecParams(fx.dataDir)
	params.IonMode = domain.IonModeNegative

	e, _ := newTestEngine(t)
	res, err := NewSpec2VecFlow(fx.deps).Run(context.Background(), e, params)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Embeddings)
}

func TestSpec2VecFlowsKeepIonModesApart(t *testing.T) {
	ctx := context.Background()
	fx := newFlowFixture(t)
	runNegativeSpec2Vec(t, fx)

	e, _ := newTestEngine(t)
	res, err := NewSpec2VecFlow(fx.deps).Run(ctx, e, smallSpec2VecParams(fx.dataDir))
	require.NoError(t, err)
	assert.Equal(t, int64(len(compounds)), res.Embeddings)

	positive, err := fx.deps.Cache.ListEmbeddingIDs(ctx, domain.IonModePositive)
	require.NoError(t, err)
	assert.Equal(t, positiveIDs(), positive)

	negative, err := fx.deps.Cache.ListEmbeddingIDs(ctx, domain.IonModeNegative)
	require.NoError(t, err)
	assert.Equal(t, []string{negativeID}, negative)
}

func TestMS2DeepScoreFlowKeepsIonModesApart(t *testing.T) {
	ctx := context.Background()
	fx := newFlowFixture(t)
	runNegativeSpec2Vec(t, fx)

	// a binned entry the positive library does not contain
	require.NoError(t, fx.deps.Cache.WriteBinnedSpectra(ctx, domain.IonModePositive, []domain.BinnedSpectrum{
		{SpectrumID: negativeID, InChIKey: "AAAAAAAAAAAAAA-BBBBBBBBBB-N", Bins: []int32{0}, Intensities: []float32{1}},
	}))

	e, _ := newTestEngine(t)
	res, err := NewMS2DeepScoreFlow(fx.deps).Run(ctx, e, smallMS2DeepScoreParams(fx.dataDir))
	require.NoError(t, err)
	assert.Equal(t, int64(len(compounds)), res.Embeddings)
	assert.Equal(t, float64(len(compounds)), res.Metrics["n_cleaned"])

	positive, err := fx.deps.Cache.ListEmbeddingIDs(ctx, domain.IonModePositive)
	require.NoError(t, err)
	assert.Equal(t, positiveIDs(), positive)

	negative, err := fx.deps.Cache.ListEmbeddingIDs(ctx, domain.IonModeNegative)
	require.NoError(t, err)
	assert.Equal(t, []string{negativeID}, negative)
}

func TestFailedRegistrationKeepsServedEmbeddings(t *testing.T) {
	ctx := context.Background()
	fx := newFlowFixture(t)
	live := []domain.Embedding{{SpectrumID: "old", RunID: "run-0", Vector: []float32{1}}}
	require.NoError(t, fx.deps.Cache.WriteEmbeddings(ctx, domain.IonModePositive, live))
	// the artifact root cannot be created
	require.NoError(t, os.WriteFile(filepath.Join(fx.root, "mlruns"), nil, 0o644))

	e, rec := newTestEngine(t)
	_, err := NewSpec2VecFlow(fx.deps).Run(ctx, e, smallSpec2VecParams(fx.dataDir))
	require.Error(t, err)

	run, ok := rec.Task("RegisterModel")
	require.True(t, ok)
	assert.Equal(t, domain.TaskAborted, run.State)
	_, ok = rec.Task("PublishEmbeddings")
	assert.False(t, ok)

	ids, err := fx.deps.Cache.ListEmbeddingIDs(ctx, domain.IonModePositive)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	staged := fx.deps.Cache.Keys().Embeddings(domain.IonModePositive) + "_"
	for _, key := range fx.mr.Keys() {
		assert.False(t, strings.HasPrefix(key, staged), key)
	}
}
