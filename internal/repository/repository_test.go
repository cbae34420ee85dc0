package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
)

func testDB(t *testing.T) *RunRepository {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "registry.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	return NewRunRepository(db)
}

func TestEnsureExperimentReusesByName(t *testing.T) {
	repo := testDB(t)
	ctx := context.Background()

	a, err := repo.EnsureExperiment(ctx, "spec2vec")
	require.NoError(t, err)
	b, err := repo.EnsureExperiment(ctx, "spec2vec")
	require.NoError(t, err)
	c, err := repo.EnsureExperiment(ctx, "ms2deepscore")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestRunLifecycle(t *testing.T) {
	repo := testDB(t)
	ctx := context.Background()
	exp, err := repo.EnsureExperiment(ctx, "spec2vec")
	require.NoError(t, err)

	run := &domain.Run{
		ID:           "run-1",
		ExperimentID: exp.ID,
		Status:       domain.RunStatusRunning,
		Params:       domain.JSONMap{"iterations": 25},
		StartedAt:    time.Now(),
	}
	require.NoError(t, repo.Create(ctx, run))
	require.NoError(t, repo.MergeMetrics(ctx, "run-1", map[string]interface{}{"val_loss": 0.25}))
	require.NoError(t, repo.MergeMetrics(ctx, "run-1", map[string]interface{}{"n_embeddings": 10}))
	require.NoError(t, repo.Finish(ctx, "run-1", domain.RunStatusFinished))

	got, err := repo.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFinished, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.InDelta(t, 0.25, got.Metrics["val_loss"], 1e-12)
	assert.EqualValues(t, 10, got.Metrics["n_embeddings"])
	assert.EqualValues(t, 25, got.Params["iterations"])

	runs, err := repo.ListByExperiment(ctx, exp.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	assert.True(t, IsNotFound(repo.Finish(ctx, "missing", domain.RunStatusFailed)))
	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestTaskRunRepositoryRecordsTransitions(t *testing.T) {
	repo := NewTaskRunRepository(testDB(t).db)
	ctx := context.Background()

	run := &domain.TaskRun{ID: "t1", FlowRunID: "f1", Flow: "spec2vec", Task: "CreateChunks", State: domain.TaskPending}
	require.NoError(t, repo.Record(ctx, run))
	run.State = domain.TaskRunning
	run.Attempts = 1
	require.NoError(t, repo.Record(ctx, run))
	run.State = domain.TaskSucceeded
	require.NoError(t, repo.Record(ctx, run))
	require.NoError(t, repo.Record(ctx, &domain.TaskRun{ID: "t2", FlowRunID: "f1", Flow: "spec2vec", Task: "TrainWord2Vec", State: domain.TaskAborted}))

	runs, err := repo.ListByFlowRun(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	byID := map[string]domain.TaskRun{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.Equal(t, domain.TaskSucceeded, byID["t1"].State)
	assert.Equal(t, 1, byID["t1"].Attempts)

	counts, err := repo.CountByState(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.TaskState]int64{domain.TaskSucceeded: 1, domain.TaskAborted: 1}, counts)
}

type fakePoints struct {
	pb.PointsClient
	upserts []*pb.UpsertPoints
	search  *pb.SearchPoints
	result  []*pb.ScoredPoint
}

func (f *fakePoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.upserts = append(f.upserts, in)
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakePoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	f.search = in
	return &pb.SearchResponse{Result: f.result}, nil
}

type fakeCollections struct {
	pb.CollectionsClient
	deleted []string
	created []*pb.CreateCollection
}

func (f *fakeCollections) Delete(_ context.Context, in *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	f.deleted = append(f.deleted, in.CollectionName)
	return &pb.CollectionOperationResponse{}, nil
}

func (f *fakeCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	f.created = append(f.created, in)
	return &pb.CollectionOperationResponse{}, nil
}

func TestEmbeddingIndexReplace(t *testing.T) {
	points, collections := &fakePoints{}, &fakeCollections{}
	idx := NewEmbeddingIndexWithClients(points, collections, "test")

	embeddings := make([]domain.Embedding, upsertBatchSize+1)
	for i := range embeddings {
		embeddings[i] = domain.Embedding{SpectrumID: fmt.Sprintf("CCMSLIB%08d", i), Vector: []float32{1, 0, 0}}
	}
	err := idx.Replace(context.Background(), domain.IonModePositive, embeddings, map[string]float64{})
	require.NoError(t, err)

	assert.Equal(t, []string{"test_embeddings_positive"}, collections.deleted)
	require.Len(t, collections.created, 1)
	assert.Equal(t, uint64(3), collections.created[0].GetVectorsConfig().GetParams().GetSize())
	require.Len(t, points.upserts, 2)
	assert.Len(t, points.upserts[1].Points, 1)
}

func TestEmbeddingIndexReplaceRejectsMixedDimensions(t *testing.T) {
	idx := NewEmbeddingIndexWithClients(&fakePoints{}, &fakeCollections{}, "test")
	err := idx.Replace(context.Background(), domain.IonModeNegative, []domain.Embedding{
		{SpectrumID: "a", Vector: []float32{1, 0}},
		{SpectrumID: "b", Vector: []float32{1}},
	}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEmbeddingIndexSearchRange(t *testing.T) {
	points := &fakePoints{result: []*pb.ScoredPoint{{
		Score:   0.9,
		Payload: map[string]*pb.Value{"spectrum_id": {Kind: &pb.Value_StringValue{StringValue: "CCMSLIB1"}}},
	}}}
	idx := NewEmbeddingIndexWithClients(points, &fakeCollections{}, "")

	got, err := idx.SearchRange(context.Background(), domain.IonModePositive, []float32{1}, 99, 101, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "CCMSLIB1", got[0].SpectrumID)
	assert.InDelta(t, 0.9, got[0].Score, 1e-6)

	r := points.search.GetFilter().GetMust()[0].GetField().GetRange()
	assert.Equal(t, 99.0, r.GetGte())
	assert.Equal(t, 101.0, r.GetLte())
	assert.Equal(t, "ms2sim_embeddings_positive", points.search.CollectionName)

	none, err := idx.SearchRange(context.Background(), domain.IonModePositive, []float32{1}, 101, 99, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPointIDIsStable(t *testing.T) {
	assert.Equal(t, PointID("CCMSLIB00000001"), PointID("CCMSLIB00000001"))
	assert.NotEqual(t, PointID("CCMSLIB00000001"), PointID("CCMSLIB00000002"))
}
