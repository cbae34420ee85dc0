package service

import (
	"context"

	"github.com/timmy/ms2sim/internal/cache"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/deploy"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/pipeline"
	"github.com/timmy/ms2sim/internal/predictor"
	"github.com/timmy/ms2sim/internal/registry"
	"github.com/timmy/ms2sim/internal/storage"
)

// FlowDeps are the collaborators of the training flows. Deploy may be nil.
type FlowDeps struct {
	Ingest     *IngestService
	Gateway    *storage.Gateway
	Cache      *cache.SpectrumCache
	Embeddings *EmbeddingStore
	Registry   *registry.Registry
	Deploy     *DeployService
}

// FlowResult is the outcome of a training flow.
type FlowResult struct {
	registry.Result
	Embeddings int64  `json:"n_embeddings"`
	Deployment string `json:"deployment,omitempty"`
}

func experimentName(params config.FlowParams, kind string) string {
	if params.FlowName != "" {
		return params.FlowName
	}
	return kind
}

// finish stages embeddings, registers the predictor, publishes the staged
// embeddings and deploys when requested. The live embeddings of the ion mode
// change only once the run is registered. run is marked failed if staging
// fails.
func finish(ctx context.Context, e *pipeline.Engine, deps FlowDeps, params config.FlowParams, run *domain.Run, p predictor.Predictor, chunks [][]string, embed embedFunc, metrics map[string]float64) (*FlowResult, error) {
	ctx = logger.SetRunID(ctx, run.ID)
	staged, err := deps.Embeddings.StageEmbeddings(ctx, e, params.IonMode, run.ID, chunks, embed)
	if err != nil {
		return nil, deps.Registry.Fail(ctx, run.ID, err)
	}
	metrics["n_embeddings"] = float64(staged)

	res, err := pipeline.Run(ctx, e, pipeline.TaskSpec{
		Name:  "RegisterModel",
		Retry: &pipeline.RetryPolicy{},
	}, func(ctx context.Context) (*registry.Result, error) {
		return deps.Registry.Complete(ctx, run, metrics, p)
	})
	if err != nil {
		deps.Embeddings.Discard(ctx, params.IonMode, run.ID)
		return nil, err
	}
	n, err := deps.Embeddings.Publish(ctx, e, params.IonMode, run.ID)
	if err != nil {
		return nil, err
	}
	out := &FlowResult{Result: *res, Embeddings: n}

	if params.Deploy {
		if deps.Deploy == nil {
			logger.CtxWarn(ctx, "Deployment requested but no deployer is configured")
			return out, nil
		}
		d, err := deps.Deploy.DeployModel(ctx, e, deploy.Request{
			RunID:     res.RunID,
			IonMode:   params.IonMode,
			DatasetID: params.DatasetID,
			Kind:      p.Kind(),
		})
		if err != nil {
			return out, err
		}
		out.Deployment = d.Name
	}
	return out, nil
}
