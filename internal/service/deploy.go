package service

import (
	"context"

	"github.com/timmy/ms2sim/internal/deploy"
	"github.com/timmy/ms2sim/internal/pipeline"
)

// ModelDeployer applies a serving deployment.
type ModelDeployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

// DeployService runs deployments as flow tasks.
type DeployService struct {
	deployer ModelDeployer
}

// NewDeployService creates a DeployService.
func NewDeployService(d ModelDeployer) *DeployService {
	return &DeployService{deployer: d}
}

// DeployModel deploys the predictor of req.RunID. Deployments are never
// checkpointed.
func (s *DeployService) DeployModel(ctx context.Context, e *pipeline.Engine, req deploy.Request) (deploy.Result, error) {
	return pipeline.Run(ctx, e, pipeline.TaskSpec{Name: "DeployModel"}, func(ctx context.Context) (deploy.Result, error) {
		return s.deployer.Deploy(ctx, req)
	})
}
