package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/deploy"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/model"
)

var deployFlags struct {
	ionMode   string
	datasetID string
	kind      string
	params    map[string]string
}

func init() {
	rootCmd.AddCommand(deployCmd)

	fs := deployCmd.Flags()
	fs.StringVar(&deployFlags.ionMode, "ion-mode", string(domain.IonModePositive), "Ion mode the model serves")
	fs.StringVar(&deployFlags.datasetID, "dataset-id", "", "Dataset the model was trained on")
	fs.StringVar(&deployFlags.kind, "kind", model.KindSpec2Vec, "Model kind (spec2vec or ms2deepscore)")
	fs.StringToStringVar(&deployFlags.params, "param", nil, "Inference hyperparameter passed to the server as KEY=VALUE; repeatable")
}

var deployCmd = &cobra.Command{
	Use:   "deploy-model <model_run_id>",
	Short: "Deploy a registered model to the prediction API",
	Long: `Create or replace the prediction API deployment of a model kind and ion
mode so that it serves the given registry run.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	mode, err := domain.ParseIonMode(deployFlags.ionMode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, localRun)
	if err != nil {
		return err
	}
	defer a.Close()

	runID := args[0]
	ctx = logger.SetRunID(ctx, runID)
	// the run must exist before a server is pointed at it
	if _, err := a.registry.Get(ctx, runID); err != nil {
		return err
	}

	res, err := a.deps.Deploy.DeployModel(ctx, a.engine("deploy-model"), deploy.Request{
		RunID:     runID,
		IonMode:   mode,
		DatasetID: deployFlags.datasetID,
		Kind:      deployFlags.kind,
		Params:    deployFlags.params,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}
