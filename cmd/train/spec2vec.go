package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/service"
)

var (
	spec2vecParams = config.DefaultSpec2VecParams("")
	spec2vecFlags  flowFlags
)

func init() {
	rootCmd.AddCommand(spec2vecCmd)

	spec2vecFlags.register(spec2vecCmd, &spec2vecParams.FlowParams)
	fs := spec2vecCmd.Flags()
	fs.IntVar(&spec2vecParams.Iterations, "iterations", spec2vecParams.Iterations, "Word2Vec training epochs")
	fs.IntVar(&spec2vecParams.NDecimals, "n-decimals", spec2vecParams.NDecimals, "Decimals of peak words")
	fs.IntVar(&spec2vecParams.Window, "window", spec2vecParams.Window, "Word2Vec context window")
	fs.Float64Var(&spec2vecParams.LearningRate, "learning-rate", spec2vecParams.LearningRate, "Initial Word2Vec learning rate")
	fs.IntVar(&spec2vecParams.VectorSize, "vector-size", spec2vecParams.VectorSize, "Embedding dimension")
	fs.IntVar(&spec2vecParams.NegativeSamples, "negative-samples", spec2vecParams.NegativeSamples, "Negative samples per positive pair")
	fs.Float64Var(&spec2vecParams.IntensityWeightingPower, "intensity-weighting-power", spec2vecParams.IntensityWeightingPower, "Exponent applied to peak intensities when embedding")
	fs.Float64Var(&spec2vecParams.AllowedMissingPercentage, "allowed-missing-percentage", spec2vecParams.AllowedMissingPercentage, "Maximum weighted percentage of unknown peak words")
	fs.Int64Var(&spec2vecParams.Seed, "seed", spec2vecParams.Seed, "Random seed")
}

var spec2vecCmd = &cobra.Command{
	Use:   "spec2vec <dataset_id>",
	Short: "Train and register a Spec2Vec model",
	Long: `Download and clean a GNPS library subset, build peak documents, train
Word2Vec on them and register the resulting predictor. Reference embeddings
are published to the spectrum cache under the new run id.

dataset_id is one of small, small_500, 10k or complete.`,
	Args: cobra.ExactArgs(1),
	RunE: runSpec2Vec,
}

func runSpec2Vec(cmd *cobra.Command, args []string) error {
	spec2vecParams.DatasetID = args[0]
	return runFlow(cmd, &spec2vecFlags, &spec2vecParams.FlowParams, spec2vecParams.Validate,
		func(ctx context.Context, a *app) (interface{}, error) {
			return service.NewSpec2VecFlow(a.deps).Run(ctx, a.engine("spec2vec"), spec2vecParams)
		})
}
