package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/service"
)

var (
	ms2dsParams = config.DefaultMS2DeepScoreParams("")
	ms2dsFlags  flowFlags
)

func init() {
	rootCmd.AddCommand(ms2deepscoreCmd)

	ms2dsFlags.register(ms2deepscoreCmd, &ms2dsParams.FlowParams)
	fs := ms2deepscoreCmd.Flags()
	fs.IntVar(&ms2dsParams.FingerprintNBits, "fingerprint-n-bits", ms2dsParams.FingerprintNBits, "Bits of the structural fingerprint")
	fs.IntVar(&ms2dsParams.ScoresDecimals, "scores-decimals", ms2dsParams.ScoresDecimals, "Decimals kept in the Tanimoto score matrix")
	fs.IntVar(&ms2dsParams.SpectrumBinnerNBins, "spectrum-binner-n-bins", ms2dsParams.SpectrumBinnerNBins, "Number of m/z bins")
	fs.Float64Var(&ms2dsParams.PeakScaling, "peak-scaling", ms2dsParams.PeakScaling, "Exponent applied to binned intensities")
	fs.Float64Var(&ms2dsParams.AllowedMissingPercentage, "allowed-missing-percentage", ms2dsParams.AllowedMissingPercentage, "Maximum weighted percentage of peaks in unknown bins")
	fs.Float64Var(&ms2dsParams.TrainRatio, "train-ratio", ms2dsParams.TrainRatio, "Share of InChIKey prefixes used for training")
	fs.Float64Var(&ms2dsParams.ValidationRatio, "validation-ratio", ms2dsParams.ValidationRatio, "Share of InChIKey prefixes used for validation")
	fs.Float64Var(&ms2dsParams.TestRatio, "test-ratio", ms2dsParams.TestRatio, "Share of InChIKey prefixes held out for testing")
	fs.IntVar(&ms2dsParams.Epochs, "epochs", ms2dsParams.Epochs, "Training epochs")
	fs.IntVar(&ms2dsParams.BatchSize, "batch-size", ms2dsParams.BatchSize, "Pairs per training batch")
	fs.Float64Var(&ms2dsParams.LearningRate, "learning-rate", ms2dsParams.LearningRate, "Adam learning rate")
	fs.IntSliceVar(&ms2dsParams.BaseDims, "base-dims", ms2dsParams.BaseDims, "Hidden layer sizes of the base network")
	fs.IntVar(&ms2dsParams.EmbeddingDim, "embedding-dim", ms2dsParams.EmbeddingDim, "Embedding dimension")
	fs.Float64Var(&ms2dsParams.Dropout, "dropout", ms2dsParams.Dropout, "Dropout rate of hidden layers")
	fs.Int64Var(&ms2dsParams.Seed, "seed", ms2dsParams.Seed, "Random seed")
}

var ms2deepscoreCmd = &cobra.Command{
	Use:   "ms2deepscore <dataset_id>",
	Short: "Train and register an MS2DeepScore model",
	Long: `Download and clean a GNPS library subset, bin the spectra, compute
Tanimoto targets between structures, train the Siamese network and register
the resulting predictor.

dataset_id is one of small, small_500, 10k or complete.`,
	Args: cobra.ExactArgs(1),
	RunE: runMS2DeepScore,
}

func runMS2DeepScore(cmd *cobra.Command, args []string) error {
	ms2dsParams.DatasetID = args[0]
	return runFlow(cmd, &ms2dsFlags, &ms2dsParams.FlowParams, ms2dsParams.Validate,
		func(ctx context.Context, a *app) (interface{}, error) {
			return service.NewMS2DeepScoreFlow(a.deps).Run(ctx, a.engine("ms2deepscore"), ms2dsParams)
		})
}
