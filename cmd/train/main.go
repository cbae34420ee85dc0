// Package main provides the ms2sim-train CLI entry point.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/timmy/ms2sim/internal/logger"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	configPath  string
	localRun    bool
	metricsAddr string
)

func main() {
	envCfg := logger.LoadFromEnv()
	envCfg.ServiceName = "ms2sim-train"
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)

	if err := rootCmd.Execute(); err != nil {
		appLogger.WithError(err).Error("Command failed")
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

var rootCmd = &cobra.Command{
	Use:   "ms2sim-train",
	Short: "Train, register and deploy MS/MS spectral similarity models",
	Long: `ms2sim-train runs the Spec2Vec and MS2DeepScore training flows over a
GNPS library subset, registers the trained predictor and optionally deploys
it to the prediction API.

Every stage is checkpointed under the dataset directory, so rerunning a flow
only recomputes what changed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&localRun, "local", false, "Run with in-memory task state, an in-process cache and local artifacts")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	rootCmd.Version = Version
}
