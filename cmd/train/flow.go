package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
)

// flowFlags are the flags shared by both training commands.
type flowFlags struct {
	ionMode  string
	schedule int
}

func (f *flowFlags) register(cmd *cobra.Command, p *config.FlowParams) {
	fs := cmd.Flags()
	fs.StringVar(&f.ionMode, "ion-mode", string(domain.IonModePositive), "Ion mode to train on (positive or negative)")
	fs.IntVar(&f.schedule, "schedule", 0, "Rerun the flow every N days; 0 runs once")
	fs.StringVar(&p.DatasetDirectory, "dataset-directory", "", "Directory for downloaded and intermediate data (default from config)")
	fs.StringVar(&p.FlowName, "flow-name", "", "Experiment name in the model registry (default: model kind)")
	fs.Int64Var(&p.ChunkSize, "chunk-size", p.ChunkSize, "Bytes of library records per chunk")
	fs.BoolVar(&p.SaveRawSpectra, "save-raw-spectra", p.SaveRawSpectra, "Write cleaned spectra to the spectrum cache")
	fs.IntVar(&p.SpectrumIDsChunkSize, "spectrum-ids-chunk-size", p.SpectrumIDsChunkSize, "Spectrum ids per embedding task")
	fs.BoolVar(&p.Deploy, "deploy", false, "Deploy the registered model to the prediction API")
}

// apply copies flag values that need parsing or config defaults into p.
func (f *flowFlags) apply(cfg *config.Config, p *config.FlowParams) {
	p.IonMode = domain.IonMode(f.ionMode)
	if p.DatasetDirectory == "" {
		p.DatasetDirectory = cfg.Datasets.Directory
	}
	p.Local = localRun
}

// runFlow loads the config, wires the app and runs fn once or on the
// flow's schedule until interrupted.
func runFlow(cmd *cobra.Command, flags *flowFlags, params *config.FlowParams, validate func() error, fn func(ctx context.Context, a *app) (interface{}, error)) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	flags.apply(cfg, params)
	if err := validate(); err != nil {
		return err
	}
	if flags.schedule < 0 {
		return domain.Invalid("schedule", "schedule must be a non-negative number of days, got %d", flags.schedule)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, localRun)
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics(ctx, metricsAddr)

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldDatasetID: params.DatasetID,
		logger.FieldIonMode:   params.IonMode,
	})
	once := func(ctx context.Context) error {
		start := time.Now()
		res, err := fn(ctx, a)
		if err != nil {
			return err
		}
		logger.With(logger.Fields{
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
		}).Info(ctx, "Flow %s finished", cmd.Name())
		return printJSON(cmd, res)
	}
	if flags.schedule == 0 {
		return once(ctx)
	}
	return runScheduled(ctx, time.Duration(flags.schedule)*24*time.Hour, once)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
