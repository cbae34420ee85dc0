package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/timmy/ms2sim/internal/cache"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/deploy"
	"github.com/timmy/ms2sim/internal/events"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/metrics"
	"github.com/timmy/ms2sim/internal/pipeline"
	"github.com/timmy/ms2sim/internal/registry"
	"github.com/timmy/ms2sim/internal/repository"
	"github.com/timmy/ms2sim/internal/service"
	"github.com/timmy/ms2sim/internal/source"
	"github.com/timmy/ms2sim/internal/storage"
)

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg      *config.Config
	local    bool
	db       *gorm.DB
	gateway  *storage.Gateway
	cache    *cache.SpectrumCache
	registry *registry.Registry
	recorder pipeline.Recorder
	metrics  *metrics.Metrics
	deps     service.FlowDeps
	closers  []func() error
}

// newApp wires the training stack from cfg. A local app keeps task state
// in memory, runs the spectrum cache in process and writes artifacts to the
// local fallback directory.
func newApp(ctx context.Context, cfg *config.Config, local bool) (*app, error) {
	a := &app{cfg: cfg, local: local}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	if local {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = filepath.Join(cfg.Registry.LocalFallbackDir, "registry.db")
		cfg.Registry.ArtifactRoot = cfg.Registry.LocalFallbackDir
	}
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	var stores []storage.ObjectStorage
	if !local && cfg.Storage.Bucket != "" {
		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		stores = append(stores, store)
	}
	a.gateway = storage.NewGateway(stores...)

	factory, err := a.cacheFactory()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, factory.Close)
	a.cache = cache.New(factory, cache.Keys{Namespace: cfg.Redis.Namespace, Project: cfg.Redis.Project}, cfg.Redis.BatchSize)
	if err := a.cache.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("spectrum cache unreachable: %w", err)
	}

	var index *repository.EmbeddingIndex
	if !local && cfg.Qdrant.Enabled {
		index, err = repository.NewEmbeddingIndex(&repository.QdrantConnectionConfig{
			Host:             cfg.Qdrant.Host,
			Port:             cfg.Qdrant.Port,
			CollectionPrefix: cfg.Qdrant.CollectionPrefix,
			APIKey:           cfg.Qdrant.APIKey,
			UseTLS:           cfg.Qdrant.UseTLS,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init qdrant: %w", err)
		}
		a.closers = append(a.closers, index.Close)
	}

	var publisher events.Publisher = events.Noop{}
	if !local {
		publisher = events.New(cfg.Kafka)
	}
	a.closers = append(a.closers, publisher.Close)
	a.registry = registry.New(repository.NewRunRepository(db), a.gateway, cfg.Registry, publisher)

	if local {
		a.recorder = pipeline.NewMemoryRecorder()
	} else {
		a.recorder = repository.NewTaskRunRepository(db)
	}

	a.deps = service.FlowDeps{
		Ingest: service.NewIngestService(&service.IngestConfig{
			Gateway: a.gateway,
			Downloader: storage.NewDownloader(a.gateway, storage.DownloadConfig{
				BlockSize: cfg.Pipeline.DownloadBlockSize,
				Retries:   cfg.Pipeline.DownloadRetries,
				Freshness: cfg.Pipeline.DownloadFreshness,
			}),
			Source: source.Chain{
				source.NewLocalDirectory(cfg.Datasets.Directory),
				source.NewGNPSLibrary(cfg.Datasets.BaseURL),
			},
			Cache:   a.cache,
			Metrics: a.metrics,
		}),
		Gateway:    a.gateway,
		Cache:      a.cache,
		Embeddings: service.NewEmbeddingStore(a.cache, index),
		Registry:   a.registry,
		Deploy:     service.NewDeployService(lazyDeployer{cfg: cfg.Deploy}),
	}
	return a, nil
}

func (a *app) cacheFactory() (*cache.Factory, error) {
	if !a.local {
		return cache.NewFactory(a.cfg.Redis), nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start in-process cache: %w", err)
	}
	a.closers = append(a.closers, func() error {
		mr.Close()
		return nil
	})
	logger.Info("Local run: in-process spectrum cache on %s", mr.Addr())
	return cache.NewFactoryFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), nil
}

// engine creates the pipeline engine of one flow run.
func (a *app) engine(flow string) *pipeline.Engine {
	return pipeline.NewEngine(flow, a.cfg.Pipeline, a.gateway, a.recorder, a.metrics)
}

// serveMetrics exposes the collectors on addr until ctx ends.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" || a.metrics == nil {
		return
	}
	srv := &http.Server{Addr: addr, Handler: a.metrics.Handler()}
	go func() {
		logger.Info("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Close failed: %v", err)
		}
	}
	a.closers = nil
}

// lazyDeployer connects to the cluster on first use, so flows that never
// deploy run without cluster credentials.
type lazyDeployer struct {
	cfg config.DeployConfig
}

func (d lazyDeployer) Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error) {
	deployer, err := deploy.NewFromConfig(d.cfg)
	if err != nil {
		return deploy.Result{}, err
	}
	return deployer.Deploy(ctx, req)
}
