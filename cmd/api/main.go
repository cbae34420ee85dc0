package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/ms2sim/internal/api"
	"github.com/timmy/ms2sim/internal/cache"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/metrics"
	"github.com/timmy/ms2sim/internal/registry"
	"github.com/timmy/ms2sim/internal/repository"
	"github.com/timmy/ms2sim/internal/service"
	"github.com/timmy/ms2sim/internal/storage"
)

func main() {
	envCfg := logger.LoadFromEnv()
	envCfg.ServiceName = "ms2sim-api"
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	ionMode := flag.String("ion-mode", "", "Serve only this ion mode's configured model")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *ionMode != "" {
		mode, err := domain.ParseIonMode(*ionMode)
		if err != nil {
			appLogger.WithError(err).Fatal("Invalid ion mode")
		}
		// a deployment pins one mode; drop the other's run id
		if mode == domain.IonModePositive {
			cfg.Serving.NegativeRunID = ""
		} else {
			cfg.Serving.PositiveRunID = ""
		}
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	var stores []storage.ObjectStorage
	if cfg.Storage.Bucket != "" {
		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize storage")
		}
		stores = append(stores, store)
	}
	gateway := storage.NewGateway(stores...)

	factory := cache.NewFactory(cfg.Redis)
	defer factory.Close()
	spectra := cache.New(factory, cache.Keys{Namespace: cfg.Redis.Namespace, Project: cfg.Redis.Project}, cfg.Redis.BatchSize)

	var index *repository.EmbeddingIndex
	if cfg.Qdrant.Enabled {
		index, err = repository.NewEmbeddingIndex(&repository.QdrantConnectionConfig{
			Host:             cfg.Qdrant.Host,
			Port:             cfg.Qdrant.Port,
			CollectionPrefix: cfg.Qdrant.CollectionPrefix,
			APIKey:           cfg.Qdrant.APIKey,
			UseTLS:           cfg.Qdrant.UseTLS,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize Qdrant index")
		}
		defer index.Close()
	} else if cfg.Serving.SearchBackend == service.BackendQdrant {
		appLogger.Fatal("serving.search_backend is qdrant but qdrant is disabled")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	predictionService := service.NewPredictionService(&service.PredictionConfig{
		Cache:    spectra,
		Index:    index,
		Registry: registry.New(repository.NewRunRepository(db), gateway, cfg.Registry, nil),
		Metrics:  m,
		Serving:  cfg.Serving,
	})

	ctx := context.Background()
	if err := predictionService.LoadConfigured(ctx); err != nil {
		// the admin reload endpoint can still bring a model in
		appLogger.WithError(err).Error("Failed to load configured models")
	}

	router := api.SetupRouter(&api.RouterConfig{
		Prediction: predictionService,
		Health:     spectra,
		Metrics:    m,
		Server:     cfg.Server,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
