package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/ms2sim/internal/api/handler"
	"github.com/timmy/ms2sim/internal/api/middleware"
	"github.com/timmy/ms2sim/internal/config"
	"github.com/timmy/ms2sim/internal/metrics"
	"github.com/timmy/ms2sim/internal/service"
)

// RouterConfig holds the collaborators of the HTTP API.
type RouterConfig struct {
	Prediction *service.PredictionService
	// Health is pinged by /health; nil reports ok unconditionally.
	Health  handler.Pinger
	Metrics *metrics.Metrics
	Server  config.ServerConfig
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg *RouterConfig) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.Server.CORS))

	healthHandler := handler.NewHealthHandler(cfg.Health)
	predictHandler := handler.NewPredictHandler(cfg.Prediction)
	adminHandler := handler.NewAdminHandler(cfg.Prediction)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/predict", predictHandler.Predict)

		admin := v1.Group("/admin")
		admin.GET("/models", adminHandler.ListModels)
		admin.POST("/models/reload", adminHandler.ReloadModel)
	}

	return r
}
