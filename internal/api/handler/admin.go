package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/predictor"
	"github.com/timmy/ms2sim/internal/service"
)

// AdminHandler handles model administration.
type AdminHandler struct {
	predictionService *service.PredictionService
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - predictionService: prediction service whose models are managed.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(predictionService *service.PredictionService) *AdminHandler {
	return &AdminHandler{
		predictionService: predictionService,
	}
}

// ReloadRequest represents the reload API request.
type ReloadRequest struct {
	RunID string `json:"run_id" binding:"required"`
}

// ModelInfo describes a served model.
type ModelInfo struct {
	RunID   string `json:"run_id"`
	Kind    string `json:"kind"`
	IonMode string `json:"ion_mode"`
}

// ModelsResponse represents the list models API response.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

func modelInfo(l predictor.Loaded) ModelInfo {
	return ModelInfo{
		RunID:   l.RunID,
		Kind:    l.Predictor.Kind(),
		IonMode: string(l.Predictor.IonMode()),
	}
}

// ListModels handles GET /api/v1/admin/models.
func (h *AdminHandler) ListModels(c *gin.Context) {
	loaded := h.predictionService.Models()
	resp := ModelsResponse{Models: make([]ModelInfo, 0, len(loaded))}
	for _, l := range loaded {
		resp.Models = append(resp.Models, modelInfo(l))
	}
	c.JSON(http.StatusOK, resp)
}

// ReloadModel handles POST /api/v1/admin/models/reload. The run's
// predictor replaces the one served for its ion mode.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) ReloadModel(c *gin.Context) {
	var req ReloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	ctx := logger.SetRunID(c.Request.Context(), req.RunID)
	loaded, err := h.predictionService.LoadModel(ctx, req.RunID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, modelInfo(loaded))
}
