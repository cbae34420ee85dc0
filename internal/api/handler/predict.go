package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/timmy/ms2sim/internal/domain"
	"github.com/timmy/ms2sim/internal/logger"
	"github.com/timmy/ms2sim/internal/service"
)

// PredictHandler serves similarity predictions.
type PredictHandler struct {
	predictionService *service.PredictionService
}

// NewPredictHandler creates a new predict handler.
// Parameters:
//   - predictionService: prediction service instance.
// Returns:
//   - *PredictHandler: initialized handler.
func NewPredictHandler(predictionService *service.PredictionService) *PredictHandler {
	return &PredictHandler{
		predictionService: predictionService,
	}
}

// Predict handles POST /api/v1/predict?ion_mode=positive|negative. The
// ion_mode query may be omitted while a single model is served.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response keyed by query index).
func (h *PredictHandler) Predict(c *gin.Context) {
	mode, err := h.ionMode(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		abortWithError(c, domain.BadRequestf("predict", "read body: %v", err))
		return
	}
	var req service.PredictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		abortWithError(c, domain.BadRequestf("predict", "invalid request: %v", err))
		return
	}

	ctx := logger.WithFields(c.Request.Context(), logger.Fields{logger.FieldIonMode: mode})
	resp, err := h.predictionService.Predict(ctx, mode, &req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

func (h *PredictHandler) ionMode(c *gin.Context) (domain.IonMode, error) {
	raw, ok := c.GetQuery("ion_mode")
	if !ok {
		return h.predictionService.DefaultIonMode()
	}
	mode, err := domain.ParseIonMode(raw)
	if err != nil {
		return "", domain.BadRequestf("predict", "%v", err)
	}
	return mode, nil
}
