package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"go_market_core/models"
	"go_market_core/services/fusion"
	"go_market_core/services/quality"
)

// FusionController lets callers dry-run the fusion pipeline on supplied
// readings without touching any provider
type FusionController struct {
	engine *fusion.Engine
	scorer *quality.Scorer
}

// NewFusionController creates a new fusion controller
func NewFusionController(engine *fusion.Engine, scorer *quality.Scorer) *FusionController {
	return &FusionController{engine: engine, scorer: scorer}
}

// PreviewFusion scores the supplied readings and fuses them
// POST /api/v1/fusion/preview
func (fc *FusionController) PreviewFusion(c *gin.Context) {
	var request struct {
		QuantityID string `json:"quantity_id" binding:"required"`
		Strategy   string `json:"strategy"`
		Readings   []struct {
			Provider     string          `json:"provider" binding:"required"`
			Value        decimal.Decimal `json:"value"`
			ObservedAt   *time.Time      `json:"observed_at"`
			LatencyMs    int64           `json:"latency_ms"`
			Completeness *float64        `json:"completeness"`
		} `json:"readings" binding:"required"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	scored := make([]models.ScoredReading, 0, len(request.Readings))
	for _, in := range request.Readings {
		observedAt := now
		if in.ObservedAt != nil {
			observedAt = *in.ObservedAt
		}
		completeness := 1.0
		if in.Completeness != nil {
			completeness = *in.Completeness
		}

		reading := models.SourceReading{
			Provider:     in.Provider,
			QuantityID:   request.QuantityID,
			Value:        in.Value,
			ObservedAt:   observedAt,
			Latency:      time.Duration(in.LatencyMs) * time.Millisecond,
			Completeness: completeness,
		}
		scored = append(scored, models.ScoredReading{
			Reading: reading,
			Score:   fc.scorer.Score(reading),
		})
	}

	fused, err := fc.engine.Fuse(request.QuantityID, scored, request.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"fused":  fused,
		"scored": scored,
	}})
}
