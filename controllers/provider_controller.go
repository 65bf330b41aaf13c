package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"go_market_core/models"
	"go_market_core/services/governor"
	"go_market_core/services/providers"
	"go_market_core/services/quality"
)

// ProviderController exposes per-provider rate limit and quality state
type ProviderController struct {
	gov    *governor.Governor
	scorer *quality.Scorer
	pool   *providers.Registry
}

// NewProviderController creates a new provider controller
func NewProviderController(gov *governor.Governor, scorer *quality.Scorer, pool *providers.Registry) *ProviderController {
	return &ProviderController{gov: gov, scorer: scorer, pool: pool}
}

// ListProviders returns status for every known provider
// GET /api/v1/providers
func (pc *ProviderController) ListProviders(c *gin.Context) {
	names := pc.pool.Providers()
	statuses := make([]models.ProviderStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, pc.providerStatus(name))
	}
	c.JSON(http.StatusOK, gin.H{"data": statuses, "count": len(statuses)})
}

// GetProvider returns status for one provider
// GET /api/v1/providers/:id
func (pc *ProviderController) GetProvider(c *gin.Context) {
	name := c.Param("id")

	found := false
	for _, known := range pc.pool.Providers() {
		if known == name {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pc.providerStatus(name)})
}

func (pc *ProviderController) providerStatus(name string) models.ProviderStatus {
	health := pc.pool.State(name)
	if health == "healthy" && pc.gov.BackoffActive(name) {
		health = "backoff"
	}
	return models.ProviderStatus{
		Provider:   name,
		RateLimit:  pc.gov.Status(name),
		Reputation: pc.scorer.Reputation(name),
		Health:     health,
	}
}
