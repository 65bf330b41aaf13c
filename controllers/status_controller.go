package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"go_market_core/models"
	"go_market_core/scheduler"
	"go_market_core/services"
	"go_market_core/services/governor"
	"go_market_core/services/providers"
	"go_market_core/services/quality"
)

// StatusController aggregates the pull-based status of every subsystem
type StatusController struct {
	core     *scheduler.Core
	gov      *governor.Governor
	scorer   *quality.Scorer
	pool     *providers.Registry
	stream   *services.EventStream
	registry *services.RegistryStore
	archive  *services.ArchiveClient
}

// NewStatusController creates a new status controller
func NewStatusController(core *scheduler.Core, gov *governor.Governor, scorer *quality.Scorer, pool *providers.Registry, stream *services.EventStream, registry *services.RegistryStore, archive *services.ArchiveClient) *StatusController {
	return &StatusController{
		core:     core,
		gov:      gov,
		scorer:   scorer,
		pool:     pool,
		stream:   stream,
		registry: registry,
		archive:  archive,
	}
}

// GetStatus returns one aggregate view of scheduler, providers, event
// stream and storage health
// GET /api/v1/status
func (sc *StatusController) GetStatus(c *gin.Context) {
	names := sc.pool.Providers()
	providerStatuses := make([]models.ProviderStatus, 0, len(names))
	for _, name := range names {
		health := sc.pool.State(name)
		if health == "healthy" && sc.gov.BackoffActive(name) {
			health = "backoff"
		}
		providerStatuses = append(providerStatuses, models.ProviderStatus{
			Provider:   name,
			RateLimit:  sc.gov.Status(name),
			Reputation: sc.scorer.Reputation(name),
			Health:     health,
		})
	}

	storage := gin.H{
		"registry_enabled": sc.registry.Enabled(),
	}
	if sc.archive != nil {
		storage["archive"] = sc.archive.GetConnectionStatus()
	}

	response := gin.H{
		"scheduler": sc.core.Status(),
		"providers": providerStatuses,
		"storage":   storage,
	}
	if sc.stream != nil {
		response["events"] = sc.stream.GetStatus()
	}

	c.JSON(http.StatusOK, gin.H{"data": response})
}
