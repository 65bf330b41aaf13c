package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go_market_core/models"
	"go_market_core/scheduler"
	"go_market_core/services"
	"go_market_core/services/analysis"
)

// JobController handles job registration and lifecycle requests
type JobController struct {
	core      *scheduler.Core
	catalog   *analysis.Catalog
	registry  *services.RegistryStore
	telemetry *services.TelemetryStore
}

// NewJobController creates a new job controller
func NewJobController(core *scheduler.Core, catalog *analysis.Catalog, registry *services.RegistryStore, telemetry *services.TelemetryStore) *JobController {
	return &JobController{
		core:      core,
		catalog:   catalog,
		registry:  registry,
		telemetry: telemetry,
	}
}

// ListJobs returns every registered job's status
// GET /api/v1/jobs
func (jc *JobController) ListJobs(c *gin.Context) {
	statuses := jc.core.JobStatuses()
	c.JSON(http.StatusOK, gin.H{"data": statuses, "count": len(statuses)})
}

// GetJob returns one job's status
// GET /api/v1/jobs/:id
func (jc *JobController) GetJob(c *gin.Context) {
	status, err := jc.core.JobStatus(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

// RegisterJob registers a catalog job
// POST /api/v1/jobs
func (jc *JobController) RegisterJob(c *gin.Context) {
	var request struct {
		ID                  string          `json:"id"`
		Name                string          `json:"name" binding:"required"`
		Type                string          `json:"type" binding:"required"`
		Params              json.RawMessage `json:"params"`
		IntervalSeconds     int             `json:"interval_seconds" binding:"required"`
		ConcurrencyEligible *bool           `json:"concurrency_eligible"`
		MaxAttempts         int             `json:"max_attempts"`
		BaseBackoffSeconds  int             `json:"base_backoff_seconds"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if request.ID == "" {
		request.ID = uuid.New().String()
	}
	concurrencyEligible := true
	if request.ConcurrencyEligible != nil {
		concurrencyEligible = *request.ConcurrencyEligible
	}

	def := models.JobDefinition{
		ID:                  request.ID,
		Name:                request.Name,
		Type:                request.Type,
		Params:              string(request.Params),
		IntervalSeconds:     request.IntervalSeconds,
		ConcurrencyEligible: concurrencyEligible,
		Retry: models.RetryPolicy{
			MaxAttempts:        request.MaxAttempts,
			BaseBackoffSeconds: request.BaseBackoffSeconds,
		},
	}

	runner, err := jc.catalog.Build(def)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := jc.core.Register(def, runner); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jc.persistJobRecord(def)

	status, _ := jc.core.JobStatus(def.ID)
	c.JSON(http.StatusCreated, gin.H{"data": status})
}

// UnregisterJob removes a job
// DELETE /api/v1/jobs/:id
func (jc *JobController) UnregisterJob(c *gin.Context) {
	id := c.Param("id")

	if err := jc.core.Unregister(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	if err := jc.registry.DeleteJobRecord(id); err != nil {
		log.Warn().Str("job_id", id).Err(err).Msg("Failed to delete job record")
	}
	jc.persistPauseState()

	c.JSON(http.StatusOK, gin.H{"message": "Job unregistered successfully"})
}

// PauseJob parks a job until resumed
// POST /api/v1/jobs/:id/pause
func (jc *JobController) PauseJob(c *gin.Context) {
	id := c.Param("id")

	if err := jc.core.Pause(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	if err := jc.registry.SetJobPaused(id, true); err != nil {
		log.Warn().Str("job_id", id).Err(err).Msg("Failed to persist paused flag")
	}
	jc.persistPauseState()

	status, _ := jc.core.JobStatus(id)
	c.JSON(http.StatusOK, gin.H{"data": status})
}

// ResumeJob makes a paused job due immediately
// POST /api/v1/jobs/:id/resume
func (jc *JobController) ResumeJob(c *gin.Context) {
	id := c.Param("id")

	if err := jc.core.Resume(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	if err := jc.registry.SetJobPaused(id, false); err != nil {
		log.Warn().Str("job_id", id).Err(err).Msg("Failed to persist paused flag")
	}
	jc.persistPauseState()

	status, _ := jc.core.JobStatus(id)
	c.JSON(http.StatusOK, gin.H{"data": status})
}

// RunJobNow queues a job for the next tick
// POST /api/v1/jobs/:id/run
func (jc *JobController) RunJobNow(c *gin.Context) {
	id := c.Param("id")

	if err := jc.core.RunNow(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Job queued for immediate run"})
}

// ListJobTypes returns the catalog's buildable job types
// GET /api/v1/catalog/types
func (jc *JobController) ListJobTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": jc.catalog.Types()})
}

// persistJobRecord mirrors a definition into the registry store.
func (jc *JobController) persistJobRecord(def models.JobDefinition) {
	record := models.JobRecord{
		ID:                  def.ID,
		Name:                def.Name,
		Type:                def.Type,
		Params:              def.Params,
		IntervalSeconds:     def.IntervalSeconds,
		ConcurrencyEligible: def.ConcurrencyEligible,
		MaxAttempts:         def.Retry.MaxAttempts,
		BaseBackoffSeconds:  def.Retry.BaseBackoffSeconds,
	}
	if err := jc.registry.SaveJobRecord(record); err != nil {
		log.Warn().Str("job_id", def.ID).Err(err).Msg("Failed to save job record")
	}
}

// persistPauseState keeps the locally stored paused set current so a
// restart can re-park the same jobs.
func (jc *JobController) persistPauseState() {
	if jc.telemetry == nil {
		return
	}

	var paused []string
	for _, status := range jc.core.JobStatuses() {
		if status.Paused {
			paused = append(paused, status.ID)
		}
	}
	if err := jc.telemetry.SavePausedJobs(paused); err != nil {
		log.Warn().Err(err).Msg("Failed to persist paused jobs")
	}
}
