package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"go_market_core/services"
)

// HistoryController serves persisted execution and discrepancy history
type HistoryController struct {
	telemetry *services.TelemetryStore
	registry  *services.RegistryStore
}

// NewHistoryController creates a new history controller
func NewHistoryController(telemetry *services.TelemetryStore, registry *services.RegistryStore) *HistoryController {
	return &HistoryController{telemetry: telemetry, registry: registry}
}

// ListExecutions returns execution records, newest first
// GET /api/v1/history/executions?page=1&limit=50&job_id=&status=
func (hc *HistoryController) ListExecutions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobID := c.Query("job_id")
	status := c.Query("status")

	records, total, err := hc.telemetry.GetExecutionsPaginated(page, limit, jobID, status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load execution history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  records,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// ListDiscrepancies returns recorded fusion discrepancies, newest first
// GET /api/v1/history/discrepancies?page=1&limit=50&job_id=
func (hc *HistoryController) ListDiscrepancies(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobID := c.Query("job_id")

	events, total, err := hc.telemetry.GetDiscrepanciesPaginated(page, limit, jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load discrepancy history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  events,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// ListInstruments returns the tracked instrument set
// GET /api/v1/instruments
func (hc *HistoryController) ListInstruments(c *gin.Context) {
	if !hc.registry.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Registry store is not configured"})
		return
	}

	instruments, err := hc.registry.ListInstruments()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load instruments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": instruments, "count": len(instruments)})
}

// InstrumentSnapshots returns recent fused snapshots for one symbol
// GET /api/v1/instruments/:symbol/snapshots?limit=50
func (hc *HistoryController) InstrumentSnapshots(c *gin.Context) {
	if !hc.registry.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Registry store is not configured"})
		return
	}

	symbol := strings.ToUpper(c.Param("symbol"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	snapshots, err := hc.registry.RecentSnapshots(symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load snapshots"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snapshots, "symbol": symbol, "count": len(snapshots)})
}
