package routes

import (
	"github.com/gin-gonic/gin"

	"go_market_core/admin"
	"go_market_core/controllers"
	"go_market_core/middleware"
	"go_market_core/scheduler"
	"go_market_core/services"
	"go_market_core/services/analysis"
	"go_market_core/services/fusion"
	"go_market_core/services/governor"
	"go_market_core/services/providers"
	"go_market_core/services/quality"
)

// Deps carries the initialized subsystems the route handlers close over.
type Deps struct {
	Core      *scheduler.Core
	Catalog   *analysis.Catalog
	Governor  *governor.Governor
	Scorer    *quality.Scorer
	Engine    *fusion.Engine
	Pool      *providers.Registry
	Registry  *services.RegistryStore
	Telemetry *services.TelemetryStore
	Archive   *services.ArchiveClient
	Stream    *services.EventStream

	JWTSecret         string
	AdminUsername     string
	AdminPasswordHash string
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Deps) {
	// Initialize controllers
	jobController := controllers.NewJobController(deps.Core, deps.Catalog, deps.Registry, deps.Telemetry)
	providerController := controllers.NewProviderController(deps.Governor, deps.Scorer, deps.Pool)
	historyController := controllers.NewHistoryController(deps.Telemetry, deps.Registry)
	fusionController := controllers.NewFusionController(deps.Engine, deps.Scorer)
	statusController := controllers.NewStatusController(deps.Core, deps.Governor, deps.Scorer, deps.Pool, deps.Stream, deps.Registry, deps.Archive)

	// Initialize admin controller
	adminController := admin.NewAdminController(deps.Core, deps.Governor, deps.Scorer, deps.JWTSecret, deps.AdminUsername, deps.AdminPasswordHash)

	// API v1 group
	api := router.Group("/api/v1")
	{
		// Job routes
		jobs := api.Group("/jobs")
		{
			jobs.GET("", jobController.ListJobs)
			jobs.POST("", jobController.RegisterJob)
			jobs.GET("/:id", jobController.GetJob)
			jobs.DELETE("/:id", jobController.UnregisterJob)
			jobs.POST("/:id/pause", jobController.PauseJob)
			jobs.POST("/:id/resume", jobController.ResumeJob)
			jobs.POST("/:id/run", jobController.RunJobNow)
		}

		// Job catalog routes
		catalog := api.Group("/catalog")
		{
			catalog.GET("/types", jobController.ListJobTypes)
		}

		// Aggregate status
		api.GET("/status", statusController.GetStatus)

		// Provider routes
		providerRoutes := api.Group("/providers")
		{
			providerRoutes.GET("", providerController.ListProviders)
			providerRoutes.GET("/:id", providerController.GetProvider)
		}

		// Fusion routes
		fusionRoutes := api.Group("/fusion")
		{
			fusionRoutes.POST("/preview", fusionController.PreviewFusion)
		}

		// History routes
		history := api.Group("/history")
		{
			history.GET("/executions", historyController.ListExecutions)
			history.GET("/discrepancies", historyController.ListDiscrepancies)
		}

		// Instrument routes
		instruments := api.Group("/instruments")
		{
			instruments.GET("", historyController.ListInstruments)
			instruments.GET("/:symbol/snapshots", historyController.InstrumentSnapshots)
		}
	}

	// Execution event stream
	router.GET("/ws/events", func(c *gin.Context) {
		deps.Stream.HandleWebSocket(c.Writer, c.Request)
	})

	// Admin API routes
	adminRoutes := router.Group("/admin")
	{
		adminRoutes.POST("/login", middleware.LoginRateLimitMiddleware(), adminController.Login)

		authorized := adminRoutes.Group("")
		authorized.Use(middleware.JWTAuthMiddleware(deps.JWTSecret))
		{
			authorized.GET("/overview", adminController.GetOverview)

			// Admin actions
			actions := authorized.Group("/actions")
			{
				actions.POST("/reset-reputation", adminController.ResetReputation)
				actions.POST("/reset-governor", adminController.ResetGovernor)
				actions.POST("/sync-archive", adminController.SyncArchive)
			}
		}
	}
}
