package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go_market_core/config"
	"go_market_core/models"
	"go_market_core/routes"
	"go_market_core/scheduler"
	"go_market_core/services"
	"go_market_core/services/analysis"
	"go_market_core/services/fusion"
	"go_market_core/services/governor"
	"go_market_core/services/market"
	"go_market_core/services/providers"
	"go_market_core/services/quality"
)

// coreInitialized tracks whether background initialization completed.
// Guarded by coreInitMutex so the /ready probe can read it from request
// goroutines.
var coreInitialized bool
var coreInitMutex sync.RWMutex

// application holds the initialized subsystems shutdown has to drain.
type application struct {
	cfg *config.Config

	mu          sync.Mutex
	core        *scheduler.Core
	maintenance *scheduler.Maintenance
	bus         *scheduler.EventBus
	scorer      *quality.Scorer
}

func main() {
	setupLogging()

	log.Info().Msg("==============================================")
	log.Info().Msg("  Market Data Core - Starting...")
	log.Info().Msg("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Warn().Err(err).Msg("Config load issue")
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create Gin router
	router := gin.New()

	// Add middlewares
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	// Setup health check endpoints FIRST so the platform can detect the
	// service is up. Storage comes up in the background.
	setupHealthEndpoints(router)

	// Create HTTP server with timeouts suited to container platforms
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server immediately so readiness probes find a listener
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Server listening")
		log.Info().Msg("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Initialize storage, scheduler and routes in background
	app := &application{cfg: cfg}
	go app.initialize(router)

	// Graceful shutdown
	gracefulShutdown(server, app)
}

// initialize brings up storage, builds the scheduling pipeline and
// registers the API routes. On local telemetry failure the service stays
// in limited mode with health endpoints only.
func (app *application) initialize(router *gin.Engine) {
	cfg := app.cfg

	if err := services.InitTelemetry(cfg.TelemetryDBPath); err != nil {
		log.Error().Err(err).Msg("Local telemetry store failed to open")
		log.Error().Msg("Service will continue in limited mode (health check only)")
		return
	}

	if err := services.InitArchiveClient(); err != nil {
		log.Warn().Err(err).Msg("Archive mirror not available")
	}

	// The Postgres registry is optional; without it job definitions,
	// history and admin accounts live only in local storage.
	var registryDB *gorm.DB
	if cfg.DBPassword != "" {
		db, err := config.InitDB()
		if err != nil {
			log.Error().Err(err).Msg("Registry database connection failed, continuing without it")
		} else {
			registryDB = db
		}
	} else {
		log.Info().Msg("DB_PASSWORD not set, registry database disabled")
	}
	if err := services.InitRegistry(registryDB); err != nil {
		log.Error().Err(err).Msg("Registry migration failed, continuing without registry")
		_ = services.InitRegistry(nil)
	}

	if services.GlobalRegistry.Enabled() {
		if err := models.SeedAdminUser(registryDB, cfg.AdminUsername, cfg.AdminPasswordHash); err != nil {
			log.Warn().Err(err).Msg("Could not seed admin user")
		}
	}

	// Quality scorer with persisted reputations
	scorer := quality.NewScorer(quality.Config{
		FreshnessWeight:    cfg.FreshnessWeight,
		CompletenessWeight: cfg.CompletenessWeight,
		ReputationWeight:   cfg.ReputationWeight,
		LatencyWeight:      cfg.LatencyWeight,
		MaxStaleness:       time.Duration(cfg.MaxStalenessSecs) * time.Second,
		SnapshotPath:       cfg.ReputationSnapshotPath,
	})
	if err := scorer.LoadSnapshot(); err != nil {
		log.Info().Msg("No reputation snapshot found, starting fresh")
	}

	// Rate limit governor, configured per provider
	gov := governor.NewGovernor(governor.Config{
		Limits: models.ProviderLimits{
			PerMinute: cfg.PerMinuteLimit,
			PerSecond: cfg.PerSecondLimit,
			Burst:     cfg.BurstCapacity,
		},
		BackoffBase:       time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		BackoffCap:        time.Duration(cfg.BackoffCapMs) * time.Millisecond,
		AdmissionAttempts: cfg.AdmissionAttempts,
		AdmissionMaxWait:  time.Duration(cfg.AdmissionMaxWaitMs) * time.Millisecond,
	})

	pool := providers.NewDefaultRegistry()
	for _, provider := range pool.Providers() {
		gov.Configure(provider, models.ProviderLimits{
			PerMinute: cfg.PerMinuteLimit,
			PerSecond: cfg.PerSecondLimit,
			Burst:     cfg.BurstCapacity,
		})
	}

	engine := fusion.NewEngine(fusion.Config{
		MinQuality:        cfg.MinQuality,
		ConsensusFraction: cfg.ConsensusFraction,
		ToleranceRatio:    cfg.ToleranceRatio,
	})

	// Market monitor: trading calendar plus index volatility tracker
	calendar := market.NewCalendar(cfg.MarketOpenHour, cfg.MarketCloseHour, cfg.MarketTimezone)
	tracker := market.NewTracker(cfg.VolatilityWindow, cfg.VolatilityScale)
	monitor := market.NewMonitor(calendar, tracker)

	bus := scheduler.NewEventBus(256)
	recorder := services.NewCoreRecorder(services.GlobalTelemetry, services.GlobalRegistry, services.GlobalArchive)

	core := scheduler.NewCore(scheduler.Config{
		Tick:             time.Duration(cfg.TickSeconds) * time.Second,
		MinInterval:      time.Duration(cfg.MinIntervalSeconds) * time.Second,
		MaxConcurrent:    cfg.MaxConcurrentJobs,
		ExecutionTimeout: time.Duration(cfg.ExecutionTimeoutSecs) * time.Second,
		Cooldown:         time.Duration(cfg.CooldownSeconds) * time.Second,
		Adaptive: scheduler.AdaptiveConfig{
			SlowThreshold:       time.Duration(cfg.SlowExecutionSeconds) * time.Second,
			SlowFactor:          cfg.SlowFactor,
			VolatilityThreshold: cfg.VolatilityThreshold,
			VolatilityFactor:    cfg.VolatilityFactor,
			ClosedFactor:        cfg.ClosedFactor,
			ClosedFloor:         time.Duration(cfg.ClosedFloorSeconds) * time.Second,
			MinInterval:         time.Duration(cfg.MinIntervalSeconds) * time.Second,
		},
	}, scheduler.Deps{
		Governor: gov,
		Scorer:   scorer,
		Fusion:   engine,
		Pool:     pool,
		Market:   monitor,
		Bus:      bus,
		Recorder: recorder,
	})

	catalog := analysis.NewCatalog(services.GlobalRegistry, tracker)

	restored := restoreJobs(core, catalog)
	if restored == 0 && cfg.SeedDefaultJobs {
		seedDefaultJobs(core, catalog, cfg)
	}
	repauseJobs(core)

	if err := core.Start(); err != nil {
		log.Error().Err(err).Msg("Scheduler failed to start")
	}

	// Periodic maintenance: reputation snapshots, archive flush,
	// telemetry retention
	retention := time.Duration(cfg.TelemetryRetentionDays) * 24 * time.Hour
	maintenance := scheduler.NewMaintenance(services.GlobalTelemetry, scorer, services.GlobalArchive, retention)
	maintenance.Start()

	// Live execution event stream
	if err := services.InitEventStream(cfg.MaxEventClients); err != nil {
		log.Warn().Err(err).Msg("Event stream disabled")
	} else {
		services.GlobalEventStream.Attach(bus)
	}

	// Mark core as ready
	coreInitMutex.Lock()
	coreInitialized = true
	coreInitMutex.Unlock()

	// Setup all API routes (includes admin routes with login)
	routes.SetupRoutes(router, routes.Deps{
		Core:              core,
		Catalog:           catalog,
		Governor:          gov,
		Scorer:            scorer,
		Engine:            engine,
		Pool:              pool,
		Registry:          services.GlobalRegistry,
		Telemetry:         services.GlobalTelemetry,
		Archive:           services.GlobalArchive,
		Stream:            services.GlobalEventStream,
		JWTSecret:         cfg.JWTSecret,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: cfg.AdminPasswordHash,
	})

	app.mu.Lock()
	app.core = core
	app.maintenance = maintenance
	app.bus = bus
	app.scorer = scorer
	app.mu.Unlock()

	log.Info().Msg("Application fully initialized")
}

// restoreJobs re-registers job definitions persisted in the registry.
func restoreJobs(core *scheduler.Core, catalog *analysis.Catalog) int {
	if !services.GlobalRegistry.Enabled() {
		return 0
	}

	records, err := services.GlobalRegistry.LoadJobRecords()
	if err != nil {
		log.Warn().Err(err).Msg("Could not load stored jobs")
		return 0
	}

	restored := 0
	for _, rec := range records {
		def := rec.Definition()
		runner, err := catalog.Build(def)
		if err != nil {
			log.Warn().Str("job_id", def.ID).Err(err).Msg("Skipping stored job with invalid definition")
			continue
		}
		if err := core.Register(def, runner); err != nil {
			log.Warn().Str("job_id", def.ID).Err(err).Msg("Skipping stored job")
			continue
		}
		if rec.Paused {
			_ = core.Pause(def.ID)
		}
		restored++
	}
	if restored > 0 {
		log.Info().Int("count", restored).Msg("Restored stored jobs")
	}
	return restored
}

// seedDefaultJobs registers the standard job set on a fresh install.
func seedDefaultJobs(core *scheduler.Core, catalog *analysis.Catalog, cfg *config.Config) {
	symbols := strings.Split(cfg.DefaultSymbols, ",")
	for i := range symbols {
		symbols[i] = strings.TrimSpace(symbols[i])
	}

	quoteParams, _ := json.Marshal(map[string]interface{}{
		"symbols":  symbols,
		"strategy": models.StrategyConsensus,
	})
	scanParams, _ := json.Marshal(map[string]interface{}{
		"symbols":           symbols,
		"threshold_percent": 2.0,
	})

	defaults := []models.JobDefinition{
		{
			ID:                  "quote-refresh",
			Name:                "Quote refresh",
			Type:                analysis.TypeQuoteRefresh,
			Params:              string(quoteParams),
			IntervalSeconds:     60,
			ConcurrencyEligible: true,
		},
		{
			ID:                  "index-pulse",
			Name:                "Index pulse",
			Type:                analysis.TypeIndexPulse,
			Params:              `{"symbol":"` + analysis.DefaultIndexSymbol + `"}`,
			IntervalSeconds:     60,
			ConcurrencyEligible: true,
		},
		{
			ID:                  "movement-scan",
			Name:                "Movement scan",
			Type:                analysis.TypeMovementScan,
			Params:              string(scanParams),
			IntervalSeconds:     300,
			ConcurrencyEligible: true,
		},
	}

	seeded := 0
	for _, def := range defaults {
		runner, err := catalog.Build(def)
		if err != nil {
			log.Warn().Str("job_id", def.ID).Err(err).Msg("Could not build default job")
			continue
		}
		if err := core.Register(def, runner); err != nil {
			log.Warn().Str("job_id", def.ID).Err(err).Msg("Could not register default job")
			continue
		}
		if err := services.GlobalRegistry.SaveJobRecord(models.JobRecord{
			ID:                  def.ID,
			Name:                def.Name,
			Type:                def.Type,
			Params:              def.Params,
			IntervalSeconds:     def.IntervalSeconds,
			ConcurrencyEligible: def.ConcurrencyEligible,
		}); err != nil {
			log.Warn().Str("job_id", def.ID).Err(err).Msg("Could not persist default job")
		}
		seeded++
	}
	log.Info().Int("count", seeded).Msg("Seeded default jobs")
}

// repauseJobs re-parks jobs that were paused before the last restart,
// from the locally stored paused set.
func repauseJobs(core *scheduler.Core) {
	paused, err := services.GlobalTelemetry.LoadPausedJobs()
	if err != nil {
		log.Warn().Err(err).Msg("Could not load paused jobs")
		return
	}
	for _, id := range paused {
		if err := core.Pause(id); err == nil {
			log.Info().Str("job_id", id).Msg("Job re-paused from stored state")
		}
	}
}

// setupLogging configures zerolog: console output in development, JSON
// in production, level from LOG_LEVEL.
func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339

	if lvlStr := os.Getenv("LOG_LEVEL"); lvlStr != "" {
		if lvl, err := zerolog.ParseLevel(lvlStr); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if os.Getenv("ENVIRONMENT") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// setupHealthEndpoints sets up liveness and readiness probes
func setupHealthEndpoints(router *gin.Engine) {
	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Market Data Core API",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Readiness probe - checks if the core finished initializing
	router.GET("/ready", func(c *gin.Context) {
		coreInitMutex.RLock()
		isReady := coreInitialized
		coreInitMutex.RUnlock()

		if !isReady {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Core still initializing",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})

	// Startup probe - can be used for initial health check
	router.GET("/startup", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "started",
		})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/startup" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Warn().
				Str("method", c.Request.Method).
				Str("path", path).
				Int("status", c.Writer.Status()).
				Dur("duration", duration).
				Msg("Request")
		}
	}
}

// gracefulShutdown drains the scheduler and flushes storage before the
// process exits.
func gracefulShutdown(server *http.Server, app *application) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")

	app.mu.Lock()
	core := app.core
	maintenance := app.maintenance
	bus := app.bus
	scorer := app.scorer
	app.mu.Unlock()

	// Stop scheduling first so no new executions start
	if core != nil && core.IsRunning() {
		core.Stop()
	}
	if maintenance != nil {
		maintenance.Stop()
	}
	if services.GlobalEventStream != nil {
		services.GlobalEventStream.Shutdown()
	}
	if bus != nil {
		bus.Close()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Flush state to storage
	if scorer != nil {
		if err := scorer.SaveSnapshot(); err != nil {
			log.Warn().Err(err).Msg("Could not save reputation snapshot")
		}
	}
	if services.GlobalArchive != nil && services.GlobalArchive.Enabled() {
		if err := services.GlobalArchive.Flush(); err != nil {
			log.Warn().Err(err).Msg("Could not flush archive")
		}
		services.GlobalArchive.Close()
	}
	if services.GlobalTelemetry != nil {
		services.GlobalTelemetry.Close()
	}
	if config.DB != nil {
		if sqlDB, err := config.DB.DB(); err == nil {
			sqlDB.Close()
			log.Info().Msg("Registry database connection closed")
		}
	}

	log.Info().Msg("Server shutdown completed")
}
