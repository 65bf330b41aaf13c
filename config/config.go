package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Port        string
	Environment string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	JWTSecret         string
	AdminUsername     string
	AdminPasswordHash string

	// Scheduler
	TickSeconds          int
	MinIntervalSeconds   int
	MaxConcurrentJobs    int
	ExecutionTimeoutSecs int
	CooldownSeconds      int

	// Adaptive rescheduling
	SlowExecutionSeconds int
	SlowFactor           float64
	VolatilityThreshold  float64
	VolatilityFactor     float64
	ClosedFactor         float64
	ClosedFloorSeconds   int

	// Governor defaults (per provider, overridable at registration)
	PerMinuteLimit     int
	PerSecondLimit     int
	BurstCapacity      int
	BackoffBaseMs      int
	BackoffCapMs       int
	AdmissionAttempts  int
	AdmissionMaxWaitMs int

	// Quality / fusion
	FreshnessWeight    float64
	CompletenessWeight float64
	ReputationWeight   float64
	LatencyWeight      float64
	MaxStalenessSecs   int
	MinQuality         float64
	ConsensusFraction  float64
	ToleranceRatio     float64

	// Market calendar (exchange-local hours)
	MarketTimezone  string
	MarketOpenHour  int
	MarketCloseHour int

	// Volatility tracking
	VolatilityWindow int
	VolatilityScale  float64

	// Storage
	TelemetryDBPath        string
	ReputationSnapshotPath string
	TelemetryRetentionDays int

	// Event stream
	MaxEventClients int

	// Default job seeding
	SeedDefaultJobs bool
	DefaultSymbols  string
}

var AppConfig *Config
var DB *gorm.DB

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using environment variables")
	}

	config := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "market_core"),

		JWTSecret:         getEnv("JWT_SECRET", "your-secret-key"),
		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),

		TickSeconds:          getEnvInt("SCHEDULER_TICK_SECONDS", 5),
		MinIntervalSeconds:   getEnvInt("MIN_REFRESH_INTERVAL_SECONDS", 30),
		MaxConcurrentJobs:    getEnvInt("MAX_CONCURRENT_JOBS", 4),
		ExecutionTimeoutSecs: getEnvInt("EXECUTION_TIMEOUT_SECONDS", 60),
		CooldownSeconds:      getEnvInt("JOB_COOLDOWN_SECONDS", 300),

		SlowExecutionSeconds: getEnvInt("SLOW_EXECUTION_SECONDS", 30),
		SlowFactor:           getEnvFloat("SLOW_EXECUTION_FACTOR", 1.5),
		VolatilityThreshold:  getEnvFloat("HIGH_VOLATILITY_THRESHOLD", 0.6),
		VolatilityFactor:     getEnvFloat("HIGH_VOLATILITY_FACTOR", 0.85),
		ClosedFactor:         getEnvFloat("MARKET_CLOSED_FACTOR", 3.0),
		ClosedFloorSeconds:   getEnvInt("MARKET_CLOSED_FLOOR_SECONDS", 300),

		PerMinuteLimit:     getEnvInt("PROVIDER_PER_MINUTE_LIMIT", 60),
		PerSecondLimit:     getEnvInt("PROVIDER_PER_SECOND_LIMIT", 5),
		BurstCapacity:      getEnvInt("PROVIDER_BURST_CAPACITY", 5),
		BackoffBaseMs:      getEnvInt("GOVERNOR_BACKOFF_BASE_MS", 1000),
		BackoffCapMs:       getEnvInt("GOVERNOR_BACKOFF_CAP_MS", 30000),
		AdmissionAttempts:  getEnvInt("GOVERNOR_ADMISSION_ATTEMPTS", 5),
		AdmissionMaxWaitMs: getEnvInt("GOVERNOR_ADMISSION_MAX_WAIT_MS", 10000),

		FreshnessWeight:    getEnvFloat("QUALITY_FRESHNESS_WEIGHT", 0.3),
		CompletenessWeight: getEnvFloat("QUALITY_COMPLETENESS_WEIGHT", 0.3),
		ReputationWeight:   getEnvFloat("QUALITY_REPUTATION_WEIGHT", 0.25),
		LatencyWeight:      getEnvFloat("QUALITY_LATENCY_WEIGHT", 0.15),
		MaxStalenessSecs:   getEnvInt("QUALITY_MAX_STALENESS_SECONDS", 300),
		MinQuality:         getEnvFloat("FUSION_MIN_QUALITY", 0.5),
		ConsensusFraction:  getEnvFloat("FUSION_CONSENSUS_FRACTION", 0.5),
		ToleranceRatio:     getEnvFloat("FUSION_TOLERANCE_RATIO", 0.005),

		MarketTimezone:  getEnv("MARKET_TIMEZONE", "Asia/Ho_Chi_Minh"),
		MarketOpenHour:  getEnvInt("MARKET_OPEN_HOUR", 9),
		MarketCloseHour: getEnvInt("MARKET_CLOSE_HOUR", 15),

		VolatilityWindow: getEnvInt("VOLATILITY_WINDOW_SAMPLES", 20),
		VolatilityScale:  getEnvFloat("VOLATILITY_SCALE", 100),

		TelemetryDBPath:        getEnv("TELEMETRY_DB_PATH", "data/core.db"),
		ReputationSnapshotPath: getEnv("REPUTATION_SNAPSHOT_PATH", "data/reputation.json"),
		TelemetryRetentionDays: getEnvInt("TELEMETRY_RETENTION_DAYS", 14),

		MaxEventClients: getEnvInt("MAX_EVENT_CLIENTS", 100),

		SeedDefaultJobs: getEnvBool("SEED_DEFAULT_JOBS", true),
		DefaultSymbols:  getEnv("DEFAULT_SYMBOLS", "VNM,VCB,FPT,HPG,VIC"),
	}

	AppConfig = config
	return config, nil
}

// InitDB initializes database connection
func InitDB() (*gorm.DB, error) {
	// Log connection info (masked for security)
	log.Info().
		Str("host", maskHost(AppConfig.DBHost)).
		Str("port", AppConfig.DBPort).
		Str("user", AppConfig.DBUser).
		Str("dbname", AppConfig.DBName).
		Msg("Connecting to database")

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=require TimeZone=Asia/Ho_Chi_Minh",
		AppConfig.DBHost,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBPort,
	)

	var logLevel logger.LogLevel
	if AppConfig.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})

	if err != nil {
		log.Error().Err(err).Msg("Database connection error")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get underlying database")
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		log.Error().Err(err).Msg("Database ping failed")
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Msg("Database connection verified successfully")
	DB = db
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer env value, using default")
		return defaultValue
	}
	return n
}

// getEnvFloat gets a float environment variable or returns a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid float env value, using default")
		return defaultValue
	}
	return f
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid boolean env value, using default")
		return defaultValue
	}
	return b
}
