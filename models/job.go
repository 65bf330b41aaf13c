package models

import (
	"time"

	"gorm.io/gorm"
)

// RetryPolicy bounds how a failing job is retried before cool-down.
type RetryPolicy struct {
	MaxAttempts        int `json:"max_attempts"`
	BaseBackoffSeconds int `json:"base_backoff_seconds"`
}

// JobDefinition describes a registered analysis job. Immutable after
// registration except through an explicit update.
type JobDefinition struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Type                string      `json:"type"`
	Params              string      `json:"params"` // JSON, parsed by the job catalog
	IntervalSeconds     int         `json:"interval_seconds"`
	ConcurrencyEligible bool        `json:"concurrency_eligible"`
	Retry               RetryPolicy `json:"retry"`
}

// Interval returns the configured refresh interval as a duration.
func (d *JobDefinition) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds) * time.Second
}

// BaseBackoff returns the retry base backoff as a duration.
func (d *JobDefinition) BaseBackoff() time.Duration {
	return time.Duration(d.Retry.BaseBackoffSeconds) * time.Second
}

// JobState is the mutable scheduling state for one registered job. Owned
// exclusively by the scheduler; nothing else mutates it.
type JobState struct {
	NextDue             time.Time
	Running             bool
	ConsecutiveFailures int
	ExecutionCount      int64
	AvgDuration         time.Duration
	Seq                 int64 // registration order, breaks next-due ties
	RegisteredAt        time.Time
}

// MarketSnapshot captures market conditions at execution start.
type MarketSnapshot struct {
	Open            bool    `json:"open"`
	VolatilityIndex float64 `json:"volatility_index"`
}

// ExecutionContext is created fresh per run and immutable afterwards.
type ExecutionContext struct {
	RunID          string            `json:"run_id"`
	JobID          string            `json:"job_id"`
	StartedAt      time.Time         `json:"started_at"`
	Market         MarketSnapshot    `json:"market"`
	ProviderHealth map[string]string `json:"provider_health"`
}

// Execution outcomes
const (
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
)

// ExecutionRecord is the telemetry row written after every run.
type ExecutionRecord struct {
	RunID        string    `json:"run_id"`
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	DurationMs   int64     `json:"duration_ms"`
	Summary      string    `json:"summary"`
	ErrorClass   string    `json:"error_class,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// JobStatus is the pull-based status view for one job.
type JobStatus struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	NextDue           time.Time `json:"next_due"`
	Running           bool      `json:"running"`
	Paused            bool      `json:"paused"`
	IntervalSeconds   int       `json:"interval_seconds"`
	ExecutionCount    int64     `json:"execution_count"`
	FailureCount      int       `json:"failure_count"`
	AverageDurationMs int64     `json:"average_duration_ms"`
}

// SchedulerStatus aggregates scheduler-wide counters.
type SchedulerStatus struct {
	Running         bool    `json:"running"`
	JobCount        int     `json:"job_count"`
	RunningJobs     int     `json:"running_jobs"`
	TotalExecutions int64   `json:"total_executions"`
	SuccessRate     float64 `json:"success_rate"`
	PeakConcurrency int     `json:"peak_concurrency"`
}

// JobRecord is the persisted form of a JobDefinition. The registry store
// reloads these at boot so registered jobs survive restarts.
type JobRecord struct {
	ID                  string    `gorm:"primaryKey" json:"id"`
	Name                string    `json:"name"`
	Type                string    `gorm:"index" json:"type"`
	Params              string    `json:"params"`
	IntervalSeconds     int       `json:"interval_seconds"`
	ConcurrencyEligible bool      `gorm:"default:true" json:"concurrency_eligible"`
	MaxAttempts         int       `json:"max_attempts"`
	BaseBackoffSeconds  int       `json:"base_backoff_seconds"`
	Paused              bool      `gorm:"default:false" json:"paused"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Definition converts a stored record back to its in-memory definition.
func (r *JobRecord) Definition() JobDefinition {
	return JobDefinition{
		ID:                  r.ID,
		Name:                r.Name,
		Type:                r.Type,
		Params:              r.Params,
		IntervalSeconds:     r.IntervalSeconds,
		ConcurrencyEligible: r.ConcurrencyEligible,
		Retry: RetryPolicy{
			MaxAttempts:        r.MaxAttempts,
			BaseBackoffSeconds: r.BaseBackoffSeconds,
		},
	}
}

// MigrateJobModels runs database migrations for job registry models
func MigrateJobModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&JobRecord{},
	)
}
