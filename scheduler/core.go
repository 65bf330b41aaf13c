package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go_market_core/coreerrors"
	"go_market_core/models"
	"go_market_core/services/fusion"
	"go_market_core/services/governor"
	"go_market_core/services/quality"
)

// Retry policy defaults applied at registration.
const (
	defaultMaxAttempts        = 3
	defaultBaseBackoffSeconds = 5
)

// farFuture is the next-due sentinel for paused jobs.
var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Job is the per-execution contract a registered job implements. The
// scheduler fetches and fuses the declared quantities, then hands the
// fused values to Compute.
type Job interface {
	Quantities() []models.QuantitySpec
	Compute(ctx context.Context, fused map[string]models.FusedValue) (string, error)
}

// SourcePool is the provider surface the scheduler fetches readings
// through.
type SourcePool interface {
	Providers() []string
	Fetch(ctx context.Context, provider string, spec models.QuantitySpec) (models.SourceReading, error)
	State(provider string) string
}

// MarketView supplies the market snapshot stamped on each execution.
type MarketView interface {
	Snapshot() models.MarketSnapshot
}

// Recorder receives execution outcomes for persistence. Implementations
// must not block for long; they run on execution goroutines.
type Recorder interface {
	RecordExecution(record models.ExecutionRecord)
	RecordFusion(jobID, runID string, fused models.FusedValue)
	RecordDiscrepancy(jobID, runID string, fused models.FusedValue, readings []models.ScoredReading)
}

// Config holds the scheduler's timing and concurrency settings.
type Config struct {
	Tick             time.Duration
	MinInterval      time.Duration
	MaxConcurrent    int
	ExecutionTimeout time.Duration
	Cooldown         time.Duration
	Adaptive         AdaptiveConfig
}

// DefaultConfig returns the documented scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Tick:             5 * time.Second,
		MinInterval:      30 * time.Second,
		MaxConcurrent:    4,
		ExecutionTimeout: 60 * time.Second,
		Cooldown:         300 * time.Second,
		Adaptive:         DefaultAdaptiveConfig(),
	}
}

// Deps are the collaborators the scheduler drives.
type Deps struct {
	Governor *governor.Governor
	Scorer   *quality.Scorer
	Fusion   *fusion.Engine
	Pool     SourcePool
	Market   MarketView
	Bus      *EventBus
	Recorder Recorder
}

// registeredJob pairs a definition with its scheduling state and runner.
type registeredJob struct {
	def    models.JobDefinition
	state  models.JobState
	runner Job
	paused bool
	cancel context.CancelFunc // non-nil while running
}

// Core owns the registered jobs and drives the execution pipeline. All
// job state is guarded by one mutex; executions run on their own
// goroutines and re-enter through complete().
type Core struct {
	cfg      Config
	governor *governor.Governor
	scorer   *quality.Scorer
	engine   *fusion.Engine
	pool     SourcePool
	market   MarketView
	bus      *EventBus
	recorder Recorder

	mu               sync.RWMutex
	jobs             map[string]*registeredJob
	isRunning        bool
	stopChan         chan bool
	nextSeq          int64
	runningCount     int
	exclusiveRunning bool
	peakConcurrency  int
	totalExecutions  int64
	totalFailures    int64

	timeNow func() time.Time
}

// NewCore creates a scheduler core.
func NewCore(cfg Config, deps Deps) *Core {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 300 * time.Second
	}
	if cfg.Adaptive.MinInterval <= 0 {
		cfg.Adaptive.MinInterval = cfg.MinInterval
	}
	return &Core{
		cfg:      cfg,
		governor: deps.Governor,
		scorer:   deps.Scorer,
		engine:   deps.Fusion,
		pool:     deps.Pool,
		market:   deps.Market,
		bus:      deps.Bus,
		recorder: deps.Recorder,
		jobs:     make(map[string]*registeredJob),
		timeNow:  time.Now,
	}
}

// Start launches the tick loop.
func (c *Core) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return coreerrors.New("scheduler is already running")
	}
	c.isRunning = true
	c.stopChan = make(chan bool)
	go c.run()

	log.Info().Dur("tick", c.cfg.Tick).Int("max_concurrent", c.cfg.MaxConcurrent).
		Msg("Scheduler started")
	return nil
}

// Stop halts the tick loop and cancels running executions. Cancellation
// is cooperative; in-flight runs unwind on their own goroutines.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return
	}
	c.isRunning = false
	for _, job := range c.jobs {
		if job.cancel != nil {
			job.cancel()
		}
	}
	close(c.stopChan)

	log.Info().Msg("Scheduler stopped")
}

// IsRunning returns whether the tick loop is active.
func (c *Core) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// run is the scheduler's tick loop.
func (c *Core) run() {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick selects the due jobs and launches as many as free concurrency
// slots allow. Ties break by earliest next-due, then registration order.
func (c *Core) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return
	}
	now := c.timeNow()

	due := make([]*registeredJob, 0, len(c.jobs))
	for _, job := range c.jobs {
		if job.paused || job.state.Running || now.Before(job.state.NextDue) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].state.NextDue.Equal(due[j].state.NextDue) {
			return due[i].state.NextDue.Before(due[j].state.NextDue)
		}
		return due[i].state.Seq < due[j].state.Seq
	})

	for _, job := range due {
		if c.exclusiveRunning || c.runningCount >= c.cfg.MaxConcurrent {
			break
		}
		// Jobs not eligible for concurrency run alone.
		if !job.def.ConcurrencyEligible && c.runningCount > 0 {
			continue
		}
		c.launchLocked(job, now)
	}
}

// launchLocked transitions the job to running and fires its execution
// goroutine. Caller holds the mutex.
func (c *Core) launchLocked(job *registeredJob, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExecutionTimeout)
	job.state.Running = true
	job.cancel = cancel
	c.runningCount++
	if c.runningCount > c.peakConcurrency {
		c.peakConcurrency = c.runningCount
	}
	if !job.def.ConcurrencyEligible {
		c.exclusiveRunning = true
	}

	execCtx := models.ExecutionContext{
		RunID:          uuid.New().String(),
		JobID:          job.def.ID,
		StartedAt:      now,
		Market:         c.market.Snapshot(),
		ProviderHealth: c.providerHealth(),
	}

	c.bus.Publish(Event{Type: EventJobStarted, JobID: job.def.ID, RunID: execCtx.RunID, At: now})
	log.Info().Str("job_id", job.def.ID).Str("run_id", execCtx.RunID).
		Bool("market_open", execCtx.Market.Open).Msg("Job execution started")

	go c.execute(ctx, cancel, job.def, job.runner, execCtx)
}

// providerHealth snapshots each provider's availability for the
// execution context.
func (c *Core) providerHealth() map[string]string {
	providers := c.pool.Providers()
	health := make(map[string]string, len(providers))
	for _, provider := range providers {
		state := c.pool.State(provider)
		if state == "healthy" && c.governor.BackoffActive(provider) {
			state = "backoff"
		}
		health[provider] = state
	}
	return health
}

// Register adds a job under the platform's scheduling discipline. The
// first run comes due one interval after registration.
func (c *Core) Register(def models.JobDefinition, runner Job) error {
	if def.ID == "" {
		return coreerrors.Configurationf("job id is required")
	}
	if runner == nil {
		return coreerrors.Configurationf("job %s has no runner", def.ID)
	}
	if def.Interval() < c.cfg.MinInterval {
		return coreerrors.Configurationf(
			"job %s interval %s is below the platform minimum %s",
			def.ID, def.Interval(), c.cfg.MinInterval)
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if def.Retry.MaxAttempts <= 0 {
		def.Retry.MaxAttempts = defaultMaxAttempts
	}
	if def.Retry.BaseBackoffSeconds <= 0 {
		def.Retry.BaseBackoffSeconds = defaultBaseBackoffSeconds
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.jobs[def.ID]; exists {
		return coreerrors.Configurationf("job %s is already registered", def.ID)
	}

	now := c.timeNow()
	c.nextSeq++
	c.jobs[def.ID] = &registeredJob{
		def:    def,
		runner: runner,
		state: models.JobState{
			NextDue:      now.Add(def.Interval()),
			Seq:          c.nextSeq,
			RegisteredAt: now,
		},
	}

	log.Info().Str("job_id", def.ID).Str("type", def.Type).
		Int("interval_seconds", def.IntervalSeconds).Msg("Job registered")
	return nil
}

// Unregister removes a job. A running execution is cancelled
// cooperatively and its result discarded.
func (c *Core) Unregister(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[id]
	if !ok {
		return coreerrors.Newf("job %s is not registered", id)
	}
	if job.cancel != nil {
		job.cancel()
	}
	delete(c.jobs, id)

	log.Info().Str("job_id", id).Msg("Job unregistered")
	return nil
}

// Pause parks the job at the far-future sentinel. Failure counters are
// untouched.
func (c *Core) Pause(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[id]
	if !ok {
		return coreerrors.Newf("job %s is not registered", id)
	}
	job.paused = true
	job.state.NextDue = farFuture

	log.Info().Str("job_id", id).Msg("Job paused")
	return nil
}

// Resume makes a paused job due immediately.
func (c *Core) Resume(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[id]
	if !ok {
		return coreerrors.Newf("job %s is not registered", id)
	}
	job.paused = false
	job.state.NextDue = c.timeNow()

	log.Info().Str("job_id", id).Msg("Job resumed")
	return nil
}

// RunNow makes the job due on the next tick.
func (c *Core) RunNow(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[id]
	if !ok {
		return coreerrors.Newf("job %s is not registered", id)
	}
	if job.paused {
		return coreerrors.Newf("job %s is paused", id)
	}
	job.state.NextDue = c.timeNow()

	log.Info().Str("job_id", id).Msg("Job queued for immediate run")
	return nil
}

// Status returns the scheduler-wide counters.
func (c *Core) Status() models.SchedulerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rate := 1.0
	if c.totalExecutions > 0 {
		rate = float64(c.totalExecutions-c.totalFailures) / float64(c.totalExecutions)
	}
	return models.SchedulerStatus{
		Running:         c.isRunning,
		JobCount:        len(c.jobs),
		RunningJobs:     c.runningCount,
		TotalExecutions: c.totalExecutions,
		SuccessRate:     rate,
		PeakConcurrency: c.peakConcurrency,
	}
}

// JobStatus returns the status view for one job.
func (c *Core) JobStatus(id string) (models.JobStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	job, ok := c.jobs[id]
	if !ok {
		return models.JobStatus{}, coreerrors.Newf("job %s is not registered", id)
	}
	return jobStatusView(job), nil
}

// JobStatuses returns every job's status in registration order.
func (c *Core) JobStatuses() []models.JobStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	jobs := make([]*registeredJob, 0, len(c.jobs))
	for _, job := range c.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].state.Seq < jobs[j].state.Seq })

	out := make([]models.JobStatus, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobStatusView(job))
	}
	return out
}

// Definitions returns every registered definition in registration order.
func (c *Core) Definitions() []models.JobDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	jobs := make([]*registeredJob, 0, len(c.jobs))
	for _, job := range c.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].state.Seq < jobs[j].state.Seq })

	out := make([]models.JobDefinition, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.def)
	}
	return out
}

func jobStatusView(job *registeredJob) models.JobStatus {
	return models.JobStatus{
		ID:                job.def.ID,
		Name:              job.def.Name,
		Type:              job.def.Type,
		NextDue:           job.state.NextDue,
		Running:           job.state.Running,
		Paused:            job.paused,
		IntervalSeconds:   job.def.IntervalSeconds,
		ExecutionCount:    job.state.ExecutionCount,
		FailureCount:      job.state.ConsecutiveFailures,
		AverageDurationMs: job.state.AvgDuration.Milliseconds(),
	}
}
