package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"go_market_core/coreerrors"
	"go_market_core/models"
	"go_market_core/services/fusion"
	"go_market_core/services/governor"
	"go_market_core/services/quality"
)

// mockClock allows controlling time in tests.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

type fakePool struct {
	providers []string
	fetch     func(provider string, spec models.QuantitySpec) (models.SourceReading, error)
}

func (p *fakePool) Providers() []string { return p.providers }

func (p *fakePool) Fetch(ctx context.Context, provider string, spec models.QuantitySpec) (models.SourceReading, error) {
	if p.fetch != nil {
		return p.fetch(provider, spec)
	}
	return models.SourceReading{
		Provider:     provider,
		QuantityID:   spec.ID,
		Value:        decimal.NewFromInt(100),
		ObservedAt:   time.Now(),
		Latency:      10 * time.Millisecond,
		Completeness: 1,
	}, nil
}

func (p *fakePool) State(provider string) string { return "healthy" }

type fakeMarket struct {
	mu   sync.Mutex
	snap models.MarketSnapshot
}

func (m *fakeMarket) Snapshot() models.MarketSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

type fakeRecorder struct {
	mu            sync.Mutex
	executions    []models.ExecutionRecord
	fusions       []models.FusedValue
	discrepancies []models.FusedValue
}

func (r *fakeRecorder) RecordExecution(record models.ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, record)
}

func (r *fakeRecorder) RecordFusion(jobID, runID string, fused models.FusedValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fusions = append(r.fusions, fused)
}

func (r *fakeRecorder) RecordDiscrepancy(jobID, runID string, fused models.FusedValue, readings []models.ScoredReading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discrepancies = append(r.discrepancies, fused)
}

func (r *fakeRecorder) snapshot() ([]models.ExecutionRecord, []models.FusedValue, []models.FusedValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ExecutionRecord{}, r.executions...),
		append([]models.FusedValue{}, r.fusions...),
		append([]models.FusedValue{}, r.discrepancies...)
}

type fakeJob struct {
	quantities []models.QuantitySpec
	compute    func(ctx context.Context, fused map[string]models.FusedValue) (string, error)
	starts     atomic.Int32
}

func (j *fakeJob) Quantities() []models.QuantitySpec { return j.quantities }

func (j *fakeJob) Compute(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
	j.starts.Add(1)
	if j.compute != nil {
		return j.compute(ctx, fused)
	}
	return "ok", nil
}

type testHarness struct {
	core   *Core
	pool   *fakePool
	market *fakeMarket
	rec    *fakeRecorder
	bus    *EventBus
	clock  *mockClock
	events <-chan Event
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	// Manual ticks only; the loop's own ticker never fires in tests.
	cfg.Tick = time.Hour

	govCfg := governor.DefaultConfig()
	govCfg.Limits = models.ProviderLimits{PerMinute: 100000, PerSecond: 1000, Burst: 1000}

	pool := &fakePool{providers: []string{"ssi", "tcbs", "vndirect"}}
	market := &fakeMarket{snap: models.MarketSnapshot{Open: true, VolatilityIndex: 0.1}}
	rec := &fakeRecorder{}
	bus := NewEventBus(256)
	clock := newMockClock(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))

	core := NewCore(cfg, Deps{
		Governor: governor.NewGovernor(govCfg),
		Scorer:   quality.NewScorer(quality.DefaultConfig()),
		Fusion:   fusion.NewEngine(fusion.DefaultConfig()),
		Pool:     pool,
		Market:   market,
		Bus:      bus,
		Recorder: rec,
	})
	core.timeNow = clock.Now

	require.NoError(t, core.Start())
	t.Cleanup(core.Stop)

	events, unsub := bus.Subscribe()
	t.Cleanup(unsub)

	return &testHarness{core: core, pool: pool, market: market, rec: rec, bus: bus, clock: clock, events: events}
}

func (h *testHarness) waitEvent(t *testing.T, eventType string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-h.events:
			require.True(t, ok, "event channel closed while waiting for %s", eventType)
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

// drainEvents asserts no event of the given type arrives within the window.
func (h *testHarness) drainEvents(t *testing.T, eventType string, window time.Duration) {
	t.Helper()
	timeout := time.After(window)
	for {
		select {
		case event := <-h.events:
			require.NotEqual(t, eventType, event.Type, "unexpected %s event", eventType)
		case <-timeout:
			return
		}
	}
}

func jobDef(id string, intervalSeconds int) models.JobDefinition {
	return models.JobDefinition{
		ID:                  id,
		Name:                id,
		Type:                "test",
		IntervalSeconds:     intervalSeconds,
		ConcurrencyEligible: true,
		Retry:               models.RetryPolicy{MaxAttempts: 3, BaseBackoffSeconds: 5},
	}
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	err := h.core.Register(models.JobDefinition{IntervalSeconds: 60}, &fakeJob{})
	require.True(t, coreerrors.IsConfiguration(err), "missing id must be a configuration error")

	err = h.core.Register(jobDef("no-runner", 60), nil)
	require.True(t, coreerrors.IsConfiguration(err))

	err = h.core.Register(jobDef("too-fast", 5), &fakeJob{})
	require.True(t, coreerrors.IsConfiguration(err), "interval below minimum must be rejected")

	require.NoError(t, h.core.Register(jobDef("ok", 60), &fakeJob{}))
	err = h.core.Register(jobDef("ok", 60), &fakeJob{})
	require.True(t, coreerrors.IsConfiguration(err), "duplicate id must be rejected")
}

func TestRegisterSchedulesFirstRunAfterInterval(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.NoError(t, h.core.Register(jobDef("quote-refresh", 60), &fakeJob{}))

	status, err := h.core.JobStatus("quote-refresh")
	require.NoError(t, err)
	require.Equal(t, h.clock.Now().Add(60*time.Second), status.NextDue)
	require.False(t, status.Running)
}

func TestTickRunsDueJob(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var gotFused map[string]models.FusedValue
	var mu sync.Mutex
	job := &fakeJob{
		quantities: []models.QuantitySpec{{ID: "quote:VNM", Kind: "quote", Symbol: "VNM"}},
		compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
			mu.Lock()
			gotFused = fused
			mu.Unlock()
			return "refreshed 1 symbol", nil
		},
	}
	require.NoError(t, h.core.Register(jobDef("quote-refresh", 60), job))

	// Not yet due.
	h.core.tick()
	h.drainEvents(t, EventJobStarted, 50*time.Millisecond)

	h.clock.Advance(61 * time.Second)
	h.core.tick()

	started := h.waitEvent(t, EventJobStarted)
	require.Equal(t, "quote-refresh", started.JobID)
	require.NotEmpty(t, started.RunID)

	succeeded := h.waitEvent(t, EventJobSucceeded)
	require.Equal(t, "refreshed 1 symbol", succeeded.Summary)

	rescheduled := h.waitEvent(t, EventJobRescheduled)
	require.NotNil(t, rescheduled.NextDue)
	require.Equal(t, h.clock.Now().Add(60*time.Second), *rescheduled.NextDue)

	mu.Lock()
	require.Len(t, gotFused, 1)
	require.True(t, gotFused["quote:VNM"].Value.Equal(decimal.NewFromInt(100)))
	require.Equal(t, 3, gotFused["quote:VNM"].ContributingCount)
	mu.Unlock()

	executions, fusions, _ := h.rec.snapshot()
	require.Len(t, executions, 1)
	require.Equal(t, models.ExecutionSucceeded, executions[0].Status)
	require.Equal(t, "refreshed 1 symbol", executions[0].Summary)
	require.Len(t, fusions, 1)

	status := h.core.Status()
	require.Equal(t, int64(1), status.TotalExecutions)
	require.Equal(t, 1.0, status.SuccessRate)
}

func TestNoDoubleExecutionWhileRunning(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	gate := make(chan struct{})
	job := &fakeJob{
		compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
			select {
			case <-gate:
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	require.NoError(t, h.core.Register(jobDef("slow-job", 60), job))

	h.clock.Advance(61 * time.Second)
	h.core.tick()
	h.waitEvent(t, EventJobStarted)

	// Still running; further ticks must not start it again.
	h.clock.Advance(120 * time.Second)
	h.core.tick()
	h.core.tick()
	h.drainEvents(t, EventJobStarted, 50*time.Millisecond)
	require.Equal(t, int32(1), job.starts.Load())

	close(gate)
	h.waitEvent(t, EventJobSucceeded)
	require.Equal(t, int64(1), h.core.Status().TotalExecutions)
}

func TestConcurrencyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	h := newHarness(t, cfg)

	gate := make(chan struct{})
	blocking := func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
		select {
		case <-gate:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		require.NoError(t, h.core.Register(jobDef(id, 60), &fakeJob{compute: blocking}))
	}

	h.clock.Advance(61 * time.Second)
	h.core.tick()

	h.waitEvent(t, EventJobStarted)
	h.waitEvent(t, EventJobStarted)
	h.drainEvents(t, EventJobStarted, 50*time.Millisecond)

	status := h.core.Status()
	require.Equal(t, 2, status.RunningJobs)

	close(gate)
	h.waitEvent(t, EventJobSucceeded)
	h.waitEvent(t, EventJobSucceeded)

	// The third job launches on the next tick.
	h.core.tick()
	started := h.waitEvent(t, EventJobStarted)
	require.Equal(t, "job-c", started.JobID)
	h.waitEvent(t, EventJobSucceeded)

	require.Equal(t, 2, h.core.Status().PeakConcurrency)
}

func TestExclusiveJobRunsAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 4
	h := newHarness(t, cfg)

	gateA := make(chan struct{})
	jobA := &fakeJob{compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
		select {
		case <-gateA:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	require.NoError(t, h.core.Register(jobDef("job-a", 60), jobA))

	exclusiveDef := jobDef("job-exclusive", 60)
	exclusiveDef.ConcurrencyEligible = false
	gateEx := make(chan struct{})
	jobEx := &fakeJob{compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
		select {
		case <-gateEx:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	require.NoError(t, h.core.Register(exclusiveDef, jobEx))

	require.NoError(t, h.core.Register(jobDef("job-b", 60), &fakeJob{}))

	// job-a launches first by registration order; the exclusive job must
	// wait while anything else is running, but job-b may share the slot.
	h.clock.Advance(61 * time.Second)
	h.core.tick()
	first := h.waitEvent(t, EventJobStarted)
	require.Equal(t, "job-a", first.JobID)
	second := h.waitEvent(t, EventJobStarted)
	require.Equal(t, "job-b", second.JobID)
	h.waitEvent(t, EventJobSucceeded) // job-b completes
	require.Equal(t, int32(0), jobEx.starts.Load())

	close(gateA)
	h.waitEvent(t, EventJobSucceeded)

	// Alone now: the exclusive job launches and blocks new launches.
	h.core.tick()
	started := h.waitEvent(t, EventJobStarted)
	require.Equal(t, "job-exclusive", started.JobID)

	h.clock.Advance(120 * time.Second)
	h.core.tick()
	h.drainEvents(t, EventJobStarted, 50*time.Millisecond)

	close(gateEx)
	h.waitEvent(t, EventJobSucceeded)
}

func TestFailureRetriesWithGrowingBackoff(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	job := &fakeJob{compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
		return "", coreerrors.Providerf("upstream unavailable")
	}}
	require.NoError(t, h.core.Register(jobDef("flaky", 60), job))

	expected := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, want := range expected {
		h.clock.Advance(24 * time.Hour)
		h.core.tick()
		failed := h.waitEvent(t, EventJobFailed)
		require.True(t, failed.WillRetry, "attempt %d", i+1)
		require.Equal(t, "provider", failed.ErrorClass)
		require.NotNil(t, failed.NextAttemptAt)
		require.Equal(t, h.clock.Now().Add(want), *failed.NextAttemptAt)

		status, err := h.core.JobStatus("flaky")
		require.NoError(t, err)
		require.Equal(t, i+1, status.FailureCount)
	}

	// Fourth failure exhausts the budget: cool-down and counter reset.
	h.clock.Advance(24 * time.Hour)
	h.core.tick()
	failed := h.waitEvent(t, EventJobFailed)
	require.True(t, failed.WillRetry)
	require.Equal(t, h.clock.Now().Add(300*time.Second), *failed.NextAttemptAt)

	status, err := h.core.JobStatus("flaky")
	require.NoError(t, err)
	require.Equal(t, 0, status.FailureCount)
}

func TestNonRetryableErrorPausesJob(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	job := &fakeJob{compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
		return "", coreerrors.Configurationf("params reference unknown symbol")
	}}
	require.NoError(t, h.core.Register(jobDef("misconfigured", 60), job))

	h.clock.Advance(61 * time.Second)
	h.core.tick()

	failed := h.waitEvent(t, EventJobFailed)
	require.False(t, failed.WillRetry)
	require.Equal(t, "configuration", failed.ErrorClass)

	status, err := h.core.JobStatus("misconfigured")
	require.NoError(t, err)
	require.True(t, status.Paused)
	require.True(t, status.NextDue.Equal(farFuture))

	// Paused: further ticks never run it.
	h.clock.Advance(24 * time.Hour)
	h.core.tick()
	h.drainEvents(t, EventJobStarted, 50*time.Millisecond)
}

func TestExecutionTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecutionTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	job := &fakeJob{compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	require.NoError(t, h.core.Register(jobDef("hangs", 60), job))

	h.clock.Advance(61 * time.Second)
	h.core.tick()

	failed := h.waitEvent(t, EventJobFailed)
	require.Equal(t, "timeout", failed.ErrorClass)
	require.True(t, failed.WillRetry)

	executions, _, _ := h.rec.snapshot()
	require.Len(t, executions, 1)
	require.Equal(t, models.ExecutionFailed, executions[0].Status)
	require.Equal(t, "timeout", executions[0].ErrorClass)
}

func TestPauseResumeRunNow(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.NoError(t, h.core.Register(jobDef("quote-refresh", 60), &fakeJob{}))
	require.NoError(t, h.core.Pause("quote-refresh"))

	status, err := h.core.JobStatus("quote-refresh")
	require.NoError(t, err)
	require.True(t, status.Paused)
	require.True(t, status.NextDue.Equal(farFuture))

	// RunNow refuses paused jobs.
	require.Error(t, h.core.RunNow("quote-refresh"))

	h.clock.Advance(24 * time.Hour)
	h.core.tick()
	h.drainEvents(t, EventJobStarted, 50*time.Millisecond)

	require.NoError(t, h.core.Resume("quote-refresh"))
	h.core.tick()
	h.waitEvent(t, EventJobStarted)
	h.waitEvent(t, EventJobSucceeded)

	// RunNow pulls the next run forward.
	require.NoError(t, h.core.RunNow("quote-refresh"))
	h.core.tick()
	h.waitEvent(t, EventJobStarted)
}

func TestUnregisterCancelsRunningExecution(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	job := &fakeJob{compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	require.NoError(t, h.core.Register(jobDef("doomed", 60), job))

	h.clock.Advance(61 * time.Second)
	h.core.tick()
	h.waitEvent(t, EventJobStarted)

	require.NoError(t, h.core.Unregister("doomed"))

	require.Eventually(t, func() bool {
		status := h.core.Status()
		return status.RunningJobs == 0 && status.JobCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The cancelled run reports no outcome.
	h.drainEvents(t, EventJobSucceeded, 50*time.Millisecond)
	executions, _, _ := h.rec.snapshot()
	require.Empty(t, executions)

	require.Error(t, h.core.Unregister("doomed"))
}

func TestStopCancelsRunningExecutions(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	job := &fakeJob{compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	require.NoError(t, h.core.Register(jobDef("long-runner", 60), job))

	h.clock.Advance(61 * time.Second)
	h.core.tick()
	h.waitEvent(t, EventJobStarted)

	h.core.Stop()
	require.False(t, h.core.IsRunning())

	require.Eventually(t, func() bool {
		return h.core.Status().RunningJobs == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The interrupted run is discarded without an outcome.
	executions, _, _ := h.rec.snapshot()
	require.Empty(t, executions)

	// The loop can be started again after a stop.
	require.NoError(t, h.core.Start())
}

func TestStatusAggregates(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	good := &fakeJob{}
	bad := &fakeJob{compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
		return "", coreerrors.Providerf("boom")
	}}
	require.NoError(t, h.core.Register(jobDef("good", 60), good))
	require.NoError(t, h.core.Register(jobDef("bad", 60), bad))

	h.clock.Advance(61 * time.Second)
	h.core.tick()
	require.Eventually(t, func() bool {
		return h.core.Status().TotalExecutions == 2
	}, 2*time.Second, 10*time.Millisecond)

	status := h.core.Status()
	require.InDelta(t, 0.5, status.SuccessRate, 1e-9)
	require.Equal(t, 2, status.JobCount)
	require.Equal(t, 0, status.RunningJobs)

	executions, _, _ := h.rec.snapshot()
	require.Len(t, executions, 2)
}

func TestPipelineRecordsDiscrepancy(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	observed := time.Now()
	values := map[string]int64{"ssi": 200, "tcbs": 101, "vndirect": 100}
	h.pool.fetch = func(provider string, spec models.QuantitySpec) (models.SourceReading, error) {
		return models.SourceReading{
			Provider:     provider,
			QuantityID:   spec.ID,
			Value:        decimal.NewFromInt(values[provider]),
			ObservedAt:   observed,
			Latency:      10 * time.Millisecond,
			Completeness: 1,
		}, nil
	}

	job := &fakeJob{quantities: []models.QuantitySpec{{ID: "quote:VNM", Kind: "quote", Symbol: "VNM"}}}
	require.NoError(t, h.core.Register(jobDef("quote-refresh", 60), job))

	h.clock.Advance(61 * time.Second)
	h.core.tick()
	h.waitEvent(t, EventJobSucceeded)

	_, fusions, discrepancies := h.rec.snapshot()
	require.Len(t, fusions, 1)
	require.Equal(t, 3, fusions[0].ContributingCount)
	require.Len(t, discrepancies, 1)
	require.True(t, discrepancies[0].MaxDiscrepancy.Equal(decimal.NewFromInt(100)))
}

func TestOptionalQuantityFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.pool.fetch = func(provider string, spec models.QuantitySpec) (models.SourceReading, error) {
		if spec.Kind == "index" {
			return models.SourceReading{}, coreerrors.Providerf("index feed down")
		}
		return models.SourceReading{
			Provider:     provider,
			QuantityID:   spec.ID,
			Value:        decimal.NewFromInt(100),
			ObservedAt:   time.Now(),
			Latency:      10 * time.Millisecond,
			Completeness: 1,
		}, nil
	}

	var gotFused map[string]models.FusedValue
	var mu sync.Mutex
	job := &fakeJob{
		quantities: []models.QuantitySpec{
			{ID: "quote:VNM", Kind: "quote", Symbol: "VNM"},
			{ID: "index:VNINDEX", Kind: "index", Symbol: "VNINDEX", Optional: true},
		},
		compute: func(ctx context.Context, fused map[string]models.FusedValue) (string, error) {
			mu.Lock()
			gotFused = fused
			mu.Unlock()
			return "ok", nil
		},
	}
	require.NoError(t, h.core.Register(jobDef("mixed", 60), job))

	h.clock.Advance(61 * time.Second)
	h.core.tick()
	h.waitEvent(t, EventJobSucceeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gotFused, 1)
	_, hasQuote := gotFused["quote:VNM"]
	require.True(t, hasQuote)
}

func TestRequiredQuantityFailureFailsRun(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.pool.fetch = func(provider string, spec models.QuantitySpec) (models.SourceReading, error) {
		return models.SourceReading{}, coreerrors.Providerf("all feeds down")
	}

	job := &fakeJob{quantities: []models.QuantitySpec{{ID: "quote:VNM", Kind: "quote", Symbol: "VNM"}}}
	require.NoError(t, h.core.Register(jobDef("quote-refresh", 60), job))

	h.clock.Advance(61 * time.Second)
	h.core.tick()

	failed := h.waitEvent(t, EventJobFailed)
	require.Equal(t, "provider", failed.ErrorClass)
	require.Zero(t, job.starts.Load(), "compute must not run without required quantities")
}

func TestAdaptiveRescheduleUsesMarketSnapshot(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.market.mu.Lock()
	h.market.snap = models.MarketSnapshot{Open: false, VolatilityIndex: 0.1}
	h.market.mu.Unlock()

	require.NoError(t, h.core.Register(jobDef("overnight", 60), &fakeJob{}))

	h.clock.Advance(61 * time.Second)
	h.core.tick()
	rescheduled := h.waitEvent(t, EventJobRescheduled)

	// Closed market: 60s * 3.0 = 180s, lifted to the 300s floor.
	require.NotNil(t, rescheduled.NextDue)
	require.Equal(t, h.clock.Now().Add(300*time.Second), *rescheduled.NextDue)
}
