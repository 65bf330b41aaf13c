package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go_market_core/coreerrors"
	"go_market_core/models"
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

func testGovernor(clock *mockClock) *Governor {
	g := NewGovernorWithClock(DefaultConfig(), clock.Now)
	// Sleeps advance the mock clock instead of blocking the test.
	g.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clock.Advance(d)
		return nil
	}
	return g
}

func TestCheckAdmissionBurstGuard(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	allowed := 0
	denied := 0
	for i := 0; i < 10; i++ {
		adm := g.CheckAdmission("vndirect")
		if adm.Allowed {
			allowed++
			g.RecordCall("vndirect", true)
		} else {
			denied++
			require.Equal(t, ReasonBurstGuard, adm.Reason)
			require.Greater(t, adm.Wait, time.Duration(0))
		}
	}

	// At 5 per second with zero elapsed time only the first call clears
	// the spacing guard.
	require.Equal(t, 1, allowed)
	require.Equal(t, 9, denied)
}

func TestCheckAdmissionSpacedCallsAllowed(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	for i := 0; i < 10; i++ {
		adm := g.CheckAdmission("tcbs")
		require.True(t, adm.Allowed, "call %d should clear the burst guard", i+1)
		g.RecordCall("tcbs", true)
		clock.Advance(250 * time.Millisecond)
	}
}

func TestCheckAdmissionWindowExhausted(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)
	g.Configure("ssi", models.ProviderLimits{PerMinute: 5, PerSecond: 5})

	for i := 0; i < 5; i++ {
		adm := g.CheckAdmission("ssi")
		require.True(t, adm.Allowed)
		g.RecordCall("ssi", true)
		clock.Advance(1 * time.Second)
	}

	adm := g.CheckAdmission("ssi")
	require.False(t, adm.Allowed)
	require.Equal(t, ReasonWindowExhausted, adm.Reason)
	require.Greater(t, adm.Wait, time.Duration(0))
	require.LessOrEqual(t, adm.Wait, windowLength)

	// The window opened at the first call, so it resets 60s after that.
	clock.Advance(56 * time.Second)
	adm = g.CheckAdmission("ssi")
	require.True(t, adm.Allowed)
}

func TestTriggerBackoffGrowsAndCaps(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	require.Equal(t, 1*time.Second, g.TriggerBackoff("vndirect", 0))
	g.Reset("vndirect")
	require.Equal(t, 2*time.Second, g.TriggerBackoff("vndirect", 1))
	g.Reset("vndirect")
	require.Equal(t, 8*time.Second, g.TriggerBackoff("vndirect", 3))
	g.Reset("vndirect")
	require.Equal(t, 30*time.Second, g.TriggerBackoff("vndirect", 5))
	g.Reset("vndirect")
	require.Equal(t, 30*time.Second, g.TriggerBackoff("vndirect", 20))
}

func TestBackoffBlocksAdmissionUntilExpiry(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	g.TriggerBackoff("tcbs", 2) // 4s

	adm := g.CheckAdmission("tcbs")
	require.False(t, adm.Allowed)
	require.Equal(t, ReasonBackoffActive, adm.Reason)
	require.InDelta(t, float64(4*time.Second), float64(adm.Wait), float64(10*time.Millisecond))

	clock.Advance(4100 * time.Millisecond)
	adm = g.CheckAdmission("tcbs")
	require.True(t, adm.Allowed)
}

func TestExecuteGovernedRunsCall(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	calls := 0
	err := g.ExecuteGoverned(context.Background(), "vndirect", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, g.Status("vndirect").WindowCallCount)
}

func TestExecuteGovernedWaitsThroughBurstGuard(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	g.RecordCall("vndirect", true)

	calls := 0
	err := g.ExecuteGoverned(context.Background(), "vndirect", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestExecuteGovernedBudgetExhausted(t *testing.T) {
	clock := newMockClock(time.Now())
	cfg := DefaultConfig()
	cfg.AdmissionMaxWait = 2 * time.Second
	g := NewGovernorWithClock(cfg, clock.Now)
	g.sleep = func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		return nil
	}

	// A long backoff cannot be waited out inside a 2s budget.
	g.TriggerBackoff("ssi", 5)

	calls := 0
	err := g.ExecuteGoverned(context.Background(), "ssi", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	require.True(t, coreerrors.IsRateLimit(err))
	require.Equal(t, 0, calls, "call must not run once the wait budget is exhausted")
}

func TestExecuteGovernedEscalatesOnUpstreamThrottle(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	err := g.ExecuteGoverned(context.Background(), "tcbs", func(ctx context.Context) error {
		return coreerrors.RateLimitf("upstream returned 429")
	})
	require.Error(t, err)
	require.True(t, coreerrors.IsRateLimit(err))
	require.True(t, g.BackoffActive("tcbs"))
}

func TestExecuteGovernedContextCancelled(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.ExecuteGoverned(ctx, "vndirect", func(ctx context.Context) error {
		t.Fatal("call must not run with a cancelled context")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBatchDelay(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	// 10 concurrent calls at 5/s is 2 one-second batches, padded 20%.
	require.Equal(t, 2400*time.Millisecond, g.BatchDelay("vndirect", 10))
	require.Equal(t, 1200*time.Millisecond, g.BatchDelay("vndirect", 3))
	require.Equal(t, time.Duration(0), g.BatchDelay("vndirect", 0))
}

func TestExecuteBatchRunsAllCalls(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	var mu sync.Mutex
	ran := make([]bool, 7)
	calls := make([]func(ctx context.Context) error, 7)
	for i := range calls {
		i := i
		calls[i] = func(ctx context.Context) error {
			mu.Lock()
			ran[i] = true
			mu.Unlock()
			if i == 3 {
				return coreerrors.Providerf("boom")
			}
			return nil
		}
	}

	results := g.ExecuteBatch(context.Background(), "tcbs", calls, 3)
	require.Len(t, results, 7)
	for i, ok := range ran {
		require.True(t, ok, "call %d did not run", i)
	}
	require.Error(t, results[3])
	for i, err := range results {
		if i != 3 {
			require.NoError(t, err, "call %d", i)
		}
	}
}

func TestStatusReflectsState(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	for i := 0; i < 3; i++ {
		g.RecordCall("vndirect", true)
		clock.Advance(1 * time.Second)
	}
	g.TriggerBackoff("vndirect", 1)

	status := g.Status("vndirect")
	require.Equal(t, "vndirect", status.Provider)
	require.Equal(t, 3, status.WindowCallCount)
	require.Equal(t, 57, status.RemainingCapacity)
	require.True(t, status.BackoffActive)
	require.Greater(t, status.BackoffRemainMs, int64(0))
}

func TestResetClearsState(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	for i := 0; i < 5; i++ {
		g.RecordCall("ssi", true)
	}
	g.TriggerBackoff("ssi", 3)
	g.Reset("ssi")

	status := g.Status("ssi")
	require.Zero(t, status.WindowCallCount)
	require.Zero(t, status.ViolationCount)
	require.False(t, status.BackoffActive)
	require.True(t, g.CheckAdmission("ssi").Allowed)
}

func TestIndependentProviders(t *testing.T) {
	clock := newMockClock(time.Now())
	g := testGovernor(clock)

	g.TriggerBackoff("vndirect", 4)

	require.False(t, g.CheckAdmission("vndirect").Allowed)
	require.True(t, g.CheckAdmission("tcbs").Allowed)
	require.True(t, g.CheckAdmission("ssi").Allowed)
}

func TestConcurrentRecordCall(t *testing.T) {
	g := NewGovernor(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				g.RecordCall("vndirect", true)
				g.CheckAdmission("vndirect")
				g.Status("vndirect")
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 200, g.Status("vndirect").WindowCallCount)
}
