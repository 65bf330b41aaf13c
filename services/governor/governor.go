// Package governor provides per-provider admission control for outbound
// calls. Each provider gets a sliding one-minute window, a burst guard
// derived from its per-second limit, and an exponential backoff that
// escalates when the upstream throttles us. State is process-wide: two
// jobs calling the same provider concurrently are rate-limited as one
// logical stream.
package governor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go_market_core/coreerrors"
	"go_market_core/models"
)

const windowLength = time.Minute

// batchSafetyMargin pads the inter-batch delay so bursts landing on a
// window edge do not trip the upstream limiter.
const batchSafetyMargin = 1.2

// Admission is the outcome of one admission check.
type Admission struct {
	Allowed bool
	Wait    time.Duration
	Reason  string // backoff-active, window-exhausted, burst-guard
}

// Denial reasons.
const (
	ReasonBackoffActive   = "backoff-active"
	ReasonWindowExhausted = "window-exhausted"
	ReasonBurstGuard      = "burst-guard"
)

// Config holds the governor's default limits and the admission wait budget.
type Config struct {
	Limits            models.ProviderLimits
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	AdmissionAttempts int
	AdmissionMaxWait  time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Limits:            models.ProviderLimits{PerMinute: 60, PerSecond: 5, Burst: 5},
		BackoffBase:       1 * time.Second,
		BackoffCap:        30 * time.Second,
		AdmissionAttempts: 5,
		AdmissionMaxWait:  10 * time.Second,
	}
}

// providerState is the per-provider rate-limit state. The entry's own
// mutex guards every field so unrelated providers never serialize on a
// shared lock.
type providerState struct {
	mu           sync.Mutex
	limits       models.ProviderLimits
	windowCount  int
	windowStart  time.Time
	lastCall     time.Time
	violations   int
	backoffUntil time.Time
}

// Governor owns all per-provider rate-limit state.
type Governor struct {
	cfg Config

	mu     sync.RWMutex
	states map[string]*providerState

	timeNow func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGovernor creates a governor with the real clock.
func NewGovernor(cfg Config) *Governor {
	return NewGovernorWithClock(cfg, time.Now)
}

// NewGovernorWithClock creates a governor with an injectable clock (for
// testing). The sleep function is also injectable via the sleep field.
func NewGovernorWithClock(cfg Config, timeNow func() time.Time) *Governor {
	if cfg.Limits.PerMinute <= 0 {
		cfg.Limits.PerMinute = 60
	}
	if cfg.Limits.PerSecond <= 0 {
		cfg.Limits.PerSecond = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 1 * time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.AdmissionAttempts <= 0 {
		cfg.AdmissionAttempts = 5
	}
	if cfg.AdmissionMaxWait <= 0 {
		cfg.AdmissionMaxWait = 10 * time.Second
	}
	return &Governor{
		cfg:     cfg,
		states:  make(map[string]*providerState),
		timeNow: timeNow,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Configure overrides the limits for one provider. Providers without an
// override use the governor defaults.
func (g *Governor) Configure(provider string, limits models.ProviderLimits) {
	state := g.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()

	if limits.PerMinute > 0 {
		state.limits.PerMinute = limits.PerMinute
	}
	if limits.PerSecond > 0 {
		state.limits.PerSecond = limits.PerSecond
	}
	if limits.Burst > 0 {
		state.limits.Burst = limits.Burst
	}
	log.Info().Str("provider", provider).
		Int("per_minute", state.limits.PerMinute).
		Int("per_second", state.limits.PerSecond).
		Msg("Provider rate limits configured")
}

// state returns the provider's state entry, creating it with the default
// limits on first use.
func (g *Governor) state(provider string) *providerState {
	g.mu.RLock()
	state, ok := g.states[provider]
	g.mu.RUnlock()
	if ok {
		return state
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if state, ok := g.states[provider]; ok {
		return state
	}
	state = &providerState{limits: g.cfg.Limits}
	g.states[provider] = state
	return state
}

// minSpacing is the shortest allowed gap between two calls to the same
// provider, derived from its per-second limit.
func minSpacing(perSecond int) time.Duration {
	if perSecond <= 0 {
		return 0
	}
	return time.Duration(1000/perSecond) * time.Millisecond
}

// CheckAdmission decides whether a call to the provider may proceed right
// now. Denials carry the wait until the next re-check is worthwhile. The
// check order is: active backoff, window reset, window exhaustion, burst
// guard.
func (g *Governor) CheckAdmission(provider string) Admission {
	state := g.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := g.timeNow()

	if now.Before(state.backoffUntil) {
		return Admission{Wait: state.backoffUntil.Sub(now), Reason: ReasonBackoffActive}
	}

	if state.windowStart.IsZero() || now.Sub(state.windowStart) >= windowLength {
		state.windowStart = now
		state.windowCount = 0
	}

	if state.windowCount >= state.limits.PerMinute {
		wait := state.windowStart.Add(windowLength).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Admission{Wait: wait, Reason: ReasonWindowExhausted}
	}

	if spacing := minSpacing(state.limits.PerSecond); spacing > 0 && !state.lastCall.IsZero() {
		if gap := now.Sub(state.lastCall); gap < spacing {
			return Admission{Wait: spacing - gap, Reason: ReasonBurstGuard}
		}
	}

	return Admission{Allowed: true}
}

// RecordCall records a completed call against the provider's window. A
// gap below the minimum spacing increments the violation counter; the
// counter feeds backoff escalation and status reporting, it is not a
// failure by itself.
func (g *Governor) RecordCall(provider string, success bool) {
	state := g.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := g.timeNow()
	if state.windowStart.IsZero() || now.Sub(state.windowStart) >= windowLength {
		state.windowStart = now
		state.windowCount = 0
	}
	state.windowCount++

	if spacing := minSpacing(state.limits.PerSecond); spacing > 0 && !state.lastCall.IsZero() {
		if now.Sub(state.lastCall) < spacing {
			state.violations++
		}
	}
	state.lastCall = now

	if !success {
		log.Debug().Str("provider", provider).Int("window_count", state.windowCount).
			Msg("Recorded failed provider call")
	}
}

// TriggerBackoff escalates the provider's backoff window exponentially
// with the violation count, capped. Returns the applied duration.
func (g *Governor) TriggerBackoff(provider string, violations int) time.Duration {
	state := g.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()

	if violations < 0 {
		violations = 0
	}
	backoff := time.Duration(float64(g.cfg.BackoffBase) * math.Pow(2, float64(violations)))
	if backoff > g.cfg.BackoffCap || backoff <= 0 {
		backoff = g.cfg.BackoffCap
	}
	state.backoffUntil = g.timeNow().Add(backoff)
	state.violations++

	log.Warn().Str("provider", provider).Dur("backoff", backoff).
		Int("violations", state.violations).Msg("Provider backoff triggered")
	return backoff
}

// Violations returns the provider's current violation count.
func (g *Governor) Violations(provider string) int {
	state := g.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.violations
}

// ExecuteGoverned runs one provider call under admission control. Denied
// admissions sleep the indicated wait and re-check, bounded by the
// configured attempt count and total wait budget; exhausting the budget
// fails with a rate-limit error without performing the call. An upstream
// throttle response (a rate-limit classified error from the call itself)
// escalates the provider's backoff before propagating.
func (g *Governor) ExecuteGoverned(ctx context.Context, provider string, call func(ctx context.Context) error) error {
	var waited time.Duration

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		adm := g.CheckAdmission(provider)
		if adm.Allowed {
			break
		}

		if attempt >= g.cfg.AdmissionAttempts || waited+adm.Wait > g.cfg.AdmissionMaxWait {
			return coreerrors.RateLimitf(
				"admission denied for provider %s after %d attempts (%s, next wait %s)",
				provider, attempt, adm.Reason, adm.Wait)
		}

		log.Debug().Str("provider", provider).Str("reason", adm.Reason).
			Dur("wait", adm.Wait).Int("attempt", attempt).Msg("Admission denied, waiting")

		if err := g.sleep(ctx, adm.Wait); err != nil {
			return err
		}
		waited += adm.Wait
	}

	err := call(ctx)
	g.RecordCall(provider, err == nil)

	if err != nil && coreerrors.IsRateLimit(err) {
		g.TriggerBackoff(provider, g.Violations(provider))
	}
	return err
}

// BatchDelay computes the pause between batches so that a batch of the
// given concurrency cannot exceed the provider's per-second limit.
func (g *Governor) BatchDelay(provider string, concurrency int) time.Duration {
	state := g.state(provider)
	state.mu.Lock()
	perSecond := state.limits.PerSecond
	state.mu.Unlock()

	if perSecond <= 0 || concurrency <= 0 {
		return 0
	}
	batches := math.Ceil(float64(concurrency) / float64(perSecond))
	return time.Duration(batches * 1000 * batchSafetyMargin * float64(time.Millisecond))
}

// ExecuteBatch runs the calls against one provider in batches of the
// given concurrency, pausing the computed inter-batch delay between
// batches. Every call gets its slot in the result slice; one failure
// never aborts the rest of the batch.
func (g *Governor) ExecuteBatch(ctx context.Context, provider string, calls []func(ctx context.Context) error, concurrency int) []error {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]error, len(calls))
	delay := g.BatchDelay(provider, concurrency)

	for start := 0; start < len(calls); start += concurrency {
		end := start + concurrency
		if end > len(calls) {
			end = len(calls)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = g.ExecuteGoverned(ctx, provider, calls[i])
			}(i)
		}
		wg.Wait()

		if end < len(calls) && delay > 0 {
			if err := g.sleep(ctx, delay); err != nil {
				for i := end; i < len(calls); i++ {
					results[i] = err
				}
				return results
			}
		}
	}
	return results
}

// Status returns the pull-based view of one provider's state.
func (g *Governor) Status(provider string) models.RateLimitStatus {
	state := g.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := g.timeNow()
	count := state.windowCount
	if !state.windowStart.IsZero() && now.Sub(state.windowStart) >= windowLength {
		count = 0
	}
	remaining := state.limits.PerMinute - count
	if remaining < 0 {
		remaining = 0
	}

	status := models.RateLimitStatus{
		Provider:          provider,
		WindowCallCount:   count,
		RemainingCapacity: remaining,
		ViolationCount:    state.violations,
	}
	if now.Before(state.backoffUntil) {
		status.BackoffActive = true
		status.BackoffRemainMs = state.backoffUntil.Sub(now).Milliseconds()
	}
	return status
}

// BackoffActive reports whether the provider is currently in backoff.
func (g *Governor) BackoffActive(provider string) bool {
	state := g.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()
	return g.timeNow().Before(state.backoffUntil)
}

// Providers returns every provider the governor has state for.
func (g *Governor) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.states))
	for provider := range g.states {
		out = append(out, provider)
	}
	return out
}

// Reset clears one provider's window, violations and backoff. Admin
// action only.
func (g *Governor) Reset(provider string) {
	state := g.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()

	state.windowCount = 0
	state.windowStart = time.Time{}
	state.lastCall = time.Time{}
	state.violations = 0
	state.backoffUntil = time.Time{}
	log.Info().Str("provider", provider).Msg("Provider rate-limit state reset")
}

// ResetAll clears every provider's state. Admin action only.
func (g *Governor) ResetAll() {
	g.mu.RLock()
	providers := make([]string, 0, len(g.states))
	for provider := range g.states {
		providers = append(providers, provider)
	}
	g.mu.RUnlock()

	for _, provider := range providers {
		g.Reset(provider)
	}
}
