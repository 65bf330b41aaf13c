package scheduler

import (
	"time"

	"go_market_core/models"
)

// AdaptiveConfig tunes how the next refresh interval stretches or
// tightens with observed conditions.
type AdaptiveConfig struct {
	// SlowThreshold marks an execution as slow; slow runs stretch the
	// interval by SlowFactor.
	SlowThreshold time.Duration
	SlowFactor    float64
	// VolatilityThreshold marks the market as volatile; volatile markets
	// tighten the interval by VolatilityFactor.
	VolatilityThreshold float64
	VolatilityFactor    float64
	// ClosedFactor stretches the interval while the market is closed,
	// never below ClosedFloor.
	ClosedFactor float64
	ClosedFloor  time.Duration
	// MinInterval is the platform-wide hard floor, applied last.
	MinInterval time.Duration
}

// DefaultAdaptiveConfig returns the documented multipliers.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		SlowThreshold:       30 * time.Second,
		SlowFactor:          1.5,
		VolatilityThreshold: 0.6,
		VolatilityFactor:    0.85,
		ClosedFactor:        3.0,
		ClosedFloor:         300 * time.Second,
		MinInterval:         30 * time.Second,
	}
}

// NextInterval computes the interval until the next run from the job's
// configured base interval, the duration of the run that just finished,
// and current market conditions. The factors compose multiplicatively;
// the closed floor applies to closed markets and the platform minimum is
// a hard floor at the end.
func (c AdaptiveConfig) NextInterval(base, lastDuration time.Duration, market models.MarketSnapshot) time.Duration {
	interval := float64(base)

	if lastDuration > c.SlowThreshold {
		interval *= c.SlowFactor
	}
	if market.VolatilityIndex > c.VolatilityThreshold {
		interval *= c.VolatilityFactor
	}
	if !market.Open {
		interval *= c.ClosedFactor
		if interval < float64(c.ClosedFloor) {
			interval = float64(c.ClosedFloor)
		}
	}
	if interval < float64(c.MinInterval) {
		interval = float64(c.MinInterval)
	}
	return time.Duration(interval)
}
