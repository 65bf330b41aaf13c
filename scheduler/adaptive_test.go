package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go_market_core/models"
)

func openCalm() models.MarketSnapshot {
	return models.MarketSnapshot{Open: true, VolatilityIndex: 0.1}
}

func TestNextIntervalBaseCase(t *testing.T) {
	cfg := DefaultAdaptiveConfig()

	next := cfg.NextInterval(60*time.Second, 2*time.Second, openCalm())
	require.Equal(t, 60*time.Second, next)
}

func TestNextIntervalSlowExecutionStretches(t *testing.T) {
	cfg := DefaultAdaptiveConfig()

	next := cfg.NextInterval(60*time.Second, 45*time.Second, openCalm())
	require.Equal(t, 90*time.Second, next)
}

func TestNextIntervalVolatilityTightens(t *testing.T) {
	cfg := DefaultAdaptiveConfig()

	market := models.MarketSnapshot{Open: true, VolatilityIndex: 0.8}
	next := cfg.NextInterval(60*time.Second, 2*time.Second, market)
	require.Equal(t, 51*time.Second, next)
}

func TestNextIntervalClosedStretchesWithFloor(t *testing.T) {
	cfg := DefaultAdaptiveConfig()
	closed := models.MarketSnapshot{Open: false, VolatilityIndex: 0.1}

	// 60s * 3.0 = 180s, below the 300s closed floor.
	require.Equal(t, 300*time.Second, cfg.NextInterval(60*time.Second, 2*time.Second, closed))

	// 150s * 3.0 = 450s clears the floor.
	require.Equal(t, 450*time.Second, cfg.NextInterval(150*time.Second, 2*time.Second, closed))
}

func TestNextIntervalFactorsCompose(t *testing.T) {
	cfg := DefaultAdaptiveConfig()

	// Slow and volatile together: 60 * 1.5 * 0.85 = 76.5s.
	market := models.MarketSnapshot{Open: true, VolatilityIndex: 0.9}
	next := cfg.NextInterval(60*time.Second, 45*time.Second, market)
	require.Equal(t, 76500*time.Millisecond, next)
}

func TestNextIntervalPlatformMinimumIsHardFloor(t *testing.T) {
	cfg := DefaultAdaptiveConfig()

	// 35s volatile-tightened lands under the 30s platform minimum.
	market := models.MarketSnapshot{Open: true, VolatilityIndex: 0.95}
	next := cfg.NextInterval(33*time.Second, 2*time.Second, market)
	require.Equal(t, cfg.MinInterval, next)
}

func TestRetryDelayGrowsToCap(t *testing.T) {
	base := 5 * time.Second
	limit := 300 * time.Second

	require.Equal(t, 5*time.Second, retryDelay(base, 1, limit))
	require.Equal(t, 10*time.Second, retryDelay(base, 2, limit))
	require.Equal(t, 20*time.Second, retryDelay(base, 3, limit))
	require.Equal(t, 40*time.Second, retryDelay(base, 4, limit))
	require.Equal(t, 300*time.Second, retryDelay(base, 7, limit))
	require.Equal(t, 300*time.Second, retryDelay(base, 50, limit))

	// Strictly increasing until the cap.
	prev := time.Duration(0)
	for failures := 1; failures <= 10; failures++ {
		delay := retryDelay(base, failures, limit)
		if prev < limit {
			require.Greater(t, delay, prev, "delay must grow at %d failures", failures)
		} else {
			require.Equal(t, limit, delay)
		}
		prev = delay
	}
}

func TestRetryDelayDefaultsBase(t *testing.T) {
	require.Equal(t, 5*time.Second, retryDelay(0, 1, 300*time.Second))
}
