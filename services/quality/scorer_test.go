package quality

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"go_market_core/models"
)

var scoreTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func testScorer(cfg Config) *Scorer {
	s := NewScorer(cfg)
	s.timeNow = func() time.Time { return scoreTime }
	return s
}

func reading(provider string, age, latency time.Duration, completeness float64) models.SourceReading {
	return models.SourceReading{
		Provider:     provider,
		QuantityID:   "quote:VNM",
		Value:        decimal.NewFromInt(100),
		ObservedAt:   scoreTime.Add(-age),
		Latency:      latency,
		Completeness: completeness,
	}
}

func TestScoreBounds(t *testing.T) {
	s := testScorer(DefaultConfig())

	cases := []models.SourceReading{
		reading("vndirect", 0, 10*time.Millisecond, 1.0),
		reading("tcbs", 10*time.Minute, 5*time.Second, 0.0),
		reading("ssi", 30*time.Second, 500*time.Millisecond, 0.5),
		reading("vndirect", 5*time.Minute, 2*time.Second, 1.5),
	}
	for i, r := range cases {
		score := s.Score(r)
		for name, v := range map[string]float64{
			"freshness":    score.Freshness,
			"completeness": score.Completeness,
			"reputation":   score.Reputation,
			"latency":      score.Latency,
			"overall":      score.Overall,
		} {
			require.GreaterOrEqual(t, v, 0.0, "case %d %s", i, name)
			require.LessOrEqual(t, v, 1.0, "case %d %s", i, name)
		}
	}
}

func TestScorePerfectReading(t *testing.T) {
	s := testScorer(DefaultConfig())

	score := s.Score(reading("vndirect", 0, 10*time.Millisecond, 1.0))
	require.Equal(t, 1.0, score.Freshness)
	require.Equal(t, 1.0, score.Completeness)
	require.Equal(t, 1.0, score.Latency)
	require.Equal(t, defaultRep, score.Reputation)

	// 0.3 + 0.3 + 0.25*0.8 + 0.15 = 0.95
	require.InDelta(t, 0.95, score.Overall, 1e-9)
}

func TestFreshnessMonotoneDecay(t *testing.T) {
	s := testScorer(DefaultConfig())

	ages := []time.Duration{
		0, 500 * time.Millisecond, 2 * time.Second, 30 * time.Second,
		1 * time.Minute, 3 * time.Minute, 5 * time.Minute, 10 * time.Minute,
	}
	prev := 1.1
	for _, age := range ages {
		f := s.freshness(scoreTime.Add(-age))
		require.LessOrEqual(t, f, prev, "freshness must not increase with age %s", age)
		prev = f
	}

	require.Equal(t, 1.0, s.freshness(scoreTime.Add(-200*time.Millisecond)))
	require.Equal(t, 0.0, s.freshness(scoreTime.Add(-5*time.Minute)))
	require.Equal(t, 0.0, s.freshness(scoreTime.Add(-1*time.Hour)))
}

func TestLatencyScoreAnchors(t *testing.T) {
	require.Equal(t, 1.0, latencyScore(50*time.Millisecond))
	require.Equal(t, latencyFloor, latencyScore(2000*time.Millisecond))
	require.Equal(t, latencyFloor, latencyScore(10*time.Second))

	// Midpoint of the decay span sits halfway between 1.0 and the floor.
	mid := latencyScore(1050 * time.Millisecond)
	require.InDelta(t, (1.0+latencyFloor)/2, mid, 1e-9)

	prev := 1.1
	for _, l := range []time.Duration{0, 100, 500, 1000, 1500, 2000, 3000} {
		score := latencyScore(l * time.Millisecond)
		require.LessOrEqual(t, score, prev)
		prev = score
	}
}

func TestReputationDefault(t *testing.T) {
	s := testScorer(DefaultConfig())
	require.Equal(t, defaultRep, s.Reputation("never-seen"))
}

func TestReputationDriftBounded(t *testing.T) {
	s := testScorer(DefaultConfig())

	prev := s.Reputation("vndirect")
	for i := 0; i < 10; i++ {
		s.RecordOutcome("vndirect", true)
		rep := s.Reputation("vndirect")
		require.GreaterOrEqual(t, rep, prev, "reputation must not drop on success")
		require.LessOrEqual(t, rep, 1.0)
		prev = rep
	}
	require.InDelta(t, 1.0, prev, 1e-9)

	prev = s.Reputation("tcbs")
	for i := 0; i < 10; i++ {
		s.RecordOutcome("tcbs", false)
		rep := s.Reputation("tcbs")
		require.LessOrEqual(t, rep, prev, "reputation must not rise on failure")
		require.GreaterOrEqual(t, rep, 0.0)
		prev = rep
	}
	require.InDelta(t, defaultRep-10*reputationStep, prev, 1e-9)
}

func TestReputationClamped(t *testing.T) {
	s := testScorer(DefaultConfig())

	for i := 0; i < 60; i++ {
		s.RecordOutcome("vndirect", true)
		s.RecordOutcome("tcbs", false)
	}
	require.Equal(t, 1.0, s.Reputation("vndirect"))
	require.Equal(t, 0.0, s.Reputation("tcbs"))
}

func TestResetReputation(t *testing.T) {
	s := testScorer(DefaultConfig())

	for i := 0; i < 5; i++ {
		s.RecordOutcome("ssi", false)
	}
	require.Less(t, s.Reputation("ssi"), defaultRep)

	s.ResetReputation("ssi")
	require.Equal(t, defaultRep, s.Reputation("ssi"))
}

func TestWeightNormalization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FreshnessWeight = 3
	cfg.CompletenessWeight = 3
	cfg.ReputationWeight = 2.5
	cfg.LatencyWeight = 1.5
	s := testScorer(cfg)

	score := s.Score(reading("vndirect", 0, 10*time.Millisecond, 1.0))
	require.InDelta(t, 0.95, score.Overall, 1e-9)
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "reputation.json")
	s := testScorer(cfg)

	for i := 0; i < 4; i++ {
		s.RecordOutcome("vndirect", true)
		s.RecordOutcome("tcbs", false)
	}
	want := s.Reputations()

	require.NoError(t, s.SaveSnapshot())

	restored := testScorer(cfg)
	require.NoError(t, restored.LoadSnapshot())
	require.Equal(t, want, restored.Reputations())
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "absent.json")
	s := testScorer(cfg)
	require.Error(t, s.LoadSnapshot())
}
