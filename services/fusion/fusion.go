// Package fusion resolves multiple source readings of one logical
// quantity into a single fused value. The engine is a pure computation:
// it holds no provider state and fails closed when the surviving
// readings cannot support the requested strategy.
package fusion

import (
	"time"

	"github.com/shopspring/decimal"

	"go_market_core/coreerrors"
	"go_market_core/models"
)

// Config holds the fusion thresholds.
type Config struct {
	// MinQuality drops readings scoring below it before any strategy runs.
	MinQuality float64
	// ConsensusFraction is the agreement a group must exceed, as a
	// fraction of surviving readings.
	ConsensusFraction float64
	// ToleranceRatio is the relative band for consensus grouping.
	ToleranceRatio float64
}

// DefaultConfig returns the documented fusion defaults.
func DefaultConfig() Config {
	return Config{MinQuality: 0.5, ConsensusFraction: 0.5, ToleranceRatio: 0.005}
}

// Engine fuses scored readings according to a named strategy.
type Engine struct {
	cfg       Config
	tolerance decimal.Decimal
}

// NewEngine creates a fusion engine, filling zero thresholds from the
// defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MinQuality <= 0 {
		cfg.MinQuality = def.MinQuality
	}
	if cfg.ConsensusFraction <= 0 {
		cfg.ConsensusFraction = def.ConsensusFraction
	}
	if cfg.ToleranceRatio <= 0 {
		cfg.ToleranceRatio = def.ToleranceRatio
	}
	return &Engine{cfg: cfg, tolerance: decimal.NewFromFloat(cfg.ToleranceRatio)}
}

// Fuse resolves the readings for one quantity into a single value. The
// empty strategy defaults to highest-quality. Readings below the quality
// threshold are dropped first; a single survivor passes through
// unchanged whatever the strategy.
func (e *Engine) Fuse(quantityID string, readings []models.ScoredReading, strategy string) (models.FusedValue, error) {
	if strategy == "" {
		strategy = models.StrategyHighestQuality
	}

	eligible := make([]models.ScoredReading, 0, len(readings))
	for _, r := range readings {
		if r.Score.Overall >= e.cfg.MinQuality {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return models.FusedValue{}, coreerrors.Qualityf(
			"insufficient quality for %s: all %d readings below threshold %.2f",
			quantityID, len(readings), e.cfg.MinQuality)
	}

	fused := models.FusedValue{
		QuantityID:        quantityID,
		Strategy:          strategy,
		ContributingCount: len(eligible),
		MaxDiscrepancy:    maxPairwiseDiff(eligible),
	}

	if len(eligible) == 1 {
		fused.Value = eligible[0].Reading.Value
		fused.Timestamp = eligible[0].Reading.ObservedAt
		return fused, nil
	}

	switch strategy {
	case models.StrategyHighestQuality:
		picked := pickHighestQuality(eligible)
		fused.Value = picked.Reading.Value
		fused.Timestamp = picked.Reading.ObservedAt
	case models.StrategyMostRecent:
		picked := pickMostRecent(eligible)
		fused.Value = picked.Reading.Value
		fused.Timestamp = picked.Reading.ObservedAt
	case models.StrategyWeightedAverage:
		value, err := weightedAverage(eligible)
		if err != nil {
			return models.FusedValue{}, err
		}
		fused.Value = value
		fused.Timestamp = latestObservation(eligible)
	case models.StrategyConsensus:
		group, err := e.consensusGroup(quantityID, eligible)
		if err != nil {
			return models.FusedValue{}, err
		}
		value, err := weightedAverage(group)
		if err != nil {
			return models.FusedValue{}, err
		}
		fused.Value = value
		fused.Timestamp = latestObservation(group)
	default:
		return models.FusedValue{}, coreerrors.Configurationf("unknown fusion strategy %q", strategy)
	}
	return fused, nil
}

// pickHighestQuality returns the reading with the best overall score,
// breaking ties toward the most recent observation.
func pickHighestQuality(readings []models.ScoredReading) models.ScoredReading {
	best := readings[0]
	for _, r := range readings[1:] {
		if r.Score.Overall > best.Score.Overall {
			best = r
			continue
		}
		if r.Score.Overall == best.Score.Overall && r.Reading.ObservedAt.After(best.Reading.ObservedAt) {
			best = r
		}
	}
	return best
}

// pickMostRecent returns the newest reading, breaking ties toward the
// higher overall score.
func pickMostRecent(readings []models.ScoredReading) models.ScoredReading {
	best := readings[0]
	for _, r := range readings[1:] {
		if r.Reading.ObservedAt.After(best.Reading.ObservedAt) {
			best = r
			continue
		}
		if r.Reading.ObservedAt.Equal(best.Reading.ObservedAt) && r.Score.Overall > best.Score.Overall {
			best = r
		}
	}
	return best
}

// weightedAverage computes the quality-weighted mean of the readings.
func weightedAverage(readings []models.ScoredReading) (decimal.Decimal, error) {
	weightedSum := decimal.Zero
	totalWeight := decimal.Zero
	for _, r := range readings {
		weight := decimal.NewFromFloat(r.Score.Overall)
		weightedSum = weightedSum.Add(r.Reading.Value.Mul(weight))
		totalWeight = totalWeight.Add(weight)
	}
	if totalWeight.IsZero() {
		return decimal.Zero, coreerrors.Qualityf("zero total weight across %d readings", len(readings))
	}
	return weightedSum.Div(totalWeight), nil
}

// consensusGroup buckets the readings by relative tolerance around each
// group's first member and returns the winning group. The winner must
// exceed the configured fraction of the surviving readings; among
// qualifying groups the largest wins, with ties broken by total quality.
func (e *Engine) consensusGroup(quantityID string, readings []models.ScoredReading) ([]models.ScoredReading, error) {
	var groups [][]models.ScoredReading
	for _, r := range readings {
		placed := false
		for i, group := range groups {
			anchor := group[0].Reading.Value
			band := anchor.Abs().Mul(e.tolerance)
			if r.Reading.Value.Sub(anchor).Abs().LessThanOrEqual(band) {
				groups[i] = append(groups[i], r)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []models.ScoredReading{r})
		}
	}

	required := e.cfg.ConsensusFraction * float64(len(readings))
	var winner []models.ScoredReading
	for _, group := range groups {
		if float64(len(group)) <= required {
			continue
		}
		if winner == nil || len(group) > len(winner) ||
			(len(group) == len(winner) && totalQuality(group) > totalQuality(winner)) {
			winner = group
		}
	}
	if winner == nil {
		return nil, coreerrors.Qualityf(
			"no consensus for %s: largest of %d groups holds %d of %d readings",
			quantityID, len(groups), largestGroup(groups), len(readings))
	}
	return winner, nil
}

func totalQuality(readings []models.ScoredReading) float64 {
	total := 0.0
	for _, r := range readings {
		total += r.Score.Overall
	}
	return total
}

func largestGroup(groups [][]models.ScoredReading) int {
	largest := 0
	for _, group := range groups {
		if len(group) > largest {
			largest = len(group)
		}
	}
	return largest
}

// latestObservation returns the newest observation time among the
// readings, so averaged values carry a deterministic timestamp.
func latestObservation(readings []models.ScoredReading) time.Time {
	latest := readings[0].Reading.ObservedAt
	for _, r := range readings[1:] {
		if r.Reading.ObservedAt.After(latest) {
			latest = r.Reading.ObservedAt
		}
	}
	return latest
}

// maxPairwiseDiff returns the largest absolute difference between any
// two surviving readings.
func maxPairwiseDiff(readings []models.ScoredReading) decimal.Decimal {
	max := decimal.Zero
	for i := 0; i < len(readings); i++ {
		for j := i + 1; j < len(readings); j++ {
			diff := readings[i].Reading.Value.Sub(readings[j].Reading.Value).Abs()
			if diff.GreaterThan(max) {
				max = diff
			}
		}
	}
	return max
}
