// Package quality scores individual source readings along four weighted
// axes (freshness, completeness, provider reputation, call latency) and
// maintains the per-provider reputation that feeds back into scoring.
package quality

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go_market_core/models"
)

// Scoring thresholds. The weights are configuration; these cutoffs are the
// documented decay anchors.
const (
	freshCutoff    = 1 * time.Second
	fastLatency    = 100 * time.Millisecond
	slowLatency    = 2000 * time.Millisecond
	latencyFloor   = 0.1
	defaultRep     = 0.8
	reputationStep = 0.02
)

// Config holds the scorer's tunables. Weights must sum to 1; NewScorer
// normalizes them if they do not.
type Config struct {
	FreshnessWeight    float64
	CompletenessWeight float64
	ReputationWeight   float64
	LatencyWeight      float64
	MaxStaleness       time.Duration
	SnapshotPath       string
}

// DefaultConfig returns the documented default weighting.
func DefaultConfig() Config {
	return Config{
		FreshnessWeight:    0.3,
		CompletenessWeight: 0.3,
		ReputationWeight:   0.25,
		LatencyWeight:      0.15,
		MaxStaleness:       5 * time.Minute,
		SnapshotPath:       "data/reputation.json",
	}
}

// Scorer computes quality scores and owns provider reputation state.
// Reputation is process-wide: one entry per provider, created at the
// documented default on first use, never reset except by admin action.
type Scorer struct {
	cfg Config

	mu          sync.RWMutex
	reputations map[string]float64

	timeNow func() time.Time
}

// NewScorer creates a scorer with the given config.
func NewScorer(cfg Config) *Scorer {
	sum := cfg.FreshnessWeight + cfg.CompletenessWeight + cfg.ReputationWeight + cfg.LatencyWeight
	if sum > 0 && (sum < 0.999 || sum > 1.001) {
		cfg.FreshnessWeight /= sum
		cfg.CompletenessWeight /= sum
		cfg.ReputationWeight /= sum
		cfg.LatencyWeight /= sum
		log.Warn().Float64("sum", sum).Msg("Quality weights did not sum to 1, normalized")
	}
	if cfg.MaxStaleness <= freshCutoff {
		cfg.MaxStaleness = 5 * time.Minute
	}
	return &Scorer{
		cfg:         cfg,
		reputations: make(map[string]float64),
		timeNow:     time.Now,
	}
}

// Score computes the quality of one reading. Every sub-score and the
// weighted overall score lie in [0,1].
func (s *Scorer) Score(r models.SourceReading) models.QualityScore {
	score := models.QualityScore{
		Freshness:    s.freshness(r.ObservedAt),
		Completeness: clamp01(r.Completeness),
		Reputation:   s.Reputation(r.Provider),
		Latency:      latencyScore(r.Latency),
	}
	score.Overall = clamp01(
		score.Freshness*s.cfg.FreshnessWeight +
			score.Completeness*s.cfg.CompletenessWeight +
			score.Reputation*s.cfg.ReputationWeight +
			score.Latency*s.cfg.LatencyWeight,
	)
	return score
}

// freshness is 1.0 under the fresh cutoff and decays linearly to 0 at the
// configured max staleness.
func (s *Scorer) freshness(observedAt time.Time) float64 {
	age := s.timeNow().Sub(observedAt)
	if age < freshCutoff {
		return 1.0
	}
	span := s.cfg.MaxStaleness - freshCutoff
	return clamp01(1.0 - float64(age-freshCutoff)/float64(span))
}

// latencyScore is 1.0 under the fast threshold and decays linearly to the
// floor at the slow threshold.
func latencyScore(latency time.Duration) float64 {
	if latency < fastLatency {
		return 1.0
	}
	if latency >= slowLatency {
		return latencyFloor
	}
	frac := float64(latency-fastLatency) / float64(slowLatency-fastLatency)
	return clamp01(1.0 - frac*(1.0-latencyFloor))
}

// Reputation returns the provider's current reputation, materializing the
// default entry on first use.
func (s *Scorer) Reputation(provider string) float64 {
	s.mu.RLock()
	rep, ok := s.reputations[provider]
	s.mu.RUnlock()
	if ok {
		return rep
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rep, ok := s.reputations[provider]; ok {
		return rep
	}
	s.reputations[provider] = defaultRep
	return defaultRep
}

// RecordOutcome nudges the provider's reputation toward 1.0 on success and
// toward 0.0 on failure, clamped to [0,1].
func (s *Scorer) RecordOutcome(provider string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep, ok := s.reputations[provider]
	if !ok {
		rep = defaultRep
	}
	if success {
		rep += reputationStep
	} else {
		rep -= reputationStep
	}
	s.reputations[provider] = clamp01(rep)
}

// ResetReputation restores one provider to the default. Admin action only.
func (s *Scorer) ResetReputation(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reputations, provider)
	log.Info().Str("provider", provider).Msg("Provider reputation reset to default")
}

// ResetAllReputations restores every provider to the default. Admin action only.
func (s *Scorer) ResetAllReputations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputations = make(map[string]float64)
	log.Info().Msg("All provider reputations reset to default")
}

// Reputations returns a copy of the current reputation table.
func (s *Scorer) Reputations() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.reputations))
	for provider, rep := range s.reputations {
		out[provider] = rep
	}
	return out
}

// reputationSnapshot is the persisted snapshot file format.
type reputationSnapshot struct {
	SavedAt     time.Time          `json:"saved_at"`
	Reputations map[string]float64 `json:"reputations"`
}

// SaveSnapshot persists the reputation table to the snapshot file.
func (s *Scorer) SaveSnapshot() error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}

	dir := filepath.Dir(s.cfg.SnapshotPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	snapshot := reputationSnapshot{
		SavedAt:     s.timeNow(),
		Reputations: s.Reputations(),
	}

	jsonData, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reputation snapshot: %w", err)
	}

	if err := os.WriteFile(s.cfg.SnapshotPath, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write reputation snapshot: %w", err)
	}

	log.Info().Int("providers", len(snapshot.Reputations)).Str("path", s.cfg.SnapshotPath).
		Msg("Saved reputation snapshot")
	return nil
}

// LoadSnapshot restores the reputation table from the snapshot file.
func (s *Scorer) LoadSnapshot() error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}
	if _, err := os.Stat(s.cfg.SnapshotPath); os.IsNotExist(err) {
		return fmt.Errorf("reputation snapshot not found: %s", s.cfg.SnapshotPath)
	}

	jsonData, err := os.ReadFile(s.cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("failed to read reputation snapshot: %w", err)
	}

	var snapshot reputationSnapshot
	if err := json.Unmarshal(jsonData, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal reputation snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputations = make(map[string]float64, len(snapshot.Reputations))
	for provider, rep := range snapshot.Reputations {
		s.reputations[provider] = clamp01(rep)
	}

	log.Info().Int("providers", len(s.reputations)).
		Time("saved_at", snapshot.SavedAt).Msg("Loaded reputation snapshot")
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
