package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Fusion strategies
const (
	StrategyHighestQuality  = "highest-quality"
	StrategyMostRecent      = "most-recent"
	StrategyWeightedAverage = "weighted-average"
	StrategyConsensus       = "consensus"
)

// Quantity kinds
const (
	QuantityKindQuote = "quote"
	QuantityKindIndex = "index"
)

// QuantitySpec names one logical quantity a job needs per execution,
// with the fusion strategy to resolve it. Optional quantities may fail
// without failing the execution.
type QuantitySpec struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // quote, index
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	Optional bool   `json:"optional"`
}

// SourceReading is one provider's observation of a logical quantity.
// Produced by a provider call, consumed once by the quality scorer, not
// retained beyond fusion except in discrepancy logs.
type SourceReading struct {
	Provider     string          `json:"provider"`
	QuantityID   string          `json:"quantity_id"`
	Value        decimal.Decimal `json:"value"`
	ObservedAt   time.Time       `json:"observed_at"`
	Latency      time.Duration   `json:"latency"`
	Completeness float64         `json:"completeness"` // populated/expected field ratio
}

// QualityScore holds the four sub-scores and the weighted overall score,
// each in [0,1]. Derived per reading, never mutated in place.
type QualityScore struct {
	Freshness    float64 `json:"freshness"`
	Completeness float64 `json:"completeness"`
	Reputation   float64 `json:"reputation"`
	Latency      float64 `json:"latency"`
	Overall      float64 `json:"overall"`
}

// ScoredReading pairs a reading with its quality score for fusion.
type ScoredReading struct {
	Reading SourceReading `json:"reading"`
	Score   QualityScore  `json:"score"`
}

// FusedValue is the single resolved value for one logical quantity.
type FusedValue struct {
	QuantityID        string          `json:"quantity_id"`
	Value             decimal.Decimal `json:"value"`
	Strategy          string          `json:"strategy"`
	ContributingCount int             `json:"contributing_count"`
	MaxDiscrepancy    decimal.Decimal `json:"max_discrepancy"`
	Timestamp         time.Time       `json:"timestamp"`
}

// FusedValueRecord persists fusion outcomes for history queries.
type FusedValueRecord struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	JobID             string          `gorm:"index:idx_fused_job_quantity" json:"job_id"`
	RunID             string          `gorm:"index" json:"run_id"`
	QuantityID        string          `gorm:"index:idx_fused_job_quantity" json:"quantity_id"`
	Value             decimal.Decimal `gorm:"type:decimal(20,6)" json:"value"`
	Strategy          string          `json:"strategy"`
	ContributingCount int             `json:"contributing_count"`
	MaxDiscrepancy    decimal.Decimal `gorm:"type:decimal(20,6)" json:"max_discrepancy"`
	CreatedAt         time.Time       `json:"created_at"`
}

// DiscrepancyRecord captures a cross-source disagreement worth flagging
// even when fusion itself succeeded.
type DiscrepancyRecord struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	JobID       string          `gorm:"index" json:"job_id"`
	RunID       string          `json:"run_id"`
	QuantityID  string          `gorm:"index" json:"quantity_id"`
	Discrepancy decimal.Decimal `gorm:"type:decimal(20,6)" json:"discrepancy"`
	Readings    string          `json:"readings"` // JSON provider→value map
	CreatedAt   time.Time       `json:"created_at"`
}

// MigrateFusionModels runs database migrations for fusion history models
func MigrateFusionModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&FusedValueRecord{},
		&DiscrepancyRecord{},
	)
}
