package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Instrument represents a tracked market symbol
type Instrument struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Symbol    string    `gorm:"uniqueIndex;not null" json:"symbol"`
	Name      string    `json:"name"`
	Exchange  string    `json:"exchange"` // HOSE, HNX, UPCOM
	Status    string    `gorm:"default:'active'" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstrumentSnapshot stores the fused quote produced by a refresh run
type InstrumentSnapshot struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	Symbol        string          `gorm:"index:idx_snapshot_symbol_time" json:"symbol"`
	Price         decimal.Decimal `gorm:"type:decimal(15,2)" json:"price"`
	Change        decimal.Decimal `gorm:"type:decimal(15,2)" json:"change"`
	ChangePercent decimal.Decimal `gorm:"type:decimal(10,4)" json:"change_percent"`
	SourceCount   int             `json:"source_count"`
	Discrepancy   decimal.Decimal `gorm:"type:decimal(15,6)" json:"discrepancy"`
	CreatedAt     time.Time       `gorm:"index:idx_snapshot_symbol_time" json:"created_at"`
}

// MigrateMarketModels runs database migrations for instrument models
func MigrateMarketModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Instrument{},
		&InstrumentSnapshot{},
	)
}
