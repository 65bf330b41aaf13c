package services

import (
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go_market_core/coreerrors"
	"go_market_core/models"
)

// RegistryStore wraps the optional Postgres registry: job definitions,
// fused-value and discrepancy history, instruments and admin accounts.
// With no database configured every write is a no-op and every read
// reports the store as disabled.
type RegistryStore struct {
	db *gorm.DB
}

// Global registry store
var GlobalRegistry *RegistryStore

// InitRegistry prepares the registry store. A nil database leaves the
// store disabled; the service runs degraded on local telemetry only.
func InitRegistry(db *gorm.DB) error {
	GlobalRegistry = &RegistryStore{db: db}
	if db == nil {
		log.Warn().Msg("Registry store disabled, job definitions will not survive restarts")
		return nil
	}

	if err := models.MigrateJobModels(db); err != nil {
		return coreerrors.Wrap(err, "failed to migrate job registry models")
	}
	if err := models.MigrateFusionModels(db); err != nil {
		return coreerrors.Wrap(err, "failed to migrate fusion history models")
	}
	if err := models.MigrateMarketModels(db); err != nil {
		return coreerrors.Wrap(err, "failed to migrate instrument models")
	}
	if err := models.MigrateAdminModels(db); err != nil {
		return coreerrors.Wrap(err, "failed to migrate admin models")
	}

	log.Info().Msg("Registry store initialized")
	return nil
}

// Enabled reports whether a database backs the store.
func (r *RegistryStore) Enabled() bool {
	return r != nil && r.db != nil
}

// ==================== Job Records ====================

// SaveJobRecord upserts one job definition.
func (r *RegistryStore) SaveJobRecord(rec models.JobRecord) error {
	if !r.Enabled() {
		return nil
	}
	return r.db.Save(&rec).Error
}

// DeleteJobRecord removes one job definition.
func (r *RegistryStore) DeleteJobRecord(id string) error {
	if !r.Enabled() {
		return nil
	}
	return r.db.Delete(&models.JobRecord{}, "id = ?", id).Error
}

// SetJobPaused updates the persisted paused flag.
func (r *RegistryStore) SetJobPaused(id string, paused bool) error {
	if !r.Enabled() {
		return nil
	}
	return r.db.Model(&models.JobRecord{}).Where("id = ?", id).Update("paused", paused).Error
}

// LoadJobRecords returns every stored job definition, oldest first.
func (r *RegistryStore) LoadJobRecords() ([]models.JobRecord, error) {
	if !r.Enabled() {
		return nil, nil
	}

	var records []models.JobRecord
	if err := r.db.Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, coreerrors.Wrap(err, "failed to load job records")
	}
	return records, nil
}

// ==================== Fusion History ====================

// SaveFusedValue appends one fused-value history row.
func (r *RegistryStore) SaveFusedValue(jobID, runID string, fused models.FusedValue) error {
	if !r.Enabled() {
		return nil
	}

	rec := models.FusedValueRecord{
		JobID:             jobID,
		RunID:             runID,
		QuantityID:        fused.QuantityID,
		Value:             fused.Value,
		Strategy:          fused.Strategy,
		ContributingCount: fused.ContributingCount,
		MaxDiscrepancy:    fused.MaxDiscrepancy,
	}
	return r.db.Create(&rec).Error
}

// SaveDiscrepancy appends one discrepancy history row.
func (r *RegistryStore) SaveDiscrepancy(jobID, runID string, fused models.FusedValue, readingsJSON string) error {
	if !r.Enabled() {
		return nil
	}

	rec := models.DiscrepancyRecord{
		JobID:       jobID,
		RunID:       runID,
		QuantityID:  fused.QuantityID,
		Discrepancy: fused.MaxDiscrepancy,
		Readings:    readingsJSON,
	}
	return r.db.Create(&rec).Error
}

// ==================== Instruments ====================

// EnsureInstrument creates the tracked symbol if it is not known yet.
func (r *RegistryStore) EnsureInstrument(symbol string) error {
	if !r.Enabled() {
		return nil
	}

	var instrument models.Instrument
	err := r.db.Where("symbol = ?", symbol).First(&instrument).Error
	if coreerrors.Is(err, gorm.ErrRecordNotFound) {
		instrument = models.Instrument{Symbol: symbol, Status: "active"}
		return r.db.Create(&instrument).Error
	}
	return err
}

// ListInstruments returns every tracked symbol.
func (r *RegistryStore) ListInstruments() ([]models.Instrument, error) {
	if !r.Enabled() {
		return nil, coreerrors.New("registry store not configured")
	}

	var instruments []models.Instrument
	if err := r.db.Order("symbol ASC").Find(&instruments).Error; err != nil {
		return nil, err
	}
	return instruments, nil
}

// SaveInstrumentSnapshot appends one fused quote snapshot.
func (r *RegistryStore) SaveInstrumentSnapshot(snap models.InstrumentSnapshot) error {
	if !r.Enabled() {
		return nil
	}
	return r.db.Create(&snap).Error
}

// RecentSnapshots returns the latest snapshots for one symbol.
func (r *RegistryStore) RecentSnapshots(symbol string, limit int) ([]models.InstrumentSnapshot, error) {
	if !r.Enabled() {
		return nil, coreerrors.New("registry store not configured")
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	var snapshots []models.InstrumentSnapshot
	err := r.db.Where("symbol = ?", symbol).
		Order("created_at DESC").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// ==================== Admin Accounts ====================

// FindAdmin looks up an active admin account.
func (r *RegistryStore) FindAdmin(username string) (*models.AdminUser, error) {
	if !r.Enabled() {
		return nil, coreerrors.New("registry store not configured")
	}

	var admin models.AdminUser
	if err := r.db.Where("username = ? AND is_active = ?", username, true).First(&admin).Error; err != nil {
		return nil, err
	}
	return &admin, nil
}

// TouchAdminLogin stamps the account's last login time.
func (r *RegistryStore) TouchAdminLogin(admin *models.AdminUser) {
	if !r.Enabled() || admin == nil {
		return
	}
	now := time.Now()
	r.db.Model(admin).Update("last_login_at", now)
}
