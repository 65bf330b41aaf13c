package services

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"go_market_core/models"
)

// CoreRecorder fans execution outcomes out to the telemetry store, the
// registry and the archive mirror. Storage failures are logged, never
// surfaced; a broken store must not fail a job execution.
type CoreRecorder struct {
	telemetry *TelemetryStore
	registry  *RegistryStore
	archive   *ArchiveClient
}

// NewCoreRecorder wires the recorder. Any store may be nil or disabled.
func NewCoreRecorder(telemetry *TelemetryStore, registry *RegistryStore, archive *ArchiveClient) *CoreRecorder {
	return &CoreRecorder{
		telemetry: telemetry,
		registry:  registry,
		archive:   archive,
	}
}

// RecordExecution persists one finished execution.
func (r *CoreRecorder) RecordExecution(record models.ExecutionRecord) {
	if r.telemetry != nil {
		if err := r.telemetry.SaveExecution(record); err != nil {
			log.Warn().Str("run_id", record.RunID).Err(err).Msg("Failed to save execution telemetry")
		}
	}
	if r.archive != nil {
		r.archive.BufferExecution(record)
	}
}

// RecordFusion appends one fused value to the registry history.
func (r *CoreRecorder) RecordFusion(jobID, runID string, fused models.FusedValue) {
	if r.registry == nil || !r.registry.Enabled() {
		return
	}
	if err := r.registry.SaveFusedValue(jobID, runID, fused); err != nil {
		log.Warn().Str("job_id", jobID).Str("quantity", fused.QuantityID).Err(err).
			Msg("Failed to save fused value history")
	}
}

// RecordDiscrepancy persists one cross-source disagreement to every
// configured store.
func (r *CoreRecorder) RecordDiscrepancy(jobID, runID string, fused models.FusedValue, readings []models.ScoredReading) {
	values := readingValues(readings)

	if r.telemetry != nil {
		err := r.telemetry.SaveDiscrepancy(jobID, runID, fused.QuantityID, fused.MaxDiscrepancy.String(), values)
		if err != nil {
			log.Warn().Str("job_id", jobID).Str("quantity", fused.QuantityID).Err(err).
				Msg("Failed to save discrepancy telemetry")
		}
	}

	if r.registry != nil && r.registry.Enabled() {
		readingsJSON, err := json.Marshal(values)
		if err == nil {
			err = r.registry.SaveDiscrepancy(jobID, runID, fused, string(readingsJSON))
		}
		if err != nil {
			log.Warn().Str("job_id", jobID).Str("quantity", fused.QuantityID).Err(err).
				Msg("Failed to save discrepancy history")
		}
	}

	if r.archive != nil {
		r.archive.BufferDiscrepancy(ArchiveDiscrepancy{
			JobID:       jobID,
			RunID:       runID,
			QuantityID:  fused.QuantityID,
			Discrepancy: fused.MaxDiscrepancy.String(),
			Readings:    values,
			CreatedAt:   time.Now(),
		})
	}
}

// readingValues flattens scored readings into a provider to value map.
func readingValues(readings []models.ScoredReading) map[string]string {
	values := make(map[string]string, len(readings))
	for _, scored := range readings {
		values[scored.Reading.Provider] = scored.Reading.Value.String()
	}
	return values
}
