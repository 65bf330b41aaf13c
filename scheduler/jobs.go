package scheduler

import (
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
)

// TelemetryMaintainer trims aged telemetry rows.
type TelemetryMaintainer interface {
	CleanupBefore(cutoff time.Time) (int64, error)
}

// SnapshotSaver persists provider reputation between restarts.
type SnapshotSaver interface {
	SaveSnapshot() error
}

// ArchiveFlusher drains buffered documents to the archive mirror.
type ArchiveFlusher interface {
	Enabled() bool
	Flush() error
}

// Maintenance manages the periodic housekeeping jobs.
type Maintenance struct {
	cron      *gocron.Scheduler
	telemetry TelemetryMaintainer
	scorer    SnapshotSaver
	archive   ArchiveFlusher
	retention time.Duration
}

// NewMaintenance creates the maintenance runner. Telemetry rows older
// than the retention window are trimmed by the nightly cleanup.
func NewMaintenance(telemetry TelemetryMaintainer, scorer SnapshotSaver, archive ArchiveFlusher, retention time.Duration) *Maintenance {
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	return &Maintenance{
		cron:      gocron.NewScheduler(time.UTC),
		telemetry: telemetry,
		scorer:    scorer,
		archive:   archive,
		retention: retention,
	}
}

// Start starts all maintenance jobs
func (m *Maintenance) Start() {
	log.Info().Msg("Starting maintenance jobs...")

	// Snapshot provider reputation every 5 minutes
	m.cron.Every(5).Minutes().Do(func() {
		m.saveReputationSnapshot()
	})

	// Flush the archive mirror every minute
	m.cron.Every(1).Minute().Do(func() {
		m.flushArchive()
	})

	// Trim old telemetry daily at 01:00
	m.cron.Every(1).Day().At("01:00").Do(func() {
		m.cleanupTelemetry()
	})

	m.cron.StartAsync()
	log.Info().Msg("Maintenance jobs started successfully")
}

// Stop stops the maintenance jobs
func (m *Maintenance) Stop() {
	m.cron.Stop()
	log.Info().Msg("Maintenance jobs stopped")
}

// saveReputationSnapshot persists the current reputation table
func (m *Maintenance) saveReputationSnapshot() {
	if m.scorer == nil {
		return
	}
	if err := m.scorer.SaveSnapshot(); err != nil {
		log.Error().Err(err).Msg("Failed to save reputation snapshot")
	}
}

// flushArchive drains pending archive documents
func (m *Maintenance) flushArchive() {
	if m.archive == nil || !m.archive.Enabled() {
		return
	}
	if err := m.archive.Flush(); err != nil {
		log.Error().Err(err).Msg("Failed to flush archive mirror")
	}
}

// cleanupTelemetry removes telemetry rows past the retention window
func (m *Maintenance) cleanupTelemetry() {
	if m.telemetry == nil {
		return
	}

	cutoff := time.Now().Add(-m.retention)
	removed, err := m.telemetry.CleanupBefore(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Telemetry cleanup failed")
		return
	}
	log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Telemetry cleanup completed")
}
