package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"go_market_core/coreerrors"
	"go_market_core/models"
)

// State keys persisted in core_state.
const (
	StateKeyPausedJobs = "paused_jobs"
)

// TelemetryStore is the always-on local store for execution telemetry.
// It keeps the rows the history endpoints page through and the small
// key/value state that should survive restarts.
type TelemetryStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// TelemetryDiscrepancy is a discrepancy row as served by the history API.
type TelemetryDiscrepancy struct {
	ID          int64             `json:"id"`
	JobID       string            `json:"job_id"`
	RunID       string            `json:"run_id"`
	QuantityID  string            `json:"quantity_id"`
	Discrepancy string            `json:"discrepancy"`
	Readings    map[string]string `json:"readings"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Global telemetry store
var GlobalTelemetry *TelemetryStore

// InitTelemetry opens the local telemetry database and prepares its
// tables.
func InitTelemetry(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return coreerrors.Wrapf(err, "failed to create telemetry directory %s", dir)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return coreerrors.Wrap(err, "failed to open telemetry database")
	}
	if err := db.Ping(); err != nil {
		return coreerrors.Wrap(err, "failed to ping telemetry database")
	}

	GlobalTelemetry = &TelemetryStore{db: db}
	if err := GlobalTelemetry.createTables(); err != nil {
		return err
	}

	log.Info().Str("path", path).Msg("Telemetry store initialized")
	return nil
}

// Close closes the telemetry database.
func (s *TelemetryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// createTables creates the telemetry tables.
func (s *TelemetryStore) createTables() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	executionsTable := `
		CREATE TABLE IF NOT EXISTS job_executions (
			run_id VARCHAR PRIMARY KEY,
			job_id VARCHAR NOT NULL,
			status VARCHAR,
			duration_ms INTEGER,
			summary TEXT,
			error_class VARCHAR,
			error_message TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)
	`
	if _, err := s.db.Exec(executionsTable); err != nil {
		return coreerrors.Wrap(err, "failed to create job_executions table")
	}

	discrepanciesTable := `
		CREATE TABLE IF NOT EXISTS discrepancy_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id VARCHAR NOT NULL,
			run_id VARCHAR,
			quantity_id VARCHAR,
			discrepancy VARCHAR,
			readings TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.Exec(discrepanciesTable); err != nil {
		return coreerrors.Wrap(err, "failed to create discrepancy_events table")
	}

	stateTable := `
		CREATE TABLE IF NOT EXISTS core_state (
			key VARCHAR PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.Exec(stateTable); err != nil {
		return coreerrors.Wrap(err, "failed to create core_state table")
	}

	s.db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_job ON job_executions(job_id)")
	s.db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_finished ON job_executions(finished_at DESC)")
	s.db.Exec("CREATE INDEX IF NOT EXISTS idx_discrepancies_job ON discrepancy_events(job_id)")
	s.db.Exec("CREATE INDEX IF NOT EXISTS idx_discrepancies_created ON discrepancy_events(created_at DESC)")

	log.Info().Msg("Telemetry tables created/verified")
	return nil
}

// SaveExecution writes one execution record. Re-delivery for the same
// run replaces the earlier row.
func (s *TelemetryStore) SaveExecution(record models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO job_executions (
			run_id, job_id, status, duration_ms, summary,
			error_class, error_message, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		record.RunID, record.JobID, record.Status, record.DurationMs, record.Summary,
		record.ErrorClass, record.ErrorMessage, record.StartedAt, record.FinishedAt,
	)
	return err
}

// SaveDiscrepancy writes one cross-source disagreement event.
func (s *TelemetryStore) SaveDiscrepancy(jobID, runID, quantityID, discrepancy string, readings map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	readingsJSON, err := json.Marshal(readings)
	if err != nil {
		return coreerrors.Wrap(err, "failed to encode discrepancy readings")
	}

	query := `INSERT INTO discrepancy_events (job_id, run_id, quantity_id, discrepancy, readings, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query, jobID, runID, quantityID, discrepancy, string(readingsJSON), time.Now())
	return err
}

// GetExecutionsPaginated returns execution rows, newest first, filtered
// by job and status when given.
func (s *TelemetryStore) GetExecutionsPaginated(page, pageSize int, jobID, status string) ([]models.ExecutionRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	// Build WHERE clause
	where := "WHERE 1=1"
	args := []interface{}{}

	if jobID != "" {
		where += " AND job_id = ?"
		args = append(args, jobID)
	}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	countQuery := "SELECT COUNT(*) FROM job_executions " + where
	var total int64
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	query := fmt.Sprintf(`SELECT run_id, job_id, status, duration_ms, summary,
		error_class, error_message, started_at, finished_at
		FROM job_executions %s ORDER BY finished_at DESC LIMIT ? OFFSET ?`, where)

	args = append(args, pageSize, offset)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []models.ExecutionRecord
	for rows.Next() {
		var r models.ExecutionRecord
		var startedAt, finishedAt sql.NullTime

		err := rows.Scan(
			&r.RunID, &r.JobID, &r.Status, &r.DurationMs, &r.Summary,
			&r.ErrorClass, &r.ErrorMessage, &startedAt, &finishedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		if startedAt.Valid {
			r.StartedAt = startedAt.Time
		}
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.Time
		}

		records = append(records, r)
	}

	return records, total, nil
}

// GetDiscrepanciesPaginated returns discrepancy events, newest first.
func (s *TelemetryStore) GetDiscrepanciesPaginated(page, pageSize int, jobID string) ([]TelemetryDiscrepancy, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	where := "WHERE 1=1"
	args := []interface{}{}

	if jobID != "" {
		where += " AND job_id = ?"
		args = append(args, jobID)
	}

	countQuery := "SELECT COUNT(*) FROM discrepancy_events " + where
	var total int64
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	query := fmt.Sprintf(`SELECT id, job_id, run_id, quantity_id, discrepancy, readings, created_at
		FROM discrepancy_events %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where)

	args = append(args, pageSize, offset)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []TelemetryDiscrepancy
	for rows.Next() {
		var e TelemetryDiscrepancy
		var readingsJSON string
		var createdAt sql.NullTime

		err := rows.Scan(&e.ID, &e.JobID, &e.RunID, &e.QuantityID, &e.Discrepancy, &readingsJSON, &createdAt)
		if err != nil {
			return nil, 0, err
		}

		if createdAt.Valid {
			e.CreatedAt = createdAt.Time
		}
		if readingsJSON != "" {
			if err := json.Unmarshal([]byte(readingsJSON), &e.Readings); err != nil {
				log.Warn().Int64("id", e.ID).Err(err).Msg("Skipping malformed discrepancy readings")
			}
		}

		events = append(events, e)
	}

	return events, total, nil
}

// CleanupBefore removes telemetry rows older than the cutoff and
// returns how many went away.
func (s *TelemetryStore) CleanupBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64

	res, err := s.db.Exec("DELETE FROM job_executions WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, coreerrors.Wrap(err, "failed to trim job_executions")
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = s.db.Exec("DELETE FROM discrepancy_events WHERE created_at < ?", cutoff)
	if err != nil {
		return removed, coreerrors.Wrap(err, "failed to trim discrepancy_events")
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	return removed, nil
}

// SaveState saves a core_state value.
func (s *TelemetryStore) SaveState(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR REPLACE INTO core_state (key, value, updated_at) VALUES (?, ?, ?)`
	_, err := s.db.Exec(query, key, value, time.Now())
	return err
}

// LoadState loads a core_state value. A missing key returns the empty
// string without an error.
func (s *TelemetryStore) LoadState(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM core_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SavePausedJobs persists the set of paused job ids.
func (s *TelemetryStore) SavePausedJobs(ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return coreerrors.Wrap(err, "failed to encode paused jobs")
	}
	return s.SaveState(StateKeyPausedJobs, string(data))
}

// LoadPausedJobs returns the job ids paused before the last shutdown.
func (s *TelemetryStore) LoadPausedJobs() ([]string, error) {
	value, err := s.LoadState(StateKeyPausedJobs)
	if err != nil || value == "" {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(value), &ids); err != nil {
		return nil, coreerrors.Wrap(err, "failed to decode paused jobs")
	}
	return ids, nil
}

// GetStats returns row counts for the overview endpoint.
func (s *TelemetryStore) GetStats() (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]interface{})

	var executions, failures, discrepancies int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM job_executions").Scan(&executions); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM job_executions WHERE status = ?", models.ExecutionFailed).Scan(&failures); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM discrepancy_events").Scan(&discrepancies); err != nil {
		return nil, err
	}

	stats["executions"] = executions
	stats["failures"] = failures
	stats["discrepancies"] = discrepancies

	var latest sql.NullTime
	s.db.QueryRow("SELECT finished_at FROM job_executions ORDER BY finished_at DESC LIMIT 1").Scan(&latest)
	if latest.Valid {
		stats["latest_execution"] = latest.Time.Format(time.RFC3339)
	}

	return stats, nil
}
