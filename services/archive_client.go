package services

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go_market_core/coreerrors"
	"go_market_core/models"
)

// Archive collection names
const (
	ArchiveDBName                = "market_core"
	ArchiveExecutionsCollection  = "job_executions"
	ArchiveDiscrepancyCollection = "discrepancy_events"
	ArchiveReputationCollection  = "reputation_snapshots"
)

// archiveBufferLimit bounds the pending queues while the mirror is
// unreachable; the oldest documents are dropped first.
const archiveBufferLimit = 5000

// ArchiveClient mirrors execution telemetry to MongoDB Atlas. The
// mirror is optional: without MONGODB_URI the client stays disabled and
// every buffer call is a no-op.
type ArchiveClient struct {
	client      *mongo.Client
	database    *mongo.Database
	mu          sync.RWMutex
	isConnected bool
	uriSet      bool   // Whether MONGODB_URI is configured
	lastError   string // Last connection error message

	bufMu        sync.Mutex
	pendingExecs []ArchiveExecution
	pendingDiscs []ArchiveDiscrepancy
	droppedDocs  int64
}

// ArchiveExecution is an execution record document, keyed by run id.
type ArchiveExecution struct {
	RunID        string    `bson:"_id"`
	JobID        string    `bson:"job_id"`
	Status       string    `bson:"status"`
	DurationMs   int64     `bson:"duration_ms"`
	Summary      string    `bson:"summary,omitempty"`
	ErrorClass   string    `bson:"error_class,omitempty"`
	ErrorMessage string    `bson:"error_message,omitempty"`
	StartedAt    time.Time `bson:"started_at"`
	FinishedAt   time.Time `bson:"finished_at"`
}

// ArchiveDiscrepancy is a cross-source disagreement document.
type ArchiveDiscrepancy struct {
	JobID       string            `bson:"job_id"`
	RunID       string            `bson:"run_id"`
	QuantityID  string            `bson:"quantity_id"`
	Discrepancy string            `bson:"discrepancy"`
	Readings    map[string]string `bson:"readings"`
	CreatedAt   time.Time         `bson:"created_at"`
}

// ArchiveReputation is the provider reputation snapshot document.
type ArchiveReputation struct {
	ID        string             `bson:"_id"`
	UpdatedAt time.Time          `bson:"updated_at"`
	Count     int                `bson:"count"`
	Values    map[string]float64 `bson:"values"`
}

// Global archive client instance
var GlobalArchive *ArchiveClient

// InitArchiveClient initializes the archive mirror.
func InitArchiveClient() error {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		log.Info().Msg("MONGODB_URI not set, archive mirror disabled")
		GlobalArchive = &ArchiveClient{
			uriSet:    false,
			lastError: "MONGODB_URI environment variable not set",
		}
		return nil
	}

	GlobalArchive = &ArchiveClient{
		uriSet: true,
	}

	return GlobalArchive.Connect()
}

// Connect establishes the connection to MongoDB Atlas.
func (a *ArchiveClient) Connect() error {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		a.lastError = "MONGODB_URI environment variable not set"
		return coreerrors.New(a.lastError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(mongoURI).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		a.lastError = err.Error()
		log.Error().Err(err).Msg("Failed to connect to archive mirror")
		return err
	}

	if err := client.Ping(ctx, nil); err != nil {
		a.lastError = err.Error()
		log.Error().Err(err).Msg("Failed to ping archive mirror")
		client.Disconnect(ctx)
		return err
	}

	a.mu.Lock()
	a.client = client
	a.database = client.Database(ArchiveDBName)
	a.isConnected = true
	a.lastError = ""
	a.mu.Unlock()

	a.createIndexes()

	log.Info().Msg("Archive mirror connected")
	return nil
}

// Reconnect drops the current connection and dials again.
func (a *ArchiveClient) Reconnect() error {
	a.mu.Lock()
	if a.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.client.Disconnect(ctx)
		cancel()
	}
	a.isConnected = false
	a.mu.Unlock()

	return a.Connect()
}

// Enabled reports whether the mirror is connected and accepting writes.
func (a *ArchiveClient) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isConnected
}

// IsURISet returns whether MONGODB_URI is configured.
func (a *ArchiveClient) IsURISet() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.uriSet
}

// GetConnectionStatus returns detailed mirror status.
func (a *ArchiveClient) GetConnectionStatus() map[string]interface{} {
	a.mu.RLock()
	status := map[string]interface{}{
		"uri_set":   a.uriSet,
		"connected": a.isConnected,
	}
	if a.lastError != "" {
		status["error"] = a.lastError
	}
	a.mu.RUnlock()

	a.bufMu.Lock()
	status["pending_executions"] = len(a.pendingExecs)
	status["pending_discrepancies"] = len(a.pendingDiscs)
	if a.droppedDocs > 0 {
		status["dropped_documents"] = a.droppedDocs
	}
	a.bufMu.Unlock()

	return status
}

// Close closes the mirror connection.
func (a *ArchiveClient) Close() error {
	if a.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.client.Disconnect(ctx)
	}
	return nil
}

// createIndexes creates the mirror collection indexes.
func (a *ArchiveClient) createIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	executions := a.database.Collection(ArchiveExecutionsCollection)
	executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "finished_at", Value: -1}},
	})

	discrepancies := a.database.Collection(ArchiveDiscrepancyCollection)
	discrepancies.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	})

	log.Info().Msg("Archive indexes created")
}

// BufferExecution queues one execution record for the next flush.
func (a *ArchiveClient) BufferExecution(record models.ExecutionRecord) {
	if !a.IsURISet() {
		return
	}

	doc := ArchiveExecution{
		RunID:        record.RunID,
		JobID:        record.JobID,
		Status:       record.Status,
		DurationMs:   record.DurationMs,
		Summary:      record.Summary,
		ErrorClass:   record.ErrorClass,
		ErrorMessage: record.ErrorMessage,
		StartedAt:    record.StartedAt,
		FinishedAt:   record.FinishedAt,
	}

	a.bufMu.Lock()
	if len(a.pendingExecs) >= archiveBufferLimit {
		a.pendingExecs = a.pendingExecs[1:]
		a.droppedDocs++
	}
	a.pendingExecs = append(a.pendingExecs, doc)
	a.bufMu.Unlock()
}

// BufferDiscrepancy queues one discrepancy event for the next flush.
func (a *ArchiveClient) BufferDiscrepancy(doc ArchiveDiscrepancy) {
	if !a.IsURISet() {
		return
	}

	a.bufMu.Lock()
	if len(a.pendingDiscs) >= archiveBufferLimit {
		a.pendingDiscs = a.pendingDiscs[1:]
		a.droppedDocs++
	}
	a.pendingDiscs = append(a.pendingDiscs, doc)
	a.bufMu.Unlock()
}

// Flush writes every pending document to the mirror in batches.
func (a *ArchiveClient) Flush() error {
	if !a.Enabled() {
		return coreerrors.New("archive mirror not connected")
	}

	a.bufMu.Lock()
	execs := a.pendingExecs
	discs := a.pendingDiscs
	a.pendingExecs = nil
	a.pendingDiscs = nil
	a.bufMu.Unlock()

	if len(execs) == 0 && len(discs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := a.flushExecutions(ctx, execs); err != nil {
		a.requeue(execs, discs)
		return err
	}
	if err := a.flushDiscrepancies(ctx, discs); err != nil {
		a.requeue(nil, discs)
		return err
	}

	log.Info().Int("executions", len(execs)).Int("discrepancies", len(discs)).
		Msg("Flushed telemetry to archive mirror")
	return nil
}

// requeue puts unflushed documents back at the front of the buffers.
func (a *ArchiveClient) requeue(execs []ArchiveExecution, discs []ArchiveDiscrepancy) {
	a.bufMu.Lock()
	if len(execs) > 0 {
		a.pendingExecs = append(execs, a.pendingExecs...)
	}
	if len(discs) > 0 {
		a.pendingDiscs = append(discs, a.pendingDiscs...)
	}
	a.bufMu.Unlock()
}

// flushExecutions upserts execution documents keyed by run id.
func (a *ArchiveClient) flushExecutions(ctx context.Context, execs []ArchiveExecution) error {
	if len(execs) == 0 {
		return nil
	}

	collection := a.database.Collection(ArchiveExecutionsCollection)

	var operations []mongo.WriteModel
	for _, doc := range execs {
		operation := mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.RunID}).
			SetReplacement(doc).
			SetUpsert(true)
		operations = append(operations, operation)
	}

	// Execute bulk write in batches of 100
	batchSize := 100
	for i := 0; i < len(operations); i += batchSize {
		end := i + batchSize
		if end > len(operations) {
			end = len(operations)
		}

		if _, err := collection.BulkWrite(ctx, operations[i:end]); err != nil {
			return coreerrors.Wrap(err, "failed to bulk write executions to archive")
		}
	}

	return nil
}

// flushDiscrepancies appends discrepancy documents.
func (a *ArchiveClient) flushDiscrepancies(ctx context.Context, discs []ArchiveDiscrepancy) error {
	if len(discs) == 0 {
		return nil
	}

	collection := a.database.Collection(ArchiveDiscrepancyCollection)

	var operations []mongo.WriteModel
	for _, doc := range discs {
		operations = append(operations, mongo.NewInsertOneModel().SetDocument(doc))
	}

	batchSize := 100
	for i := 0; i < len(operations); i += batchSize {
		end := i + batchSize
		if end > len(operations) {
			end = len(operations)
		}

		if _, err := collection.BulkWrite(ctx, operations[i:end]); err != nil {
			return coreerrors.Wrap(err, "failed to bulk write discrepancies to archive")
		}
	}

	return nil
}

// SaveReputationSnapshot upserts the reputation snapshot document.
func (a *ArchiveClient) SaveReputationSnapshot(values map[string]float64) error {
	if !a.Enabled() {
		return coreerrors.New("archive mirror not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doc := ArchiveReputation{
		ID:        "reputation",
		UpdatedAt: time.Now(),
		Count:     len(values),
		Values:    values,
	}

	collection := a.database.Collection(ArchiveReputationCollection)
	opts := options.Replace().SetUpsert(true)

	if _, err := collection.ReplaceOne(ctx, bson.M{"_id": "reputation"}, doc, opts); err != nil {
		return coreerrors.Wrap(err, "failed to save reputation snapshot to archive")
	}

	log.Info().Int("providers", len(values)).Msg("Saved reputation snapshot to archive mirror")
	return nil
}

// SyncNow flushes pending documents and mirrors the reputation table.
// Used by the admin sync action.
func (a *ArchiveClient) SyncNow(reputations map[string]float64) error {
	if !a.Enabled() {
		if a.IsURISet() {
			if err := a.Reconnect(); err != nil {
				return err
			}
		} else {
			return coreerrors.New("archive mirror not configured")
		}
	}

	if err := a.Flush(); err != nil {
		return err
	}
	return a.SaveReputationSnapshot(reputations)
}
