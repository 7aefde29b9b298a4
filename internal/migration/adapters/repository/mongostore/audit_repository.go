// Package mongostore keeps the migration audit trail in MongoDB
package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

// Collection is the default audit collection name
const Collection = "migration_audit"

type auditDocument struct {
	ID            string    `bson:"_id"`
	Action        string    `bson:"action"`
	MigrationID   string    `bson:"migration_id"`
	EnvironmentID string    `bson:"environment_id"`
	Success       bool      `bson:"success"`
	WasDryRun     bool      `bson:"was_dry_run"`
	RiskLevel     string    `bson:"risk_level,omitempty"`
	Reason        string    `bson:"reason,omitempty"`
	Notes         string    `bson:"notes,omitempty"`
	ErrorMessage  string    `bson:"error_message,omitempty"`
	DurationMs    int64     `bson:"duration_ms"`
	RowsAffected  int64     `bson:"rows_affected"`
	CreatedAt     time.Time `bson:"created_at"`
}

// AuditRepository stores audit entries as documents
type AuditRepository struct {
	coll *mongo.Collection
}

// Connect opens a client and verifies it with a ping
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri)
	opts.SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

// NewAuditRepository creates a new audit repository on coll
func NewAuditRepository(coll *mongo.Collection) *AuditRepository {
	return &AuditRepository{coll: coll}
}

// EnsureIndexes creates the lookup index used by Recent
func (r *AuditRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "environment_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit index: %w", err)
	}
	return nil
}

// Log inserts an audit entry
func (r *AuditRepository) Log(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	_, err := r.coll.InsertOne(ctx, auditDocument{
		ID:            entry.ID,
		Action:        entry.Action,
		MigrationID:   entry.MigrationID,
		EnvironmentID: entry.EnvironmentID,
		Success:       entry.Success,
		WasDryRun:     entry.WasDryRun,
		RiskLevel:     entry.RiskLevel,
		Reason:        entry.Reason,
		Notes:         entry.Notes,
		ErrorMessage:  entry.ErrorMessage,
		DurationMs:    entry.DurationMs,
		RowsAffected:  entry.RowsAffected,
		CreatedAt:     entry.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the latest audit entries of an environment, newest first
func (r *AuditRepository) Recent(ctx context.Context, environmentID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.coll.Find(ctx, bson.M{"environment_id": environmentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []auditDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode audit entries: %w", err)
	}

	entries := make([]model.AuditEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, model.AuditEntry{
			ID:            d.ID,
			Action:        d.Action,
			MigrationID:   d.MigrationID,
			EnvironmentID: d.EnvironmentID,
			Success:       d.Success,
			WasDryRun:     d.WasDryRun,
			RiskLevel:     d.RiskLevel,
			Reason:        d.Reason,
			Notes:         d.Notes,
			ErrorMessage:  d.ErrorMessage,
			DurationMs:    d.DurationMs,
			RowsAffected:  d.RowsAffected,
			Timestamp:     d.CreatedAt,
		})
	}
	return entries, nil
}
