package mongo

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexDefinition defines a MongoDB index
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer creates indexes on startup
type IndexInitializer struct {
	db *mongo.Database
}

// NewIndexInitializer creates a new index initializer for the given database
func NewIndexInitializer(db *mongo.Database) *IndexInitializer {
	return &IndexInitializer{db: db}
}

// Initialize creates all required indexes
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	indexes := i.getIndexDefinitions()

	for _, idx := range indexes {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("Failed to create index (may already exist)",
				"error", err,
				"collection", idx.Collection)
		}
	}

	slog.Info("Index initialization complete", "count", len(indexes))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	collection := i.db.Collection(idx.Collection)

	indexModel := mongo.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	}

	_, err := collection.Indexes().CreateOne(ctx, indexModel)
	return err
}

func (i *IndexInitializer) getIndexDefinitions() []IndexDefinition {
	return []IndexDefinition{
		// outbox_events / outbox_dispatch_jobs (internal/outbox.OutboxItem, both tables
		// share the same shape; _id already carries the producer-supplied dedup key so
		// Insert's upsert-by-_id is sufficient for dedup, these indexes just speed up
		// the processor's claim query and tenant-scoped lookups)
		{
			Collection: "outbox_events",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
		},
		{
			Collection: "outbox_events",
			Keys:       bson.D{{Key: "tenantId", Value: 1}, {Key: "partitionId", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
		{
			Collection: "outbox_dispatch_jobs",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
		},
		{
			Collection: "outbox_dispatch_jobs",
			Keys:       bson.D{{Key: "tenantId", Value: 1}, {Key: "partitionId", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},

		// dispatch_jobs (internal/dispatch.DispatchJob)
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "idempotencyKey", Value: 1}},
			Options:    options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "scheduledFor", Value: 1}, {Key: "dispatchPoolId", Value: 1}},
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "subscriptionId", Value: 1}, {Key: "messageGroup", Value: 1}, {Key: "status", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "eventId", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "updatedAt", Value: 1}},
			Options:    options.Index().SetExpireAfterSeconds(int32(30 * 24 * time.Hour / time.Second)),
		},

		// dispatch_pools (internal/router/poolconfig)
		{
			Collection: "dispatch_pools",
			Keys:       bson.D{{Key: "code", Value: 1}},
			Options:    options.Index().SetUnique(true),
		},

		// leader_locks (internal/common/leader, TTL on expiresAt)
		{
			Collection: "leader_locks",
			Keys:       bson.D{{Key: "expiresAt", Value: 1}},
			Options:    options.Index().SetExpireAfterSeconds(0),
		},
	}
}
