package poolconfig

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoRepository struct {
	pools *mongo.Collection
}

// NewMongoRepository creates a pool-config repository backed by MongoDB.
func NewMongoRepository(db *mongo.Database) Repository {
	return &mongoRepository{pools: db.Collection("dispatch_pools")}
}

func (r *mongoRepository) FindAllActive(ctx context.Context) ([]*Config, error) {
	opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})

	cursor, err := r.pools.Find(ctx, bson.M{"status": StatusActive}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var configs []*Config
	if err := cursor.All(ctx, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}
