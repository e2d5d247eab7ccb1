package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// MongoConfig holds the configuration for MongoDB
type MongoConfig struct {
	MongoURI      string
	MongoDatabase string
}

// Mongo wraps the MongoDB client
type Mongo struct {
	client   *mongo.Client
	database string
}

// NewMongo creates a new MongoDB client
func NewMongo(cfg MongoConfig) (*Mongo, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.MongoURI).
		SetConnectTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	return &Mongo{
		client:   client,
		database: cfg.MongoDatabase,
	}, nil
}

// Collection returns a handle for the named collection
func (m *Mongo) Collection(name string) *mongo.Collection {
	return m.client.Database(m.database).Collection(name)
}

// HealthCheck pings the primary
func (m *Mongo) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
