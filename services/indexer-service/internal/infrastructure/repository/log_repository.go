package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	sharedmongo "github.com/soyaya/metagauge/shared/mongo"
)

const logCollection = "session_logs"

// chunkLogsDocument is one persisted chunk worth of normalized logs
type chunkLogsDocument struct {
	ID         string       `bson:"_id"`
	SessionID  string       `bson:"session_id"`
	Chain      string       `bson:"chain"`
	ChunkIndex int          `bson:"chunk_index"`
	LogCount   int          `bson:"log_count"`
	Logs       []domain.Log `bson:"logs"`
	StoredAt   time.Time    `bson:"stored_at"`
}

// LogRepository stores the raw normalized logs of completed chunks in MongoDB
type LogRepository struct {
	collection *mongo.Collection
}

// NewLogRepository creates a log repository over the given Mongo client
func NewLogRepository(client *sharedmongo.Mongo) *LogRepository {
	return &LogRepository{collection: client.Collection(logCollection)}
}

// StoreChunkLogs upserts the chunk's logs; re-runs of the same chunk replace
// the previous document so chunk retries stay idempotent
func (r *LogRepository) StoreChunkLogs(ctx context.Context, sessionID string, chain domain.ChainID, chunkIndex int, logs []domain.Log) error {
	doc := chunkLogsDocument{
		ID:         fmt.Sprintf("%s:%d", sessionID, chunkIndex),
		SessionID:  sessionID,
		Chain:      string(chain),
		ChunkIndex: chunkIndex,
		LogCount:   len(logs),
		Logs:       logs,
		StoredAt:   time.Now().UTC(),
	}

	_, err := r.collection.ReplaceOne(ctx,
		map[string]interface{}{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store chunk logs: %w", err)
	}
	return nil
}
