package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	"github.com/soyaya/metagauge/shared/env"
	"github.com/soyaya/metagauge/shared/messaging"
	"github.com/soyaya/metagauge/shared/mongo"
	"github.com/soyaya/metagauge/shared/postgres"
	"github.com/soyaya/metagauge/shared/redis"
)

// Config holds the indexer service configuration
type Config struct {
	HTTPPort    int
	Environment string
	LogLevel    string
	PrettyLog   bool
	SentryDSN   string

	// On-chain subscription plan registry; tier resolution falls back to the
	// free tier when unset
	SubscriptionContract string
	SubscriptionChain    domain.ChainID

	PostgresConfig postgres.PostgresConfig
	MongoConfig    mongo.MongoConfig
	RedisConfig    redis.RedisConfig
	RabbitMQ       messaging.RabbitMQConfig
	RabbitEnabled  bool

	Chains map[domain.ChainID]domain.ChainConfig

	// Chunking
	ChunkSizeBlocks  uint64
	ChunkFloorBlocks uint64
	ChunkConcurrency int
	MaxChunkAttempts int

	// RPC pool
	RPCMaxRetries           int
	RPCBaseDelay            time.Duration
	RPCMaxDelay             time.Duration
	CircuitFailureThreshold int
	CircuitCooldown         time.Duration
	EndpointQPS             int
	HealthProbeInterval     time.Duration

	// Session deadlines
	SessionHardDeadline    time.Duration
	SessionSoftDeadlineMin time.Duration
}

// NewConfig reads the configuration from the environment
func NewConfig() *Config {
	return &Config{
		HTTPPort:    env.GetInt("HTTP_PORT", 8085),
		Environment: env.GetString("ENVIRONMENT", "development"),
		LogLevel:    env.GetString("LOG_LEVEL", "info"),
		PrettyLog:   env.GetBool("LOG_PRETTY", false),
		SentryDSN:   env.GetString("SENTRY_DSN", ""),

		SubscriptionContract: env.GetString("SUBSCRIPTION_CONTRACT", ""),
		SubscriptionChain:    domain.ChainID(env.GetString("SUBSCRIPTION_CHAIN", string(domain.ChainEthereum))),

		PostgresConfig: postgres.PostgresConfig{
			PostgresHost:     env.GetString("POSTGRES_HOST", "localhost"),
			PostgresPort:     env.GetInt("POSTGRES_PORT", 5432),
			PostgresUser:     env.GetString("POSTGRES_USER", "postgres"),
			PostgresPassword: env.GetString("POSTGRES_PASSWORD", "password"),
			PostgresDatabase: env.GetString("POSTGRES_DATABASE", "metagauge"),
			PostgresSSLMode:  env.GetString("POSTGRES_SSL_MODE", "disable"),
		},
		MongoConfig: mongo.MongoConfig{
			MongoURI:      env.GetString("MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase: env.GetString("MONGO_DATABASE", "metagauge"),
		},
		RedisConfig: redis.RedisConfig{
			RedisHost:     env.GetString("REDIS_HOST", "localhost"),
			RedisPort:     env.GetInt("REDIS_PORT", 6379),
			RedisPassword: env.GetString("REDIS_PASSWORD", ""),
			RedisDB:       env.GetInt("REDIS_DB", 0),
		},
		RabbitMQ: messaging.RabbitMQConfig{
			RabbitMQHost:     env.GetString("RABBITMQ_HOST", ""),
			RabbitMQPort:     env.GetInt("RABBITMQ_PORT", 5672),
			RabbitMQUser:     env.GetString("RABBITMQ_USER", "guest"),
			RabbitMQPassword: env.GetString("RABBITMQ_PASSWORD", "guest"),
			RabbitMQExchange: env.GetString("RABBITMQ_EXCHANGE", "indexer.events"),
		},
		RabbitEnabled: env.GetString("RABBITMQ_HOST", "") != "",

		Chains: loadChains(),

		ChunkSizeBlocks:  env.GetUint64("CHUNK_SIZE_BLOCKS", 200_000),
		ChunkFloorBlocks: env.GetUint64("CHUNK_FLOOR_BLOCKS", 1_000),
		ChunkConcurrency: env.GetInt("CHUNK_CONCURRENCY", 4),
		MaxChunkAttempts: env.GetInt("MAX_CHUNK_ATTEMPTS", 5),

		RPCMaxRetries:           env.GetInt("RPC_MAX_RETRIES", 3),
		RPCBaseDelay:            env.GetDurationMs("RPC_BASE_DELAY_MS", 2*time.Second),
		RPCMaxDelay:             env.GetDurationMs("RPC_MAX_DELAY_MS", 30*time.Second),
		CircuitFailureThreshold: env.GetInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitCooldown:         env.GetDurationMs("CIRCUIT_COOLDOWN_MS", 30*time.Second),
		EndpointQPS:             env.GetInt("ENDPOINT_QPS", 10),
		HealthProbeInterval:     env.GetDurationMs("HEALTH_PROBE_INTERVAL_MS", 30*time.Second),

		SessionHardDeadline:    env.GetDurationMs("SESSION_HARD_DEADLINE_MS", time.Hour),
		SessionSoftDeadlineMin: env.GetDurationMs("SESSION_SOFT_DEADLINE_MIN_MS", 3*time.Minute),
	}
}

func loadChains() map[domain.ChainID]domain.ChainConfig {
	chunkSize := env.GetUint64("CHUNK_SIZE_BLOCKS", 200_000)
	qps := env.GetInt("ENDPOINT_QPS", 10)

	chains := map[domain.ChainID]domain.ChainConfig{
		domain.ChainEthereum: {
			ID:           domain.ChainEthereum,
			BlockTime:    12 * time.Second,
			BlocksPerDay: 7_200,
			ChunkSize:    chunkSize,
		},
		domain.ChainLisk: {
			ID:           domain.ChainLisk,
			BlockTime:    12 * time.Second,
			BlocksPerDay: 7_200,
			ChunkSize:    chunkSize,
		},
		domain.ChainStarknet: {
			ID:           domain.ChainStarknet,
			BlockTime:    6 * time.Second,
			BlocksPerDay: 14_400,
			ChunkSize:    chunkSize,
		},
	}

	for id, cfg := range chains {
		prefix := strings.ToUpper(string(id))
		for i := 1; i <= 3; i++ {
			url := env.GetString(fmt.Sprintf("%s_RPC_URL%d", prefix, i), "")
			if url == "" {
				continue
			}
			cfg.Endpoints = append(cfg.Endpoints, domain.EndpointConfig{
				URL:      url,
				Priority: i,
				QPS:      qps,
			})
		}
		chains[id] = cfg
	}

	return chains
}
