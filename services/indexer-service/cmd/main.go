package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/soyaya/metagauge/services/indexer-service/internal/config"
	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	"github.com/soyaya/metagauge/services/indexer-service/internal/infrastructure/blockchain"
	"github.com/soyaya/metagauge/services/indexer-service/internal/infrastructure/events"
	"github.com/soyaya/metagauge/services/indexer-service/internal/infrastructure/repository"
	"github.com/soyaya/metagauge/services/indexer-service/internal/infrastructure/rpc"
	"github.com/soyaya/metagauge/services/indexer-service/internal/infrastructure/subscription"
	"github.com/soyaya/metagauge/services/indexer-service/internal/service"
	"github.com/soyaya/metagauge/services/indexer-service/internal/transport"
	"github.com/soyaya/metagauge/shared/logging"
	"github.com/soyaya/metagauge/shared/messaging"
	"github.com/soyaya/metagauge/shared/metrics"
	"github.com/soyaya/metagauge/shared/mongo"
	"github.com/soyaya/metagauge/shared/postgres"
	"github.com/soyaya/metagauge/shared/redis"
	"github.com/soyaya/metagauge/shared/resilience"
)

func main() {
	_ = godotenv.Load()
	cfg := config.NewConfig()

	logger := logging.NewLogger(&logging.Config{
		Level:       logging.LogLevel(cfg.LogLevel),
		Service:     "indexer-service",
		Environment: cfg.Environment,
		PrettyLog:   cfg.PrettyLog,
	})

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		})
		if err != nil {
			logger.WithError(err).Warn("sentry initialisation failed")
		} else {
			defer sentry.Flush(5 * time.Second)
			defer func() {
				if r := recover(); r != nil {
					sentry.CurrentHub().Recover(r)
					sentry.Flush(5 * time.Second)
					panic(r)
				}
			}()
		}
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Storage
	pg, err := postgres.NewPostgres(cfg.PostgresConfig)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer pg.Close()
	if err := repository.Migrate(pg); err != nil {
		logger.WithError(err).Fatal("failed to run migrations")
	}

	mongoClient, err := mongo.NewMongo(cfg.MongoConfig)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to mongo")
	}
	defer func() { _ = mongoClient.Close(context.Background()) }()

	redisClient, err := redis.NewRedis(cfg.RedisConfig)
	if err != nil {
		logger.WithError(err).Warn("redis unavailable, caches run in-process only")
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	var amqpClient *messaging.RabbitMQ
	if cfg.RabbitEnabled {
		amqpClient, err = messaging.NewRabbitMQ(cfg.RabbitMQ)
		if err != nil {
			logger.WithError(err).Warn("rabbitmq unavailable, terminal event bridge disabled")
			amqpClient = nil
		} else {
			defer amqpClient.Close()
		}
	}

	m := metrics.NewMetrics("metagauge_indexer")

	// RPC layer
	poolCfg := rpc.DefaultPoolConfig()
	poolCfg.MaxRetries = cfg.RPCMaxRetries
	poolCfg.BaseDelay = cfg.RPCBaseDelay
	poolCfg.MaxDelay = cfg.RPCMaxDelay
	poolCfg.CircuitFailureThreshold = cfg.CircuitFailureThreshold
	poolCfg.CircuitCooldown = cfg.CircuitCooldown
	poolCfg.HealthProbeInterval = cfg.HealthProbeInterval
	pool := rpc.NewPool(poolCfg, cfg.Chains, logger, m)
	defer pool.Close()

	fetcher := blockchain.NewFetcher(pool)

	// Repositories and caches
	analysisRepo := repository.NewAnalysisRepository(pg)
	logRepo := repository.NewLogRepository(mongoClient)
	deployCache := repository.NewDeploymentCache(redisClient)

	finder := service.NewDeploymentFinder(fetcher, deployCache, logger)
	chunks := service.NewChunkManager(fetcher, logger, cfg.ChunkSizeBlocks, cfg.ChunkFloorBlocks)

	var subs domain.SubscriptionSource
	if cfg.SubscriptionContract != "" {
		source, err := subscription.NewChainSource(pool, cfg.SubscriptionChain, cfg.SubscriptionContract, redisClient, logger)
		if err != nil {
			logger.WithError(err).Fatal("invalid subscription source configuration")
		}
		subs = source
	}

	broker := events.NewBroker()
	sinks := func(chain domain.ChainID) domain.ProgressSink {
		return events.NewPublisher(broker, amqpClient, chain, logger)
	}

	sessionCfg := service.DefaultSessionConfig()
	sessionCfg.ChunkSize = cfg.ChunkSizeBlocks
	sessionCfg.ChunkFloor = cfg.ChunkFloorBlocks
	sessionCfg.MaxChunkAttempts = cfg.MaxChunkAttempts
	sessionCfg.HardDeadline = cfg.SessionHardDeadline
	sessionCfg.SoftDeadlineMin = cfg.SessionSoftDeadlineMin
	sessionCfg.Retry = &resilience.RetryConfig{
		MaxAttempts: cfg.RPCMaxRetries,
		BaseDelay:   cfg.RPCBaseDelay,
		MaxDelay:    cfg.RPCMaxDelay,
		JitterMax:   time.Second,
	}

	manager, err := service.NewManager(rootCtx, cfg.Chains, sessionCfg, service.ManagerDeps{
		Repo:          analysisRepo,
		Logs:          logRepo,
		Fetcher:       fetcher,
		Finder:        finder,
		Chunks:        chunks,
		Subscriptions: subs,
		Sinks:         sinks,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialise session manager")
	}
	pool.SetStateListener(manager.NotifyEndpointState)

	health := service.NewHealthMonitor(pool, manager, finder, map[string]service.Pinger{
		"postgres": pg,
		"mongo":    mongoClient,
		"redis":    pingerOrNil(redisClient),
	}, logger)

	server := transport.NewServer(manager, broker, health, m, logger)
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.HTTPPort).Info("indexer service listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Sessions first so their terminal state is Cancelled, not an opaque
	// context error from the root cancel
	manager.Shutdown(shutdownCtx)
	rootCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown incomplete")
	}
	logger.Info("indexer service stopped")
}

// pingerOrNil keeps a typed-nil Redis out of the health map
func pingerOrNil(r *redis.Redis) service.Pinger {
	if r == nil {
		return nil
	}
	return r
}
