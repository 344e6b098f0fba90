// sinkrd runs one sinkr node. SINKR_ROLE picks the role: the coordinator
// owns placement, source transports, and the coordination endpoint;
// workers host sink shards the coordinator proxies to.
package main

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Wundero/sinkr/internal/apps"
	"github.com/Wundero/sinkr/internal/channels"
	"github.com/Wundero/sinkr/internal/cluster"
	"github.com/Wundero/sinkr/internal/coordinator"
	"github.com/Wundero/sinkr/internal/events"
	"github.com/Wundero/sinkr/internal/handlers"
	"github.com/Wundero/sinkr/internal/metrics"
	"github.com/Wundero/sinkr/internal/shard"
	"github.com/Wundero/sinkr/internal/store"
	"github.com/Wundero/sinkr/pkg/config"
	"github.com/Wundero/sinkr/pkg/database"
	"github.com/Wundero/sinkr/pkg/kafka"
	"github.com/Wundero/sinkr/pkg/logging"
	"github.com/Wundero/sinkr/pkg/monitoring"
	"github.com/Wundero/sinkr/pkg/redis"
	"github.com/Wundero/sinkr/pkg/server"
	"github.com/Wundero/sinkr/pkg/version"
)

const (
	serviceName = "sinkr"
	defaultPort = "8080"

	roleCoordinator = "coordinator"
	roleWorker      = "worker"
)

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)

	role := config.GetEnv("SINKR_ROLE", roleCoordinator)
	if role != roleCoordinator && role != roleWorker {
		logger.WithField("role", role).Fatal("SINKR_ROLE must be coordinator or worker")
	}

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
		"role":    role,
	}).Info("Starting sinkr")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	m := metrics.New(metricsCollector)

	st := openStore(role, logger)
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close store")
		}
	}()
	healthChecker.AddCheck("store", monitoring.StoreHealthCheck(st))

	// Delivery events flow to Kafka when brokers are configured. A nil
	// publisher is a no-op, so both roles wire it unconditionally.
	var publisher *events.Publisher
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","), serviceName, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()

		topic := config.GetEnv("SINKR_EVENTS_TOPIC", "sinkr_events")
		publisher = events.NewPublisher(producer, topic, serviceName, m.EventsPublished, logger)
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.Client()))
	}

	var (
		h    *handlers.Handlers
		host *shard.Host
	)
	switch role {
	case roleCoordinator:
		h, host = buildCoordinator(ctx, st, publisher, m, logger)
	case roleWorker:
		h, host = buildWorker(ctx, st, publisher, m, healthChecker, logger)
	}

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	h.Register(router)

	serverConfig := server.DefaultConfig(serviceName, defaultPort)
	err := server.Start(serverConfig, router, logger, func(context.Context) {
		cancel()
		host.Drain()
	})
	if err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}

// buildCoordinator wires the full coordinator stack: app registry, channel
// engine, local shard host, and the placement coordinator workers attach
// to. The engine fans out through the coordinator so frames reach remote
// shards.
func buildCoordinator(ctx context.Context, st store.Store, publisher *events.Publisher, m *metrics.Metrics, logger logging.Logger) (*handlers.Handlers, *shard.Host) {
	secret := config.GetEnv("COORDINATION_SECRET", "")
	if secret == "" {
		logger.Warn("COORDINATION_SECRET is not set; workers cannot attach")
	}

	appSvc := apps.NewService(st, m.AppCacheEvents, logger)
	engine := channels.New(st, publisher, m, logger)
	host := shard.NewHost(st, publisher, m, logger)
	coord := coordinator.New(st, host, m, logger,
		config.GetEnvInt("MAX_CONNECTIONS_PER_OBJECT", 500),
		config.GetEnvInt("SHARDS_PER_WORKER", 4))

	h := handlers.NewHandlers(appSvc, engine, host, coord, m, logger, secret)

	host.SetEngine(engine)
	host.SetExecutor(h)
	host.SetReporter(coord)
	engine.SetFanout(coord)
	coord.SetReaper(engine)

	// Peer and shard rows from the previous deployment describe sockets
	// that no longer exist.
	if err := coord.Bootstrap(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to clear stale cluster state")
	}

	// App rows are maintained externally; a Redis subscription keeps the
	// lookup cache from serving revoked keys for the full TTL.
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		if !strings.Contains(addr, "://") {
			addr = "redis://" + addr
		}
		redisClient, err := redis.NewClientFromURL(ctx, addr)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		appSvc.StartInvalidation(ctx, redisClient)
	}

	return h, host
}

// buildWorker wires the worker stack: a shard host serving proxied sinks,
// with subscription state and fan-out flowing through the coordination
// link.
func buildWorker(ctx context.Context, st store.Store, publisher *events.Publisher, m *metrics.Metrics, healthChecker *monitoring.HealthChecker, logger logging.Logger) (*handlers.Handlers, *shard.Host) {
	coordinatorURL := config.RequireEnv("COORDINATOR_URL")
	advertiseAddr := config.RequireEnv("ADVERTISE_ADDR")
	secret := config.RequireEnv("COORDINATION_SECRET")

	engine := channels.New(st, publisher, m, logger)
	host := shard.NewHost(st, publisher, m, logger)
	host.SetEngine(engine)

	client := cluster.NewClient(coordinatorURL, secret, advertiseAddr, host, m, logger)
	host.SetReporter(client)
	engine.SetFanout(client)

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Coordination link terminated")
		}
	}()

	healthChecker.AddCheck("cluster", monitoring.ClusterLinkHealthCheck(client))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"COORDINATOR_URL": coordinatorURL,
		"ADVERTISE_ADDR":  advertiseAddr,
	}))

	return handlers.NewWorkerHandlers(host, m, logger, secret), host
}

// openStore picks the backing store from DATABASE_URL. The in-memory
// store backs local development and tests; everything else is a Postgres
// DSN.
func openStore(role string, logger logging.Logger) store.Store {
	dsn := config.GetEnv("DATABASE_URL", "memory://")

	if strings.HasPrefix(dsn, "memory://") {
		if role == roleWorker {
			logger.Warn("Worker is using the in-memory store; it cannot share state with the coordinator")
		}
		mem := store.NewMemory()
		seedDevApp(mem, logger)
		return mem
	}

	db := database.MustConnect(database.Config{
		URL:             dsn,
		MaxOpenConns:    config.GetEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    config.GetEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: config.GetEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}, logger)
	if err := database.ApplySchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}
	return store.NewPostgres(db, logger)
}

// seedDevApp registers one application on the in-memory store so local
// clients have something to connect to. The key is logged: without a row
// in a real database there is no other way to discover it.
func seedDevApp(mem *store.Memory, logger logging.Logger) {
	appID := config.GetEnv("SINKR_DEV_APP_ID", "sinkr-dev")
	appKey := config.GetEnv("SINKR_DEV_APP_KEY", "")
	if appKey == "" {
		appKey = uuid.New().String()
	}

	mem.SeedApp(store.App{ID: appID, Name: "Development", SecretKey: appKey, Enabled: true})
	logger.WithFields(logging.Fields{
		"app_id":  appID,
		"app_key": appKey,
	}).Info("Seeded development application")
}
