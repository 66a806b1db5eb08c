package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/audit"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/connections"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/delivery"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/gateway"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/handlers"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/ingest"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/metadata"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/metrics"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/replay"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retrymgr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/router"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/subscriptions"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/auth"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/cache"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/config"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/crypto"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/database"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/kafka"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/monitoring"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/server"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/validation"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/version"
)

// sysexits-style codes so orchestrators can tell a bad deployment from a
// dependency outage.
const (
	exitConfig      = 64
	exitUnavailable = 69
)

func main() {
	logger := logging.NewLoggerWithService("apixd")
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.Short(),
		"built":   version.BuildDate,
	}).Info("Starting APIX Gateway")

	// Required configuration
	secret, err := config.Require("JWT_SECRET")
	if err != nil {
		logger.WithError(err).Error("Configuration error")
		os.Exit(exitConfig)
	}

	var keyring *crypto.KeyRing
	if config.GetEnvBool("PAYLOAD_ENCRYPTION_ENABLED", false) {
		master, err := config.Require("PAYLOAD_MASTER_SECRET")
		if err != nil {
			logger.WithError(err).Error("Configuration error")
			os.Exit(exitConfig)
		}
		keyring = crypto.NewKeyRing([]byte(master))
		logger.Info("Payload encryption enabled")
	}

	instanceID := config.GetEnv("INSTANCE_ID", "")
	if instanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "apixd"
		}
		instanceID = host + "-" + uuid.NewString()[:8]
	}

	// Connect to Redis (durable log, counters, pub/sub)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	redisURL := config.GetEnv("REDIS_URL", "redis://localhost:6379")
	client, err := redis.Connect(bootCtx, redisURL)
	bootCancel()
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		os.Exit(exitUnavailable)
	}
	defer client.Close()

	store := logstore.New(client, logger)

	// Metadata store: Postgres when configured, in-memory otherwise
	var users metadata.Store
	var db *sql.DB
	if dbURL := config.GetEnv("DATABASE_URL", ""); dbURL != "" {
		dbConfig := database.DefaultConfig()
		dbConfig.URL = dbURL
		dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err = database.Connect(dbCtx, dbConfig, logger)
		dbCancel()
		if err != nil {
			logger.WithError(err).Error("Failed to connect to database")
			os.Exit(exitUnavailable)
		}
		defer db.Close()
		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = database.Migrate(migrateCtx, db, logger)
		migrateCancel()
		if err != nil {
			logger.WithError(err).Error("Failed to apply database schema")
			os.Exit(exitUnavailable)
		}
		users = metadata.NewPostgresStore(db, logger)
	} else {
		logger.Warn("DATABASE_URL not set; tenants and users are in-memory and lost on restart")
		users = metadata.NewMemoryStore()
	}

	// Health checker and Prometheus collector
	healthChecker := monitoring.NewHealthChecker("apixd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("apixd", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	tenantCacheEvents := metricsCollector.NewCounter("tenant_cache_events_total", "Tenant directory cache activity", []string{"event"})
	cacheHooks := cache.MetricsHooks{
		OnHit:   func(map[string]string) { tenantCacheEvents.WithLabelValues("hit").Inc() },
		OnMiss:  func(map[string]string) { tenantCacheEvents.WithLabelValues("miss").Inc() },
		OnStale: func(map[string]string) { tenantCacheEvents.WithLabelValues("stale").Inc() },
		OnStore: func(map[string]string) { tenantCacheEvents.WithLabelValues("store").Inc() },
		OnError: func(map[string]string) { tenantCacheEvents.WithLabelValues("error").Inc() },
	}

	// Tenant context and quotas
	dir := tenant.NewDirectory(users, tenant.Options{}, cacheHooks, logger)
	quotas := quota.NewManager(store, quota.Defaults{
		APICallsPerHour:     int64(config.GetEnvInt("API_CALLS_PER_HOUR", 10000)),
		WSMessagesPerMinute: int64(config.GetEnvInt("WS_MESSAGES_PER_MINUTE", 6000)),
		MaxSessions:         config.GetEnvInt("MAX_SESSIONS_PER_TENANT", 1000),
	}, dir.Settings, logger)

	var encryptGate eventlog.EncryptionGate
	if keyring != nil {
		encryptGate = func(ctx context.Context, orgID string) bool {
			s, err := dir.Settings(ctx, orgID)
			return err == nil && s.PayloadEncryption
		}
	}

	// Durable event log with cross-instance fanout
	notes := redis.NewTypedPubSub[eventlog.Notification](client, logger)
	alerts := redis.NewTypedPubSub[models.AuditAlert](client, logger)

	retention := time.Duration(config.GetEnvInt("EVENT_RETENTION_HOURS", 24)) * time.Hour
	logConfig := eventlog.DefaultConfig(instanceID)
	logConfig.DedupWindow = retention
	logConfig.Retention = retention
	logConfig.DedupEnabled = config.GetEnvBool("DEDUP_ENABLED", true)
	elog := eventlog.New(store, notes, logConfig, keyring, encryptGate, logger)

	// Sessions, routing, and the live hub
	heartbeat := config.GetEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	subs := subscriptions.NewManager(store, logger)
	registry := connections.NewRegistry(connections.Options{
		HeartbeatInterval: heartbeat,
		Rate: connections.RatePolicy{
			Limit:  config.GetEnvInt("SESSION_RATE_LIMIT", 100),
			Window: time.Minute,
		},
	}, quotas, logger)

	retries := retrymgr.NewManager(logger)
	eventRouter := router.New(elog, nil, logger)
	validator := validation.NewValidator()
	publisher := router.NewPublisher(eventRouter, validator, quotas, logger)
	builder := auth.NewContextBuilder([]byte(secret), config.GetEnv("SERVICE_TOKEN", ""), dir)

	auditRetention := time.Duration(config.GetEnvInt("AUDIT_RETENTION_DAYS", 90)) * 24 * time.Hour
	ring := audit.NewRing(store, alerts, auditRetention, logger)

	hub := gateway.New(gateway.Config{
		InstanceID:        instanceID,
		HeartbeatInterval: heartbeat,
	}, gateway.Deps{
		Registry:      registry,
		Subscriptions: subs,
		Publisher:     publisher,
		Auth:          builder,
		Validator:     validator,
		Audit:         ring,
		Notes:         notes,
		Alerts:        alerts,
		Logger:        logger,
	})
	eventRouter.SetBroadcaster(hub)

	// Webhook delivery and replay
	deliveries := delivery.New(store, elog, retries, delivery.DefaultConfig(), logger)

	replayConfig := replay.DefaultConfig()
	replayConfig.MaxRate = config.GetEnvInt("REPLAY_MAX_RATE", replayConfig.MaxRate)
	replays := replay.New(elog, store, retries, replayConfig, newReplayNotifier(hub, serviceMetrics), logger)

	metricsCollector.RegisterCustomMetric("runtime", metrics.NewRuntimeCollector("apixd", hub, retries))

	// REST surface
	h := handlers.New(handlers.Deps{
		Secret:        []byte(secret),
		Users:         users,
		Tenants:       dir,
		Hub:           hub,
		Publisher:     publisher,
		Log:           elog,
		Subscriptions: subs,
		Sessions:      registry,
		Replays:       replays,
		Delivery:      deliveries,
		Retries:       retries,
		Audit:         ring,
		Quota:         quotas,
		Metrics:       serviceMetrics,
		Logger:        logger,
	})

	// Probes for every dependency the boot wired
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(client))
	if db != nil {
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	}
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"REDIS_URL":  redisURL,
		"JWT_SECRET": secret,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional Kafka ingest bridge
	var consumer *kafka.Consumer
	if brokersEnv := config.GetEnv("KAFKA_BROKERS", ""); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		groupID := config.GetEnv("KAFKA_CONSUMER_GROUP", "apix-gateway")
		clientID := config.GetEnv("KAFKA_CLIENT_ID", "apixd")

		consumer, err = kafka.NewConsumer(brokers, groupID, clientID, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize Kafka consumer")
			os.Exit(exitUnavailable)
		}
		defer consumer.Close()

		bridge := ingest.NewBridge(publisher, elog, dir, ring, serviceMetrics, ingest.Config{
			Topic:        config.GetEnv("KAFKA_TOPIC", "apix_events"),
			ConsumerName: groupID,
		}, logger)
		consumer.AddHandler(bridge.Topic(), bridge.Handler())

		healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(consumer.GetClient()))
		logger.WithField("topic", bridge.Topic()).Info("Kafka ingest bridge enabled")
	}

	// Run group: hub lifecycle, cross-instance relay, session sweeper, ingest
	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(runCtx); return nil })
	g.Go(func() error { registry.Run(runCtx); return nil })
	g.Go(func() error { return hub.RunRelay(runCtx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Start(runCtx) })
	}

	httpRouter := server.SetupServiceRouter(logger, healthChecker, metricsCollector)
	h.Mount(httpRouter, builder)

	// Start blocks until a signal or listen failure.
	serverConfig := server.DefaultConfig("apixd", "18000")
	if err := server.Start(serverConfig, httpRouter, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("Background worker exited with error")
	}
	logger.Info("Shutdown complete")
}
