// Command server starts the streamgate quota gateway HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"streamgate/internal/engine"
	"streamgate/internal/notify"
	"streamgate/internal/observability/logging"
	"streamgate/internal/observability/metrics"
	"streamgate/internal/quota"
	"streamgate/internal/realtime"
	"streamgate/internal/server"
	"streamgate/internal/session"
	"streamgate/internal/sidecar"
	"streamgate/internal/storage"
)

func main() {
	envFile := flag.String("env-file", "", "path to a dotenv file loaded before other configuration")
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	hookToken := flag.String("hook-token", "", "shared secret the media engine presents on hook callbacks")
	adminToken := flag.String("admin-token", "", "bearer token guarding the admin API")
	engineAPIURL := flag.String("engine-api-url", "", "base URL of the media engine management API")
	engineAPIToken := flag.String("engine-api-token", "", "bearer token for the media engine management API")
	engineRetryAttempts := flag.Int("engine-retry-attempts", 0, "attempts per engine management API call")
	engineRetryInterval := flag.Duration("engine-retry-interval", 0, "delay between engine management API retries")
	sampleInterval := flag.Duration("sample-interval", 0, "interval between usage samples for live sessions")
	busDriver := flag.String("bus-driver", "", "quota update bus driver (memory or redis)")
	busRedisAddr := flag.String("bus-redis-addr", "", "Redis address for the quota update bus")
	busRedisAddrs := flag.String("bus-redis-addrs", "", "comma separated Redis addresses for the quota update bus")
	busRedisUsername := flag.String("bus-redis-username", "", "Redis username for the quota update bus")
	busRedisPassword := flag.String("bus-redis-password", "", "Redis password for the quota update bus")
	busRedisChannel := flag.String("bus-redis-channel", "", "Redis pub/sub channel for quota updates")
	busRedisMasterName := flag.String("bus-redis-sentinel-master", "", "Redis sentinel master name for the quota update bus")
	busRedisPoolSize := flag.Int("bus-redis-pool-size", 0, "maximum Redis connections for the quota update bus")
	busRedisTimeout := flag.Duration("bus-redis-timeout", 0, "timeout for Redis operations on the quota update bus")
	busRedisTLSCA := flag.String("bus-redis-tls-ca", "", "path to Redis TLS CA certificate for the quota update bus")
	busRedisTLSCert := flag.String("bus-redis-tls-cert", "", "path to Redis TLS client certificate for the quota update bus")
	busRedisTLSKey := flag.String("bus-redis-tls-key", "", "path to Redis TLS client key for the quota update bus")
	busRedisTLSServerName := flag.String("bus-redis-tls-server-name", "", "override Redis TLS server name for the quota update bus")
	busRedisTLSSkipVerify := flag.Bool("bus-redis-tls-skip-verify", false, "skip Redis TLS verification for the quota update bus")
	webhookURL := flag.String("notify-webhook-url", "", "webhook endpoint for lifecycle and quota notifications")
	webhookToken := flag.String("notify-webhook-token", "", "bearer token presented on webhook deliveries")
	notifyRetryAttempts := flag.Int("notify-retry-attempts", 0, "attempts per webhook delivery")
	notifyRetryInterval := flag.Duration("notify-retry-interval", 0, "delay between webhook delivery retries")
	recorderURL := flag.String("recorder-url", "", "base URL of the recorder sidecar")
	recorderToken := flag.String("recorder-token", "", "bearer token for the recorder sidecar")
	restreamerURL := flag.String("restreamer-url", "", "base URL of the restreamer sidecar")
	restreamerToken := flag.String("restreamer-token", "", "bearer token for the restreamer sidecar")
	sidecarRetryAttempts := flag.Int("sidecar-retry-attempts", 0, "attempts per sidecar API call")
	sidecarRetryInterval := flag.Duration("sidecar-retry-interval", 0, "delay between sidecar API retries")
	sidecarStopTimeout := flag.Duration("sidecar-stop-timeout", 0, "how long a session teardown waits for sidecars")
	corsOrigins := flag.String("cors-allowed-origins", "", "comma separated origins allowed to call the API")
	flag.Parse()

	if path := firstNonEmpty(*envFile, os.Getenv("STREAMGATE_ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "load env file %s: %v\n", path, err)
			os.Exit(1)
		}
	} else {
		// Best effort: a missing .env simply means the environment is
		// already populated.
		_ = godotenv.Load()
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMGATE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("STREAMGATE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("STREAMGATE_ADDR"))
	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("STREAMGATE_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("STREAMGATE_TLS_KEY"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("STREAMGATE_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres datastore driver", "driver", driver)
		os.Exit(1)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("STREAMGATE_DATA"))
		store, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "STREAMGATE_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "STREAMGATE_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "STREAMGATE_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "STREAMGATE_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "STREAMGATE_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "STREAMGATE_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("STREAMGATE_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(bootCtx, postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	ledger := quota.NewLedger(store, quota.WithLogger(logging.WithComponent(logger, "quota")))

	var controller engine.Controller = engine.NoopController{}
	if baseURL := firstNonEmpty(*engineAPIURL, os.Getenv("STREAMGATE_ENGINE_API_URL")); baseURL != "" {
		httpController, err := engine.NewHTTPController(engine.HTTPConfig{
			BaseURL:       baseURL,
			Token:         firstNonEmpty(*engineAPIToken, os.Getenv("STREAMGATE_ENGINE_API_TOKEN")),
			Logger:        logging.WithComponent(logger, "engine"),
			MaxAttempts:   resolveInt(*engineRetryAttempts, "STREAMGATE_ENGINE_RETRY_ATTEMPTS"),
			RetryInterval: resolveDuration(*engineRetryInterval, "STREAMGATE_ENGINE_RETRY_INTERVAL", 0),
		})
		if err != nil {
			logger.Error("failed to configure engine controller", "error", err)
			os.Exit(1)
		}
		controller = httpController
	} else {
		logger.Warn("engine management API not configured, usage sampling and client kicks are disabled")
	}

	busCfg := realtime.RedisBusConfig{
		Addr:         firstNonEmpty(*busRedisAddr, os.Getenv("STREAMGATE_BUS_REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*busRedisAddrs, os.Getenv("STREAMGATE_BUS_REDIS_ADDRS"))),
		Username:     firstNonEmpty(*busRedisUsername, os.Getenv("STREAMGATE_BUS_REDIS_USERNAME")),
		Password:     firstNonEmpty(*busRedisPassword, os.Getenv("STREAMGATE_BUS_REDIS_PASSWORD")),
		Channel:      firstNonEmpty(*busRedisChannel, os.Getenv("STREAMGATE_BUS_REDIS_CHANNEL")),
		MasterName:   firstNonEmpty(*busRedisMasterName, os.Getenv("STREAMGATE_BUS_REDIS_SENTINEL_MASTER")),
		PoolSize:     resolveInt(*busRedisPoolSize, "STREAMGATE_BUS_REDIS_POOL_SIZE"),
		DialTimeout:  resolveDuration(*busRedisTimeout, "STREAMGATE_BUS_REDIS_TIMEOUT", 0),
		ReadTimeout:  resolveDuration(*busRedisTimeout, "STREAMGATE_BUS_REDIS_TIMEOUT", 0),
		WriteTimeout: resolveDuration(*busRedisTimeout, "STREAMGATE_BUS_REDIS_TIMEOUT", 0),
		TLS: realtime.RedisTLSConfig{
			CAFile:             firstNonEmpty(*busRedisTLSCA, os.Getenv("STREAMGATE_BUS_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*busRedisTLSCert, os.Getenv("STREAMGATE_BUS_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*busRedisTLSKey, os.Getenv("STREAMGATE_BUS_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*busRedisTLSServerName, os.Getenv("STREAMGATE_BUS_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*busRedisTLSSkipVerify, "STREAMGATE_BUS_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	bus, err := configureBus(*busDriver, busCfg, logger)
	if err != nil {
		logger.Error("failed to configure quota bus", "error", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.Noop{}
	if url := firstNonEmpty(*webhookURL, os.Getenv("STREAMGATE_NOTIFY_WEBHOOK_URL")); url != "" {
		webhook, err := notify.NewWebhook(notify.WebhookConfig{
			URL:           url,
			Token:         firstNonEmpty(*webhookToken, os.Getenv("STREAMGATE_NOTIFY_WEBHOOK_TOKEN")),
			Logger:        logging.WithComponent(logger, "notify"),
			MaxAttempts:   resolveInt(*notifyRetryAttempts, "STREAMGATE_NOTIFY_RETRY_ATTEMPTS"),
			RetryInterval: resolveDuration(*notifyRetryInterval, "STREAMGATE_NOTIFY_RETRY_INTERVAL", 0),
		})
		if err != nil {
			logger.Error("failed to configure webhook notifier", "error", err)
			os.Exit(1)
		}
		notifier = webhook
	}

	sidecarAttempts := resolveInt(*sidecarRetryAttempts, "STREAMGATE_SIDECAR_RETRY_ATTEMPTS")
	sidecarInterval := resolveDuration(*sidecarRetryInterval, "STREAMGATE_SIDECAR_RETRY_INTERVAL", 0)
	dispatcherCfg := sidecar.Config{
		Ledger:      ledger,
		Library:     store,
		Notifier:    notifier,
		Bus:         bus,
		Logger:      logging.WithComponent(logger, "sidecar"),
		StopTimeout: resolveDuration(*sidecarStopTimeout, "STREAMGATE_SIDECAR_STOP_TIMEOUT", 0),
	}
	if url := firstNonEmpty(*recorderURL, os.Getenv("STREAMGATE_RECORDER_URL")); url != "" {
		token := firstNonEmpty(*recorderToken, os.Getenv("STREAMGATE_RECORDER_TOKEN"))
		dispatcherCfg.Recorder = sidecar.NewHTTPRecorder(url, token, nil, logging.WithComponent(logger, "recorder"), sidecarAttempts, sidecarInterval)
	}
	if url := firstNonEmpty(*restreamerURL, os.Getenv("STREAMGATE_RESTREAMER_URL")); url != "" {
		token := firstNonEmpty(*restreamerToken, os.Getenv("STREAMGATE_RESTREAMER_TOKEN"))
		dispatcherCfg.Restreamer = sidecar.NewHTTPRestreamer(url, token, nil, logging.WithComponent(logger, "restreamer"), sidecarAttempts, sidecarInterval)
	}
	dispatcher := sidecar.New(dispatcherCfg)

	registry := session.NewRegistry(session.Config{
		Engine:         controller,
		Ledger:         ledger,
		Accounts:       store,
		Records:        store,
		Effects:        dispatcher,
		Logger:         logging.WithComponent(logger, "sessions"),
		SampleInterval: resolveDuration(*sampleInterval, "STREAMGATE_SAMPLE_INTERVAL", 0),
	})

	hookTokenValue := firstNonEmpty(*hookToken, os.Getenv("STREAMGATE_HOOK_TOKEN"))
	if hookTokenValue == "" {
		logger.Warn("hook token not configured, engine callbacks will be rejected")
	}
	adminTokenValue := firstNonEmpty(*adminToken, os.Getenv("STREAMGATE_ADMIN_TOKEN"))
	if adminTokenValue == "" {
		logger.Warn("admin token not configured, the admin API is unauthenticated")
	}

	handler := &server.Handler{
		Registry:   registry,
		Quota:      ledger,
		Store:      store,
		HookToken:  hookTokenValue,
		AdminToken: adminTokenValue,
		Logger:     logging.WithComponent(logger, "http"),
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: tlsCertPath,
			KeyFile:  tlsKeyPath,
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("STREAMGATE_CORS_ALLOWED_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("streamgate listening", "addr", listenAddr, "mode", serverMode, "storage", driver)
	if tlsCertPath != "" && tlsKeyPath != "" {
		logger.Info("TLS enabled", "cert_file", tlsCertPath)
	}
	logger.Info("metrics endpoint available", "path", "/metrics")

	runErr := srv.Run(ctx)
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.Close(shutdownCtx)
	dispatcher.Close()

	if closer, ok := bus.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close quota bus", "error", err)
		}
	}

	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

func configureBus(flagDriver string, cfg realtime.RedisBusConfig, logger *slog.Logger) (realtime.Bus, error) {
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagDriver, os.Getenv("STREAMGATE_BUS_DRIVER"))))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the quota bus")
		}
		cfg.Logger = logging.WithComponent(logger, "quota-bus")
		return realtime.NewRedisBus(cfg)
	case "", "memory":
		return realtime.NewMemoryBus(128), nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("STREAMGATE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
