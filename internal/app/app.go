package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/capacity"
	capmemory "github.com/istanbulplusir-blip/plusistanbul-sub002/internal/capacity/memory"
	cappostgres "github.com/istanbulplusir-blip/plusistanbul-sub002/internal/capacity/postgres"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/catalog"
	cathttp "github.com/istanbulplusir-blip/plusistanbul-sub002/internal/catalog/http"
	catmemory "github.com/istanbulplusir-blip/plusistanbul-sub002/internal/catalog/memory"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/config"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/event"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/expirer"
	handler "github.com/istanbulplusir-blip/plusistanbul-sub002/internal/handler/http"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/orders"
	ordhttp "github.com/istanbulplusir-blip/plusistanbul-sub002/internal/orders/http"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/pricing"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/ratelimit"
	redisrepo "github.com/istanbulplusir-blip/plusistanbul-sub002/internal/repository/redis"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/service"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/settings"
	setpostgres "github.com/istanbulplusir-blip/plusistanbul-sub002/internal/settings/postgres"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/migrations"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/database"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/health"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/httpclient"
	pkgkafka "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/kafka"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/tracing"
)

const serviceName = "travelcart"

// App wires together all dependencies and runs the travel cart service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	rdb            *redis.Client
	pool           *pgxpool.Pool
	producer       *pkgkafka.Producer
	orderConsumer  *pkgkafka.Consumer
	httpServer     *http.Server
	expirer        *expirer.Expirer
	settings       *settings.Cache
	memLimiter     *ratelimit.Memory
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.closeClients()
		}
	}()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	// Initialize Redis client.
	redisCfg := database.DefaultRedisConfig()
	redisCfg.Host = cfg.RedisHost
	redisCfg.Port = cfg.RedisPort
	redisCfg.Password = cfg.RedisPass
	redisCfg.DB = cfg.RedisDB
	redisCfg.PoolSize = cfg.RedisPoolSize
	rdb, err := database.NewRedisClient(ctx, redisCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.rdb = rdb
	logger.Info("connected to Redis",
		slog.String("host", cfg.RedisHost),
		slog.Int("port", cfg.RedisPort),
		slog.Int("db", cfg.RedisDB),
	)

	// PostgreSQL is only needed by the postgres capacity and settings backends.
	if cfg.UsesPostgres() {
		if err := a.connectPostgres(ctx); err != nil {
			return nil, err
		}
	}

	// Initialize Kafka producer. A broker outage degrades event delivery only.
	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	a.producer = producer
	if err := producer.Ping(ctx); err != nil {
		logger.Warn("kafka producer ping failed, continuing in degraded mode",
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}

	// Build the dependency graph.
	capacityGateway, holds := a.buildCapacity()

	catalogClient, err := a.buildCatalog()
	if err != nil {
		return nil, err
	}

	guestLimits, userLimits := cfg.DefaultLimits()
	var limitsStore settings.Store = settings.Static{
		domain.ClassGuest: guestLimits,
		domain.ClassUser:  userLimits,
	}
	if cfg.SettingsBackend == config.BackendPostgres {
		limitsStore = setpostgres.NewStore(a.pool)
	}
	a.settings = settings.NewCache(limitsStore, cfg.SettingsRefresh(),
		settings.Snapshot{Guest: guestLimits, User: userLimits}, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == config.BackendRedis {
		limiter = ratelimit.NewRedis(rdb, logger)
	} else {
		a.memLimiter = ratelimit.NewMemory(10 * time.Minute)
		limiter = a.memLimiter
	}

	engine := service.NewEngine(service.Deps{
		Carts:    redisrepo.NewCartRepository(rdb, cfg.CartRetention(), cfg.CartLockTTL(), logger),
		Catalog:  catalogClient,
		Capacity: capacityGateway,
		Pricing:  pricing.DefaultRegistry(),
		Limits:   a.settings,
		Limiter:  limiter,
		Events:   event.NewProducer(producer, logger),
		Logger:   logger,
	}, service.Config{
		ReservationTTL:  cfg.ReservationTTL(),
		CartTTL:         cfg.CartTTL(),
		SweepPolicy:     service.SweepPolicy(cfg.SweepPolicy),
		DefaultCurrency: cfg.DefaultCurrency,
	})
	merger := service.NewMergeCoordinator(engine, a.buildPendingOrders(), logger)

	a.expirer = expirer.New(engine, holds, cfg.SweepInterval(), logger)

	// Orders placed from a checked-out cart convert its holds into bookings.
	a.orderConsumer = event.NewOrderConsumer(pkgkafka.ConsumerConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}, engine, pkgkafka.NewRedisIdempotencyStore(rdb, "travelcart:events:", 24*time.Hour), logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if a.pool != nil {
		healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
			return a.pool.Ping(ctx)
		})
	}
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(engine, merger, healthHandler, logger, cfg.PprofAllowedCIDRs)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return a, nil
}

func (a *App) connectPostgres(ctx context.Context) error {
	cfg := a.cfg
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg, a.logger)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	a.logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, serviceName); err != nil {
		a.logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}

	if err := database.RunMigrations(ctx, pool, migrations.FS, a.logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	a.logger.Info("database migrations completed")

	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, a.logger)
	}
	return nil
}

func (a *App) buildCapacity() (capacity.Gateway, expirer.HoldExpirer) {
	if a.cfg.CapacityBackend == config.BackendPostgres {
		gw := cappostgres.NewGateway(a.pool)
		return gw, gw
	}
	gw := capmemory.NewGateway(capmemory.WithDefaultSize(a.cfg.CapacityDefaultSlotSize))
	a.logger.Warn("using in-memory capacity; holds are lost on restart",
		slog.Int("default_slot_size", a.cfg.CapacityDefaultSlotSize),
	)
	return gw, gw
}

func (a *App) buildCatalog() (catalog.Catalog, error) {
	if a.cfg.CatalogURL != "" {
		client := httpclient.NewCircuitBreakerClient(
			httpclient.New(httpclient.DefaultConfig()),
			httpclient.DefaultCircuitBreakerConfig("catalog"),
			a.logger,
		)
		return cathttp.NewClient(client, a.cfg.CatalogURL, a.logger), nil
	}

	c := catmemory.New()
	if a.cfg.CatalogSeedFile != "" {
		n, err := c.LoadFile(a.cfg.CatalogSeedFile)
		if err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		a.logger.Info("catalog seeded", slog.Int("products", n), slog.String("file", a.cfg.CatalogSeedFile))
	}
	return c, nil
}

func (a *App) buildPendingOrders() orders.PendingOrders {
	if a.cfg.OrderURL == "" {
		return orders.None{}
	}
	client := httpclient.NewCircuitBreakerClient(
		httpclient.New(httpclient.DefaultConfig()),
		httpclient.DefaultCircuitBreakerConfig("orders"),
		a.logger,
	)
	return ordhttp.NewClient(client, a.cfg.OrderURL, a.logger)
}

// Run starts the HTTP server, the order consumer and background jobs, then
// blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	// Start HTTP server.
	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Start Kafka consumer.
	go func() {
		if err := a.orderConsumer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("order placed consumer: %w", err)
		}
	}()

	// Background jobs.
	go a.expirer.Run(ctx)
	go a.settings.Run(ctx)
	if a.memLimiter != nil {
		go a.memLimiter.Run(ctx)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order: HTTP server, tracer,
// Kafka consumer and producer, then the data stores.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if err := a.orderConsumer.Close(); err != nil {
		a.logger.Error("order consumer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	errs = append(errs, a.closeClients()...)

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// closeClients releases the tracer, producer and store connections that
// have been opened so far.
func (a *App) closeClients() []error {
	var errs []error

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.pool != nil {
		a.pool.Close()
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errs
}
