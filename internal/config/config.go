package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	pkgconfig "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/config"
)

// Backend selectors.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendStatic   = "static"
)

// Config holds all configuration for the travel cart service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"TRAVELCART_HTTP_PORT" envDefault:"8003"`

	// Redis
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPass string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	RedisPoolSize int `env:"REDIS_POOL_SIZE" envDefault:"50"`

	// PostgreSQL, only dialed when a postgres backend is selected
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"travelcart"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"travelcart_secret"`
	PostgresDB   string `env:"TRAVELCART_DB_NAME" envDefault:"travelcart"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"travelcart-order-placed"`

	// Collaborators. An empty URL selects the in-process adapter.
	CatalogURL      string `env:"CATALOG_URL" envDefault:""`
	CatalogSeedFile string `env:"CATALOG_SEED_FILE" envDefault:""`
	OrderURL        string `env:"ORDER_URL" envDefault:""`

	// Backends
	CapacityBackend  string `env:"CAPACITY_BACKEND" envDefault:"memory"`
	SettingsBackend  string `env:"SETTINGS_BACKEND" envDefault:"static"`
	RateLimitBackend string `env:"RATE_LIMIT_BACKEND" envDefault:"redis"`

	// Slots the memory capacity backend creates on first use.
	CapacityDefaultSlotSize int `env:"CAPACITY_DEFAULT_SLOT_SIZE" envDefault:"20"`

	// Cart lifecycle
	ReservationTTLMinutes int    `env:"RESERVATION_TTL_MINUTES" envDefault:"20"`
	CartTTLHours          int    `env:"CART_TTL_HOURS" envDefault:"168"`
	CartLockTTLSeconds    int    `env:"CART_LOCK_TTL_SECONDS" envDefault:"5"`
	SweepIntervalSeconds  int    `env:"SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	SweepPolicy           string `env:"SWEEP_POLICY" envDefault:"delete"`
	DefaultCurrency       string `env:"DEFAULT_CURRENCY" envDefault:"USD"`
	SettingsRefreshSecs   int    `env:"SETTINGS_REFRESH_SECONDS" envDefault:"30"`

	// Limits used when no settings row is available
	GuestMaxItems           int             `env:"GUEST_MAX_ITEMS" envDefault:"10"`
	GuestMaxTotal           decimal.Decimal `env:"GUEST_MAX_TOTAL" envDefault:"5000"`
	GuestRateLimitPerMinute int             `env:"GUEST_RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	GuestMaxConcurrentCarts int             `env:"GUEST_MAX_CONCURRENT_CARTS" envDefault:"3"`
	GuestMaxQuantityPerItem int             `env:"GUEST_MAX_QUANTITY_PER_ITEM" envDefault:"10"`
	UserMaxItems            int             `env:"USER_MAX_ITEMS" envDefault:"20"`
	UserMaxTotal            decimal.Decimal `env:"USER_MAX_TOTAL" envDefault:"20000"`
	UserRateLimitPerMinute  int             `env:"USER_RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	UserMaxQuantityPerItem  int             `env:"USER_MAX_QUANTITY_PER_ITEM" envDefault:"20"`
	ServiceFeePercent       decimal.Decimal `env:"SERVICE_FEE_PERCENT" envDefault:"5"`
	TaxPercent              decimal.Decimal `env:"TAX_PERCENT" envDefault:"10"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Pprof debug endpoints (IP allowlist in CIDR notation)
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load travelcart config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	switch c.CapacityBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("CAPACITY_BACKEND must be memory or postgres, got %q", c.CapacityBackend)
	}
	switch c.SettingsBackend {
	case BackendStatic, BackendPostgres:
	default:
		return fmt.Errorf("SETTINGS_BACKEND must be static or postgres, got %q", c.SettingsBackend)
	}
	switch c.RateLimitBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis, got %q", c.RateLimitBackend)
	}
	if c.SweepPolicy != "delete" && c.SweepPolicy != "deactivate" {
		return fmt.Errorf("SWEEP_POLICY must be delete or deactivate, got %q", c.SweepPolicy)
	}
	if c.ReservationTTLMinutes <= 0 {
		return fmt.Errorf("RESERVATION_TTL_MINUTES must be > 0, got %d", c.ReservationTTLMinutes)
	}
	if c.CartTTLHours <= 0 {
		return fmt.Errorf("CART_TTL_HOURS must be > 0, got %d", c.CartTTLHours)
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be > 0, got %d", c.SweepIntervalSeconds)
	}
	if c.SettingsRefreshSecs <= 0 {
		return fmt.Errorf("SETTINGS_REFRESH_SECONDS must be > 0, got %d", c.SettingsRefreshSecs)
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be an ISO 4217 code, got %q", c.DefaultCurrency)
	}
	if c.ServiceFeePercent.IsNegative() || c.TaxPercent.IsNegative() {
		return fmt.Errorf("SERVICE_FEE_PERCENT and TAX_PERCENT must not be negative")
	}
	return nil
}

// UsesPostgres reports whether any backend needs a database connection.
func (c *Config) UsesPostgres() bool {
	return c.CapacityBackend == BackendPostgres || c.SettingsBackend == BackendPostgres
}

// ReservationTTL is how long a capacity hold lives without activity.
func (c *Config) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLMinutes) * time.Minute
}

// CartTTL is how long an untouched cart is kept.
func (c *Config) CartTTL() time.Duration {
	return time.Duration(c.CartTTLHours) * time.Hour
}

// CartRetention is how long the cart store keeps a document after its last
// write. It outlives CartTTL by at least one hold lifetime and two sweep
// periods so the sweep still sees an idle cart and deactivates it, even after
// the sweeper was down for a while.
func (c *Config) CartRetention() time.Duration {
	grace := max(c.CartTTL(), c.ReservationTTL()+2*c.SweepInterval())
	return c.CartTTL() + grace
}

// CartLockTTL bounds how long one mutation may hold a cart's lock.
func (c *Config) CartLockTTL() time.Duration {
	return time.Duration(c.CartLockTTLSeconds) * time.Second
}

// SweepInterval is the period of the reservation expirer.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// SettingsRefresh is the period of the limits cache refresh.
func (c *Config) SettingsRefresh() time.Duration {
	return time.Duration(c.SettingsRefreshSecs) * time.Second
}

// DefaultLimits are the limits served when the settings store has none.
func (c *Config) DefaultLimits() (guest, user domain.SystemLimits) {
	guest = domain.SystemLimits{
		MaxItems:           c.GuestMaxItems,
		MaxTotal:           c.GuestMaxTotal,
		RateLimitPerMinute: c.GuestRateLimitPerMinute,
		MaxConcurrentCarts: c.GuestMaxConcurrentCarts,
		MaxQuantityPerItem: c.GuestMaxQuantityPerItem,
		ServiceFeePercent:  c.ServiceFeePercent,
		TaxPercent:         c.TaxPercent,
	}
	user = domain.SystemLimits{
		MaxItems:           c.UserMaxItems,
		MaxTotal:           c.UserMaxTotal,
		RateLimitPerMinute: c.UserRateLimitPerMinute,
		MaxQuantityPerItem: c.UserMaxQuantityPerItem,
		ServiceFeePercent:  c.ServiceFeePercent,
		TaxPercent:         c.TaxPercent,
	}
	return guest, user
}
