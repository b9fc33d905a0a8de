package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/retry"
)

// DBTX is the subset of *pgxpool.Pool used by repositories. pgxmock pools
// satisfy it as well, so repositories can be unit tested without a database.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPostgresConfig returns defaults for a local travelcart database.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "travelcart",
		Password:        "travelcart_secret",
		DBName:          "travelcart",
		SSLMode:         "disable",
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// NewPostgresPool connects with the default startup retry policy and verifies
// the pool with a ping. logger may be nil.
func NewPostgresPool(ctx context.Context, cfg *PostgresConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	policy := retry.DefaultPolicy()
	attempt := 0

	var pool *pgxpool.Pool
	err = retry.Do(ctx, policy, nil, func(ctx context.Context) error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if err = p.Ping(ctx); err != nil {
				p.Close()
			}
		}
		if err != nil {
			if logger != nil && attempt < policy.Attempts {
				logger.Warn("postgres connection failed, retrying",
					slog.Int("attempt", attempt),
					slog.Int("max_attempts", policy.Attempts),
					slog.String("error", err.Error()),
				)
			}
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return pool, nil
}
