// Package postgres reads system limits from the system_limits table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/database"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

// Store implements settings.Store.
type Store struct {
	pool database.DBTX
}

// NewStore creates a PostgreSQL-backed settings store.
func NewStore(pool database.DBTX) *Store {
	return &Store{pool: pool}
}

// GetLimits reads the row of one identity class.
func (s *Store) GetLimits(ctx context.Context, class domain.IdentityClass) (limits domain.SystemLimits, err error) {
	query := `
		SELECT max_items, max_total, rate_limit_per_minute, max_concurrent_carts,
		       max_quantity_per_item, service_fee_percent, tax_percent
		FROM system_limits
		WHERE identity_class = $1`

	ctx, end := database.TraceQuery(ctx, "GetLimits", query)
	defer func() { end(err) }()

	err = s.pool.QueryRow(ctx, query, string(class)).Scan(
		&limits.MaxItems,
		&limits.MaxTotal,
		&limits.RateLimitPerMinute,
		&limits.MaxConcurrentCarts,
		&limits.MaxQuantityPerItem,
		&limits.ServiceFeePercent,
		&limits.TaxPercent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SystemLimits{}, apperrors.NotFound("system limits", string(class))
		}
		return domain.SystemLimits{}, fmt.Errorf("get system limits: %w", err)
	}
	return limits, nil
}

// PutLimits inserts or replaces the row of one identity class.
func (s *Store) PutLimits(ctx context.Context, class domain.IdentityClass, limits domain.SystemLimits) (err error) {
	query := `
		INSERT INTO system_limits (identity_class, max_items, max_total, rate_limit_per_minute,
			max_concurrent_carts, max_quantity_per_item, service_fee_percent, tax_percent, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (identity_class) DO UPDATE SET
			max_items = EXCLUDED.max_items,
			max_total = EXCLUDED.max_total,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			max_concurrent_carts = EXCLUDED.max_concurrent_carts,
			max_quantity_per_item = EXCLUDED.max_quantity_per_item,
			service_fee_percent = EXCLUDED.service_fee_percent,
			tax_percent = EXCLUDED.tax_percent,
			updated_at = NOW()`

	ctx, end := database.TraceQuery(ctx, "PutLimits", query)
	defer func() { end(err) }()

	_, err = s.pool.Exec(ctx, query,
		string(class),
		limits.MaxItems,
		limits.MaxTotal,
		limits.RateLimitPerMinute,
		limits.MaxConcurrentCarts,
		limits.MaxQuantityPerItem,
		limits.ServiceFeePercent,
		limits.TaxPercent,
	)
	if err != nil {
		return fmt.Errorf("put system limits: %w", err)
	}
	return nil
}
