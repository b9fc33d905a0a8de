package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/database"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

var limitColumns = []string{
	"max_items", "max_total", "rate_limit_per_minute", "max_concurrent_carts",
	"max_quantity_per_item", "service_fee_percent", "tax_percent",
}

func setupStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	return NewStore(mock), mock
}

func TestStore_GetLimits(t *testing.T) {
	s, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectQuery("FROM system_limits").
		WithArgs("guest").
		WillReturnRows(pgxmock.NewRows(limitColumns).AddRow(10, "5000", 30, 3, 10, "5", "9"))

	limits, err := s.GetLimits(context.Background(), domain.ClassGuest)
	require.NoError(t, err)
	assert.Equal(t, 10, limits.MaxItems)
	assert.True(t, limits.MaxTotal.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, 30, limits.RateLimitPerMinute)
	assert.Equal(t, 3, limits.MaxConcurrentCarts)
	assert.True(t, limits.TaxPercent.Equal(decimal.NewFromInt(9)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetLimits_MissingRow(t *testing.T) {
	s, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectQuery("FROM system_limits").
		WithArgs("user").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetLimits(context.Background(), domain.ClassUser)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetLimits_QueryError(t *testing.T) {
	s, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectQuery("FROM system_limits").
		WithArgs("user").
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetLimits(context.Background(), domain.ClassUser)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get system limits")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PutLimits(t *testing.T) {
	s, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO system_limits").
		WithArgs("user", 20, pgxmock.AnyArg(), 60, 0, 20, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutLimits(context.Background(), domain.ClassUser, domain.SystemLimits{
		MaxItems:           20,
		MaxTotal:           decimal.NewFromInt(20000),
		RateLimitPerMinute: 60,
		MaxQuantityPerItem: 20,
		ServiceFeePercent:  decimal.NewFromInt(5),
		TaxPercent:         decimal.NewFromInt(9),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
