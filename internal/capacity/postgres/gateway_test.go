package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/capacity"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/database"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

func setupGateway(t *testing.T) (*Gateway, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	return NewGateway(mock), mock
}

var key = capacity.Key{
	ProductType: domain.ProductTour,
	ProductID:   "tour-1",
	SlotKey:     "sched-1",
	VariantKey:  "std",
}

var holdColumns = []string{"product_type", "product_id", "slot_key", "variant_key", "quantity", "status"}

// ---------------------------------------------------------------------------
// GetAvailable / Seed
// ---------------------------------------------------------------------------

func TestGateway_GetAvailable(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT total - reserved").
		WithArgs("tour", "tour-1", "sched-1", "std").
		WillReturnRows(pgxmock.NewRows([]string{"available"}).AddRow(4))

	avail, err := g.GetAvailable(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 4, avail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_GetAvailable_UnknownSlot(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT total - reserved").
		WithArgs("tour", "tour-1", "sched-1", "std").
		WillReturnError(pgx.ErrNoRows)

	_, err := g.GetAvailable(context.Background(), key)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Seed(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO capacity_slots").
		WithArgs("tour", "tour-1", "sched-1", "std", 25).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, g.Seed(context.Background(), key, 25))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Reserve
// ---------------------------------------------------------------------------

func TestGateway_Reserve_Success(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("SELECT total, reserved").
		WithArgs("tour", "tour-1", "sched-1", "std").
		WillReturnRows(pgxmock.NewRows([]string{"total", "reserved"}).AddRow(10, 7))
	mock.ExpectExec("UPDATE capacity_slots").
		WithArgs(3, "tour", "tour-1", "sched-1", "std").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO capacity_holds").
		WithArgs(pgxmock.AnyArg(), "tour", "tour-1", "sched-1", "std", 3, "active", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	token, err := g.Reserve(context.Background(), key, 3, 20*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Reserve_Insufficient(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("SELECT total, reserved").
		WithArgs("tour", "tour-1", "sched-1", "std").
		WillReturnRows(pgxmock.NewRows([]string{"total", "reserved"}).AddRow(10, 9))
	mock.ExpectRollback()

	_, err := g.Reserve(context.Background(), key, 2, time.Minute)
	require.ErrorIs(t, err, apperrors.ErrInsufficientCapacity)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 1, appErr.Details["available"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Reserve_BeginError(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions).WillReturnError(errors.New("connection refused"))

	_, err := g.Reserve(context.Background(), key, 1, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin reserve transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Reserve_RejectsNonPositive(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	_, err := g.Reserve(context.Background(), key, 0, time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Release / Confirm
// ---------------------------------------------------------------------------

func TestGateway_Release_ActiveHold(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-1").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-1", "std", 2, "active"))
	mock.ExpectExec("UPDATE capacity_slots").
		WithArgs(2, "tour", "tour-1", "sched-1", "std").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE capacity_holds SET status").
		WithArgs("released", "hold-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, g.Release(context.Background(), "hold-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Release_AlreadyReleasedDoesNotCredit(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-1").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-1", "std", 2, "released"))
	mock.ExpectRollback()

	require.NoError(t, g.Release(context.Background(), "hold-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Release_UnknownHold(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := g.Release(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Confirm(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-1").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("transfer", "tr-1", "2026-07-01/van", "", 1, "active"))
	mock.ExpectExec("UPDATE capacity_holds SET status").
		WithArgs("converted", "hold-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, g.Confirm(context.Background(), "hold-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Confirm_ExpiredHoldConflicts(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-1").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-1", "std", 1, "expired"))
	mock.ExpectRollback()

	err := g.Confirm(context.Background(), "hold-1")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// ExpireHolds
// ---------------------------------------------------------------------------

func TestGateway_ExpireHolds(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "product_type", "product_id", "slot_key", "variant_key", "quantity"}

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("hold-1", "tour", "tour-1", "sched-1", "std", 2).
			AddRow("hold-2", "transfer", "tr-1", "2026-07-01/van", "", 1))
	mock.ExpectExec("UPDATE capacity_slots").
		WithArgs(2, "tour", "tour-1", "sched-1", "std").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE capacity_slots").
		WithArgs(1, "transfer", "tr-1", "2026-07-01/van", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE capacity_holds SET status = 'expired'").
		WithArgs([]string{"hold-1", "hold-2"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	n, err := g.ExpireHolds(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_ExpireHolds_NothingDue(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"id", "product_type", "product_id", "slot_key", "variant_key", "quantity"}))
	mock.ExpectRollback()

	n, err := g.ExpireHolds(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Adjust / Absorb
// ---------------------------------------------------------------------------

func TestGateway_Adjust_Grow(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-1").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-1", "std", 2, "active"))
	mock.ExpectQuery("SELECT total, reserved").
		WithArgs("tour", "tour-1", "sched-1", "std").
		WillReturnRows(pgxmock.NewRows([]string{"total", "reserved"}).AddRow(10, 6))
	mock.ExpectExec("UPDATE capacity_slots").
		WithArgs(3, "tour", "tour-1", "sched-1", "std").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE capacity_holds SET quantity").
		WithArgs(5, pgxmock.AnyArg(), "hold-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, g.Adjust(context.Background(), "hold-1", 5, time.Minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Adjust_GrowBeyondAvailable(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-1").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-1", "std", 2, "active"))
	mock.ExpectQuery("SELECT total, reserved").
		WithArgs("tour", "tour-1", "sched-1", "std").
		WillReturnRows(pgxmock.NewRows([]string{"total", "reserved"}).AddRow(10, 9))
	mock.ExpectRollback()

	err := g.Adjust(context.Background(), "hold-1", 4, time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientCapacity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Adjust_InactiveHold(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-1").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-1", "std", 2, "expired"))
	mock.ExpectRollback()

	err := g.Adjust(context.Background(), "hold-1", 1, time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Absorb(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-a").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-1", "std", 3, "active"))
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-b").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-1", "std", 2, "active"))
	mock.ExpectExec("UPDATE capacity_holds SET quantity = quantity").
		WithArgs(2, pgxmock.AnyArg(), "hold-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE capacity_holds SET status").
		WithArgs("released", "hold-b").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, g.Absorb(context.Background(), "hold-a", "hold-b", time.Minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Absorb_DifferentSlots(t *testing.T) {
	g, mock := setupGateway(t)
	defer mock.Close()

	mock.ExpectBeginTx(txOptions)
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-a").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-1", "std", 3, "active"))
	mock.ExpectQuery("FROM capacity_holds").
		WithArgs("hold-b").
		WillReturnRows(pgxmock.NewRows(holdColumns).AddRow("tour", "tour-1", "sched-2", "std", 2, "active"))
	mock.ExpectRollback()

	err := g.Absorb(context.Background(), "hold-b", "hold-a", time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}
