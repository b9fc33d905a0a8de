// Package postgres stores capacity counters and holds in PostgreSQL. Every
// mutation locks the affected rows with SELECT ... FOR UPDATE inside a
// read-committed transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/capacity"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/database"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

var txOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// Gateway implements capacity.Gateway on capacity_slots and capacity_holds.
type Gateway struct {
	pool database.DBTX
}

// NewGateway creates a PostgreSQL-backed capacity gateway.
func NewGateway(pool database.DBTX) *Gateway {
	return &Gateway{pool: pool}
}

// Seed creates a slot or resets its total, keeping current reservations.
func (g *Gateway) Seed(ctx context.Context, key capacity.Key, total int) (err error) {
	query := `
		INSERT INTO capacity_slots (product_type, product_id, slot_key, variant_key, total, reserved, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW())
		ON CONFLICT (product_type, product_id, slot_key, variant_key) DO UPDATE SET
			total = EXCLUDED.total,
			updated_at = NOW()`

	ctx, end := database.TraceQuery(ctx, "SeedCapacity", query)
	defer func() { end(err) }()

	if _, err = g.pool.Exec(ctx, query, string(key.ProductType), key.ProductID, key.SlotKey, key.VariantKey, total); err != nil {
		return fmt.Errorf("seed capacity slot: %w", err)
	}
	return nil
}

// GetAvailable returns total minus reserved for the slot.
func (g *Gateway) GetAvailable(ctx context.Context, key capacity.Key) (available int, err error) {
	query := `
		SELECT total - reserved
		FROM capacity_slots
		WHERE product_type = $1 AND product_id = $2 AND slot_key = $3 AND variant_key = $4`

	ctx, end := database.TraceQuery(ctx, "GetAvailable", query)
	defer func() { end(err) }()

	err = g.pool.QueryRow(ctx, query, string(key.ProductType), key.ProductID, key.SlotKey, key.VariantKey).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.NotFound("capacity slot", key.String())
		}
		return 0, fmt.Errorf("get available capacity: %w", err)
	}
	return available, nil
}

// Reserve locks the slot row, re-checks availability and records a hold.
func (g *Gateway) Reserve(ctx context.Context, key capacity.Key, n int, ttl time.Duration) (token capacity.HoldToken, err error) {
	if n <= 0 {
		return "", apperrors.InvalidInput(fmt.Sprintf("reserve quantity must be positive, got %d", n))
	}

	ctx, end := database.TraceQuery(ctx, "ReserveCapacity", "capacity_slots FOR UPDATE")
	defer func() { end(err) }()

	tx, err := g.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return "", fmt.Errorf("begin reserve transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lockQuery := `
		SELECT total, reserved
		FROM capacity_slots
		WHERE product_type = $1 AND product_id = $2 AND slot_key = $3 AND variant_key = $4
		FOR UPDATE`

	var total, reserved int
	err = tx.QueryRow(ctx, lockQuery, string(key.ProductType), key.ProductID, key.SlotKey, key.VariantKey).Scan(&total, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.NotFound("capacity slot", key.String())
		}
		return "", fmt.Errorf("lock capacity slot: %w", err)
	}

	if available := total - reserved; available < n {
		return "", apperrors.InsufficientCapacity(key.String(), n, available)
	}

	updateQuery := `
		UPDATE capacity_slots
		SET reserved = reserved + $1, updated_at = NOW()
		WHERE product_type = $2 AND product_id = $3 AND slot_key = $4 AND variant_key = $5`

	if _, err = tx.Exec(ctx, updateQuery, n, string(key.ProductType), key.ProductID, key.SlotKey, key.VariantKey); err != nil {
		return "", fmt.Errorf("update reserved count: %w", err)
	}

	id := uuid.New().String()
	insertQuery := `
		INSERT INTO capacity_holds (id, product_type, product_id, slot_key, variant_key, quantity, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = tx.Exec(ctx, insertQuery,
		id,
		string(key.ProductType),
		key.ProductID,
		key.SlotKey,
		key.VariantKey,
		n,
		string(capacity.HoldActive),
		time.Now().UTC().Add(ttl),
	)
	if err != nil {
		return "", fmt.Errorf("insert capacity hold: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit reserve transaction: %w", err)
	}
	return capacity.HoldToken(id), nil
}

type lockedHold struct {
	key      capacity.Key
	quantity int
	status   capacity.HoldStatus
}

func lockHold(ctx context.Context, tx pgx.Tx, token capacity.HoldToken) (*lockedHold, error) {
	query := `
		SELECT product_type, product_id, slot_key, variant_key, quantity, status
		FROM capacity_holds
		WHERE id = $1
		FOR UPDATE`

	var (
		h           lockedHold
		productType string
		status      string
	)
	err := tx.QueryRow(ctx, query, string(token)).Scan(
		&productType,
		&h.key.ProductID,
		&h.key.SlotKey,
		&h.key.VariantKey,
		&h.quantity,
		&status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("hold", string(token))
		}
		return nil, fmt.Errorf("lock hold: %w", err)
	}
	h.key.ProductType = domain.ProductType(productType)
	h.status = capacity.HoldStatus(status)
	return &h, nil
}

const restoreQuery = `
	UPDATE capacity_slots
	SET reserved = GREATEST(reserved - $1, 0), updated_at = NOW()
	WHERE product_type = $2 AND product_id = $3 AND slot_key = $4 AND variant_key = $5`

// Release credits an active hold back. The status is re-checked under the
// hold's row lock, so concurrent releases credit at most once.
func (g *Gateway) Release(ctx context.Context, token capacity.HoldToken) (err error) {
	ctx, end := database.TraceQuery(ctx, "ReleaseHold", "capacity_holds FOR UPDATE")
	defer func() { end(err) }()

	tx, err := g.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("begin release transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	h, err := lockHold(ctx, tx, token)
	if err != nil {
		return err
	}
	if h.status != capacity.HoldActive {
		return nil
	}

	_, err = tx.Exec(ctx, restoreQuery, h.quantity, string(h.key.ProductType), h.key.ProductID, h.key.SlotKey, h.key.VariantKey)
	if err != nil {
		return fmt.Errorf("restore reserved count: %w", err)
	}

	statusQuery := `UPDATE capacity_holds SET status = $1, updated_at = NOW() WHERE id = $2`
	if _, err = tx.Exec(ctx, statusQuery, string(capacity.HoldReleased), string(token)); err != nil {
		return fmt.Errorf("update hold status to released: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit release transaction: %w", err)
	}
	return nil
}

// Confirm marks an active hold converted; its units stay consumed.
func (g *Gateway) Confirm(ctx context.Context, token capacity.HoldToken) (err error) {
	ctx, end := database.TraceQuery(ctx, "ConfirmHold", "capacity_holds FOR UPDATE")
	defer func() { end(err) }()

	tx, err := g.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("begin confirm transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	h, err := lockHold(ctx, tx, token)
	if err != nil {
		return err
	}
	switch h.status {
	case capacity.HoldConverted:
		return nil
	case capacity.HoldActive:
	default:
		return apperrors.Conflict(fmt.Sprintf("hold %s is already %s", token, h.status))
	}

	statusQuery := `UPDATE capacity_holds SET status = $1, updated_at = NOW() WHERE id = $2`
	if _, err = tx.Exec(ctx, statusQuery, string(capacity.HoldConverted), string(token)); err != nil {
		return fmt.Errorf("update hold status to converted: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit confirm transaction: %w", err)
	}
	return nil
}

// ExpireHolds releases every active hold past its expiry. Rows locked by a
// concurrent sweep are skipped and picked up by the next run.
func (g *Gateway) ExpireHolds(ctx context.Context, now time.Time) (count int, err error) {
	ctx, end := database.TraceQuery(ctx, "ExpireHolds", "capacity_holds SKIP LOCKED")
	defer func() { end(err) }()

	tx, err := g.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return 0, fmt.Errorf("begin expire transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	selectQuery := `
		SELECT id, product_type, product_id, slot_key, variant_key, quantity
		FROM capacity_holds
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at ASC
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, selectQuery, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("select expired holds: %w", err)
	}

	type expiredHold struct {
		id       string
		key      capacity.Key
		quantity int
	}
	var expired []expiredHold
	for rows.Next() {
		var (
			h           expiredHold
			productType string
		)
		if err = rows.Scan(&h.id, &productType, &h.key.ProductID, &h.key.SlotKey, &h.key.VariantKey, &h.quantity); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired hold: %w", err)
		}
		h.key.ProductType = domain.ProductType(productType)
		expired = append(expired, h)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired holds: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(expired))
	for _, h := range expired {
		_, err = tx.Exec(ctx, restoreQuery, h.quantity, string(h.key.ProductType), h.key.ProductID, h.key.SlotKey, h.key.VariantKey)
		if err != nil {
			return 0, fmt.Errorf("restore reserved count for hold %s: %w", h.id, err)
		}
		ids = append(ids, h.id)
	}

	statusQuery := `UPDATE capacity_holds SET status = 'expired', updated_at = NOW() WHERE id = ANY($1)`
	if _, err = tx.Exec(ctx, statusQuery, ids); err != nil {
		return 0, fmt.Errorf("mark holds expired: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit expire transaction: %w", err)
	}
	return len(expired), nil
}

// Adjust locks the hold and its slot, then moves the slot counter by the
// difference between the new and the held quantity.
func (g *Gateway) Adjust(ctx context.Context, token capacity.HoldToken, n int, ttl time.Duration) (err error) {
	if n <= 0 {
		return apperrors.InvalidInput(fmt.Sprintf("hold quantity must be positive, got %d", n))
	}

	ctx, end := database.TraceQuery(ctx, "AdjustHold", "capacity_holds FOR UPDATE")
	defer func() { end(err) }()

	tx, err := g.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("begin adjust transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	h, err := lockHold(ctx, tx, token)
	if err != nil {
		return err
	}
	if h.status != capacity.HoldActive {
		return apperrors.Conflict(fmt.Sprintf("hold %s is already %s", token, h.status))
	}

	slotQuery := `
		SELECT total, reserved
		FROM capacity_slots
		WHERE product_type = $1 AND product_id = $2 AND slot_key = $3 AND variant_key = $4
		FOR UPDATE`

	var total, reserved int
	err = tx.QueryRow(ctx, slotQuery, string(h.key.ProductType), h.key.ProductID, h.key.SlotKey, h.key.VariantKey).Scan(&total, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("capacity slot", h.key.String())
		}
		return fmt.Errorf("lock capacity slot: %w", err)
	}

	delta := n - h.quantity
	if available := total - reserved; delta > available {
		return apperrors.InsufficientCapacity(h.key.String(), delta, available)
	}

	updateSlot := `
		UPDATE capacity_slots
		SET reserved = GREATEST(reserved + $1, 0), updated_at = NOW()
		WHERE product_type = $2 AND product_id = $3 AND slot_key = $4 AND variant_key = $5`
	if _, err = tx.Exec(ctx, updateSlot, delta, string(h.key.ProductType), h.key.ProductID, h.key.SlotKey, h.key.VariantKey); err != nil {
		return fmt.Errorf("update reserved count: %w", err)
	}

	updateHold := `UPDATE capacity_holds SET quantity = $1, expires_at = $2, updated_at = NOW() WHERE id = $3`
	if _, err = tx.Exec(ctx, updateHold, n, time.Now().UTC().Add(ttl), string(token)); err != nil {
		return fmt.Errorf("update hold quantity: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit adjust transaction: %w", err)
	}
	return nil
}

// Absorb locks both holds in token order, adds the source quantity to the
// target and marks the source released. Slot counters are untouched.
func (g *Gateway) Absorb(ctx context.Context, into, from capacity.HoldToken, ttl time.Duration) (err error) {
	if into == from {
		return apperrors.InvalidInput("cannot absorb a hold into itself")
	}

	ctx, end := database.TraceQuery(ctx, "AbsorbHold", "capacity_holds FOR UPDATE")
	defer func() { end(err) }()

	tx, err := g.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("begin absorb transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	first, second := into, from
	if second < first {
		first, second = second, first
	}
	locked := make(map[capacity.HoldToken]*lockedHold, 2)
	for _, token := range []capacity.HoldToken{first, second} {
		h, err := lockHold(ctx, tx, token)
		if err != nil {
			return err
		}
		if h.status != capacity.HoldActive {
			return apperrors.Conflict(fmt.Sprintf("hold %s is already %s", token, h.status))
		}
		locked[token] = h
	}
	if locked[into].key != locked[from].key {
		return apperrors.InvalidInput(fmt.Sprintf("holds cover different slots: %s and %s", locked[into].key, locked[from].key))
	}

	growQuery := `UPDATE capacity_holds SET quantity = quantity + $1, expires_at = $2, updated_at = NOW() WHERE id = $3`
	if _, err = tx.Exec(ctx, growQuery, locked[from].quantity, time.Now().UTC().Add(ttl), string(into)); err != nil {
		return fmt.Errorf("grow absorbing hold: %w", err)
	}

	statusQuery := `UPDATE capacity_holds SET status = $1, updated_at = NOW() WHERE id = $2`
	if _, err = tx.Exec(ctx, statusQuery, string(capacity.HoldReleased), string(from)); err != nil {
		return fmt.Errorf("update hold status to released: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit absorb transaction: %w", err)
	}
	return nil
}
