package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/repository"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
	"github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/retry"
)

const (
	keyPrefix        = "cart:"
	versionPrefix    = "cart:version:"
	userIndexPrefix  = "cart:user:"
	sessionIdxPrefix = "cart:session:"
	clientSetPrefix  = "cart:client:"
	lockPrefix       = "cart:lock:"
	activeSetKey     = "cart:active"
)

var errLockHeld = errors.New("cart lock held")

// createScript claims the owner index with SET NX and, only if that
// succeeded, writes the document, its version and the secondary indexes.
//
// KEYS: doc, version, owner index, active set, client set
// ARGV: cart id, doc json, ttl ms, client id
var createScript = redis.NewScript(`
if not redis.call('SET', KEYS[3], ARGV[1], 'NX', 'PX', ARGV[3]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
redis.call('SADD', KEYS[4], ARGV[1])
if ARGV[4] ~= '' then
	redis.call('SADD', KEYS[5], ARGV[1])
	redis.call('PEXPIRE', KEYS[5], ARGV[3])
end
return 1
`)

// saveScript writes the document only if the stored version matches.
//
// KEYS: doc, version, owner index, active set, client set
// ARGV: expected version, doc json, ttl ms, cart id, active flag, client id
var saveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
if current ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[2], tostring(current + 1), 'PX', ARGV[3])
local owner = redis.call('GET', KEYS[3])
if ARGV[5] == '1' then
	if (not owner) or owner == ARGV[4] then
		redis.call('SET', KEYS[3], ARGV[4], 'PX', ARGV[3])
	end
	redis.call('SADD', KEYS[4], ARGV[4])
else
	if owner == ARGV[4] then
		redis.call('DEL', KEYS[3])
	end
	redis.call('SREM', KEYS[4], ARGV[4])
	if ARGV[6] ~= '' then
		redis.call('SREM', KEYS[5], ARGV[4])
	end
end
return 1
`)

// deleteScript removes the document and every index that still points at it.
//
// KEYS: doc, version, owner index, active set, client set
// ARGV: cart id
var deleteScript = redis.NewScript(`
redis.call('DEL', KEYS[1], KEYS[2])
if redis.call('GET', KEYS[3]) == ARGV[1] then
	redis.call('DEL', KEYS[3])
end
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('SREM', KEYS[5], ARGV[1])
return 1
`)

// compareAndDeleteScript deletes KEYS[1] only if it still holds ARGV[1]. It
// releases locks and drops dangling owner indexes.
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// CartRepository implements repository.CartStore using Redis. Carts are JSON
// documents under cart:<id>; owner indexes map a user or session to the
// active cart ID.
type CartRepository struct {
	client     *redis.Client
	ttl        time.Duration
	lockTTL    time.Duration
	lockPolicy retry.Policy
	logger     *slog.Logger
}

// NewCartRepository creates a new Redis-backed cart repository. ttl bounds
// how long a cart document outlives its last write; it must exceed the
// engine's cart TTL or idle carts vanish before the sweep deactivates them.
func NewCartRepository(client *redis.Client, ttl, lockTTL time.Duration, logger *slog.Logger) *CartRepository {
	return &CartRepository{
		client:     client,
		ttl:        ttl,
		lockTTL:    lockTTL,
		lockPolicy: retry.LockPolicy(),
		logger:     logger,
	}
}

func ownerKey(cart *domain.Cart) string {
	if cart.UserID != "" {
		return userIndexPrefix + cart.UserID
	}
	return sessionIdxPrefix + cart.SessionKey
}

func keys(cart *domain.Cart) []string {
	return []string{
		keyPrefix + cart.ID,
		versionPrefix + cart.ID,
		ownerKey(cart),
		activeSetKey,
		clientSetPrefix + cart.ClientID,
	}
}

func activeFlag(cart *domain.Cart) string {
	if cart.IsActive {
		return "1"
	}
	return "0"
}

// Get retrieves a cart by ID from Redis.
func (r *CartRepository) Get(ctx context.Context, cartID string) (*domain.Cart, error) {
	data, err := r.client.Get(ctx, keyPrefix+cartID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("cart", cartID)
		}
		return nil, apperrors.Transient("redis get cart", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &cart, nil
}

// FindActiveByUser follows the user index to the active cart.
func (r *CartRepository) FindActiveByUser(ctx context.Context, userID string) (*domain.Cart, error) {
	return r.findByIndex(ctx, userIndexPrefix+userID, "user cart", userID)
}

// FindActiveBySession follows the session index to the active cart.
func (r *CartRepository) FindActiveBySession(ctx context.Context, sessionKey string) (*domain.Cart, error) {
	return r.findByIndex(ctx, sessionIdxPrefix+sessionKey, "session cart", sessionKey)
}

func (r *CartRepository) findByIndex(ctx context.Context, indexKey, resource, id string) (*domain.Cart, error) {
	cartID, err := r.client.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound(resource, id)
		}
		return nil, apperrors.Transient("redis get cart index", err)
	}

	cart, err := r.Get(ctx, cartID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// the document expired before its index; drop the dangling pointer
			_, _ = compareAndDeleteScript.Run(ctx, r.client, []string{indexKey}, cartID).Result()
			return nil, apperrors.NotFound(resource, id)
		}
		return nil, err
	}
	if !cart.IsActive {
		return nil, apperrors.NotFound(resource, id)
	}
	return cart, nil
}

// Create stores a new cart, failing with ErrAlreadyExists if the owner index
// is already claimed.
func (r *CartRepository) Create(ctx context.Context, cart *domain.Cart) error {
	cart.Version = 1
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	created, err := createScript.Run(ctx, r.client, keys(cart),
		cart.ID, data, r.ttl.Milliseconds(), cart.ClientID,
	).Int()
	if err != nil {
		return apperrors.Transient("redis create cart", err)
	}
	if created == 0 {
		cart.Version = 0
		if cart.UserID != "" {
			return apperrors.AlreadyExists("cart", "user_id", cart.UserID)
		}
		return apperrors.AlreadyExists("cart", "session_key", cart.SessionKey)
	}
	return nil
}

// SaveIfVersion persists the cart if the stored version equals
// expectedVersion. A missing cart has version 0.
func (r *CartRepository) SaveIfVersion(ctx context.Context, cart *domain.Cart, expectedVersion int) (bool, error) {
	cart.Version = expectedVersion + 1
	data, err := json.Marshal(cart)
	if err != nil {
		cart.Version = expectedVersion
		return false, fmt.Errorf("marshal cart: %w", err)
	}

	saved, err := saveScript.Run(ctx, r.client, keys(cart),
		expectedVersion, data, r.ttl.Milliseconds(), cart.ID, activeFlag(cart), cart.ClientID,
	).Int()
	if err != nil {
		cart.Version = expectedVersion
		return false, apperrors.Transient("redis save cart", err)
	}
	if saved == 0 {
		cart.Version = expectedVersion
		return false, nil
	}
	return true, nil
}

// Delete removes the cart document and its indexes.
func (r *CartRepository) Delete(ctx context.Context, cart *domain.Cart) error {
	if err := deleteScript.Run(ctx, r.client, keys(cart), cart.ID).Err(); err != nil {
		return apperrors.Transient("redis delete cart", err)
	}
	return nil
}

// CountActiveByClient returns the number of active carts for a fingerprint.
func (r *CartRepository) CountActiveByClient(ctx context.Context, clientID string) (int, error) {
	n, err := r.client.SCard(ctx, clientSetPrefix+clientID).Result()
	if err != nil {
		return 0, apperrors.Transient("redis count client carts", err)
	}
	return int(n), nil
}

// ListActive returns every active cart ID.
func (r *CartRepository) ListActive(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, apperrors.Transient("redis list active carts", err)
	}
	return ids, nil
}

// DropActive removes a cart ID from the active set.
func (r *CartRepository) DropActive(ctx context.Context, cartID string) error {
	if err := r.client.SRem(ctx, activeSetKey, cartID).Err(); err != nil {
		return apperrors.Transient("redis drop active cart", err)
	}
	return nil
}

// Lock acquires cart:lock:<id> with SET NX PX, retrying with backoff while
// another operation holds it. The returned Unlock only deletes the lock if
// it still carries this caller's token.
func (r *CartRepository) Lock(ctx context.Context, cartID string) (repository.Unlock, error) {
	key := lockPrefix + cartID
	token := uuid.New().String()

	err := retry.Do(ctx, r.lockPolicy, func(err error) bool { return errors.Is(err, errLockHeld) }, func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("redis set lock: %w", err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return nil, apperrors.Transient(fmt.Sprintf("cart %s is busy", cartID), err)
		}
		return nil, apperrors.Transient("acquire cart lock", err)
	}

	return func(ctx context.Context) {
		if err := compareAndDeleteScript.Run(context.WithoutCancel(ctx), r.client, []string{key}, token).Err(); err != nil {
			r.logger.WarnContext(ctx, "failed to release cart lock",
				slog.String("cart_id", cartID),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}
