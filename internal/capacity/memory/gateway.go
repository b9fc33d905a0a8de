// Package memory is an in-process capacity gateway for tests and single-node
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/capacity"
	apperrors "github.com/istanbulplusir-blip/plusistanbul-sub002/pkg/errors"
)

type slot struct {
	mu       sync.Mutex
	total    int
	reserved int
}

type hold struct {
	key       capacity.Key
	quantity  int
	status    capacity.HoldStatus
	expiresAt time.Time
}

// Gateway keeps per-slot counters, each behind its own mutex, so reserves on
// unrelated slots never contend.
type Gateway struct {
	mu          sync.Mutex
	slots       map[capacity.Key]*slot
	holds       map[capacity.HoldToken]*hold
	defaultSize int
	now         func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDefaultSize makes unseeded slots spring into existence with n units.
func WithDefaultSize(n int) Option {
	return func(g *Gateway) { g.defaultSize = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates an empty in-memory gateway.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		slots: make(map[capacity.Key]*slot),
		holds: make(map[capacity.HoldToken]*hold),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Seed sets the total units of a slot, keeping current reservations.
func (g *Gateway) Seed(key capacity.Key, total int) {
	g.mu.Lock()
	s, ok := g.slots[key]
	if !ok {
		s = &slot{}
		g.slots[key] = s
	}
	g.mu.Unlock()

	s.mu.Lock()
	s.total = total
	s.mu.Unlock()
}

func (g *Gateway) slot(key capacity.Key) (*slot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[key]
	if ok {
		return s, nil
	}
	if g.defaultSize <= 0 {
		return nil, apperrors.NotFound("capacity slot", key.String())
	}
	s = &slot{total: g.defaultSize}
	g.slots[key] = s
	return s, nil
}

// GetAvailable returns the unreserved units of a slot.
func (g *Gateway) GetAvailable(_ context.Context, key capacity.Key) (int, error) {
	s, err := g.slot(key)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total - s.reserved, nil
}

// Reserve claims n units for ttl or fails with InsufficientCapacity.
func (g *Gateway) Reserve(_ context.Context, key capacity.Key, n int, ttl time.Duration) (capacity.HoldToken, error) {
	if n <= 0 {
		return "", apperrors.InvalidInput(fmt.Sprintf("reserve quantity must be positive, got %d", n))
	}
	s, err := g.slot(key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	available := s.total - s.reserved
	if available < n {
		s.mu.Unlock()
		return "", apperrors.InsufficientCapacity(key.String(), n, available)
	}
	s.reserved += n
	s.mu.Unlock()

	token := capacity.HoldToken(uuid.New().String())
	g.mu.Lock()
	g.holds[token] = &hold{
		key:       key,
		quantity:  n,
		status:    capacity.HoldActive,
		expiresAt: g.now().Add(ttl),
	}
	g.mu.Unlock()

	return token, nil
}

// finish moves an active hold to status and reports whether it was active.
// The status flip happens under g.mu, so only one caller ever credits a hold.
func (g *Gateway) finish(token capacity.HoldToken, status capacity.HoldStatus) (*hold, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.holds[token]
	if !ok {
		return nil, false, apperrors.NotFound("hold", string(token))
	}
	if h.status != capacity.HoldActive {
		return h, false, nil
	}
	h.status = status
	return h, true, nil
}

func (g *Gateway) credit(h *hold) {
	g.mu.Lock()
	s := g.slots[h.key]
	g.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	s.reserved -= h.quantity
	if s.reserved < 0 {
		s.reserved = 0
	}
	s.mu.Unlock()
}

// Release gives an active hold back. Releasing a hold that is no longer
// active is a no-op.
func (g *Gateway) Release(_ context.Context, token capacity.HoldToken) error {
	h, changed, err := g.finish(token, capacity.HoldReleased)
	if err != nil {
		return err
	}
	if changed {
		g.credit(h)
	}
	return nil
}

// Confirm converts an active hold. Confirming twice is a no-op; confirming a
// released or expired hold is a conflict.
func (g *Gateway) Confirm(_ context.Context, token capacity.HoldToken) error {
	h, changed, err := g.finish(token, capacity.HoldConverted)
	if err != nil {
		return err
	}
	if !changed && h.status != capacity.HoldConverted {
		return apperrors.Conflict(fmt.Sprintf("hold %s is already %s", token, h.status))
	}
	return nil
}

// ExpireHolds releases every active hold whose expiry is not after now.
func (g *Gateway) ExpireHolds(_ context.Context, now time.Time) (int, error) {
	g.mu.Lock()
	var expired []*hold
	for _, h := range g.holds {
		if h.status == capacity.HoldActive && !now.Before(h.expiresAt) {
			h.status = capacity.HoldExpired
			expired = append(expired, h)
		}
	}
	g.mu.Unlock()

	for _, h := range expired {
		g.credit(h)
	}
	return len(expired), nil
}

// Status reports the state of a hold.
func (g *Gateway) Status(token capacity.HoldToken) (capacity.HoldStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[token]
	if !ok {
		return "", false
	}
	return h.status, true
}

// Adjust resizes an active hold. The slot counter and the hold change under
// the same locks, so a concurrent release never credits a stale quantity.
func (g *Gateway) Adjust(_ context.Context, token capacity.HoldToken, n int, ttl time.Duration) error {
	if n <= 0 {
		return apperrors.InvalidInput(fmt.Sprintf("hold quantity must be positive, got %d", n))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.holds[token]
	if !ok {
		return apperrors.NotFound("hold", string(token))
	}
	if h.status != capacity.HoldActive {
		return apperrors.Conflict(fmt.Sprintf("hold %s is already %s", token, h.status))
	}
	s := g.slots[h.key]
	if s == nil {
		return apperrors.NotFound("capacity slot", h.key.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delta := n - h.quantity
	if available := s.total - s.reserved; delta > available {
		return apperrors.InsufficientCapacity(h.key.String(), delta, available)
	}
	s.reserved += delta
	if s.reserved < 0 {
		s.reserved = 0
	}
	h.quantity = n
	h.expiresAt = g.now().Add(ttl)
	return nil
}

// Absorb moves the units of from into into without touching the slot counter.
func (g *Gateway) Absorb(_ context.Context, into, from capacity.HoldToken, ttl time.Duration) error {
	if into == from {
		return apperrors.InvalidInput("cannot absorb a hold into itself")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	dst, ok := g.holds[into]
	if !ok {
		return apperrors.NotFound("hold", string(into))
	}
	src, ok := g.holds[from]
	if !ok {
		return apperrors.NotFound("hold", string(from))
	}
	if dst.status != capacity.HoldActive {
		return apperrors.Conflict(fmt.Sprintf("hold %s is already %s", into, dst.status))
	}
	if src.status != capacity.HoldActive {
		return apperrors.Conflict(fmt.Sprintf("hold %s is already %s", from, src.status))
	}
	if dst.key != src.key {
		return apperrors.InvalidInput(fmt.Sprintf("holds cover different slots: %s and %s", dst.key, src.key))
	}

	dst.quantity += src.quantity
	dst.expiresAt = g.now().Add(ttl)
	src.status = capacity.HoldReleased
	return nil
}

// Quantity reports the units held by an active hold.
func (g *Gateway) Quantity(token capacity.HoldToken) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[token]
	if !ok || h.status != capacity.HoldActive {
		return 0
	}
	return h.quantity
}
