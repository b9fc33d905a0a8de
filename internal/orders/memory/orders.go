// Package memory keeps pending-order booking keys in memory.
package memory

import (
	"context"
	"sync"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
)

// Orders is a PendingOrders fake that callers fill explicitly.
type Orders struct {
	mu   sync.RWMutex
	keys map[string][]domain.NaturalKey
}

// New creates an empty store.
func New() *Orders {
	return &Orders{keys: make(map[string][]domain.NaturalKey)}
}

// AddPending records a pending booking for the user.
func (o *Orders) AddPending(userID string, key domain.NaturalKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys[userID] = append(o.keys[userID], key)
}

// PendingBookingKeys returns a copy of the user's pending keys.
func (o *Orders) PendingBookingKeys(_ context.Context, userID string) ([]domain.NaturalKey, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]domain.NaturalKey(nil), o.keys[userID]...), nil
}
