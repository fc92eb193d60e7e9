// Package security implements the anti-replay upload envelope: a persisted
// monotonic nonce, an HMAC-SHA-256 binding over the plaintext body, optional
// AES-128-CBC, and the server-side verification counterpart.
package security

import (
	"errors"
	"sync"

	"ecowatt/internal/nvs"
)

// NonceCounter is the persisted 32-bit emission counter. Every secured
// emission strictly increases the stored value before the payload can leave
// the device; a crash between increment and send leaves a harmless gap.
type NonceCounter struct {
	mu    sync.Mutex
	store nvs.Store
	key   string
}

func NewNonceCounter(store nvs.Store) *NonceCounter {
	return &NonceCounter{store: store, key: nvs.KeyNonce}
}

// Next durably increments the counter and returns the new value. The
// increment is persisted before Next returns; callers embed the returned
// value in exactly one payload.
func (n *NonceCounter) Next() (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cur, err := n.store.GetU32(n.key)
	if err != nil && !errors.Is(err, nvs.ErrNotFound) {
		return 0, err
	}
	next := cur + 1
	if err := n.store.SetU32(n.key, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Current returns the last persisted value without consuming one.
func (n *NonceCounter) Current() (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cur, err := n.store.GetU32(n.key)
	if errors.Is(err, nvs.ErrNotFound) {
		return 0, nil
	}
	return cur, err
}
