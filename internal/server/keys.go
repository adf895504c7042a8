package server

import (
	"fmt"
	"sync"

	gateway "github.com/dittolabs/ditto/internal"
)

// Keyring is the in-memory virtual-key index. Lookups are by secret token on
// the hot path; admin operations address keys by id. All methods are safe
// for concurrent use.
type Keyring struct {
	mu      sync.RWMutex
	byToken map[string]*gateway.VirtualKey
	byID    map[string]*gateway.VirtualKey
	order   []string // ids in insertion order, stable across upserts
}

// NewKeyring builds a Keyring from the initial key set.
func NewKeyring(keys []gateway.VirtualKey) *Keyring {
	kr := &Keyring{
		byToken: make(map[string]*gateway.VirtualKey, len(keys)),
		byID:    make(map[string]*gateway.VirtualKey, len(keys)),
	}
	for i := range keys {
		k := keys[i]
		kr.byToken[k.Token] = &k
		kr.byID[k.ID] = &k
		kr.order = append(kr.order, k.ID)
	}
	return kr
}

// Len returns the number of configured keys.
func (kr *Keyring) Len() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return len(kr.byID)
}

// Lookup resolves a secret token to its key.
func (kr *Keyring) Lookup(token string) (*gateway.VirtualKey, bool) {
	if token == "" {
		return nil, false
	}
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.byToken[token]
	return k, ok
}

// Get resolves a key id.
func (kr *Keyring) Get(id string) (gateway.VirtualKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.byID[id]
	if !ok {
		return gateway.VirtualKey{}, false
	}
	return *k, true
}

// List returns copies of all keys in insertion order.
func (kr *Keyring) List() []gateway.VirtualKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	out := make([]gateway.VirtualKey, 0, len(kr.order))
	for _, id := range kr.order {
		if k, ok := kr.byID[id]; ok {
			out = append(out, *k)
		}
	}
	return out
}

// Upsert inserts or replaces the key with k.ID. Fails when the token is
// already owned by a different key.
func (kr *Keyring) Upsert(k gateway.VirtualKey) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if existing, ok := kr.byToken[k.Token]; ok && existing.ID != k.ID {
		return fmt.Errorf("%w: token already in use by key %q", gateway.ErrInvalidRequest, existing.ID)
	}

	if old, ok := kr.byID[k.ID]; ok {
		delete(kr.byToken, old.Token)
	} else {
		kr.order = append(kr.order, k.ID)
	}
	stored := k
	kr.byID[k.ID] = &stored
	kr.byToken[k.Token] = &stored
	return nil
}

// Delete removes the key with the given id, reporting whether it existed.
func (kr *Keyring) Delete(id string) bool {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	k, ok := kr.byID[id]
	if !ok {
		return false
	}
	delete(kr.byID, id)
	delete(kr.byToken, k.Token)
	for i, oid := range kr.order {
		if oid == id {
			kr.order = append(kr.order[:i], kr.order[i+1:]...)
			break
		}
	}
	return true
}
