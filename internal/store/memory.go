package store

import (
	"context"
	"sync"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/budget"
)

// Memory is the in-process Store. Ledger operations delegate to the budget
// package's in-memory ledger; keys and audit live behind one mutex.
type Memory struct {
	*budget.Memory

	mu    sync.Mutex
	keys  []gateway.VirtualKey
	audit []gateway.AuditRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory(clock gateway.Clock) *Memory {
	return &Memory{Memory: budget.NewMemory(clock)}
}

// ReplaceKeys swaps the key set.
func (m *Memory) ReplaceKeys(_ context.Context, keys []gateway.VirtualKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append([]gateway.VirtualKey(nil), keys...)
	return nil
}

// LoadKeys returns a copy of the key set.
func (m *Memory) LoadKeys(context.Context) ([]gateway.VirtualKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.VirtualKey(nil), m.keys...), nil
}

// AppendAudit appends one record to the chain.
func (m *Memory) AppendAudit(_ context.Context, rec gateway.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

// LoadAudit returns a copy of the chain.
func (m *Memory) LoadAudit(context.Context) ([]gateway.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.AuditRecord(nil), m.audit...), nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
