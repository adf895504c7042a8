// Package store defines the persistence surface for the gateway: virtual
// key snapshots, the audit chain, and the budget/cost ledgers. Backends are
// in-memory (default), a JSON snapshot file, SQLite, and Redis.
package store

import (
	"context"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/budget"
)

// Store is the full persistence surface. The embedded Ledger carries the
// two-phase reservation operations; the rest covers admin-plane state.
type Store interface {
	budget.Ledger

	// ReplaceKeys swaps the entire virtual key set. The admin plane uses
	// set replacement so a restart always reloads a consistent snapshot.
	ReplaceKeys(ctx context.Context, keys []gateway.VirtualKey) error
	// LoadKeys returns the persisted key set in stored order.
	LoadKeys(ctx context.Context) ([]gateway.VirtualKey, error)

	// AppendAudit persists one audit record. Records arrive already hashed.
	AppendAudit(ctx context.Context, rec gateway.AuditRecord) error
	// LoadAudit returns the persisted chain in id order.
	LoadAudit(ctx context.Context) ([]gateway.AuditRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
