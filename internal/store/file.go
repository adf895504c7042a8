package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/budget"
)

// fileSnapshot is the on-disk JSON shape of the File store.
type fileSnapshot struct {
	Keys          []gateway.VirtualKey  `json:"keys"`
	Audit         []gateway.AuditRecord `json:"audit"`
	BudgetLedgers []gateway.BudgetLedger `json:"budget_ledgers"`
	CostLedgers   []gateway.CostLedger  `json:"cost_ledgers"`
}

// File persists gateway state as a single JSON snapshot, rewritten via a
// temp file and rename after every mutation. Reservations stay in memory:
// a restart implicitly rolls back whatever was in flight.
type File struct {
	*budget.Memory

	path string

	mu    sync.Mutex
	keys  []gateway.VirtualKey
	audit []gateway.AuditRecord
}

// OpenFile loads (or creates) a snapshot file.
func OpenFile(path string, clock gateway.Clock) (*File, error) {
	f := &File{Memory: budget.NewMemory(clock), path: path}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read snapshot: %v", gateway.ErrStorage, err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: parse snapshot %s: %v", gateway.ErrStorage, path, err)
	}
	f.keys = snap.Keys
	f.audit = snap.Audit
	f.Memory.RestoreLedgers(snap.BudgetLedgers, snap.CostLedgers)
	return f, nil
}

// save must be called with f.mu held.
func (f *File) save() error {
	tokens, _ := f.Memory.ListBudgetLedgers(context.Background())
	costs, _ := f.Memory.ListCostLedgers(context.Background())
	snap := fileSnapshot{
		Keys:          f.keys,
		Audit:         f.audit,
		BudgetLedgers: tokens,
		CostLedgers:   costs,
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot: %v", gateway.ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".ditto-store-*")
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: write snapshot: %v", gateway.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: close snapshot: %v", gateway.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: rename snapshot: %v", gateway.ErrStorage, err)
	}
	return nil
}

// ReplaceKeys swaps the key set and rewrites the snapshot.
func (f *File) ReplaceKeys(_ context.Context, keys []gateway.VirtualKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append([]gateway.VirtualKey(nil), keys...)
	return f.save()
}

// LoadKeys returns the persisted key set.
func (f *File) LoadKeys(context.Context) ([]gateway.VirtualKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.VirtualKey(nil), f.keys...), nil
}

// AppendAudit appends one record and rewrites the snapshot.
func (f *File) AppendAudit(_ context.Context, rec gateway.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, rec)
	return f.save()
}

// LoadAudit returns the persisted chain.
func (f *File) LoadAudit(context.Context) ([]gateway.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.AuditRecord(nil), f.audit...), nil
}

// CommitBudget finalises a token reservation and persists the ledgers.
// Spent totals only change on commit, so reserve and rollback skip the disk.
func (f *File) CommitBudget(ctx context.Context, r gateway.Reservation, actual uint64) error {
	if err := f.Memory.CommitBudget(ctx, r, actual); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save()
}

// CommitCost finalises a cost reservation and persists the ledgers.
func (f *File) CommitCost(ctx context.Context, r gateway.Reservation, actual uint64) error {
	if err := f.Memory.CommitCost(ctx, r, actual); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save()
}

// ReapReservations delegates to the in-memory ledger; reaped reservations
// never touched the snapshot.
func (f *File) ReapReservations(ctx context.Context, olderThan time.Duration, limit int, dryRun bool) ([]gateway.Reservation, error) {
	return f.Memory.ReapReservations(ctx, olderThan, limit, dryRun)
}

// Ping verifies the snapshot's directory is writable.
func (f *File) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(f.path))
	return err
}

// Close is a no-op; every mutation already synced.
func (f *File) Close() error { return nil }
