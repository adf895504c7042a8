package budget

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
)

type ledgerState struct {
	spent    uint64
	reserved uint64
	updated  uint64
}

// Memory is the in-process Ledger implementation. One mutex guards all three
// maps; every operation is constant-time map work, never I/O.
type Memory struct {
	clock gateway.Clock

	mu           sync.Mutex
	tokens       map[string]*ledgerState
	usd          map[string]*ledgerState
	reservations map[string]gateway.Reservation
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(clock gateway.Clock) *Memory {
	if clock == nil {
		clock = gateway.RealClock{}
	}
	return &Memory{
		clock:        clock,
		tokens:       make(map[string]*ledgerState),
		usd:          make(map[string]*ledgerState),
		reservations: make(map[string]gateway.Reservation),
	}
}

func (m *Memory) state(kind gateway.ReservationKind, scope string) *ledgerState {
	byScope := m.tokens
	if kind == gateway.ReserveUSDMicros {
		byScope = m.usd
	}
	s, ok := byScope[scope]
	if !ok {
		s = &ledgerState{}
		byScope[scope] = s
	}
	return s
}

func (m *Memory) reserve(kind gateway.ReservationKind, limit *uint64, r gateway.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(kind, r.Scope)
	if limit != nil {
		attempted := s.spent + s.reserved + r.Amount
		if attempted > *limit {
			return &gateway.BudgetError{Scope: r.Scope, Kind: kind, Limit: *limit, Attempted: attempted}
		}
	}
	s.reserved += r.Amount
	s.updated = gateway.NowMillis(m.clock.Now())
	m.reservations[r.ID] = r
	return nil
}

func (m *Memory) commit(kind gateway.ReservationKind, r gateway.Reservation, actual uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[r.ID]; !ok {
		return fmt.Errorf("%w: reservation %s", gateway.ErrNotFound, r.ID)
	}
	delete(m.reservations, r.ID)

	s := m.state(kind, r.Scope)
	s.reserved -= min(s.reserved, r.Amount)
	s.spent += min(actual, r.Amount)
	s.updated = gateway.NowMillis(m.clock.Now())
	return nil
}

func (m *Memory) rollback(kind gateway.ReservationKind, r gateway.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[r.ID]; !ok {
		return nil // already closed; rollback is idempotent
	}
	delete(m.reservations, r.ID)

	s := m.state(kind, r.Scope)
	s.reserved -= min(s.reserved, r.Amount)
	s.updated = gateway.NowMillis(m.clock.Now())
	return nil
}

// ReserveBudget reserves tokens on the scope's token ledger.
func (m *Memory) ReserveBudget(_ context.Context, limit *uint64, r gateway.Reservation) error {
	return m.reserve(gateway.ReserveTokens, limit, r)
}

// CommitBudget finalises a token reservation with the actual usage.
func (m *Memory) CommitBudget(_ context.Context, r gateway.Reservation, actual uint64) error {
	return m.commit(gateway.ReserveTokens, r, actual)
}

// RollbackBudget releases a token reservation.
func (m *Memory) RollbackBudget(_ context.Context, r gateway.Reservation) error {
	return m.rollback(gateway.ReserveTokens, r)
}

// ReserveCost reserves USD-micros on the scope's cost ledger.
func (m *Memory) ReserveCost(_ context.Context, limit *uint64, r gateway.Reservation) error {
	return m.reserve(gateway.ReserveUSDMicros, limit, r)
}

// CommitCost finalises a cost reservation with the actual cost.
func (m *Memory) CommitCost(_ context.Context, r gateway.Reservation, actual uint64) error {
	return m.commit(gateway.ReserveUSDMicros, r, actual)
}

// RollbackCost releases a cost reservation.
func (m *Memory) RollbackCost(_ context.Context, r gateway.Reservation) error {
	return m.rollback(gateway.ReserveUSDMicros, r)
}

// ListBudgetLedgers snapshots all token ledgers, sorted by scope.
func (m *Memory) ListBudgetLedgers(context.Context) ([]gateway.BudgetLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]gateway.BudgetLedger, 0, len(m.tokens))
	for scope, s := range m.tokens {
		out = append(out, gateway.BudgetLedger{
			Scope:          scope,
			SpentTokens:    s.spent,
			ReservedTokens: s.reserved,
			UpdatedAtMS:    s.updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

// ListCostLedgers snapshots all cost ledgers, sorted by scope.
func (m *Memory) ListCostLedgers(context.Context) ([]gateway.CostLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]gateway.CostLedger, 0, len(m.usd))
	for scope, s := range m.usd {
		out = append(out, gateway.CostLedger{
			Scope:             scope,
			SpentUSDMicros:    s.spent,
			ReservedUSDMicros: s.reserved,
			UpdatedAtMS:       s.updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

// RestoreLedgers seeds spent totals from a persisted snapshot. Reserved
// amounts are dropped: in-flight reservations do not survive a restart, so
// carrying them over would leak ledger headroom forever.
func (m *Memory) RestoreLedgers(tokens []gateway.BudgetLedger, costs []gateway.CostLedger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range tokens {
		s := m.state(gateway.ReserveTokens, l.Scope)
		s.spent = l.SpentTokens
		s.updated = l.UpdatedAtMS
	}
	for _, l := range costs {
		s := m.state(gateway.ReserveUSDMicros, l.Scope)
		s.spent = l.SpentUSDMicros
		s.updated = l.UpdatedAtMS
	}
}

// ReapReservations rolls back reservations older than the cutoff. dryRun
// returns the candidates without touching the ledgers.
func (m *Memory) ReapReservations(_ context.Context, olderThan time.Duration, limit int, dryRun bool) ([]gateway.Reservation, error) {
	cutoff := gateway.NowMillis(m.clock.Now().Add(-olderThan))

	m.mu.Lock()
	var stale []gateway.Reservation
	for _, r := range m.reservations {
		if r.CreatedAtMS < cutoff {
			stale = append(stale, r)
			if limit > 0 && len(stale) >= limit {
				break
			}
		}
	}
	m.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	if dryRun {
		return stale, nil
	}
	for _, r := range stale {
		_ = m.rollback(r.Kind, r)
	}
	return stale, nil
}
