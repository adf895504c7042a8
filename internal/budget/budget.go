// Package budget implements two-phase token and cost ledgers.
//
// A request first reserves its estimated charge against every active scope
// (key, project, user, tenant); after the upstream responds the reservation
// is committed with the actual observed usage, or rolled back entirely. The
// Ledger interface is satisfied by the in-memory implementation here and by
// the durable store backends.
package budget

import (
	"context"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
)

// Ledger is the two-phase reservation surface shared by all store backends.
// Atomicity is per scope; cross-scope consistency is the Manager's job.
type Ledger interface {
	// ReserveBudget atomically reserves r.Amount tokens on r.Scope,
	// failing with a BudgetError when spent+reserved+amount would exceed
	// limit. A nil limit is unlimited.
	ReserveBudget(ctx context.Context, limit *uint64, r gateway.Reservation) error
	// CommitBudget finalises the reservation: reserved -= r.Amount,
	// spent += min(actual, r.Amount).
	CommitBudget(ctx context.Context, r gateway.Reservation, actual uint64) error
	// RollbackBudget releases the reservation without spending.
	RollbackBudget(ctx context.Context, r gateway.Reservation) error

	ReserveCost(ctx context.Context, limit *uint64, r gateway.Reservation) error
	CommitCost(ctx context.Context, r gateway.Reservation, actual uint64) error
	RollbackCost(ctx context.Context, r gateway.Reservation) error

	// ListBudgetLedgers and ListCostLedgers snapshot all scope ledgers.
	ListBudgetLedgers(ctx context.Context) ([]gateway.BudgetLedger, error)
	ListCostLedgers(ctx context.Context) ([]gateway.CostLedger, error)

	// ReapReservations rolls back reservations older than the cutoff.
	// With dryRun the candidates are returned but left open.
	ReapReservations(ctx context.Context, olderThan time.Duration, limit int, dryRun bool) ([]gateway.Reservation, error)
}

// ScopeLimit pairs a scope id with its configured ceiling (nil = unlimited).
type ScopeLimit struct {
	Scope string
	Limit *uint64
}

// OvershootFunc is notified when an upstream reports more usage than was
// reserved; the committed amount is clamped to the reservation.
type OvershootFunc func(kind gateway.ReservationKind, scope string, reserved, actual uint64)

// Manager orchestrates reservations across scopes and both ledger kinds.
type Manager struct {
	ledger    Ledger
	clock     gateway.Clock
	overshoot OvershootFunc
}

// NewManager creates a Manager over the given ledger.
func NewManager(ledger Ledger, clock gateway.Clock, overshoot OvershootFunc) *Manager {
	if clock == nil {
		clock = gateway.RealClock{}
	}
	return &Manager{ledger: ledger, clock: clock, overshoot: overshoot}
}

// Reserve acquires a reservation of amount on every scope in order. On the
// first failure all previously acquired reservations are rolled back and the
// failing scope's BudgetError is returned.
func (m *Manager) Reserve(ctx context.Context, requestID string, kind gateway.ReservationKind, scopes []ScopeLimit, amount uint64) ([]gateway.Reservation, error) {
	nowMS := gateway.NowMillis(m.clock.Now())
	acquired := make([]gateway.Reservation, 0, len(scopes))

	for _, sl := range scopes {
		r := gateway.Reservation{
			ID:          requestID + "/" + sl.Scope + "/" + string(kind),
			Scope:       sl.Scope,
			Amount:      amount,
			Kind:        kind,
			CreatedAtMS: nowMS,
		}
		var err error
		if kind == gateway.ReserveUSDMicros {
			err = m.ledger.ReserveCost(ctx, sl.Limit, r)
		} else {
			err = m.ledger.ReserveBudget(ctx, sl.Limit, r)
		}
		if err != nil {
			m.Rollback(ctx, acquired)
			return nil, err
		}
		acquired = append(acquired, r)
	}
	return acquired, nil
}

// Commit closes reservations with the actual observed amount. Overshoot
// beyond the reserved amount is clamped and reported.
func (m *Manager) Commit(ctx context.Context, reservations []gateway.Reservation, actual uint64) error {
	var firstErr error
	for _, r := range reservations {
		if actual > r.Amount && m.overshoot != nil {
			m.overshoot(r.Kind, r.Scope, r.Amount, actual)
		}
		committed := min(actual, r.Amount)
		var err error
		if r.Kind == gateway.ReserveUSDMicros {
			err = m.ledger.CommitCost(ctx, r, committed)
		} else {
			err = m.ledger.CommitBudget(ctx, r, committed)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Rollback releases reservations without spending. Errors are swallowed per
// reservation so every row gets a release attempt.
func (m *Manager) Rollback(ctx context.Context, reservations []gateway.Reservation) {
	for _, r := range reservations {
		if r.Kind == gateway.ReserveUSDMicros {
			_ = m.ledger.RollbackCost(ctx, r)
		} else {
			_ = m.ledger.RollbackBudget(ctx, r)
		}
	}
}
