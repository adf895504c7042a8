package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
)

// nowMS returns wall time in unix milliseconds. Ledger timestamps are
// bookkeeping only; reservation expiry uses created_at_ms from the caller.
func nowMS() uint64 {
	return gateway.NowMillis(time.Now())
}

func (s *Store) reserve(ctx context.Context, limit *uint64, r gateway.Reservation) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", gateway.ErrStorage, err)
	}
	defer tx.Rollback()

	var spent, reserved int64
	err = tx.QueryRowContext(ctx,
		`SELECT spent, reserved FROM ledgers WHERE kind = ? AND scope = ?`,
		string(r.Kind), r.Scope,
	).Scan(&spent, &reserved)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: read ledger: %v", gateway.ErrStorage, err)
	}

	if limit != nil {
		attempted := uint64(spent) + uint64(reserved) + r.Amount
		if attempted > *limit {
			return &gateway.BudgetError{Scope: r.Scope, Kind: r.Kind, Limit: *limit, Attempted: attempted}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledgers (kind, scope, spent, reserved, updated_at_ms) VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT (kind, scope) DO UPDATE SET reserved = reserved + ?, updated_at_ms = ?`,
		string(r.Kind), r.Scope, int64(r.Amount), int64(nowMS()),
		int64(r.Amount), int64(nowMS()),
	); err != nil {
		return fmt.Errorf("%w: update ledger: %v", gateway.ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, scope, amount, kind, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Scope, int64(r.Amount), string(r.Kind), int64(r.CreatedAtMS),
	); err != nil {
		return fmt.Errorf("%w: insert reservation: %v", gateway.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", gateway.ErrStorage, err)
	}
	return nil
}

func (s *Store) settle(ctx context.Context, r gateway.Reservation, spend int64, requireRow bool) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", gateway.ErrStorage, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, r.ID)
	if err != nil {
		return fmt.Errorf("%w: delete reservation: %v", gateway.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if requireRow {
			return fmt.Errorf("%w: reservation %s", gateway.ErrNotFound, r.ID)
		}
		return nil // rollback is idempotent
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ledgers
		 SET reserved = MAX(0, reserved - ?), spent = spent + ?, updated_at_ms = ?
		 WHERE kind = ? AND scope = ?`,
		int64(r.Amount), spend, int64(nowMS()), string(r.Kind), r.Scope,
	); err != nil {
		return fmt.Errorf("%w: update ledger: %v", gateway.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", gateway.ErrStorage, err)
	}
	return nil
}

// ReserveBudget reserves tokens on the scope's token ledger.
func (s *Store) ReserveBudget(ctx context.Context, limit *uint64, r gateway.Reservation) error {
	return s.reserve(ctx, limit, r)
}

// CommitBudget finalises a token reservation with the actual usage.
func (s *Store) CommitBudget(ctx context.Context, r gateway.Reservation, actual uint64) error {
	return s.settle(ctx, r, int64(min(actual, r.Amount)), true)
}

// RollbackBudget releases a token reservation.
func (s *Store) RollbackBudget(ctx context.Context, r gateway.Reservation) error {
	return s.settle(ctx, r, 0, false)
}

// ReserveCost reserves USD-micros on the scope's cost ledger.
func (s *Store) ReserveCost(ctx context.Context, limit *uint64, r gateway.Reservation) error {
	return s.reserve(ctx, limit, r)
}

// CommitCost finalises a cost reservation with the actual cost.
func (s *Store) CommitCost(ctx context.Context, r gateway.Reservation, actual uint64) error {
	return s.settle(ctx, r, int64(min(actual, r.Amount)), true)
}

// RollbackCost releases a cost reservation.
func (s *Store) RollbackCost(ctx context.Context, r gateway.Reservation) error {
	return s.settle(ctx, r, 0, false)
}

// ListBudgetLedgers snapshots all token ledgers, sorted by scope.
func (s *Store) ListBudgetLedgers(ctx context.Context) ([]gateway.BudgetLedger, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT scope, spent, reserved, updated_at_ms FROM ledgers WHERE kind = ? ORDER BY scope`,
		string(gateway.ReserveTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	defer rows.Close()

	var out []gateway.BudgetLedger
	for rows.Next() {
		var l gateway.BudgetLedger
		var spent, reserved, updated int64
		if err := rows.Scan(&l.Scope, &spent, &reserved, &updated); err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
		}
		l.SpentTokens = uint64(spent)
		l.ReservedTokens = uint64(reserved)
		l.UpdatedAtMS = uint64(updated)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListCostLedgers snapshots all cost ledgers, sorted by scope.
func (s *Store) ListCostLedgers(ctx context.Context) ([]gateway.CostLedger, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT scope, spent, reserved, updated_at_ms FROM ledgers WHERE kind = ? ORDER BY scope`,
		string(gateway.ReserveUSDMicros),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	defer rows.Close()

	var out []gateway.CostLedger
	for rows.Next() {
		var l gateway.CostLedger
		var spent, reserved, updated int64
		if err := rows.Scan(&l.Scope, &spent, &reserved, &updated); err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
		}
		l.SpentUSDMicros = uint64(spent)
		l.ReservedUSDMicros = uint64(reserved)
		l.UpdatedAtMS = uint64(updated)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReapReservations rolls back reservations created before the cutoff.
func (s *Store) ReapReservations(ctx context.Context, olderThan time.Duration, limit int, dryRun bool) ([]gateway.Reservation, error) {
	cutoff := int64(nowMS()) - olderThan.Milliseconds()
	query := `SELECT id, scope, amount, kind, created_at_ms FROM reservations
		WHERE created_at_ms < ? ORDER BY id`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	defer rows.Close()

	var stale []gateway.Reservation
	for rows.Next() {
		var r gateway.Reservation
		var amount, created int64
		var kind string
		if err := rows.Scan(&r.ID, &r.Scope, &amount, &kind, &created); err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
		}
		r.Amount = uint64(amount)
		r.Kind = gateway.ReservationKind(kind)
		r.CreatedAtMS = uint64(created)
		stale = append(stale, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}

	if dryRun {
		return stale, nil
	}
	for _, r := range stale {
		if err := s.settle(ctx, r, 0, false); err != nil {
			return stale, err
		}
	}
	return stale, nil
}
