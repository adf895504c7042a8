package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func ptr[T any](v T) *T { return &v }

func res(id, scope string, amount uint64, kind gateway.ReservationKind, atMS uint64) gateway.Reservation {
	return gateway.Reservation{ID: id, Scope: scope, Amount: amount, Kind: kind, CreatedAtMS: atMS}
}

func TestMemory_ReserveCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(&fakeClock{now: time.Unix(1_700_000_000, 0)})

	limit := uint64(100)
	r := res("req-1/key:k/tokens", "key:k", 40, gateway.ReserveTokens, 1)
	if err := m.ReserveBudget(ctx, &limit, r); err != nil {
		t.Fatal(err)
	}

	ledgers, _ := m.ListBudgetLedgers(ctx)
	if len(ledgers) != 1 || ledgers[0].ReservedTokens != 40 || ledgers[0].SpentTokens != 0 {
		t.Fatalf("ledger after reserve = %+v", ledgers)
	}

	if err := m.CommitBudget(ctx, r, 25); err != nil {
		t.Fatal(err)
	}
	ledgers, _ = m.ListBudgetLedgers(ctx)
	if ledgers[0].ReservedTokens != 0 || ledgers[0].SpentTokens != 25 {
		t.Fatalf("ledger after commit = %+v", ledgers[0])
	}
}

func TestMemory_ReserveDenied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(nil)

	limit := uint64(50)
	if err := m.ReserveBudget(ctx, &limit, res("a", "key:k", 30, gateway.ReserveTokens, 1)); err != nil {
		t.Fatal(err)
	}
	err := m.ReserveBudget(ctx, &limit, res("b", "key:k", 30, gateway.ReserveTokens, 1))
	if !errors.Is(err, gateway.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want budget exceeded", err)
	}
	var be *gateway.BudgetError
	if !errors.As(err, &be) || be.Limit != 50 || be.Attempted != 60 {
		t.Errorf("budget error detail = %+v", err)
	}
}

func TestMemory_RollbackIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(nil)

	limit := uint64(100)
	r := res("a", "key:k", 60, gateway.ReserveTokens, 1)
	if err := m.ReserveBudget(ctx, &limit, r); err != nil {
		t.Fatal(err)
	}
	if err := m.RollbackBudget(ctx, r); err != nil {
		t.Fatal(err)
	}
	// Second rollback is a no-op.
	if err := m.RollbackBudget(ctx, r); err != nil {
		t.Fatal(err)
	}

	ledgers, _ := m.ListBudgetLedgers(ctx)
	if ledgers[0].SpentTokens != 0 || ledgers[0].ReservedTokens != 0 {
		t.Errorf("rollback should restore ledger, got %+v", ledgers[0])
	}

	// Ledger accepts the full amount again.
	if err := m.ReserveBudget(ctx, &limit, res("b", "key:k", 100, gateway.ReserveTokens, 1)); err != nil {
		t.Errorf("post-rollback reserve denied: %v", err)
	}
}

func TestMemory_CommitClampsOvershoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(nil)

	limit := uint64(100)
	r := res("a", "key:k", 60, gateway.ReserveUSDMicros, 1)
	if err := m.ReserveCost(ctx, &limit, r); err != nil {
		t.Fatal(err)
	}
	// Upstream reported more than reserved; spent is clamped to keep
	// spent+reserved <= limit.
	if err := m.CommitCost(ctx, r, 500); err != nil {
		t.Fatal(err)
	}
	ledgers, _ := m.ListCostLedgers(ctx)
	if ledgers[0].SpentUSDMicros != 60 {
		t.Errorf("spent = %d, want clamped 60", ledgers[0].SpentUSDMicros)
	}
}

func TestMemory_ReapReservations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(100_000)}
	m := NewMemory(clock)

	old := res("old", "key:k", 10, gateway.ReserveTokens, 10_000)
	fresh := res("fresh", "key:k", 10, gateway.ReserveTokens, 99_000)
	if err := m.ReserveBudget(ctx, nil, old); err != nil {
		t.Fatal(err)
	}
	if err := m.ReserveBudget(ctx, nil, fresh); err != nil {
		t.Fatal(err)
	}

	// Dry run reports but keeps the rows.
	stale, err := m.ReapReservations(ctx, 30*time.Second, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("dry run stale = %+v, want [old]", stale)
	}
	ledgers, _ := m.ListBudgetLedgers(ctx)
	if ledgers[0].ReservedTokens != 20 {
		t.Errorf("dry run should not release, reserved = %d", ledgers[0].ReservedTokens)
	}

	// Real reap releases only the old row.
	if _, err := m.ReapReservations(ctx, 30*time.Second, 0, false); err != nil {
		t.Fatal(err)
	}
	ledgers, _ = m.ListBudgetLedgers(ctx)
	if ledgers[0].ReservedTokens != 10 {
		t.Errorf("reserved after reap = %d, want 10", ledgers[0].ReservedTokens)
	}
}

func TestManager_ReserveRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(nil)
	mgr := NewManager(m, nil, nil)

	// Second scope's limit denies; the first scope's reservation must be
	// released.
	scopes := []ScopeLimit{
		{Scope: "key:k", Limit: ptr(uint64(1000))},
		{Scope: "tenant:t", Limit: ptr(uint64(10))},
	}
	_, err := mgr.Reserve(ctx, "req-1", gateway.ReserveTokens, scopes, 50)
	if !errors.Is(err, gateway.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want budget exceeded", err)
	}

	ledgers, _ := m.ListBudgetLedgers(ctx)
	for _, l := range ledgers {
		if l.ReservedTokens != 0 {
			t.Errorf("scope %s still has reserved %d", l.Scope, l.ReservedTokens)
		}
	}
}

func TestManager_CommitReportsOvershoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(nil)

	var overshoots int
	mgr := NewManager(m, nil, func(gateway.ReservationKind, string, uint64, uint64) {
		overshoots++
	})

	rs, err := mgr.Reserve(ctx, "req-1", gateway.ReserveTokens, []ScopeLimit{{Scope: "key:k"}}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Commit(ctx, rs, 25); err != nil {
		t.Fatal(err)
	}
	if overshoots != 1 {
		t.Errorf("overshoots = %d, want 1", overshoots)
	}

	ledgers, _ := m.ListBudgetLedgers(ctx)
	if ledgers[0].SpentTokens != 10 {
		t.Errorf("spent = %d, want clamped 10", ledgers[0].SpentTokens)
	}
}
