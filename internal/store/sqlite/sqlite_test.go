package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
	"github.com/dittolabs/ditto/internal/audit"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ditto.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func resv(id, scope string, amount uint64, kind gateway.ReservationKind) gateway.Reservation {
	return gateway.Reservation{
		ID: id, Scope: scope, Amount: amount, Kind: kind,
		CreatedAtMS: gateway.NowMillis(time.Now()),
	}
}

func TestReserveCommitLifecycle(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	limit := uint64(1000)

	r := resv("req-1/key:k1/tokens", "key:k1", 400, gateway.ReserveTokens)
	if err := s.ReserveBudget(ctx, &limit, r); err != nil {
		t.Fatal(err)
	}

	ledgers, err := s.ListBudgetLedgers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ledgers) != 1 || ledgers[0].ReservedTokens != 400 || ledgers[0].SpentTokens != 0 {
		t.Fatalf("after reserve: %+v", ledgers)
	}

	if err := s.CommitBudget(ctx, r, 250); err != nil {
		t.Fatal(err)
	}
	ledgers, _ = s.ListBudgetLedgers(ctx)
	if ledgers[0].ReservedTokens != 0 || ledgers[0].SpentTokens != 250 {
		t.Errorf("after commit: %+v", ledgers[0])
	}
}

func TestReserveDeniedAtLimit(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	limit := uint64(500)

	if err := s.ReserveBudget(ctx, &limit, resv("r1", "key:k1", 400, gateway.ReserveTokens)); err != nil {
		t.Fatal(err)
	}
	err := s.ReserveBudget(ctx, &limit, resv("r2", "key:k1", 200, gateway.ReserveTokens))
	if !errors.Is(err, gateway.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want budget exceeded", err)
	}
	var be *gateway.BudgetError
	if !errors.As(err, &be) || be.Scope != "key:k1" || be.Attempted != 600 {
		t.Errorf("BudgetError = %+v", be)
	}

	// Rollback frees the headroom.
	if err := s.RollbackBudget(ctx, resv("r1", "key:k1", 400, gateway.ReserveTokens)); err != nil {
		t.Fatal(err)
	}
	if err := s.ReserveBudget(ctx, &limit, resv("r3", "key:k1", 200, gateway.ReserveTokens)); err != nil {
		t.Errorf("reserve after rollback: %v", err)
	}
}

func TestCostLedgerIsSeparate(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	limit := uint64(100)

	if err := s.ReserveCost(ctx, &limit, resv("r1", "key:k1", 80, gateway.ReserveUSDMicros)); err != nil {
		t.Fatal(err)
	}
	// Token ledger is untouched by cost reservations.
	if err := s.ReserveBudget(ctx, &limit, resv("r2", "key:k1", 80, gateway.ReserveTokens)); err != nil {
		t.Errorf("token ledger should have full headroom: %v", err)
	}

	err := s.ReserveCost(ctx, &limit, resv("r3", "key:k1", 30, gateway.ReserveUSDMicros))
	if !errors.Is(err, gateway.ErrCostBudgetExceeded) {
		t.Errorf("err = %v, want cost budget exceeded", err)
	}
}

func TestCommitMissingReservation(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	err := s.CommitBudget(context.Background(), resv("ghost", "key:k1", 10, gateway.ReserveTokens), 5)
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
	// Rollback of an unknown reservation is idempotent.
	if err := s.RollbackBudget(context.Background(), resv("ghost", "key:k1", 10, gateway.ReserveTokens)); err != nil {
		t.Errorf("rollback should be idempotent: %v", err)
	}
}

func TestReapReservations(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	stale := gateway.Reservation{
		ID: "old", Scope: "key:k1", Amount: 50, Kind: gateway.ReserveTokens,
		CreatedAtMS: gateway.NowMillis(time.Now().Add(-10 * time.Minute)),
	}
	if err := s.ReserveBudget(ctx, nil, stale); err != nil {
		t.Fatal(err)
	}
	if err := s.ReserveBudget(ctx, nil, resv("fresh", "key:k1", 50, gateway.ReserveTokens)); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReapReservations(ctx, 5*time.Minute, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("dry run = %+v, want [old]", got)
	}
	ledgers, _ := s.ListBudgetLedgers(ctx)
	if ledgers[0].ReservedTokens != 100 {
		t.Errorf("dry run must not release: %+v", ledgers[0])
	}

	if _, err := s.ReapReservations(ctx, 5*time.Minute, 0, false); err != nil {
		t.Fatal(err)
	}
	ledgers, _ = s.ListBudgetLedgers(ctx)
	if ledgers[0].ReservedTokens != 50 {
		t.Errorf("reap should release only the stale reservation: %+v", ledgers[0])
	}
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	rpm := int64(60)
	keys := []gateway.VirtualKey{
		{ID: "k1", Token: "sk-1", Enabled: true, TenantID: "acme", Limits: gateway.LimitsConfig{RPM: &rpm}},
		{ID: "k2", Token: "sk-2", Enabled: false, Route: "pinned"},
	}
	if err := s.ReplaceKeys(ctx, keys); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "k1" || got[1].Route != "pinned" {
		t.Fatalf("LoadKeys = %+v", got)
	}
	if got[0].Limits.RPM == nil || *got[0].Limits.RPM != 60 {
		t.Errorf("rpm limit lost in round trip: %+v", got[0].Limits)
	}

	// Replacement removes absent keys.
	if err := s.ReplaceKeys(ctx, keys[:1]); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.LoadKeys(ctx); len(got) != 1 {
		t.Errorf("after replace: %d keys, want 1", len(got))
	}
}

func TestAuditRoundTripVerifies(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	log := audit.NewLog(nil)
	for i := 0; i < 3; i++ {
		rec, err := log.Append("key_created", map[string]any{"n": i})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AppendAudit(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LoadAudit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("LoadAudit = %d records, want 3", len(got))
	}
	if err := audit.Verify(got); err != nil {
		t.Errorf("persisted chain should verify: %v", err)
	}
}
