package audit

import (
	"bytes"
	"testing"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func newLog(t *testing.T) (*Log, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	return NewLog(clock), clock
}

func TestAppendChainsHashes(t *testing.T) {
	t.Parallel()
	log, clock := newLog(t)

	first, err := log.Append("key_created", map[string]any{"key_id": "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != 1 || first.PrevHash != "" || first.Hash == "" {
		t.Fatalf("genesis record = %+v", first)
	}

	clock.now = clock.now.Add(time.Second)
	second, err := log.Append("key_deleted", map[string]any{"key_id": "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != 2 || second.PrevHash != first.Hash {
		t.Fatalf("second record does not link: %+v", second)
	}
	if second.TSMS <= first.TSMS {
		t.Error("timestamps should advance with the clock")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Parallel()
	log, _ := newLog(t)
	for i := 0; i < 5; i++ {
		if _, err := log.Append("cache_purged", map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	records := log.List(ListFilter{})
	if err := Verify(records); err != nil {
		t.Fatalf("intact chain should verify: %v", err)
	}

	tampered := append([]gateway.AuditRecord(nil), records...)
	tampered[2].Kind = "key_created"
	if err := Verify(tampered); err == nil {
		t.Error("mutated record should fail verification")
	}

	truncated := append([]gateway.AuditRecord(nil), records[:2]...)
	truncated = append(truncated, records[3:]...)
	if err := Verify(truncated); err == nil {
		t.Error("deleted record should break the chain")
	}
}

func TestExportRoundTripVerifies(t *testing.T) {
	t.Parallel()
	log, _ := newLog(t)

	// Struct payloads canonicalize the same way maps do.
	type payload struct {
		Zebra string `json:"zebra"`
		Alpha int64  `json:"alpha"`
	}
	if _, err := log.Append("backend_reset", payload{Zebra: "z", Alpha: 1_700_000_000_123}); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append("ledger_adjusted", map[string]any{"scope": "key:k1", "amount": 42}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := log.ExportNDJSON(&buf); err != nil {
		t.Fatal(err)
	}
	records, err := ReadNDJSON(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("read %d records, want 2", len(records))
	}
	if err := Verify(records); err != nil {
		t.Errorf("exported chain should verify after round trip: %v", err)
	}
}

func TestListFilter(t *testing.T) {
	t.Parallel()
	log, clock := newLog(t)
	base := gateway.NowMillis(clock.now)
	for i := 0; i < 4; i++ {
		if _, err := log.Append("key_updated", nil); err != nil {
			t.Fatal(err)
		}
		clock.now = clock.now.Add(time.Second)
	}

	got := log.List(ListFilter{SinceTSMS: base + 1000, BeforeTSMS: base + 3000})
	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 3 {
		t.Errorf("filtered list = %+v, want ids 2,3", got)
	}
	if got := log.List(ListFilter{Limit: 1}); len(got) != 1 || got[0].ID != 1 {
		t.Errorf("limited list = %+v, want id 1", got)
	}
}

func TestRestoreContinuesChain(t *testing.T) {
	t.Parallel()
	log, _ := newLog(t)
	for i := 0; i < 3; i++ {
		if _, err := log.Append("key_created", map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	records := log.List(ListFilter{})

	restored, _ := newLog(t)
	if err := restored.Restore(records); err != nil {
		t.Fatal(err)
	}
	next, err := restored.Append("key_deleted", nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != 4 || next.PrevHash != records[2].Hash {
		t.Errorf("restored chain should continue from the tail: %+v", next)
	}
	if err := Verify(restored.List(ListFilter{})); err != nil {
		t.Errorf("continued chain should verify: %v", err)
	}

	tampered := append([]gateway.AuditRecord(nil), records...)
	tampered[0].Hash = "deadbeef"
	if err := restored.Restore(tampered); err == nil {
		t.Error("Restore must reject a broken chain")
	}
}
