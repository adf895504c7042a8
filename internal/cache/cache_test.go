package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func resp(body string) Response {
	return Response{Status: 200, Body: []byte(body), Backend: "primary"}
}

func TestMemoryLRUEviction(t *testing.T) {
	t.Parallel()
	m := NewMemory(&fakeClock{now: time.Unix(1_700_000_000, 0)})

	m.Put("key:k1", "a", resp("a"), 60, 2)
	m.Put("key:k1", "b", resp("b"), 60, 2)
	m.Put("key:k1", "c", resp("c"), 60, 2)

	if _, ok := m.Get("key:k1", "a"); ok {
		t.Error("oldest entry a should have been evicted")
	}
	for _, k := range []string{"b", "c"} {
		if _, ok := m.Get("key:k1", k); !ok {
			t.Errorf("entry %s should survive eviction", k)
		}
	}
}

func TestMemoryGetPromotes(t *testing.T) {
	t.Parallel()
	m := NewMemory(&fakeClock{now: time.Unix(1_700_000_000, 0)})

	m.Put("s", "a", resp("a"), 60, 2)
	m.Put("s", "b", resp("b"), 60, 2)
	m.Get("s", "a") // a becomes most recently used
	m.Put("s", "c", resp("c"), 60, 2)

	if _, ok := m.Get("s", "b"); ok {
		t.Error("b was least recently used and should have been evicted")
	}
	if _, ok := m.Get("s", "a"); !ok {
		t.Error("a was promoted by Get and should survive")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory(clock)

	m.Put("s", "a", resp("a"), 30, 10)
	if _, ok := m.Get("s", "a"); !ok {
		t.Fatal("fresh entry should hit")
	}

	clock.now = clock.now.Add(31 * time.Second)
	if _, ok := m.Get("s", "a"); ok {
		t.Error("expired entry should miss")
	}
	if m.Len("s") != 0 {
		t.Errorf("expired entry should be removed, len = %d", m.Len("s"))
	}
}

func TestMemoryZeroConfigDisablesCaching(t *testing.T) {
	t.Parallel()
	m := NewMemory(&fakeClock{now: time.Unix(1_700_000_000, 0)})

	m.Put("s", "a", resp("a"), 0, 10)
	m.Put("s", "b", resp("b"), 60, 0)
	if m.Len("s") != 0 {
		t.Errorf("zero ttl or max_entries must not cache, len = %d", m.Len("s"))
	}
}

func TestMemoryScopeIsolationAndPurge(t *testing.T) {
	t.Parallel()
	m := NewMemory(&fakeClock{now: time.Unix(1_700_000_000, 0)})

	m.Put("key:k1", "a", resp("a"), 60, 2)
	m.Put("key:k2", "a", resp("a2"), 60, 2)

	if n := m.Purge("key:k1"); n != 1 {
		t.Errorf("Purge(key:k1) = %d, want 1", n)
	}
	if _, ok := m.Get("key:k2", "a"); !ok {
		t.Error("purging one scope must not touch another")
	}
}

func TestMemoryEvictExpired(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory(clock)

	m.Put("s", "short", resp("x"), 10, 10)
	m.Put("s", "long", resp("y"), 600, 10)
	clock.now = clock.now.Add(30 * time.Second)

	if n := m.EvictExpired(); n != 1 {
		t.Errorf("EvictExpired = %d, want 1", n)
	}
	if _, ok := m.Get("s", "long"); !ok {
		t.Error("unexpired entry must survive the sweep")
	}
}

func TestKeyDistinguishesInputs(t *testing.T) {
	t.Parallel()
	base := Key("k1", "POST", "/v1/chat/completions", []byte(`{"model":"m"}`), "g1")

	variants := []string{
		Key("k2", "POST", "/v1/chat/completions", []byte(`{"model":"m"}`), "g1"),
		Key("k1", "GET", "/v1/chat/completions", []byte(`{"model":"m"}`), "g1"),
		Key("k1", "POST", "/v1/completions", []byte(`{"model":"m"}`), "g1"),
		Key("k1", "POST", "/v1/chat/completions", []byte(`{"model":"n"}`), "g1"),
		Key("k1", "POST", "/v1/chat/completions", []byte(`{"model":"m"}`), "g2"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collides with base key", i)
		}
	}
	if again := Key("k1", "POST", "/v1/chat/completions", []byte(`{"model":"m"}`), "g1"); again != base {
		t.Error("identical inputs must produce identical keys")
	}
}

func newSharedRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, nil), mr
}

func TestRedisSharedTier(t *testing.T) {
	t.Parallel()
	shared, _ := newSharedRedis(t)
	ctx := context.Background()

	if _, ok := shared.Get(ctx, "missing"); ok {
		t.Fatal("miss expected for unknown key")
	}

	shared.Set(ctx, "k", resp("hello"), time.Minute)
	got, ok := shared.Get(ctx, "k")
	if !ok || string(got.Body) != "hello" || got.Status != 200 {
		t.Fatalf("Get = %+v ok=%v, want cached response", got, ok)
	}

	shared.Delete(ctx, "k")
	if _, ok := shared.Get(ctx, "k"); ok {
		t.Error("deleted entry should miss")
	}
}

func TestRedisDegradesToMissWhenDown(t *testing.T) {
	t.Parallel()
	shared, mr := newSharedRedis(t)
	ctx := context.Background()

	shared.Set(ctx, "k", resp("x"), time.Minute)
	mr.Close()

	if _, ok := shared.Get(ctx, "k"); ok {
		t.Error("redis being down must surface as a miss, not an error")
	}
}

func TestTieredSharedHitHydratesMemory(t *testing.T) {
	t.Parallel()
	shared, _ := newSharedRedis(t)
	mem := NewMemory(&fakeClock{now: time.Unix(1_700_000_000, 0)})
	tiered := NewTiered(mem, shared)
	ctx := context.Background()

	shared.Set(ctx, "k", resp("warm"), time.Minute)

	got, source, ok := tiered.Lookup(ctx, "key:k1", "k", 60, 4)
	if !ok || source != SourceShared || string(got.Body) != "warm" {
		t.Fatalf("Lookup = (%+v, %q, %v), want shared hit", got, source, ok)
	}

	// Second lookup is served locally.
	_, source, ok = tiered.Lookup(ctx, "key:k1", "k", 60, 4)
	if !ok || source != SourceMemory {
		t.Errorf("second Lookup source = %q, want %q", source, SourceMemory)
	}
}

func TestTieredStoreWritesBothTiers(t *testing.T) {
	t.Parallel()
	shared, _ := newSharedRedis(t)
	mem := NewMemory(&fakeClock{now: time.Unix(1_700_000_000, 0)})
	tiered := NewTiered(mem, shared)
	ctx := context.Background()

	tiered.Store(ctx, "key:k1", "k", resp("v"), 60, 4)

	if _, ok := mem.Get("key:k1", "k"); !ok {
		t.Error("memory tier should hold the entry")
	}
	if _, ok := shared.Get(ctx, "k"); !ok {
		t.Error("shared tier should hold the entry")
	}

	if tiered.PurgeAll(ctx) != 1 {
		t.Error("PurgeAll should report one local entry")
	}
	if _, ok := shared.Get(ctx, "k"); ok {
		t.Error("PurgeAll should clear the shared tier too")
	}
}
