package ratelimit

import (
	"errors"
	"testing"
	"time"

	gateway "github.com/dittolabs/ditto/internal"
)

// fakeClock is a settable clock.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func ptr[T any](v T) *T { return &v }

func TestCheck_RPMDenial(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_040, 0)} // second 40 of a minute
	l := NewLimiter(clock)
	limits := gateway.LimitsConfig{RPM: ptr(int64(2))}

	if err := l.Check("key:k1", "", limits, 0); err != nil {
		t.Fatalf("first request denied: %v", err)
	}
	if err := l.Check("key:k1", "", limits, 0); err != nil {
		t.Fatalf("second request denied: %v", err)
	}
	err := l.Check("key:k1", "", limits, 0)
	if !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatalf("third request allowed, want rate limit")
	}
	var rle *gateway.RateLimitError
	if !errors.As(err, &rle) || rle.Limit != "rpm>2" || rle.Scope != "key:k1" {
		t.Errorf("error detail = %+v, want rpm>2 on key:k1", err)
	}
}

func TestCheck_TPMDenial(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(clock)
	limits := gateway.LimitsConfig{TPM: ptr(int64(100))}

	if err := l.Check("key:k1", "", limits, 90); err != nil {
		t.Fatalf("within budget denied: %v", err)
	}
	err := l.Check("key:k1", "", limits, 20)
	var rle *gateway.RateLimitError
	if !errors.As(err, &rle) || rle.Limit != "tpm>100" {
		t.Fatalf("err = %v, want tpm>100 denial", err)
	}
}

func TestCheck_ZeroDeniesAll(t *testing.T) {
	t.Parallel()
	l := NewLimiter(&fakeClock{now: time.Unix(1_700_000_000, 0)})

	if err := l.Check("key:k1", "", gateway.LimitsConfig{RPM: ptr(int64(0))}, 0); !errors.Is(err, gateway.ErrRateLimited) {
		t.Error("rpm=0 should deny all")
	}
	if err := l.Check("key:k1", "", gateway.LimitsConfig{TPM: ptr(int64(0))}, 0); !errors.Is(err, gateway.ErrRateLimited) {
		t.Error("tpm=0 should deny all")
	}
	if err := l.Check("key:k1", "", gateway.LimitsConfig{}, 0); err != nil {
		t.Errorf("no limits should allow: %v", err)
	}
}

func TestCheck_SlidingWindowWeight(t *testing.T) {
	t.Parallel()
	base := time.Unix(1_700_000_000, 0).Truncate(time.Minute)
	clock := &fakeClock{now: base}
	l := NewLimiter(clock)
	limits := gateway.LimitsConfig{RPM: ptr(int64(4))}

	// Fill the first minute to the limit.
	for i := 0; i < 4; i++ {
		if err := l.Check("key:k1", "", limits, 0); err != nil {
			t.Fatalf("fill request %d denied: %v", i, err)
		}
	}

	// At second 0 of the next minute, the previous bucket carries full
	// weight, so the request is still denied.
	clock.now = base.Add(time.Minute)
	if err := l.Check("key:k1", "", limits, 0); !errors.Is(err, gateway.ErrRateLimited) {
		t.Error("start of next minute should still be limited")
	}

	// Near the end of the next minute, the previous bucket has decayed
	// almost completely and the request goes through.
	clock.now = base.Add(time.Minute + 59*time.Second)
	if err := l.Check("key:k1", "", limits, 0); err != nil {
		t.Errorf("decayed window should allow: %v", err)
	}
}

func TestCheck_ScopesIndependent(t *testing.T) {
	t.Parallel()
	l := NewLimiter(&fakeClock{now: time.Unix(1_700_000_000, 0)})
	limits := gateway.LimitsConfig{RPM: ptr(int64(1))}

	if err := l.Check("key:a", "", limits, 0); err != nil {
		t.Fatal(err)
	}
	if err := l.Check("key:b", "", limits, 0); err != nil {
		t.Errorf("separate scope should not share window: %v", err)
	}
	if err := l.Check("key:a", "other-route", limits, 0); err != nil {
		t.Errorf("separate route should not share window: %v", err)
	}
}

func TestGC_KeepsOnlyCurrentMinuteAfterClockRollback(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(clock)
	limits := gateway.LimitsConfig{RPM: ptr(int64(1))}

	if err := l.Check("key:a", "", limits, 0); err != nil {
		t.Fatal(err)
	}
	if err := l.Check("key:a", "", limits, 0); !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatal("limit should be hit before rollback")
	}

	// Clock jumps backwards a full minute: all windows are wiped.
	clock.now = clock.now.Add(-2 * time.Minute)
	if err := l.Check("key:a", "", limits, 0); err != nil {
		t.Errorf("rollback should reset windows: %v", err)
	}
}

func TestEvictStale(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(clock)
	limits := gateway.LimitsConfig{RPM: ptr(int64(10))}

	_ = l.Check("key:a", "", limits, 0)
	_ = l.Check("key:b", "", limits, 0)
	if l.Len() != 2 {
		t.Fatalf("windows = %d, want 2", l.Len())
	}

	clock.now = clock.now.Add(4 * time.Minute)
	if evicted := l.EvictStale(); evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
	if l.Len() != 0 {
		t.Errorf("windows = %d, want 0", l.Len())
	}
}
