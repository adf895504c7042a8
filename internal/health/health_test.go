package health

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(BreakerConfig{Enabled: true, FailureThreshold: 3, CooldownSeconds: 30}, clock)

	tr.RecordFailure("primary", FailureNetwork, 0, "dial tcp: refused")
	tr.RecordFailure("primary", FailureNetwork, 0, "dial tcp: refused")
	if !tr.Healthy("primary") {
		t.Fatal("breaker should not open below threshold")
	}

	tr.RecordFailure("primary", FailureNetwork, 0, "dial tcp: refused")
	if tr.Healthy("primary") {
		t.Fatal("breaker should open at threshold")
	}

	// Cooldown elapses: healthy again.
	clock.now = clock.now.Add(31 * time.Second)
	if !tr.Healthy("primary") {
		t.Fatal("breaker should close after cooldown")
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(DefaultBreakerConfig(), clock)

	tr.RecordFailure("b", FailureNetwork, 0, "x")
	tr.RecordFailure("b", FailureNetwork, 0, "x")
	tr.RecordSuccess("b")

	snap := tr.Snapshot("b")
	if snap.ConsecutiveFailures != 0 || snap.UnhealthyUntilEpochSeconds != nil {
		t.Errorf("snapshot after success = %+v, want cleared", snap)
	}
}

func TestRetryable4xxDoesNotCount(t *testing.T) {
	t.Parallel()
	tr := NewTracker(BreakerConfig{Enabled: true, FailureThreshold: 1, CooldownSeconds: 30}, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	tr.RecordFailure("b", FailureStatus, 429, "too many requests")
	if !tr.Healthy("b") {
		t.Error("429 must not open the breaker")
	}

	tr.RecordFailure("b", FailureStatus, 503, "unavailable")
	if tr.Healthy("b") {
		t.Error("503 should open the breaker at threshold 1")
	}
}

func TestProbeUnhealthyExcludes(t *testing.T) {
	t.Parallel()
	tr := NewTracker(DefaultBreakerConfig(), &fakeClock{now: time.Unix(1_700_000_000, 0)})

	tr.RecordProbe("b", false, "connect timeout")
	if tr.Healthy("b") {
		t.Error("failed probe should exclude the backend")
	}

	got := tr.FilterHealthy([]string{"a", "b", "c"})
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("FilterHealthy = %v, want [a c]", got)
	}

	tr.RecordProbe("b", true, "")
	if !tr.Healthy("b") {
		t.Error("healthy probe should restore the backend")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	tr := NewTracker(BreakerConfig{Enabled: true, FailureThreshold: 1, CooldownSeconds: 300}, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	tr.RecordFailure("b", FailureNetwork, 0, "x")
	if tr.Healthy("b") {
		t.Fatal("breaker should be open")
	}
	tr.Reset("b")
	if !tr.Healthy("b") {
		t.Error("reset should clear breaker state")
	}
}
