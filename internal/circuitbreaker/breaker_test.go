package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func fakeClock(b *Breaker) *time.Time {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return &now
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, time.Minute)
	if !b.Allow("base") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("base")
	b.RecordFailure("base")
	if !b.Allow("base") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("base")
	if b.Allow("base") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("base") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("base"))
	}
	if !b.Allow("polygon") {
		t.Fatal("other chains must be unaffected")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(2, 30*time.Second)
	now := fakeClock(b)

	b.RecordFailure("base")
	b.RecordFailure("base")
	if b.Allow("base") {
		t.Fatal("should be open")
	}

	*now = now.Add(31 * time.Second)

	if !b.Allow("base") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("base") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("base"))
	}
	if b.Allow("base") {
		t.Fatal("should reject second call while probing")
	}

	b.RecordSuccess("base")
	if b.State("base") != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %v", b.State("base"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(1, 10*time.Second)
	now := fakeClock(b)

	b.RecordFailure("bsc")
	*now = now.Add(11 * time.Second)
	if !b.Allow("bsc") {
		t.Fatal("expected probe")
	}
	b.RecordFailure("bsc")
	if b.State("bsc") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("bsc"))
	}
}

func TestBreaker_Execute(t *testing.T) {
	b := New(2, time.Minute)
	boom := errors.New("connection refused")
	notMined := errors.New("not found")
	countable := func(err error) bool { return err != notMined }

	for i := 0; i < 5; i++ {
		if err := b.Execute("base", func() error { return notMined }, countable); err != notMined {
			t.Fatalf("expected passthrough error, got %v", err)
		}
	}
	if b.State("base") != StateClosed {
		t.Fatal("uncountable errors must not trip the circuit")
	}

	_ = b.Execute("base", func() error { return boom }, countable)
	_ = b.Execute("base", func() error { return boom }, countable)

	called := false
	err := b.Execute("base", func() error { called = true; return nil }, countable)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow("arbitrum")
			b.RecordFailure("arbitrum")
			b.RecordSuccess("arbitrum")
		}()
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
