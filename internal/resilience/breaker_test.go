package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errProvider = errors.New("model provider unavailable")

// tripBreaker drives b to the open state with consecutive failures.
func tripBreaker(b *Breaker, failures int) {
	for i := 0; i < failures; i++ {
		_ = b.Execute(func() error { return errProvider })
	}
}

func TestBreakerClosedPassesThrough(t *testing.T) {
	b := NewBreaker(3, time.Second)

	called := false
	if err := b.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatal("expected fn to run while closed")
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Second)
	tripBreaker(b, 3)

	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}
	err := b.Execute(func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerProbeClosesOnSuccess(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.clock = func() time.Time { return now }
	tripBreaker(b, 2)

	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen before cooldown, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe after cooldown: %v", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed after successful probe", got)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.clock = func() time.Time { return now }
	tripBreaker(b, 2)

	now = now.Add(2 * time.Second)
	_ = b.Execute(func() error { return errProvider })

	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want open after failed probe", got)
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.clock = func() time.Time { return now }
	tripBreaker(b, 1)
	now = now.Add(2 * time.Second)

	// Hold the probe in flight; a second caller must fail fast rather than
	// pile onto the struggling dependency.
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected concurrent caller rejected during probe, got %v", err)
	}

	close(release)
	wg.Wait()
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed after probe settled", got)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(3, time.Second)

	_ = b.Execute(func() error { return errProvider })
	_ = b.Execute(func() error { return errProvider })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errProvider })
	_ = b.Execute(func() error { return errProvider })

	// Only two consecutive failures since the success.
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestBreakerStateString(t *testing.T) {
	cases := map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
