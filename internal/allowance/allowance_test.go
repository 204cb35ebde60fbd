package allowance

import (
	"context"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deterministic refill tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestBucket returns a bucket on a fake clock whose sleeps advance the
// clock instead of blocking, recording each requested wait.
func newTestBucket(ceiling time.Duration) (*Bucket, *fakeClock, *[]time.Duration) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var waits []time.Duration
	b := New(ceiling,
		WithClock(clock.now),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			clock.advance(d)
			return nil
		}),
	)
	return b, clock, &waits
}

func TestCharge_SufficientBalanceDoesNotWait(t *testing.T) {
	b, _, waits := newTestBucket(100 * time.Second)

	if err := b.Charge(context.Background(), 7*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*waits) != 0 {
		t.Fatalf("waits = %v, want none", *waits)
	}
	if got := b.Balance(); got != 93*time.Second {
		t.Errorf("balance = %v, want 93s", got)
	}
}

func TestCharge_WaitsForShortfall(t *testing.T) {
	b, _, waits := newTestBucket(100 * time.Second)
	b.Drain()

	if err := b.Charge(context.Background(), 7*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*waits) != 1 || (*waits)[0] != 7*time.Second {
		t.Fatalf("waits = %v, want [7s]", *waits)
	}
	// The 7s wait refilled 7s, the charge took it all back.
	if got := b.Balance(); got != 0 {
		t.Errorf("balance = %v, want 0", got)
	}
}

func TestCharge_WaitNeverExceedsCeiling(t *testing.T) {
	b, _, waits := newTestBucket(100 * time.Second)
	b.Drain()

	// Cost far above the ceiling still waits at most one refill period.
	if err := b.Charge(context.Background(), 250*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*waits) != 1 || (*waits)[0] != 100*time.Second {
		t.Fatalf("waits = %v, want [100s] (bounded by ceiling)", *waits)
	}
	// The charge proceeds regardless, flooring the balance at zero.
	if got := b.Balance(); got != 0 {
		t.Errorf("balance = %v, want 0 after over-ceiling charge", got)
	}
}

func TestCharge_CancelledContextAbortsWait(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := New(10*time.Second,
		WithClock(clock.now),
		WithSleeper(func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		}),
	)
	b.Drain()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Charge(ctx, 7*time.Second); err == nil {
		t.Fatal("expected context error, got nil")
	}
	if got := b.Balance(); got != 0 {
		t.Errorf("balance = %v, want unchanged 0 after aborted charge", got)
	}
}

func TestRefill_WholeSecondsCappedAtCeiling(t *testing.T) {
	b, clock, _ := newTestBucket(100 * time.Second)
	b.Drain()

	// Sub-second elapsed time does not refill.
	clock.advance(900 * time.Millisecond)
	if got := b.Balance(); got != 0 {
		t.Errorf("balance = %v, want 0 before a whole second elapses", got)
	}

	// Fractions are truncated to whole seconds.
	clock.advance(2600 * time.Millisecond)
	if got := b.Balance(); got != 3*time.Second {
		t.Errorf("balance = %v, want 3s", got)
	}

	// Refill never exceeds the ceiling.
	clock.advance(10 * time.Minute)
	if got := b.Balance(); got != 100*time.Second {
		t.Errorf("balance = %v, want ceiling 100s", got)
	}
}

func TestDrain_EmptiesBucket(t *testing.T) {
	b, _, _ := newTestBucket(100 * time.Second)
	b.Drain()
	if got := b.Balance(); got != 0 {
		t.Errorf("balance = %v, want 0 after drain", got)
	}
}

func TestCharge_ConcurrentChargesNeverOverdraw(t *testing.T) {
	// Real clock, tiny ceiling: concurrent fast-path charges must serialise
	// on the mutex and never drive the balance negative.
	b := New(time.Second)
	done := make(chan struct{})
	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = b.Charge(context.Background(), 200*time.Millisecond)
		}()
	}
	for range 8 {
		<-done
	}
	if got := b.Balance(); got < 0 {
		t.Errorf("balance = %v, want >= 0", got)
	}
}
