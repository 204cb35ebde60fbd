// Package allowance implements the concierge's replenishing action budget.
//
// The bot may only act or speak as fast as its allowance permits: every
// reply and every provisioning run charges the bucket, and the balance
// refills with wall-clock time up to a fixed ceiling. [Bucket.Charge] is a
// single atomic check-and-reserve step, closing the read/decrement race of
// the original field-mutation scheme.
package allowance

import (
	"context"
	"sync"
	"time"
)

// DefaultCeiling is the maximum balance the bucket can hold.
const DefaultCeiling = 100 * time.Second

// Bucket is a mutex-owned token bucket denominated in time. The balance
// grows by elapsed wall-clock time (rounded down to whole seconds) and is
// capped at the ceiling.
//
// All methods are safe for concurrent use.
type Bucket struct {
	mu         sync.Mutex
	balance    time.Duration
	ceiling    time.Duration
	lastRefill time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a [Bucket] during construction.
type Option func(*Bucket)

// WithClock replaces the wall clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) { b.now = now }
}

// WithSleeper replaces the wait implementation. Used in tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Bucket) { b.sleep = sleep }
}

// New creates a full [Bucket] with the given ceiling. A non-positive ceiling
// falls back to [DefaultCeiling].
func New(ceiling time.Duration, opts ...Option) *Bucket {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	b := &Bucket{
		balance: ceiling,
		ceiling: ceiling,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.now()
	return b
}

// Charge reserves cost from the bucket, waiting for the balance to recover
// first when it is short. The wait is bounded by the ceiling — even when
// cost exceeds the ceiling the caller never blocks longer than one full
// refill period — after which the charge is taken regardless, flooring the
// balance at zero.
//
// Returns ctx.Err() if the context is cancelled during the wait; the
// balance is left unchanged in that case.
func (b *Bucket) Charge(ctx context.Context, cost time.Duration) error {
	b.mu.Lock()
	b.refillLocked()
	if b.balance >= cost {
		b.balance -= cost
		b.mu.Unlock()
		return nil
	}
	wait := min(cost-b.balance, b.ceiling)
	b.mu.Unlock()

	if err := b.sleep(ctx, wait); err != nil {
		return err
	}

	b.mu.Lock()
	b.refillLocked()
	b.balance = max(0, b.balance-cost)
	b.mu.Unlock()
	return nil
}

// Drain empties the bucket. The provisioning pipeline calls this on
// completion regardless of outcome: the whole run costs the full allowance.
func (b *Bucket) Drain() {
	b.mu.Lock()
	b.balance = 0
	b.lastRefill = b.now()
	b.mu.Unlock()
}

// Ceiling returns the bucket's maximum balance. The provisioning pipeline
// charges the full ceiling up front to reserve the whole budget for a run.
func (b *Bucket) Ceiling() time.Duration {
	return b.ceiling
}

// Balance returns the current balance after applying any pending refill.
func (b *Bucket) Balance() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.balance
}

// refillLocked credits elapsed whole seconds since the last refill, capped
// at the ceiling. Must be called with b.mu held.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Truncate(time.Second)
	if elapsed <= 0 {
		return
	}
	b.balance = min(b.balance+elapsed, b.ceiling)
	b.lastRefill = now
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
