package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

const (
	// keyNext is the ledger key holding the next unit identifier to issue.
	keyNext = "NEXT"

	// seedNext is the first unit the counter ever issues. Units 1A-1D are
	// reserved for lore characters and seeded as apartment records instead.
	seedNext = "1E"

	// SentinelWaiting marks a requester whose ledger lookup failed
	// transiently. It counts as "has an apartment" so a concurrent second
	// request cannot start a duplicate build.
	SentinelWaiting = "WAITING"
)

// reservedRecords are the lore apartments seeded at first run. They are
// ordinary apartment records, so the counter never needs to special-case
// them: it simply starts past their range.
var reservedRecords = map[string]string{
	"c2i9uh0t874bj4evc090": "1A", // Xetem Ilekex
	"c2kcgjgt874bj4evchf0": "1B", // Cyran Bizeth
	"RESERVED":             "1C",
	"c31sr90t874d92krcahg": "1D", // Cirrhen Ilekex
}

// ErrBadUnit is returned when a unit identifier does not have the expected
// digit-group + trailing-letter shape.
var ErrBadUnit = errors.New("registry: malformed unit identifier")

// Allocator issues unit identifiers from the persistent NEXT counter and
// maintains the requester → unit apartment records.
//
// All methods are safe for concurrent use; the counter's read-modify-write
// runs inside a single store transaction.
type Allocator struct {
	store Store
}

// NewAllocator wraps store, seeding the counter and the reserved lore
// apartments on first run.
func NewAllocator(ctx context.Context, store Store) (*Allocator, error) {
	a := &Allocator{store: store}

	next, err := store.Get(ctx, keyNext)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := store.Put(ctx, keyNext, seedNext); err != nil {
			return nil, fmt.Errorf("registry: seed counter: %w", err)
		}
		for requester, unit := range reservedRecords {
			if err := store.Put(ctx, requester, unit); err != nil {
				return nil, fmt.Errorf("registry: seed reserved unit %s: %w", unit, err)
			}
		}
		slog.Info("no apartments in ledger, starting fresh", "next", seedNext)
	case err != nil:
		return nil, fmt.Errorf("registry: read counter: %w", err)
	default:
		slog.Info("resuming apartment ledger", "next", next)
	}

	return a, nil
}

// Ping verifies the ledger is reachable by reading the counter key. Used by
// the readiness probe.
func (a *Allocator) Ping(ctx context.Context) error {
	if _, err := a.store.Get(ctx, keyNext); err != nil {
		return fmt.Errorf("registry: ping: %w", err)
	}
	return nil
}

// Next issues the current counter value and atomically advances the counter
// to its successor. Every issued unit is strictly below the stored NEXT.
func (a *Allocator) Next(ctx context.Context) (string, error) {
	prev, err := a.store.Update(ctx, keyNext, func(current string, found bool) (string, error) {
		if !found {
			return "", fmt.Errorf("registry: counter missing")
		}
		return Increment(current)
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

// Rollback returns unit to the counter so the next [Allocator.Next] call
// reissues it. Used only when a build that consumed the unit failed.
func (a *Allocator) Rollback(ctx context.Context, unit string) error {
	if err := a.store.Put(ctx, keyNext, unit); err != nil {
		return fmt.Errorf("registry: rollback %s: %w", unit, err)
	}
	return nil
}

// HasApartment reports whether requesterID already holds an apartment
// record. A transient lookup failure marks the requester with
// [SentinelWaiting] (best effort) and reports false, so the first request
// proceeds while concurrent retries are held off.
func (a *Allocator) HasApartment(ctx context.Context, requesterID string) bool {
	_, err := a.store.Get(ctx, requesterID)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrNotFound) {
		slog.Warn("apartment lookup failed, treating as vacant", "requester_id", requesterID, "err", err)
		if err := a.store.Put(ctx, requesterID, SentinelWaiting); err != nil {
			slog.Warn("failed to mark requester as waiting", "requester_id", requesterID, "err", err)
		}
	}
	return false
}

// Unit returns the unit recorded for requesterID, or [ErrNotFound].
func (a *Allocator) Unit(ctx context.Context, requesterID string) (string, error) {
	return a.store.Get(ctx, requesterID)
}

// Assign records requesterID → unit. Called once per successful build.
func (a *Allocator) Assign(ctx context.Context, requesterID, unit string) error {
	if err := a.store.Put(ctx, requesterID, unit); err != nil {
		return fmt.Errorf("registry: assign %s to %s: %w", unit, requesterID, err)
	}
	return nil
}

// Remove deletes the apartment record for requesterID. Part of the failure
// compensation: a partial record (including the sentinel) must not block a
// retry.
func (a *Allocator) Remove(ctx context.Context, requesterID string) error {
	if err := a.store.Delete(ctx, requesterID); err != nil {
		return fmt.Errorf("registry: remove record for %s: %w", requesterID, err)
	}
	return nil
}

// Increment computes the successor of a unit identifier under the
// alphanumeric odometer: the trailing letter advances through the alphabet,
// and rolling over Z carries into the digit group.
//
//	1E → 1F    1Z → 2A    9Z → 10A
func Increment(unit string) (string, error) {
	if len(unit) < 2 {
		return "", fmt.Errorf("%w: %q", ErrBadUnit, unit)
	}
	digits, last := unit[:len(unit)-1], unit[len(unit)-1]
	if last < 'A' || last > 'Z' {
		return "", fmt.Errorf("%w: %q", ErrBadUnit, unit)
	}

	if last != 'Z' {
		return digits + string(last+1), nil
	}

	n, err := strconv.Atoi(digits)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadUnit, unit)
	}
	return strconv.Itoa(n+1) + "A", nil
}
