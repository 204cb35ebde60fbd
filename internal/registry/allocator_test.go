package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIncrement(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1E", "1F"},
		{"1Y", "1Z"},
		{"1Z", "2A"},
		{"9Z", "10A"},
		{"10A", "10B"},
		{"42M", "42N"},
	}
	for _, tt := range tests {
		got, err := Increment(tt.in)
		if err != nil {
			t.Errorf("Increment(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Increment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIncrement_Malformed(t *testing.T) {
	for _, in := range []string{"", "1", "E", "1e", "xZ", "1Ez"} {
		if _, err := Increment(in); !errors.Is(err, ErrBadUnit) {
			t.Errorf("Increment(%q) err = %v, want ErrBadUnit", in, err)
		}
	}
}

func TestNewAllocator_SeedsReservedUnits(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	alloc, err := NewAllocator(ctx, store)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	// The lore characters hold 1A-1D before the counter ever runs.
	for requester, unit := range reservedRecords {
		got, err := alloc.Unit(ctx, requester)
		if err != nil {
			t.Fatalf("Unit(%q): %v", requester, err)
		}
		if got != unit {
			t.Errorf("reserved unit for %q = %q, want %q", requester, got, unit)
		}
		if !alloc.HasApartment(ctx, requester) {
			t.Errorf("HasApartment(%q) = false, want true for reserved record", requester)
		}
	}

	// The counter starts past the reserved range.
	first, err := alloc.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first != "1E" {
		t.Errorf("first issued unit = %q, want 1E", first)
	}
}

func TestNewAllocator_ResumesExistingCounter(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	if err := store.Put(ctx, keyNext, "7K"); err != nil {
		t.Fatal(err)
	}

	alloc, err := NewAllocator(ctx, store)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	got, err := alloc.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != "7K" {
		t.Errorf("resumed unit = %q, want 7K", got)
	}
	// Re-seeding must not have happened.
	if _, err := store.Get(ctx, "RESERVED"); !errors.Is(err, ErrNotFound) {
		t.Errorf("reserved records were re-seeded on resume")
	}
}

func TestNext_StrictlyIncreasingAndSkipsReserved(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	alloc, err := NewAllocator(ctx, store)
	if err != nil {
		t.Fatal(err)
	}

	reserved := map[string]bool{"1A": true, "1B": true, "1C": true, "1D": true}
	var prev string
	for i := 0; i < 30; i++ {
		unit, err := alloc.Next(ctx)
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		if reserved[unit] {
			t.Errorf("issued reserved unit %q", unit)
		}
		if prev != "" && !odometerLess(prev, unit) {
			t.Errorf("unit %q issued after %q, want strictly increasing", unit, prev)
		}
		prev = unit
	}
}

// odometerLess reports a < b in odometer order (shorter digit groups first,
// then lexicographic).
func odometerLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func TestRollback_ReissuesFailedUnit(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	alloc, err := NewAllocator(ctx, store)
	if err != nil {
		t.Fatal(err)
	}

	unit, err := alloc.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := alloc.Rollback(ctx, unit); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	again, err := alloc.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != unit {
		t.Errorf("unit after rollback = %q, want %q reissued", again, unit)
	}
}

func TestHasApartment(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	alloc, err := NewAllocator(ctx, store)
	if err != nil {
		t.Fatal(err)
	}

	if alloc.HasApartment(ctx, "newcomer") {
		t.Error("HasApartment = true for unknown requester")
	}
	if err := alloc.Assign(ctx, "tenant", "1E"); err != nil {
		t.Fatal(err)
	}
	if !alloc.HasApartment(ctx, "tenant") {
		t.Error("HasApartment = false after Assign")
	}

	// The sentinel still counts as occupied.
	if err := store.Put(ctx, "pending", SentinelWaiting); err != nil {
		t.Fatal(err)
	}
	if !alloc.HasApartment(ctx, "pending") {
		t.Error("HasApartment = false for WAITING sentinel, want true")
	}

	// Removal vacates the record.
	if err := alloc.Remove(ctx, "tenant"); err != nil {
		t.Fatal(err)
	}
	if alloc.HasApartment(ctx, "tenant") {
		t.Error("HasApartment = true after Remove")
	}
}

func TestNext_ConcurrentAllocationsAreUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	alloc, err := NewAllocator(ctx, store)
	if err != nil {
		t.Fatal(err)
	}

	const n = 32
	units := make(chan string, n)
	errs := make(chan error, n)
	for range n {
		go func() {
			u, err := alloc.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			units <- u
		}()
	}

	seen := make(map[string]bool, n)
	for range n {
		select {
		case err := <-errs:
			t.Fatalf("Next: %v", err)
		case u := <-units:
			if seen[u] {
				t.Fatalf("unit %q issued twice", u)
			}
			seen[u] = true
		}
	}
}

func TestAllocator_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(t.TempDir() + "/ledger.db")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	alloc, err := NewAllocator(ctx, store)
	if err != nil {
		t.Fatal(err)
	}

	for i, want := range []string{"1E", "1F", "1G"} {
		got, err := alloc.Next(ctx)
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		if got != want {
			t.Errorf("Next #%d = %q, want %q", i, got, want)
		}
	}

	if err := alloc.Assign(ctx, "tenant", "1E"); err != nil {
		t.Fatal(err)
	}
	if !alloc.HasApartment(ctx, "tenant") {
		t.Error("HasApartment = false after Assign on sqlite backend")
	}

	// A fresh allocator over the same file resumes, not reseeds.
	alloc2, err := NewAllocator(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	got, err := alloc2.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "1H" {
		t.Errorf("resumed Next = %q, want 1H", got)
	}
}

func TestSQLiteStore_UpdateAborted(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(t.TempDir() + "/ledger.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Put(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	wantErr := fmt.Errorf("boom")
	if _, err := store.Update(ctx, "k", func(string, bool) (string, error) {
		return "", wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("Update err = %v, want boom", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || got != "v1" {
		t.Errorf("value after aborted update = %q, %v; want v1 intact", got, err)
	}
}
