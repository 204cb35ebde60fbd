// Package registry owns the apartment ledger: the persistent requester →
// unit mapping and the monotonically increasing NEXT counter, issued and
// rolled back by the [Allocator].
//
// Persistence sits behind the [Store] interface with SQLite (embedded,
// default) and Postgres backends, plus an in-memory store for tests.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Get] when the key has no value.
var ErrNotFound = errors.New("registry: key not found")

// Store is the key-value store backing the registry. Implementations must
// be safe for concurrent use and durable on return (writes that return nil
// have been committed).
type Store interface {
	// Get returns the value for key, or [ErrNotFound].
	Get(ctx context.Context, key string) (string, error)

	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Update atomically applies fn to the current value of key and commits
	// fn's result. found reports whether the key existed; the returned prev
	// is the value fn was given. fn returning an error aborts the update.
	Update(ctx context.Context, key string, fn func(current string, found bool) (string, error)) (prev string, err error)

	// Close releases the store handle.
	Close() error
}
