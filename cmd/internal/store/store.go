// Package store persists the three skykey collections (keys, accounts, sessions).
//
// Each collection is loaded and saved as a whole mapping from identifier to record.
// Writers are serialized per collection: Update is a locked read-modify-write, and
// RedeemKeyAndCreateAccount holds the keys and accounts locks together (keys first)
// so a key is marked used in the same step that creates its account.
//
// Backends:
//   - MemoryStore: process-local, for tests and ephemeral deployments.
//   - FileStore: one indented JSON file per collection; missing or corrupt files load as empty.
//   - PostgresStore: one table per collection; every write is a transaction holding a table lock.
package store

import (
	"context"
	"errors"
)

// ErrInvalidInput reports a misconfigured store or a nil callback.
var ErrInvalidInput = errors.New("store: invalid input")

// UpdateFunc mutates records in place and reports whether anything changed.
// Returning an error aborts the update without persisting.
type UpdateFunc[T comparable] func(records map[string]T) (changed bool, err error)

// RedeemFunc mutates both collections under their locks. Returning an error aborts both writes.
type RedeemFunc func(keys map[string]Key, accounts map[string]Account) error

// Collection is one independently loadable and saveable mapping.
// Load returns a private copy the caller may mutate freely.
type Collection[T comparable] interface {
	Load(ctx context.Context) (map[string]T, error)
	Save(ctx context.Context, records map[string]T) error
	Update(ctx context.Context, fn UpdateFunc[T]) error
}

// Store groups the collections plus the one cross-collection operation.
type Store interface {
	Keys() Collection[Key]
	Accounts() Collection[Account]
	Sessions() Collection[Session]

	// RedeemKeyAndCreateAccount loads keys and accounts under their locks, applies fn,
	// and persists both only if fn succeeds.
	RedeemKeyAndCreateAccount(ctx context.Context, fn RedeemFunc) error

	Ping(ctx context.Context) error
	Close() error
}
