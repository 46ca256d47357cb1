package store

import (
	"context"
	"maps"
	"sync"
)

// localCollection serializes access to a mapping held by read/write callbacks.
// When lock is set, every read-modify-write also holds it, so separate processes
// sharing the backing file do not lose updates.
type localCollection[T comparable] struct {
	name string
	mu   sync.Mutex

	read  func(ctx context.Context) (map[string]T, error)
	write func(ctx context.Context, records map[string]T) error
	lock  func(ctx context.Context) (unlock func(), err error)
}

// acquire takes the cross-process lock, if any. Callers hold mu.
func (c *localCollection[T]) acquire(ctx context.Context) (func(), error) {
	if c.lock == nil {
		return func() {}, nil
	}
	return c.lock(ctx)
}

func (c *localCollection[T]) Load(ctx context.Context) (map[string]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(ctx)
}

func (c *localCollection[T]) Save(ctx context.Context, records map[string]T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	unlock, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return c.write(ctx, records)
}

func (c *localCollection[T]) Update(ctx context.Context, fn UpdateFunc[T]) error {
	if fn == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	unlock, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	records, err := c.read(ctx)
	if err != nil {
		return err
	}
	changed, err := fn(records)
	if err != nil || !changed {
		return err
	}
	return c.write(ctx, records)
}

// localStore implements Store on top of three localCollections.
type localStore struct {
	keys     *localCollection[Key]
	accounts *localCollection[Account]
	sessions *localCollection[Session]
}

func (s *localStore) Keys() Collection[Key]         { return s.keys }
func (s *localStore) Accounts() Collection[Account] { return s.accounts }
func (s *localStore) Sessions() Collection[Session] { return s.sessions }

func (s *localStore) RedeemKeyAndCreateAccount(ctx context.Context, fn RedeemFunc) error {
	if fn == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Lock order: keys, then accounts.
	s.keys.mu.Lock()
	defer s.keys.mu.Unlock()
	s.accounts.mu.Lock()
	defer s.accounts.mu.Unlock()
	unlockKeys, err := s.keys.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlockKeys()
	unlockAccounts, err := s.accounts.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlockAccounts()

	keys, err := s.keys.read(ctx)
	if err != nil {
		return err
	}
	accounts, err := s.accounts.read(ctx)
	if err != nil {
		return err
	}
	if err := fn(keys, accounts); err != nil {
		return err
	}
	if err := s.accounts.write(ctx, accounts); err != nil {
		return err
	}
	return s.keys.write(ctx, keys)
}

// MemoryStore keeps every collection in process memory.
type MemoryStore struct {
	localStore
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{localStore{
		keys:     newMemoryCollection[Key]("keys"),
		accounts: newMemoryCollection[Account]("accounts"),
		sessions: newMemoryCollection[Session]("sessions"),
	}}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (s *MemoryStore) Close() error                   { return nil }

func newMemoryCollection[T comparable](name string) *localCollection[T] {
	data := map[string]T{}
	return &localCollection[T]{
		name: name,
		read: func(context.Context) (map[string]T, error) {
			return maps.Clone(data), nil
		},
		write: func(_ context.Context, records map[string]T) error {
			data = maps.Clone(records)
			if data == nil {
				data = map[string]T{}
			}
			return nil
		},
	}
}
