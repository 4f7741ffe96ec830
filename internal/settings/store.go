package settings

import (
	"context"
	"maps"
	"sync"

	"github.com/cockroachdb/errors"
)

// Store reads and writes string settings.
type Store interface {
	// Get returns the value stored under key. ok is false if the key was never set.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set persists all values in one atomic batch. Keys not present in values
	// are left untouched.
	Set(ctx context.Context, values map[string]string) error

	// Close releases the backend's resources.
	Close() error
}

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("settings store closed")

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool

	// lock is a one-slot semaphore shared by everyone using this instance.
	lock chan struct{}
}

// Compile-time check to ensure MemoryStore implements Store and Locker
var (
	_ Store  = (*MemoryStore)(nil)
	_ Locker = (*MemoryStore)(nil)
)

// NewMemoryStore creates a MemoryStore holding a copy of initial.
func NewMemoryStore(initial map[string]string) *MemoryStore {
	values := make(map[string]string, len(initial))
	maps.Copy(values, initial)
	return &MemoryStore{values: values, lock: make(chan struct{}, 1)}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, values map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	maps.Copy(m.values, values)
	return nil
}

// Lock implements Locker for users of the same instance.
func (m *MemoryStore) Lock(ctx context.Context) (func(), error) {
	select {
	case m.lock <- struct{}{}:
		return onceFunc(func() { <-m.lock }), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Snapshot returns a copy of all stored values.
func (m *MemoryStore) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}
