package settings

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
)

// Locker is implemented by stores that can hold an exclusive lock shared by
// every process using the same backing data. Holders re-read state, decide
// and write while the lock is held.
type Locker interface {
	// Lock blocks until the lock is held or ctx ends. unlock must be called
	// exactly once.
	Lock(ctx context.Context) (unlock func(), err error)
}

// Lock takes s's lock when s implements Locker. Stores without one return a
// no-op unlock.
func Lock(ctx context.Context, s Store) (func(), error) {
	if l, ok := s.(Locker); ok {
		return l.Lock(ctx)
	}
	return func() {}, nil
}

// lockRetryDelay is the polling interval for locks that cannot block.
const lockRetryDelay = 50 * time.Millisecond

// lockFile takes an advisory file lock on path, creating it if needed. The
// operating system drops the lock if the process dies.
func lockFile(ctx context.Context, path string) (func(), error) {
	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	if !ok {
		return nil, errors.Newf("locking %s: lock not acquired", path)
	}
	return onceFunc(func() { _ = fl.Unlock() }), nil
}

func onceFunc(f func()) func() {
	var once sync.Once
	return func() { once.Do(f) }
}
