package settings

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "refreshToken")
	require.NoError(t, err)
	assert.False(t, ok, "fresh store must not report unset keys")

	require.NoError(t, s.Set(ctx, map[string]string{
		"refreshToken": "r1",
		"expiresAt":    "1700007200",
	}))

	v, ok, err := s.Get(ctx, "refreshToken")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r1", v)

	// Partial batches leave other keys alone, empty values are stored as such.
	require.NoError(t, s.Set(ctx, map[string]string{"refreshToken": "r2", "lastError": ""}))

	v, _, err = s.Get(ctx, "refreshToken")
	require.NoError(t, err)
	assert.Equal(t, "r2", v)

	v, ok, err = s.Get(ctx, "expiresAt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1700007200", v)

	v, ok, err = s.Get(ctx, "lastError")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)

	require.NoError(t, s.Set(ctx, nil))
}

// exerciseLocker checks that two handles on the same data exclude each other.
func exerciseLocker(t *testing.T, first, second Locker) {
	t.Helper()

	unlock, err := first.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func(), 1)
	go func() {
		if u, err := second.Lock(context.Background()); err == nil {
			acquired <- u
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock granted twice")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	unlock() // releasing twice is harmless

	select {
	case u := <-acquired:
		u()
	case <-time.After(2 * time.Second):
		t.Fatal("lock not handed over after release")
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(nil)
	exerciseStore(t, s)

	require.NoError(t, s.Close())
	_, _, err := s.Get(context.Background(), "refreshToken")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStoreCopiesInitial(t *testing.T) {
	initial := map[string]string{"a": "1"}
	s := NewMemoryStore(initial)
	initial["a"] = "2"

	v, _, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestMemoryStoreConcurrentBatches(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := string(rune('a' + i))
			assert.NoError(t, s.Set(ctx, map[string]string{"x": v, "y": v}))
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, snap["x"], snap["y"], "batches must not interleave")
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()

	s, err := NewKeyringStore("cloudkey-test", "alice")
	require.NoError(t, err)
	exerciseStore(t, s)

	// A second handle on the same entry sees the persisted document.
	other, err := NewKeyringStore("cloudkey-test", "alice")
	require.NoError(t, err)
	v, ok, err := other.Get(context.Background(), "refreshToken")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r2", v)
}

func TestKeyringStoreCorruptEntry(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("cloudkey-test", "bob", "not json"))

	s, err := NewKeyringStore("cloudkey-test", "bob")
	require.NoError(t, err)

	_, _, err = s.Get(context.Background(), "refreshToken")
	assert.Error(t, err)
}

func TestNewKeyringStoreValidation(t *testing.T) {
	_, err := NewKeyringStore("", "user")
	assert.Error(t, err)
	_, err = NewKeyringStore("service", "")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cloudkey.db")

	s, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	// Reopening runs the migrations again and keeps the data.
	s, err = NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	v, ok, err := s.Get(context.Background(), "refreshToken")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r2", v)
}

func TestNewSQLiteStoreEmptyPath(t *testing.T) {
	_, err := NewSQLiteStore(context.Background(), "")
	assert.Error(t, err)
}

func TestMemoryStoreLock(t *testing.T) {
	s := NewMemoryStore(nil)
	exerciseLocker(t, s, s)
}

func TestFileStoreLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	a, err := NewFileStore(path)
	require.NoError(t, err)
	b, err := NewFileStore(path)
	require.NoError(t, err)

	exerciseLocker(t, a, b)
}

func TestSQLiteStoreLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudkey.db")
	a, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	exerciseLocker(t, a, b)
}

func TestLockWithoutLocker(t *testing.T) {
	keyring.MockInit()
	s, err := NewKeyringStore("cloudkey-test", "alice")
	require.NoError(t, err)

	unlock, err := Lock(context.Background(), s)
	require.NoError(t, err)
	unlock()
}

func TestEnvSeededDelegatesLock(t *testing.T) {
	inner := NewMemoryStore(nil)
	seeded, err := NewEnvSeeded(inner, map[string]string{"refreshToken": "CLOUDKEY_TEST_LOCK"})
	require.NoError(t, err)

	exerciseLocker(t, seeded, inner)
}
