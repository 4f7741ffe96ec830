package settings

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
)

// EnvSeeded serves selected keys from environment variables until the
// wrapped store holds a value for them. Writes always go to the wrapped store,
// so the environment only provides initial values.
type EnvSeeded struct {
	Store
	vars map[string]string
}

// Compile-time check to ensure EnvSeeded implements Store and Locker
var (
	_ Store  = (*EnvSeeded)(nil)
	_ Locker = (*EnvSeeded)(nil)
)

// NewEnvSeeded wraps store. vars maps setting keys to environment variable names.
func NewEnvSeeded(store Store, vars map[string]string) (*EnvSeeded, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	for key, envKey := range vars {
		if envKey == "" {
			return nil, errors.Newf("environment key for %q cannot be empty", key)
		}
	}
	return &EnvSeeded{Store: store, vars: vars}, nil
}

// Get returns the stored value, falling back to the mapped environment
// variable when the key was never set. Empty variables count as unset.
func (e *EnvSeeded) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := e.Store.Get(ctx, key)
	if err != nil || ok {
		return v, ok, err
	}

	envKey, mapped := e.vars[key]
	if !mapped {
		return "", false, nil
	}
	if v := os.Getenv(envKey); v != "" {
		return v, true, nil
	}
	return "", false, nil
}

// Lock implements Locker by delegating to the wrapped store.
func (e *EnvSeeded) Lock(ctx context.Context) (func(), error) {
	return Lock(ctx, e.Store)
}
