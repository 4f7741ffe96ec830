package settings

import (
	"context"
	"encoding/json"
	"maps"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/zalando/go-keyring"
)

// KeyringStore keeps all settings as one JSON document in the OS-native
// credential storage (macOS Keychain, Windows Credential Manager, or Linux
// Secret Service).
type KeyringStore struct {
	service string
	user    string

	mu sync.Mutex
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, errors.New("service cannot be empty")
	}
	if user == "" {
		return nil, errors.New("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Get implements Store.
func (k *KeyringStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	values, err := k.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set implements Store. The keyring entry is overwritten as a whole.
func (k *KeyringStore) Set(ctx context.Context, values map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	current, err := k.read()
	if err != nil {
		return err
	}
	maps.Copy(current, values)

	data, err := json.Marshal(current)
	if err != nil {
		return errors.Wrap(err, "encoding settings")
	}
	if err := keyring.Set(k.service, k.user, string(data)); err != nil {
		return errors.Wrapf(err, "writing keyring entry for service %s, user %s", k.service, k.user)
	}
	return nil
}

// Close implements Store.
func (k *KeyringStore) Close() error { return nil }

func (k *KeyringStore) read() (map[string]string, error) {
	values := map[string]string{}

	raw, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return values, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading keyring entry for service %s, user %s", k.service, k.user)
	}
	if raw == "" {
		return values, nil
	}

	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, errors.Wrapf(err, "decoding keyring entry for service %s, user %s", k.service, k.user)
	}
	return values, nil
}
