package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/florianilch/cloudkey/internal/provider"
	"github.com/florianilch/cloudkey/internal/ratelimit"
	"github.com/florianilch/cloudkey/internal/settings"
	"github.com/florianilch/cloudkey/internal/tokenmanager"
	"github.com/florianilch/cloudkey/internal/tokenstore"
)

// Components are the wired credential services shared by the daemon and the
// operator commands.
type Components struct {
	Store   settings.Store
	Manager *tokenmanager.Manager
}

// Open connects the configured settings backend and builds the token manager on top of it.
func Open(ctx context.Context, cfg *Config) (*Components, error) {
	store, err := NewSettingsStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings store: %w", err)
	}

	manager, err := newManager(cfg, store)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	return &Components{Store: store, Manager: manager}, nil
}

// Close stops any refresh in flight and releases the settings backend.
func (c *Components) Close() error {
	c.Manager.Close()
	return c.Store.Close()
}

// NewSettingsStore opens the backend selected by cfg.Type, seeded from the
// environment when cfg.EnvKey is set.
func NewSettingsStore(ctx context.Context, cfg StorageConfig) (settings.Store, error) {
	var (
		store settings.Store
		err   error
	)

	switch cfg.Type {
	case StorageTypeFile:
		store, err = settings.NewFileStore(cfg.File)
	case StorageTypeKeyring:
		store, err = settings.NewKeyringStore(KeyringService, cfg.KeyringUser)
	case StorageTypeSQLite:
		store, err = settings.NewSQLiteStore(ctx, cfg.SQLitePath)
	case StorageTypePostgres:
		store, err = settings.NewPostgresStore(ctx, cfg.DSN)
	case StorageTypeRedis:
		store, err = settings.NewRedisStore(ctx, settings.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case StorageTypeMemory:
		store = settings.NewMemoryStore(nil)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.EnvKey == "" {
		return store, nil
	}

	seeded, err := settings.NewEnvSeeded(store, map[string]string{tokenstore.KeyRefreshToken: cfg.EnvKey})
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return seeded, nil
}

func newManager(cfg *Config, store settings.Store) (*tokenmanager.Manager, error) {
	rules, err := cfg.Provider.Rules()
	if err != nil {
		return nil, err
	}

	executor := provider.NewExecutor(
		provider.Endpoint{
			TokenURL:     cfg.Provider.TokenURL,
			ClientID:     cfg.Provider.ClientID,
			ClientSecret: cfg.Provider.ClientSecret,
		},
		provider.WithTimeout(cfg.Provider.Timeout),
		provider.WithJSONRequests(cfg.Provider.JSONRequests),
		provider.WithClassifier(provider.NewClassifier(rules)),
	)

	records := tokenstore.New(store)
	limiter := ratelimit.New(ratelimit.Config{
		MinIntervalMinutes: cfg.Refresh.MinIntervalMinutes,
		RefreshSkewSeconds: *cfg.Refresh.SkewSeconds,
	}.Normalize(), records)

	return tokenmanager.New(records, limiter, executor,
		tokenmanager.WithLogger(slog.Default().With("component", "tokenmanager")),
		tokenmanager.WithFlightTimeout(cfg.Refresh.FlightTimeout),
		tokenmanager.WithNominalAccessTTL(cfg.Refresh.NominalAccessTTLSeconds),
		tokenmanager.WithDefaults(tokenstore.Preferences{
			AutoRefreshEnabled:        *cfg.Refresh.AutoRefresh,
			MinRefreshIntervalMinutes: cfg.Refresh.MinIntervalMinutes,
			RefreshSkewSeconds:        *cfg.Refresh.SkewSeconds,
		}),
	), nil
}
