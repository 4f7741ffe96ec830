package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/cloudkey/internal/provider"
	"github.com/florianilch/cloudkey/internal/ratelimit"
	"github.com/florianilch/cloudkey/internal/settings"
	"github.com/florianilch/cloudkey/internal/tokenmanager"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StorageType selects the settings backend.
type StorageType string

const (
	StorageTypeFile     StorageType = "file"
	StorageTypeKeyring  StorageType = "keyring"
	StorageTypeSQLite   StorageType = "sqlite"
	StorageTypePostgres StorageType = "postgres"
	StorageTypeRedis    StorageType = "redis"
	StorageTypeMemory   StorageType = "memory"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4100
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigStorageType     = StorageTypeFile
	DefaultConfigProviderURL     = provider.DefaultTokenURL
	DefaultConfigProviderTimeout = provider.DefaultTimeout
	DefaultConfigDaemonMinWait   = tokenmanager.DefaultMinWait
	DefaultConfigResyncInterval  = tokenmanager.DefaultResyncInterval

	// KeyringService names the keyring entry holding all settings.
	KeyringService = "cloudkey"

	appDirName = "cloudkey"
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"`
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// UpstreamConfig configures the authenticated forwarder. Forwarding is
// disabled while BaseURL is empty.
type UpstreamConfig struct {
	BaseURL string `json:"base_url" validate:"omitempty,url"`
}

// TelemetryConfig configures OpenTelemetry log export.
type TelemetryConfig struct {
	Exporter string     `json:"exporter" validate:"omitempty,oneof=grpc http stdout"`
	Endpoint string     `json:"endpoint"`
	Insecure bool       `json:"insecure"`
	Level    slog.Level `json:"level"`
}

// RedisConfig holds the redis backend settings.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"gte=0"`
	Prefix   string `json:"prefix"`
}

// StorageConfig describes where the credential record and preferences live.
type StorageConfig struct {
	Type StorageType `json:"type" validate:"required,oneof=file keyring sqlite postgres redis memory"`

	// Backend-specific settings, only the one matching Type is used.
	File        string      `json:"file,omitempty"`
	SQLitePath  string      `json:"sqlite_path,omitempty"`
	DSN         string      `json:"dsn,omitempty"`
	Redis       RedisConfig `json:"redis"`
	KeyringUser string      `json:"keyring_user,omitempty"`

	// EnvKey names an environment variable that provides the refresh token
	// until one is stored.
	EnvKey string `json:"env_key,omitempty"`
}

// ProviderConfig describes the token endpoint.
type ProviderConfig struct {
	TokenURL     string        `json:"token_url" validate:"required,url"`
	ClientID     string        `json:"client_id"`
	ClientSecret string        `json:"client_secret"`
	Timeout      time.Duration `json:"timeout" validate:"gte=0"`
	JSONRequests bool          `json:"json_requests"`
	// ErrorCodes adds or overrides classification rules, e.g.
	// "40140119" = "auth_terminal:expired".
	ErrorCodes map[string]string `json:"error_codes"`
}

// RefreshConfig holds the refresh policy defaults. Values changed at runtime
// through the API or CLI are persisted and take precedence.
type RefreshConfig struct {
	AutoRefresh        *bool  `json:"auto_refresh"`
	MinIntervalMinutes int    `json:"min_interval_minutes" validate:"omitempty,min=60,max=120"`
	SkewSeconds        *int64 `json:"skew_seconds" validate:"omitempty,gte=0"`
	// NominalAccessTTLSeconds is assumed when the provider reports no expiry.
	NominalAccessTTLSeconds int64         `json:"nominal_access_ttl_seconds" validate:"gte=0"`
	FlightTimeout           time.Duration `json:"flight_timeout" validate:"gte=0"`
	DaemonMinWait           time.Duration `json:"daemon_min_wait" validate:"gte=0"`
	// ResyncInterval is how often the daemon picks up state persisted by
	// other processes sharing the storage.
	ResyncInterval time.Duration `json:"resync_interval" validate:"gte=0"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level      `json:"log_level"`
	LogFormat LogFormat       `json:"log_format" validate:"oneof=text json"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Server    ServerConfig    `json:"server"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Storage   StorageConfig   `json:"storage"`
	Provider  ProviderConfig  `json:"provider"`
	Refresh   RefreshConfig   `json:"refresh"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Storage.Type == "" {
		c.Storage.Type = DefaultConfigStorageType
	}
	if c.Provider.TokenURL == "" {
		c.Provider.TokenURL = DefaultConfigProviderURL
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = DefaultConfigProviderTimeout
	}
	if c.Refresh.AutoRefresh == nil {
		enabled := true
		c.Refresh.AutoRefresh = &enabled
	}
	if c.Refresh.MinIntervalMinutes == 0 {
		c.Refresh.MinIntervalMinutes = ratelimit.MinIntervalFloorMinutes
	}
	if c.Refresh.SkewSeconds == nil {
		skew := ratelimit.DefaultRefreshSkewSeconds
		c.Refresh.SkewSeconds = &skew
	}
	if c.Refresh.NominalAccessTTLSeconds == 0 {
		c.Refresh.NominalAccessTTLSeconds = tokenmanager.DefaultNominalAccessTTL
	}
	if c.Refresh.FlightTimeout == 0 {
		// Leave room for persisting the result after a slow exchange.
		c.Refresh.FlightTimeout = c.Provider.Timeout + 5*time.Second
	}
	if c.Refresh.DaemonMinWait == 0 {
		c.Refresh.DaemonMinWait = DefaultConfigDaemonMinWait
	}
	if c.Refresh.ResyncInterval == 0 {
		c.Refresh.ResyncInterval = DefaultConfigResyncInterval
	}
	if c.Storage.Type == StorageTypeRedis && c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = settings.DefaultRedisPrefix
	}

	// Dynamic defaults based on storage type
	switch c.Storage.Type {
	case StorageTypeFile:
		if c.Storage.File == "" {
			dir, err := configDir()
			if err != nil {
				return fmt.Errorf("storage.file required (auto-detect failed: %w)", err)
			}
			c.Storage.File = filepath.Join(dir, "settings.json")
		}
	case StorageTypeSQLite:
		if c.Storage.SQLitePath == "" {
			dir, err := configDir()
			if err != nil {
				return fmt.Errorf("storage.sqlite_path required (auto-detect failed: %w)", err)
			}
			c.Storage.SQLitePath = filepath.Join(dir, "cloudkey.db")
		}
	case StorageTypeKeyring:
		if c.Storage.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("storage.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Storage.KeyringUser = currentUser.Username
		}
	case StorageTypePostgres, StorageTypeRedis, StorageTypeMemory:
		// connection settings must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Storage.Type {
	case StorageTypeFile:
		if c.Storage.File == "" {
			return errors.New("file path required for file storage")
		}
	case StorageTypeSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("sqlite_path required for sqlite storage")
		}
	case StorageTypePostgres:
		if c.Storage.DSN == "" {
			return errors.New("dsn required for postgres storage")
		}
	case StorageTypeRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("redis.addr required for redis storage")
		}
	case StorageTypeKeyring:
		if c.Storage.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	if _, err := c.Provider.Rules(); err != nil {
		return err
	}

	return nil
}

// Rules parses the configured error code overrides.
func (p *ProviderConfig) Rules() (map[int]provider.Rule, error) {
	if len(p.ErrorCodes) == 0 {
		return nil, nil
	}
	rules := make(map[int]provider.Rule, len(p.ErrorCodes))
	for rawCode, rawRule := range p.ErrorCodes {
		code, err := strconv.Atoi(rawCode)
		if err != nil {
			return nil, fmt.Errorf("provider.error_codes: invalid code %q", rawCode)
		}
		rule, err := provider.ParseRule(rawRule)
		if err != nil {
			return nil, fmt.Errorf("provider.error_codes.%d: %w", code, err)
		}
		rules[code] = rule
	}
	return rules, nil
}

func configDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDirName), nil
}
