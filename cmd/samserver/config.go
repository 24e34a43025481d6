package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration for the samserver binary, grounded
// in cmd/dex/config.go's shape (Storage/Web/Telemetry/Logger sections) with
// the OIDC-specific sections replaced by SAM's link secret and storage
// selection.
type Config struct {
	ListenAddr string `json:"listenAddr"`
	TLS        TLS    `json:"tls"`

	// LinkSecret is the HMAC key backing the device-link token
	// authenticator (spec §4.2). May be the literal "$SAM_LINK_SECRET" to
	// pull the value from that environment variable via replaceEnvKeys.
	LinkSecret string `json:"linkSecret"`

	Storage   Storage   `json:"storage"`
	Telemetry Telemetry `json:"telemetry"`
	Logger    Logger    `json:"logger"`

	// AllowedOrigins configures CORS for the HTTP API.
	AllowedOrigins []string `json:"allowedOrigins"`

	// GCFrequency controls how often expired used-link-token bookkeeping is
	// swept (SPEC_FULL.md §12).
	GCFrequency time.Duration `json:"gcFrequency"`
}

// TLS holds optional certificate/key paths for the public listener.
type TLS struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// Telemetry is the config format for the metrics/health listener.
type Telemetry struct {
	HTTP string `json:"http"`
}

// Logger holds configuration for the structured logger.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Storage selects and configures one storage backend.
type Storage struct {
	Type   string        `json:"type"`
	Config StorageConfig `json:"config"`
}

// StorageConfig is implemented by each backend's config type.
type StorageConfig interface {
	backendType() string
}

// MemoryStorage has no configuration.
type MemoryStorage struct{}

func (MemoryStorage) backendType() string { return "memory" }

// SQLStorage configures the Postgres/SQLite backend (storage/sql, adapted).
type SQLStorage struct {
	Driver           string `json:"driver"` // "postgres" or "sqlite3"
	ConnectionString string `json:"connectionString"`
}

func (SQLStorage) backendType() string { return "sql" }

// RedisStorage configures the Redis-backed MessageStore (storage/redis,
// adapted). Redis here covers only the high-churn message queue; with this
// storage type, Account/Device/Key storage always comes from the in-memory
// backend.
type RedisStorage struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func (RedisStorage) backendType() string { return "redis" }

var storageTypes = map[string]func() StorageConfig{
	"memory": func() StorageConfig { return &MemoryStorage{} },
	"sql":    func() StorageConfig { return &SQLStorage{} },
	"redis":  func() StorageConfig { return &RedisStorage{} },
}

// UnmarshalJSON dynamically determines the storage config type from its
// "type" discriminator, mirroring cmd/dex/config.go's Storage.UnmarshalJSON.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse storage: %w", err)
	}
	f, ok := storageTypes[raw.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", raw.Type)
	}
	cfg := f()
	if len(raw.Config) != 0 {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("parse storage config: %w", err)
		}
	}
	s.Type = raw.Type
	s.Config = cfg
	return nil
}

// Validate performs fast config sanity checks before any I/O, mirroring
// cmd/dex/config.go's Validate.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.ListenAddr == "", "no listenAddr specified in config file"},
		{c.LinkSecret == "", "no linkSecret specified in config file"},
		{c.Storage.Config == nil, "no storage supplied in config file"},
		{c.TLS.Cert != "" && c.TLS.Key == "", "tls cert specified without a key"},
		{c.TLS.Key != "" && c.TLS.Cert == "", "tls key specified without a cert"},
	}

	var errs []string
	for _, check := range checks {
		if check.bad {
			errs = append(errs, check.errMsg)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(errs, "\n\t-\t"))
	}
	return nil
}
