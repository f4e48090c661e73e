package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "PIMSYNC"
	driverSQLite                = "sqlite"
	driverPostgres              = "postgres"
	defaultDatabaseDriver       = driverSQLite
	defaultDatabasePath         = "pimsync.db"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultLogLevel             = "info"
	defaultAdminIssuer          = "pimsync"
	defaultAdminTokenTTLMinutes = 60
	defaultBatchSize            = 10
	defaultDeferSeconds         = 300
	defaultRemoteTimeoutSeconds = 30
	defaultLockTTLSeconds       = 900
)

// AppConfig captures runtime configuration for the sync engine and its admin API.
type AppConfig struct {
	DatabaseDriver         string
	DatabasePath           string
	DatabaseDSN            string
	LogLevel               string
	HTTPAddress            string
	AdminSigningSecret     string
	AdminIssuer            string
	AdminTokenTTL          time.Duration
	BatchSize              int
	SyncInterval           time.Duration
	DeferDelay             time.Duration
	RemoteTimeout          time.Duration
	LockRedisURL           string
	LockTTL                time.Duration
	MappingDefinitionsPath string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("admin.signing_secret", "")
	configViper.SetDefault("admin.issuer", defaultAdminIssuer)
	configViper.SetDefault("admin.token_ttl_minutes", defaultAdminTokenTTLMinutes)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.interval_seconds", 0)
	configViper.SetDefault("sync.defer_seconds", defaultDeferSeconds)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeoutSeconds)
	configViper.SetDefault("lock.redis_url", "")
	configViper.SetDefault("lock.ttl_seconds", defaultLockTTLSeconds)
	configViper.SetDefault("mapping.definitions_path", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabaseDriver:         strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:           configViper.GetString("database.path"),
		DatabaseDSN:            configViper.GetString("database.dsn"),
		LogLevel:               configViper.GetString("log.level"),
		HTTPAddress:            configViper.GetString("http.address"),
		AdminSigningSecret:     configViper.GetString("admin.signing_secret"),
		AdminIssuer:            configViper.GetString("admin.issuer"),
		AdminTokenTTL:          time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		BatchSize:              configViper.GetInt("sync.batch_size"),
		SyncInterval:           time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		DeferDelay:             time.Duration(configViper.GetInt("sync.defer_seconds")) * time.Second,
		RemoteTimeout:          time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		LockRedisURL:           strings.TrimSpace(configViper.GetString("lock.redis_url")),
		LockTTL:                time.Duration(configViper.GetInt("lock.ttl_seconds")) * time.Second,
		MappingDefinitionsPath: strings.TrimSpace(configViper.GetString("mapping.definitions_path")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireAdminSecret reports an error when the admin signing secret is not configured.
func (c AppConfig) RequireAdminSecret() error {
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.AdminIssuer) == "" {
		return fmt.Errorf("admin.issuer is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case driverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case driverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("sync.batch_size must not be negative")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync.interval_seconds must not be negative")
	}
	if c.DeferDelay < 0 {
		return fmt.Errorf("sync.defer_seconds must not be negative")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock.ttl_seconds must be positive")
	}
	return nil
}
