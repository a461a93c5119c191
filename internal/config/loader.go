// Package config loads gateway settings from the environment and an optional
// .env file using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue storage backends.
const (
	QueueBackendSQLite = "sqlite"
	QueueBackendBadger = "badger"
)

// Secret store backends.
const (
	SecretBackendAuto     = "auto"
	SecretBackendKeychain = "keychain"
	SecretBackendFile     = "file"
	SecretBackendMemory   = "memory"
)

// Config captures environment driven configuration values for the gateway.
type Config struct {
	BackendURL    string `mapstructure:"GATEWAY_BACKEND_URL"`
	BackendAPIKey string `mapstructure:"GATEWAY_BACKEND_API_KEY"`

	DataDir       string `mapstructure:"GATEWAY_DATA_DIR"`
	QueueBackend  string `mapstructure:"GATEWAY_QUEUE_BACKEND"`
	QueueCapacity int    `mapstructure:"GATEWAY_QUEUE_CAPACITY"`

	BackoffBase         time.Duration `mapstructure:"GATEWAY_BACKOFF_BASE"`
	BackoffMax          time.Duration `mapstructure:"GATEWAY_BACKOFF_MAX"`
	BackoffJitter       float64       `mapstructure:"GATEWAY_BACKOFF_JITTER"`
	SyncInterval        time.Duration `mapstructure:"GATEWAY_SYNC_INTERVAL"`
	SyncConcurrency     int           `mapstructure:"GATEWAY_SYNC_CONCURRENCY"`
	NotifyAfterAttempts int           `mapstructure:"GATEWAY_NOTIFY_AFTER_ATTEMPTS"`

	MaxSessionDuration   time.Duration `mapstructure:"GATEWAY_MAX_SESSION_DURATION"`
	TimeoutCheckInterval time.Duration `mapstructure:"GATEWAY_TIMEOUT_CHECK_INTERVAL"`
	HeartbeatInterval    time.Duration `mapstructure:"GATEWAY_HEARTBEAT_INTERVAL"`

	RequestTimeout       time.Duration `mapstructure:"GATEWAY_REQUEST_TIMEOUT"`
	RequestRate          float64       `mapstructure:"GATEWAY_REQUEST_RATE"`
	ProbeInterval        time.Duration `mapstructure:"GATEWAY_PROBE_INTERVAL"`
	CatalogTTL           time.Duration `mapstructure:"GATEWAY_CATALOG_TTL"`
	BookingLookupTimeout time.Duration `mapstructure:"GATEWAY_BOOKING_LOOKUP_TIMEOUT"`
	TokenRefreshSkew     time.Duration `mapstructure:"GATEWAY_TOKEN_REFRESH_SKEW"`

	SecretBackend    string `mapstructure:"GATEWAY_SECRET_BACKEND"`
	SecretPassphrase string `mapstructure:"GATEWAY_SECRET_PASSPHRASE"`

	ListenAddr      string        `mapstructure:"GATEWAY_LISTEN_ADDR"`
	ShutdownTimeout time.Duration `mapstructure:"GATEWAY_SHUTDOWN_TIMEOUT"`
	LogLevel        string        `mapstructure:"GATEWAY_LOG_LEVEL"`
	LogFormat       string        `mapstructure:"GATEWAY_LOG_FORMAT"`
}

// Load reads .env from the working directory (if present) and the process
// environment.
func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is ignored and
// environment variables always win over file values.
func LoadFile(envFile string) (Config, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()

	v.SetDefault("GATEWAY_BACKEND_URL", "")
	v.SetDefault("GATEWAY_BACKEND_API_KEY", "")
	v.SetDefault("GATEWAY_DATA_DIR", "~/.lab_gateway")
	v.SetDefault("GATEWAY_QUEUE_BACKEND", QueueBackendSQLite)
	v.SetDefault("GATEWAY_QUEUE_CAPACITY", 1000)
	v.SetDefault("GATEWAY_BACKOFF_BASE", time.Second)
	v.SetDefault("GATEWAY_BACKOFF_MAX", 60*time.Second)
	v.SetDefault("GATEWAY_BACKOFF_JITTER", 0.2)
	v.SetDefault("GATEWAY_SYNC_INTERVAL", 30*time.Second)
	v.SetDefault("GATEWAY_SYNC_CONCURRENCY", 4)
	v.SetDefault("GATEWAY_NOTIFY_AFTER_ATTEMPTS", 5)
	v.SetDefault("GATEWAY_MAX_SESSION_DURATION", 12*time.Hour)
	v.SetDefault("GATEWAY_TIMEOUT_CHECK_INTERVAL", 15*time.Second)
	v.SetDefault("GATEWAY_HEARTBEAT_INTERVAL", time.Duration(0))
	v.SetDefault("GATEWAY_REQUEST_TIMEOUT", 15*time.Second)
	v.SetDefault("GATEWAY_REQUEST_RATE", 5.0)
	v.SetDefault("GATEWAY_PROBE_INTERVAL", 10*time.Second)
	v.SetDefault("GATEWAY_CATALOG_TTL", 5*time.Minute)
	v.SetDefault("GATEWAY_BOOKING_LOOKUP_TIMEOUT", 3*time.Second)
	v.SetDefault("GATEWAY_TOKEN_REFRESH_SKEW", 60*time.Second)
	v.SetDefault("GATEWAY_SECRET_BACKEND", SecretBackendAuto)
	v.SetDefault("GATEWAY_SECRET_PASSPHRASE", "")
	v.SetDefault("GATEWAY_LISTEN_ADDR", "127.0.0.1:7411")
	v.SetDefault("GATEWAY_SHUTDOWN_TIMEOUT", 10*time.Second)
	v.SetDefault("GATEWAY_LOG_LEVEL", "info")
	v.SetDefault("GATEWAY_LOG_FORMAT", "json")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	// The desktop client historically read the Supabase variable names.
	if strings.TrimSpace(cfg.BackendURL) == "" {
		cfg.BackendURL = v.GetString("SUPABASE_URL")
	}
	if strings.TrimSpace(cfg.BackendAPIKey) == "" {
		cfg.BackendAPIKey = v.GetString("SUPABASE_KEY")
	}

	cfg.BackendURL = strings.TrimRight(strings.TrimSpace(cfg.BackendURL), "/")
	cfg.BackendAPIKey = strings.TrimSpace(cfg.BackendAPIKey)
	cfg.QueueBackend = strings.ToLower(strings.TrimSpace(cfg.QueueBackend))
	cfg.SecretBackend = strings.ToLower(strings.TrimSpace(cfg.SecretBackend))

	dataDir, err := expandHome(strings.TrimSpace(cfg.DataDir))
	if err != nil {
		return Config{}, fmt.Errorf("config: resolve GATEWAY_DATA_DIR: %w", err)
	}
	cfg.DataDir = dataDir

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	missing := make([]string, 0, 2)
	invalid := make([]string, 0, 4)

	if c.BackendURL == "" {
		missing = append(missing, "GATEWAY_BACKEND_URL")
	}
	if c.BackendAPIKey == "" {
		missing = append(missing, "GATEWAY_BACKEND_API_KEY")
	}

	if c.DataDir == "" {
		invalid = append(invalid, "GATEWAY_DATA_DIR")
	}
	switch c.QueueBackend {
	case QueueBackendSQLite, QueueBackendBadger:
	default:
		invalid = append(invalid, "GATEWAY_QUEUE_BACKEND")
	}
	if c.QueueCapacity <= 0 {
		invalid = append(invalid, "GATEWAY_QUEUE_CAPACITY")
	}
	if c.BackoffBase <= 0 {
		invalid = append(invalid, "GATEWAY_BACKOFF_BASE")
	}
	if c.BackoffMax < c.BackoffBase {
		invalid = append(invalid, "GATEWAY_BACKOFF_MAX")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		invalid = append(invalid, "GATEWAY_BACKOFF_JITTER")
	}
	if c.SyncInterval <= 0 {
		invalid = append(invalid, "GATEWAY_SYNC_INTERVAL")
	}
	if c.SyncConcurrency <= 0 {
		invalid = append(invalid, "GATEWAY_SYNC_CONCURRENCY")
	}
	if c.NotifyAfterAttempts < 0 {
		invalid = append(invalid, "GATEWAY_NOTIFY_AFTER_ATTEMPTS")
	}
	if c.MaxSessionDuration <= 0 {
		invalid = append(invalid, "GATEWAY_MAX_SESSION_DURATION")
	}
	if c.TimeoutCheckInterval <= 0 {
		invalid = append(invalid, "GATEWAY_TIMEOUT_CHECK_INTERVAL")
	}
	if c.HeartbeatInterval < 0 {
		invalid = append(invalid, "GATEWAY_HEARTBEAT_INTERVAL")
	}
	if c.RequestTimeout <= 0 {
		invalid = append(invalid, "GATEWAY_REQUEST_TIMEOUT")
	}
	if c.RequestRate < 0 {
		invalid = append(invalid, "GATEWAY_REQUEST_RATE")
	}
	if c.ProbeInterval <= 0 {
		invalid = append(invalid, "GATEWAY_PROBE_INTERVAL")
	}
	if c.CatalogTTL <= 0 {
		invalid = append(invalid, "GATEWAY_CATALOG_TTL")
	}
	if c.BookingLookupTimeout < 0 {
		invalid = append(invalid, "GATEWAY_BOOKING_LOOKUP_TIMEOUT")
	}
	if c.TokenRefreshSkew < 0 {
		invalid = append(invalid, "GATEWAY_TOKEN_REFRESH_SKEW")
	}
	switch c.SecretBackend {
	case SecretBackendAuto, SecretBackendKeychain, SecretBackendMemory:
	case SecretBackendFile:
		if c.SecretPassphrase == "" {
			missing = append(missing, "GATEWAY_SECRET_PASSPHRASE")
		}
	default:
		invalid = append(invalid, "GATEWAY_SECRET_BACKEND")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		invalid = append(invalid, "GATEWAY_LISTEN_ADDR")
	}
	if c.ShutdownTimeout <= 0 {
		invalid = append(invalid, "GATEWAY_SHUTDOWN_TIMEOUT")
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return fmt.Errorf("config: invalid environment values: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// SQLitePath is the queue database location when the sqlite backend is used.
func (c Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "gateway.db")
}

// BadgerDir is the queue directory when the badger backend is used.
func (c Config) BadgerDir() string {
	return filepath.Join(c.DataDir, "queue.badger")
}

// SecretsFile is the encrypted credentials file for the file secret backend.
func (c Config) SecretsFile() string {
	return filepath.Join(c.DataDir, "credentials.enc")
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
