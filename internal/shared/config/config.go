package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DevJWTSecret is the signing secret used when JWT_SECRET is not set.
const DevJWTSecret = "dev-secret-change-in-prod"

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Store     StoreConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Auth      AuthConfig
	Sync      SyncConfig
	Client    ClientConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int    `mapstructure:"SERVER_PORT"`
	Env  string `mapstructure:"ENV"`
}

type LogConfig struct {
	Level string `mapstructure:"LOG_LEVEL"`
}

// StoreConfig selects the document store backend served by the platform.
type StoreConfig struct {
	// Backend: "memory" or "postgres"
	Backend string `mapstructure:"STORE_BACKEND"`
	// DataDir is where the memory backend persists snapshots (empty disables persistence)
	DataDir string `mapstructure:"STORE_DATA_DIR"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"DB_HOST"`
	Port     int    `mapstructure:"DB_PORT"`
	User     string `mapstructure:"DB_USER"`
	Password string `mapstructure:"DB_PASSWORD"`
	Database string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"DB_SSLMODE"`
	MaxConns int32  `mapstructure:"DB_MAX_CONNS"`
	MinConns int32  `mapstructure:"DB_MIN_CONNS"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Enabled turns on forwarding of sync error events to KurrentDB
	Enabled bool `mapstructure:"KURRENTDB_ENABLED"`
	// Host is the KurrentDB server hostname
	Host string `mapstructure:"KURRENTDB_HOST"`
	// Port is the gRPC/HTTP port (default 2113)
	Port int `mapstructure:"KURRENTDB_PORT"`
	// Insecure disables TLS (for development)
	Insecure bool `mapstructure:"KURRENTDB_INSECURE"`
	// Username for authentication (optional)
	Username string `mapstructure:"KURRENTDB_USERNAME"`
	// Password for authentication (optional)
	Password string `mapstructure:"KURRENTDB_PASSWORD"`
	// ErrorStream is the stream that receives forwarded error events
	ErrorStream string `mapstructure:"KURRENTDB_ERROR_STREAM"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"JWT_SECRET"`
	Issuer    string        `mapstructure:"JWT_ISSUER"`
	TokenTTL  time.Duration `mapstructure:"JWT_TOKEN_TTL"`
}

// SyncConfig tunes the non-blocking write dispatcher.
type SyncConfig struct {
	WriteWorkers int           `mapstructure:"SYNC_WRITE_WORKERS"`
	WriteRate    float64       `mapstructure:"SYNC_WRITE_RATE"`
	WriteBurst   int           `mapstructure:"SYNC_WRITE_BURST"`
	WriteTimeout time.Duration `mapstructure:"SYNC_WRITE_TIMEOUT"`
}

// ClientConfig is used by CLI commands that connect to a running server.
type ClientConfig struct {
	ServerURL string `mapstructure:"TELESYNC_SERVER_URL"`
	Token     string `mapstructure:"TELESYNC_TOKEN"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"RATE_LIMIT_RPS"`
	Burst int `mapstructure:"RATE_LIMIT_BURST"`
}

var defaults = map[string]any{
	"SERVER_PORT":            8080,
	"ENV":                    "development",
	"LOG_LEVEL":              "info",
	"STORE_BACKEND":          "memory",
	"STORE_DATA_DIR":         "",
	"DB_HOST":                "localhost",
	"DB_PORT":                5432,
	"DB_USER":                "telesync",
	"DB_PASSWORD":            "telesync",
	"DB_NAME":                "telesync",
	"DB_SSLMODE":             "disable",
	"DB_MAX_CONNS":           25,
	"DB_MIN_CONNS":           5,
	"KURRENTDB_ENABLED":      false,
	"KURRENTDB_HOST":         "localhost",
	"KURRENTDB_PORT":         2113,
	"KURRENTDB_INSECURE":     true,
	"KURRENTDB_USERNAME":     "",
	"KURRENTDB_PASSWORD":     "",
	"KURRENTDB_ERROR_STREAM": "telesync-sync-errors",
	"JWT_SECRET":             DevJWTSecret,
	"JWT_ISSUER":             "telesync",
	"JWT_TOKEN_TTL":          "24h",
	"SYNC_WRITE_WORKERS":     4,
	"SYNC_WRITE_RATE":        50.0,
	"SYNC_WRITE_BURST":       100,
	"SYNC_WRITE_TIMEOUT":     "15s",
	"TELESYNC_SERVER_URL":    "ws://localhost:8080/v1/realtime",
	"TELESYNC_TOKEN":         "",
	"RATE_LIMIT_RPS":         100,
	"RATE_LIMIT_BURST":       200,
}

// Load reads configuration from the environment, falling back to an
// optional .env file and then to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	sections := []any{
		&cfg.Server, &cfg.Log, &cfg.Store, &cfg.Database, &cfg.KurrentDB,
		&cfg.Auth, &cfg.Sync, &cfg.Client, &cfg.RateLimit,
	}
	for _, section := range sections {
		if err := v.Unmarshal(section); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("STORE_BACKEND must be \"memory\" or \"postgres\", got %q", c.Store.Backend)
	}

	if c.IsProduction() && c.Auth.JWTSecret == DevJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}

	if c.Sync.WriteWorkers < 1 {
		return fmt.Errorf("SYNC_WRITE_WORKERS must be at least 1, got %d", c.Sync.WriteWorkers)
	}

	if c.Sync.WriteTimeout <= 0 {
		return fmt.Errorf("SYNC_WRITE_TIMEOUT must be positive, got %s", c.Sync.WriteTimeout)
	}

	return nil
}
