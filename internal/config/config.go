// Package config loads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

// Queue backends.
const (
	QueueHTTP  = "http"
	QueueRedis = "redis"
)

// Config holds all server settings.
type Config struct {
	Port     int
	GinMode  string
	LogLevel string
	Debug    bool

	GitHubAppID         int64
	GitHubPrivateKey    string
	GitHubWebhookSecret string
	GitHubAPIURL        string
	GitHubTimeout       time.Duration
	RetryAttempts       int
	HandlerTimeout      time.Duration
	MaxWebhookBodyBytes int64
	InstanceID          string

	StoreBackend  string
	DatabaseURL   string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StoreTimeout  time.Duration

	QueueBackend  string
	DeployerURL   string
	DeployerToken string
	RedisQueueKey string
	QueueTimeout  time.Duration

	RetentionPeriod        time.Duration
	RetentionSweepInterval time.Duration
}

// Load reads .env (when present) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:                GetInt("PORT", 8000),
		GinMode:             GetString("GIN_MODE", "release"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		GitHubAppID:         GetInt64("GITHUB_APP_ID", 0),
		GitHubWebhookSecret: GetString("GITHUB_WEBHOOK_SECRET", ""),
		GitHubAPIURL:        GetString("GITHUB_API_URL", ""),
		GitHubTimeout:       GetDuration("GITHUB_TIMEOUT", 10*time.Second),
		RetryAttempts:       GetInt("RETRY_ATTEMPTS", 2),
		HandlerTimeout:      GetDuration("HANDLER_TIMEOUT", 25*time.Second),
		MaxWebhookBodyBytes: GetInt64("MAX_WEBHOOK_BODY_BYTES", 25<<20),
		InstanceID:          GetString("INSTANCE_ID", defaultInstanceID()),

		StoreBackend:  strings.ToLower(GetString("STORE_BACKEND", StoreMemory)),
		DatabaseURL:   GetString("DATABASE_URL", ""),
		SQLitePath:    GetString("SQLITE_PATH", "preview-dispatch.db"),
		RedisAddr:     GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		StoreTimeout:  GetDuration("STORE_TIMEOUT", 5*time.Second),

		QueueBackend:  strings.ToLower(GetString("QUEUE_BACKEND", QueueHTTP)),
		DeployerURL:   GetString("DEPLOYER_URL", ""),
		DeployerToken: GetString("DEPLOYER_TOKEN", ""),
		RedisQueueKey: GetString("REDIS_QUEUE_KEY", "preview:deploy:tasks"),
		QueueTimeout:  GetDuration("QUEUE_TIMEOUT", 10*time.Second),

		RetentionPeriod:        GetDuration("RETENTION_PERIOD", 30*24*time.Hour),
		RetentionSweepInterval: GetDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
	}

	cfg.Debug = GetBool("DEBUG", false)
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	key, err := privateKey()
	if err != nil {
		return Config{}, err
	}
	cfg.GitHubPrivateKey = key

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func privateKey() (string, error) {
	if key := GetString("GITHUB_APP_PRIVATE_KEY", ""); key != "" {
		return key, nil
	}
	path := GetString("GITHUB_APP_PRIVATE_KEY_PATH", "")
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading GITHUB_APP_PRIVATE_KEY_PATH: %w", err)
	}
	return string(data), nil
}

// validate rejects settings that cannot work at all. Missing GitHub
// credentials are reported by Missing instead so the server can still start
// and answer health checks.
func (c Config) validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreSQLite, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.QueueBackend {
	case QueueHTTP, QueueRedis:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}

	if c.RetryAttempts < 0 {
		return errors.New("RETRY_ATTEMPTS must not be negative")
	}
	return nil
}

// Missing lists required settings that are unset.
func (c Config) Missing() []string {
	var missing []string
	if c.GitHubAppID == 0 {
		missing = append(missing, "GITHUB_APP_ID")
	}
	if c.GitHubPrivateKey == "" {
		missing = append(missing, "GITHUB_APP_PRIVATE_KEY")
	}
	if c.GitHubWebhookSecret == "" {
		missing = append(missing, "GITHUB_WEBHOOK_SECRET")
	}
	if c.QueueBackend == QueueHTTP && c.DeployerURL == "" {
		missing = append(missing, "DEPLOYER_URL")
	}
	return missing
}

// QueueSettings names the settings an operator should check when enqueueing
// fails.
func (c Config) QueueSettings() string {
	if c.QueueBackend == QueueRedis {
		return "QUEUE_BACKEND, REDIS_ADDR"
	}
	return "QUEUE_BACKEND, DEPLOYER_URL"
}

// Addr is the listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func defaultInstanceID() string {
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "preview-dispatch-" + uuid.NewString()[:8]
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetInt64 retrieves an environment variable as int64 or returns fallback.
func GetInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetDuration retrieves an environment variable as a Go duration or returns
// fallback.
func GetDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
