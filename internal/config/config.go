// Package config provides configuration management for the record exporter.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Export        ExportConfig
	RemoteAPI     RemoteAPIConfig
	OAuth         OAuthConfig
	ObjectStorage ObjectStorageConfig
	Notification  NotificationConfig
	Logging       LoggingConfig
}

// ServerConfig holds the invocation endpoint configuration
type ServerConfig struct {
	Port string
	Host string
	// InvokeURL is the endpoint the HTTP self-invoker posts continuations to
	InvokeURL string
	// InvokeToken is the bearer token the invocation endpoint requires (empty disables the check)
	InvokeToken string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the postgres:// connection URL used by pgx and golang-migrate
func (c *PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ExportConfig holds the batch pipeline tuning
type ExportConfig struct {
	ConversationPageSize int           // Offset page size for conversation records (default: 100)
	MessagePageSize      int           // Cursor page size for message records (default: 100)
	RecordsPerInvocation int           // Record quota per invocation (default: 25000)
	TimeBudget           time.Duration // Wall-clock allowance of one invocation (default: 14m)
	SafetyBuffer         time.Duration // Remaining budget below which fetching stops (default: 60s)
	InterPageDelay       time.Duration // Delay between pages of one batch (default: 250ms)
	RetryBackoff         time.Duration // Fixed delay before a retried invocation (default: 30s)
	DefaultMaxRetries    int           // Used when a job row carries no max_retries (default: 3)
	DownloadTTL          time.Duration // Lifetime of the presigned download link (default: 7 days)
	CredentialSkew       time.Duration // Renew credentials expiring within this window (default: 60s)
	StaleAfter           time.Duration // Processing jobs idle longer than this are re-invoked (default: 30m)
	InvokeMode           string        // Continuation transport: redis or http (default: redis)
	WorkerConcurrency    int           // Invocations one worker process runs in parallel (default: 4)
}

// RemoteAPIConfig holds the remote record API configuration
type RemoteAPIConfig struct {
	BaseURL           string
	Version           string
	RequestsPerSecond float64
	Timeout           time.Duration
	BreakerFailures   int           // Consecutive transient failures that stop requests (default: 10)
	BreakerCooldown   time.Duration // Pause before a trial request after the breaker opens (default: 30s)
}

// OAuthConfig holds the refresh-grant client configuration
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// ObjectStorageConfig holds S3 (or S3-compatible) configuration
type ObjectStorageConfig struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	KeyPrefix       string
}

// NotificationConfig holds the SendGrid sink configuration
type NotificationConfig struct {
	SendGridAPIKey string
	FromAddress    string
	FromName       string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			InvokeURL:   getEnv("SERVER_INVOKE_URL", "http://localhost:8080/internal/export-batches"),
			InvokeToken: getEnv("SERVER_INVOKE_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "record_exporter"),
				User:           getEnv("POSTGRES_USER", "exporter"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "record_exporter"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Export: ExportConfig{
			ConversationPageSize: getEnvAsInt("EXPORT_CONVERSATION_PAGE_SIZE", 100),
			MessagePageSize:      getEnvAsInt("EXPORT_MESSAGE_PAGE_SIZE", 100),
			RecordsPerInvocation: getEnvAsInt("EXPORT_RECORDS_PER_INVOCATION", 25000),
			TimeBudget:           getEnvAsDuration("EXPORT_TIME_BUDGET", 14*time.Minute),
			SafetyBuffer:         getEnvAsDuration("EXPORT_SAFETY_BUFFER", 60*time.Second),
			InterPageDelay:       getEnvAsDuration("EXPORT_INTER_PAGE_DELAY", 250*time.Millisecond),
			RetryBackoff:         getEnvAsDuration("EXPORT_RETRY_BACKOFF", 30*time.Second),
			DefaultMaxRetries:    getEnvAsInt("EXPORT_DEFAULT_MAX_RETRIES", 3),
			DownloadTTL:          getEnvAsDuration("EXPORT_DOWNLOAD_TTL", 7*24*time.Hour),
			CredentialSkew:       getEnvAsDuration("EXPORT_CREDENTIAL_SKEW", 60*time.Second),
			StaleAfter:           getEnvAsDuration("EXPORT_STALE_AFTER", 30*time.Minute),
			InvokeMode:           getEnv("EXPORT_INVOKE_MODE", "redis"),
			WorkerConcurrency:    getEnvAsInt("EXPORT_WORKER_CONCURRENCY", 4),
		},
		RemoteAPI: RemoteAPIConfig{
			BaseURL:           getEnv("REMOTE_API_BASE_URL", "https://services.leadconnectorhq.com"),
			Version:           getEnv("REMOTE_API_VERSION", "2021-04-15"),
			RequestsPerSecond: getEnvAsFloat("REMOTE_API_REQUESTS_PER_SECOND", 8),
			Timeout:           getEnvAsDuration("REMOTE_API_TIMEOUT", 30*time.Second),
			BreakerFailures:   getEnvAsInt("REMOTE_API_BREAKER_FAILURES", 10),
			BreakerCooldown:   getEnvAsDuration("REMOTE_API_BREAKER_COOLDOWN", 30*time.Second),
		},
		OAuth: OAuthConfig{
			ClientID:     getEnv("OAUTH_CLIENT_ID", ""),
			ClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
			TokenURL:     getEnv("OAUTH_TOKEN_URL", "https://services.leadconnectorhq.com/oauth/token"),
		},
		ObjectStorage: ObjectStorageConfig{
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          getEnv("S3_BUCKET", "record-exports"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			KeyPrefix:       getEnv("S3_KEY_PREFIX", "exports"),
		},
		Notification: NotificationConfig{
			SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
			FromAddress:    getEnv("NOTIFY_FROM_ADDRESS", "exports@example.com"),
			FromName:       getEnv("NOTIFY_FROM_NAME", "Record Exports"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Export.Validate(); err != nil {
		return nil, fmt.Errorf("invalid export configuration: %w", err)
	}

	return config, nil
}

// Validate rejects settings the batch handler cannot run with
func (c *ExportConfig) Validate() error {
	if c.ConversationPageSize <= 0 || c.MessagePageSize <= 0 {
		return errors.New("page sizes must be positive")
	}
	if c.RecordsPerInvocation <= 0 {
		return errors.New("records per invocation must be positive")
	}
	if c.TimeBudget <= 0 {
		return errors.New("time budget must be positive")
	}
	if c.SafetyBuffer < 0 || c.SafetyBuffer >= c.TimeBudget {
		return fmt.Errorf("safety buffer (%v) must be within the time budget (%v)", c.SafetyBuffer, c.TimeBudget)
	}
	if c.InterPageDelay < 0 || c.RetryBackoff < 0 {
		return errors.New("delays cannot be negative")
	}
	if c.DefaultMaxRetries < 0 {
		return errors.New("default max retries cannot be negative")
	}
	if c.WorkerConcurrency <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	if c.InvokeMode != "redis" && c.InvokeMode != "http" {
		return fmt.Errorf("unknown invoke mode: %s", c.InvokeMode)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
