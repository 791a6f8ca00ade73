package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Stripe        StripeConfig
	Billing       BillingConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
	Catalog       CatalogConfig
	Archive       ArchiveConfig
	Jobs          JobsConfig
	Notifications NotificationsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics port of the jobs binary
	HealthPort string
}

// Addr returns host:port of the API listener
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL         string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
	// AutoMigrate applies embedded migrations at startup
	AutoMigrate bool
}

// RedisConfig holds Redis settings. An empty URL disables Redis.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// StripeConfig holds payment processor settings
type StripeConfig struct {
	SecretKey          string
	WebhookSecret      string
	SignatureTolerance time.Duration
	BaseURL            string
	MeterEventName     string
	Timeout            time.Duration
}

// BillingConfig tunes webhook reconciliation
type BillingConfig struct {
	OwnerRetryAttempts int
	OwnerRetryDelay    time.Duration
	ProductCacheSize   int
	ProductCacheTTL    time.Duration
}

// RateLimitConfig controls limiting on the consumption endpoint
type RateLimitConfig struct {
	Enabled bool
	// Distributed uses Redis counters when Redis is configured
	Distributed bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// CatalogConfig points at an optional plan catalog file
type CatalogConfig struct {
	Path string
}

// ArchiveConfig holds the S3 usage archive settings. An empty bucket
// disables archiving.
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NotificationsConfig holds chat webhooks that receive usage alerts.
// With neither URL set alerts are only logged.
type NotificationsConfig struct {
	SlackWebhookURL string
	TeamsWebhookURL string
	Timeout         time.Duration
	RetryAttempts   int
}

// JobsConfig holds cron schedules of the jobs binary
type JobsConfig struct {
	CleanupSchedule    string
	AlertSweepSchedule string
	ArchiveSchedule    string
	Workers            int
	Timeout            time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	level, err := observability.ParseLevel(getEnv("TOKENMETER_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Stripe:        loadStripeConfig(),
		Billing:       loadBillingConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(level),
		Catalog:       CatalogConfig{Path: getEnv("TOKENMETER_CATALOG_PATH", "")},
		Archive:       loadArchiveConfig(),
		Jobs:          loadJobsConfig(),
		Notifications: loadNotificationsConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TOKENMETER_HOST", "0.0.0.0"),
		Port:            getEnv("TOKENMETER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TOKENMETER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TOKENMETER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TOKENMETER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TOKENMETER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TOKENMETER_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("TOKENMETER_POSTGRES_URL", ""),
		ReplicaURLs: splitList(getEnv("TOKENMETER_POSTGRES_REPLICA_URLS", "")),
		MaxConns:    getEnvInt("TOKENMETER_POSTGRES_MAX_CONNS", 20),
		MinConns:    getEnvInt("TOKENMETER_POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("TOKENMETER_POSTGRES_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("TOKENMETER_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("TOKENMETER_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
		AutoMigrate: getEnvBool("TOKENMETER_POSTGRES_AUTO_MIGRATE", false),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("TOKENMETER_REDIS_URL", ""),
		Password:   getEnv("TOKENMETER_REDIS_PASSWORD", ""),
		DB:         getEnvInt("TOKENMETER_REDIS_DB", -1),
		MaxRetries: getEnvInt("TOKENMETER_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("TOKENMETER_REDIS_POOL_SIZE", 10),
	}
}

func loadStripeConfig() StripeConfig {
	return StripeConfig{
		SecretKey:          getEnv("TOKENMETER_STRIPE_SECRET_KEY", ""),
		WebhookSecret:      getEnv("TOKENMETER_STRIPE_WEBHOOK_SECRET", ""),
		SignatureTolerance: getEnvDuration("TOKENMETER_STRIPE_SIGNATURE_TOLERANCE", 5*time.Minute),
		BaseURL:            getEnv("TOKENMETER_STRIPE_API_URL", ""),
		MeterEventName:     getEnv("TOKENMETER_STRIPE_METER_EVENT", ""),
		Timeout:            getEnvDuration("TOKENMETER_STRIPE_TIMEOUT", 10*time.Second),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		OwnerRetryAttempts: getEnvInt("TOKENMETER_OWNER_RETRY_ATTEMPTS", 2),
		OwnerRetryDelay:    getEnvDuration("TOKENMETER_OWNER_RETRY_DELAY", 2*time.Second),
		ProductCacheSize:   getEnvInt("TOKENMETER_PRODUCT_CACHE_SIZE", 256),
		ProductCacheTTL:    getEnvDuration("TOKENMETER_PRODUCT_CACHE_TTL", 10*time.Minute),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:     getEnvBool("TOKENMETER_RATE_LIMIT_ENABLED", true),
		Distributed: getEnvBool("TOKENMETER_RATE_LIMIT_DISTRIBUTED", true),
	}
}

func loadObservabilityConfig(level observability.LogLevel) ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           level,
		MetricsEnabled:     getEnvBool("TOKENMETER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TOKENMETER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TOKENMETER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TOKENMETER_OTEL_SERVICE_NAME", "tokenmeter"),
		OTelServiceVersion: getEnv("TOKENMETER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TOKENMETER_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TOKENMETER_OTEL_SAMPLE_RATIO", 1),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Bucket:       getEnv("TOKENMETER_ARCHIVE_BUCKET", ""),
		Prefix:       getEnv("TOKENMETER_ARCHIVE_PREFIX", "usage"),
		Region:       getEnv("TOKENMETER_ARCHIVE_REGION", "us-east-1"),
		Endpoint:     getEnv("TOKENMETER_ARCHIVE_ENDPOINT", ""),
		AccessKey:    getEnv("TOKENMETER_ARCHIVE_ACCESS_KEY", ""),
		SecretKey:    getEnv("TOKENMETER_ARCHIVE_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("TOKENMETER_ARCHIVE_USE_PATH_STYLE", false),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		CleanupSchedule:    getEnv("TOKENMETER_JOBS_CLEANUP_SCHEDULE", "0 3 * * *"),
		AlertSweepSchedule: getEnv("TOKENMETER_JOBS_ALERT_SWEEP_SCHEDULE", "@hourly"),
		ArchiveSchedule:    getEnv("TOKENMETER_JOBS_ARCHIVE_SCHEDULE", "30 0 1 * *"),
		Workers:            getEnvInt("TOKENMETER_JOBS_WORKERS", 4),
		Timeout:            getEnvDuration("TOKENMETER_JOBS_TIMEOUT", 10*time.Minute),
	}
}

func loadNotificationsConfig() NotificationsConfig {
	return NotificationsConfig{
		SlackWebhookURL: getEnv("TOKENMETER_ALERT_SLACK_WEBHOOK_URL", ""),
		TeamsWebhookURL: getEnv("TOKENMETER_ALERT_TEAMS_WEBHOOK_URL", ""),
		Timeout:         getEnvDuration("TOKENMETER_ALERT_WEBHOOK_TIMEOUT", 10*time.Second),
		RetryAttempts:   getEnvInt("TOKENMETER_ALERT_WEBHOOK_RETRY_ATTEMPTS", 3),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("postgres max conns (%d) must be >= min conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	if c.Billing.OwnerRetryAttempts < 1 {
		return fmt.Errorf("owner retry attempts must be at least 1")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("OpenTelemetry sample ratio must be within [0, 1], got %v", r)
	}

	if c.Archive.Bucket != "" && c.Archive.Region == "" {
		return fmt.Errorf("archive region is required when an archive bucket is set")
	}
	if (c.Archive.AccessKey == "") != (c.Archive.SecretKey == "") {
		return fmt.Errorf("archive access key and secret key must be set together")
	}

	if c.Notifications.RetryAttempts < 1 {
		return fmt.Errorf("alert webhook retry attempts must be at least 1")
	}

	return nil
}

// ValidateServer adds the checks only the API server needs
func (c *Config) ValidateServer() error {
	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping blanks
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
