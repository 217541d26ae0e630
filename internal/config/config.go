package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the governance layer.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Provider      ProviderConfig
	Billing       BillingConfig
	Notifications NotificationsConfig
	Knowledge     KnowledgeConfig
	Security      SecurityConfig
	Monitoring    MonitoringConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// ProviderConfig holds the external AI capability configuration.
type ProviderConfig struct {
	Endpoint      string
	APIKey        string
	CallTimeout   time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	DefaultModel  string
	AssumedTokens int64
}

// BillingConfig holds billing export configuration.
type BillingConfig struct {
	StripeSecretKey string
	ExportEnabled   bool
	ExportInterval  time.Duration
	RollupInterval  time.Duration
}

// NotificationsConfig holds webhook notification configuration.
type NotificationsConfig struct {
	Enabled         bool
	WebhookURL      string
	WebhookSecret   string
	DeliveryTimeout time.Duration
	MaxRetries      int
	RetryWorkers    int
	RetryQueueSize  int
	RetryBackoff    time.Duration
}

// KnowledgeConfig bounds the insight store.
type KnowledgeConfig struct {
	CapacityPerTenant int
}

// SecurityConfig holds auth configuration.
type SecurityConfig struct {
	AdminAPIToken string
}

// MonitoringConfig holds monitoring configuration.
type MonitoringConfig struct {
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "60s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "governor"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "ai_governor"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Provider: ProviderConfig{
			Endpoint:      getEnv("PROVIDER_ENDPOINT", ""),
			APIKey:        getEnv("PROVIDER_API_KEY", ""),
			CallTimeout:   getEnvAsDuration("PROVIDER_CALL_TIMEOUT", "30s"),
			MaxAttempts:   getEnvAsInt("PROVIDER_MAX_ATTEMPTS", 3),
			BackoffBase:   getEnvAsDuration("PROVIDER_BACKOFF_BASE", "250ms"),
			DefaultModel:  getEnv("PROVIDER_DEFAULT_MODEL", "gpt-4o-mini"),
			AssumedTokens: int64(getEnvAsInt("PROVIDER_ASSUMED_TOKENS", 1024)),
		},
		Billing: BillingConfig{
			StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
			ExportEnabled:   getEnvAsBool("BILLING_EXPORT_ENABLED", false),
			ExportInterval:  getEnvAsDuration("BILLING_EXPORT_INTERVAL", "1h"),
			RollupInterval:  getEnvAsDuration("BILLING_ROLLUP_INTERVAL", "15m"),
		},
		Notifications: NotificationsConfig{
			Enabled:         getEnvAsBool("NOTIFICATIONS_ENABLED", false),
			WebhookURL:      getEnv("NOTIFICATIONS_WEBHOOK_URL", ""),
			WebhookSecret:   getEnv("NOTIFICATIONS_WEBHOOK_SECRET", ""),
			DeliveryTimeout: getEnvAsDuration("NOTIFICATIONS_DELIVERY_TIMEOUT", "10s"),
			MaxRetries:      getEnvAsInt("NOTIFICATIONS_MAX_RETRIES", 3),
			RetryWorkers:    getEnvAsInt("NOTIFICATIONS_RETRY_WORKERS", 2),
			RetryQueueSize:  getEnvAsInt("NOTIFICATIONS_RETRY_QUEUE_SIZE", 256),
			RetryBackoff:    getEnvAsDuration("NOTIFICATIONS_RETRY_BACKOFF", "2s"),
		},
		Knowledge: KnowledgeConfig{
			CapacityPerTenant: getEnvAsInt("KNOWLEDGE_CAPACITY_PER_TENANT", 500),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
		Monitoring: MonitoringConfig{
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	// Validate required fields
	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.Provider.Endpoint == "" {
		return nil, fmt.Errorf("PROVIDER_ENDPOINT is required")
	}

	if cfg.Security.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	if cfg.Notifications.Enabled && cfg.Notifications.WebhookURL == "" {
		return nil, fmt.Errorf("NOTIFICATIONS_WEBHOOK_URL is required when notifications are enabled")
	}

	if cfg.Billing.ExportEnabled && cfg.Billing.StripeSecretKey == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY is required when billing export is enabled")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
