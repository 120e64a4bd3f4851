package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds configuration for the billing daemon.
type Config struct {
	HTTPPort     string
	LogLevel     string
	StoreBackend string
	// AdminToken guards /admin routes; empty leaves them open
	AdminToken   string
	Billing      BillingConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Queue        QueueConfig
	Rates        RatesConfig
	Payments     PaymentsConfig
	Notify       NotifyConfig
}

// BillingConfig holds the metering rules
type BillingConfig struct {
	Interval            time.Duration // Length of one billed interval
	ProviderShareBps    int64         // Provider earnings per charge, in basis points
	MinimumStartBalance int64         // Balance required on activation, in cents (0 = one interval)
	ProrateOnEnd        bool          // Charge the partial interval when a session ends
	ReloadGraceTick     bool          // Keep a session alive for one tick while an auto-reload is pending
	RetryBaseDelay      time.Duration // First backoff step for store retries
	RetryMaxDelay       time.Duration // Backoff ceiling for store retries
	ShutdownTimeout     time.Duration // How long shutdown waits for in-flight ticks
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
}

// QueueConfig holds settings for the pending-charge replay queue
type QueueConfig struct {
	Name         string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// RatesConfig holds rate catalogue settings
type RatesConfig struct {
	CatalogPath string
	CacheSize   int
	CacheTTL    time.Duration
}

// PaymentsConfig holds payment processor settings
type PaymentsConfig struct {
	StripeSecretKey     string
	Currency            string
	RequestTimeout      time.Duration
	BreakerFailureRatio float64
	BreakerMinRequests  int
	BreakerDelay        time.Duration
}

// NotifyConfig holds session event fan-out settings
type NotifyConfig struct {
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaClient  string
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:     getEnvString("HTTP_PORT", "8080"),
		LogLevel:     getEnvString("LOG_LEVEL", "info"),
		StoreBackend: getEnvString("STORE_BACKEND", BackendMemory),
		AdminToken:   getEnvString("ADMIN_TOKEN", ""),
		Billing: BillingConfig{
			Interval:            getEnvDuration("BILLING_INTERVAL", 60*time.Second),
			ProviderShareBps:    getEnvInt64("BILLING_PROVIDER_SHARE_BPS", 7000),
			MinimumStartBalance: getEnvInt64("BILLING_MIN_START_BALANCE", 500),
			ProrateOnEnd:        getEnvBool("BILLING_PRORATE_ON_END", true),
			ReloadGraceTick:     getEnvBool("BILLING_RELOAD_GRACE_TICK", false),
			RetryBaseDelay:      getEnvDuration("BILLING_RETRY_BASE_DELAY", 100*time.Millisecond),
			RetryMaxDelay:       getEnvDuration("BILLING_RETRY_MAX_DELAY", 10*time.Second),
			ShutdownTimeout:     getEnvDuration("BILLING_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			KeyPrefix:    getEnvString("REDIS_KEY_PREFIX", "billing"),
		},
		Queue: QueueConfig{
			Name:         getEnvString("QUEUE_NAME", "pending-charges"),
			BatchSize:    getEnvInt("QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("QUEUE_RETRY_BACKOFF", 1*time.Second),
		},
		Rates: RatesConfig{
			CatalogPath: getEnvString("RATES_CATALOG_PATH", ""),
			CacheSize:   getEnvInt("RATES_CACHE_SIZE", 1000),
			CacheTTL:    getEnvDuration("RATES_CACHE_TTL", 5*time.Minute),
		},
		Payments: PaymentsConfig{
			StripeSecretKey:     getEnvString("STRIPE_SECRET_KEY", ""),
			Currency:            getEnvString("PAYMENTS_CURRENCY", "usd"),
			RequestTimeout:      getEnvDuration("PAYMENTS_REQUEST_TIMEOUT", 30*time.Second),
			BreakerFailureRatio: getEnvFloat("PAYMENTS_BREAKER_FAILURE_RATIO", 0.5),
			BreakerMinRequests:  getEnvInt("PAYMENTS_BREAKER_MIN_REQUESTS", 10),
			BreakerDelay:        getEnvDuration("PAYMENTS_BREAKER_DELAY", 30*time.Second),
		},
		Notify: NotifyConfig{
			RedisChannel: getEnvString("NOTIFY_REDIS_CHANNEL", ""),
			KafkaBrokers: getEnvList("NOTIFY_KAFKA_BROKERS"),
			KafkaTopic:   getEnvString("NOTIFY_KAFKA_TOPIC", "session-events"),
			KafkaClient:  getEnvString("NOTIFY_KAFKA_CLIENT_ID", "session-billing"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside the engine
func (c *Config) Validate() error {
	if c.Billing.Interval <= 0 {
		return fmt.Errorf("BILLING_INTERVAL must be positive, got %s", c.Billing.Interval)
	}
	if c.Billing.ProviderShareBps < 0 || c.Billing.ProviderShareBps > 10000 {
		return fmt.Errorf("BILLING_PROVIDER_SHARE_BPS must be within 0..10000, got %d", c.Billing.ProviderShareBps)
	}
	if c.Billing.MinimumStartBalance < 0 {
		return fmt.Errorf("BILLING_MIN_START_BALANCE must not be negative")
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("REDIS_ADDRESS is required for the redis backend")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	return nil
}

// RedisEnabled reports whether any component should connect to Redis
func (c *Config) RedisEnabled() bool {
	return c.Redis.Address != ""
}
