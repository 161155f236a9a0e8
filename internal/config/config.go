package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds the snowflake generator; every running process needs its own.
	NodeID int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	RateLimit RateLimitConfig

	Credit  CreditConfig
	Monitor MonitorConfig

	PricingFile string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RateLimitConfig bounds how fast one account may open billing windows.
type RateLimitConfig struct {
	Enabled    bool
	StartRate  float64
	StartBurst int
}

type CreditConfig struct {
	MaxAttempts int
}

type MonitorConfig struct {
	Enabled              bool
	Interval             time.Duration
	BatchSize            int
	SweepTimeout         time.Duration
	ProviderRetryCeiling int
	HardCeilingFactor    int
	LeaseTTL             time.Duration
	TerminateStream      string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "sessionbill"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "sessionbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getenvBool("RATE_LIMIT_ENABLED", false),
			StartRate:  getenvFloat("RATE_LIMIT_START_RATE", 1),
			StartBurst: getenvInt("RATE_LIMIT_START_BURST", 10),
		},
		Credit: CreditConfig{
			MaxAttempts: getenvInt("CREDIT_MAX_ATTEMPTS", 5),
		},
		Monitor: MonitorConfig{
			Enabled:              getenvBool("MONITOR_ENABLED", true),
			Interval:             getenvDuration("MONITOR_INTERVAL", 5*time.Minute),
			BatchSize:            getenvInt("MONITOR_BATCH_SIZE", 100),
			SweepTimeout:         getenvDuration("MONITOR_SWEEP_TIMEOUT", 2*time.Minute),
			ProviderRetryCeiling: getenvInt("MONITOR_PROVIDER_RETRY_CEILING", 5),
			HardCeilingFactor:    getenvInt("MONITOR_HARD_CEILING_FACTOR", 2),
			LeaseTTL:             getenvDuration("MONITOR_LEASE_TTL", 4*time.Minute),
			TerminateStream:      getenv("MONITOR_TERMINATE_STREAM", "sessions:terminate"),
		},
		PricingFile: strings.TrimSpace(getenv("PRICING_FILE", "")),
	}

	return cfg
}

// Module provides Config and the pricing holder.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(providePricingHolder),
)

func providePricingHolder(cfg Config) (*PricingHolder, error) {
	return NewPricingHolder(cfg.PricingFile)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
