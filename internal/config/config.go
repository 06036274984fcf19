package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string

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

	RateLimit RateLimitConfig
	Billing   BillingConfig
	AI        AIConfig
	Scheduler SchedulerConfig
}

// RateLimitConfig controls the token-bucket limiter in front of costed
// endpoints. When RedisAddr is empty the limiter falls back to a
// process-local bucket, which under-protects across instances.
type RateLimitConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// BillingConfig carries the webhook secret and the price -> plan mapping
// used when translating payment-processor events.
type BillingConfig struct {
	WebhookSecret string

	// PricePlans maps external price references to plan names,
	// e.g. "price_pro_monthly=pro,price_team_monthly=team".
	PricePlans map[string]string

	// ReservationTTL is how long a held reservation may stay unresolved
	// before the scheduler cancels it and refunds the hold.
	ReservationTTL time.Duration
}

type AIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type SchedulerConfig struct {
	RunInterval time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "jobtrail"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "jobtrail"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		RateLimit: RateLimitConfig{
			RedisAddr:     strings.TrimSpace(getenv("RATELIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATELIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATELIMIT_REDIS_DB", 0),
		},
		Billing: BillingConfig{
			WebhookSecret:  strings.TrimSpace(getenv("BILLING_WEBHOOK_SECRET", "")),
			PricePlans:     parsePricePlans(getenv("BILLING_PRICE_PLANS", "")),
			ReservationTTL: getenvDuration("BILLING_RESERVATION_TTL", time.Hour),
		},
		AI: AIConfig{
			BaseURL: strings.TrimSpace(getenv("AI_BASE_URL", "")),
			APIKey:  strings.TrimSpace(getenv("AI_API_KEY", "")),
			Timeout: getenvDuration("AI_TIMEOUT", 2*time.Minute),
		},
		Scheduler: SchedulerConfig{
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func parsePricePlans(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		price := strings.TrimSpace(kv[0])
		plan := strings.TrimSpace(kv[1])
		if price == "" || plan == "" {
			continue
		}
		out[price] = plan
	}
	return out
}
