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

	HTTPAddr string

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

	// CouponSecret keys the HMAC digest of issued coupon codes. Rotating it
	// invalidates verification of all outstanding codes.
	CouponSecret string
	// WebhookSecret verifies inbound signed membership notifications.
	WebhookSecret    string
	WebhookTolerance time.Duration

	NonceMaxAge time.Duration

	Redis RedisConfig

	Sweep SweepConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Ingress token bucket applied before the submit-event handler.
	IngressRate  float64
	IngressBurst int
}

type SweepConfig struct {
	Interval          time.Duration
	RecoveryThreshold time.Duration
	BatchSize         int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "habitloop"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "habitloop"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		CouponSecret:     strings.TrimSpace(getenv("COUPON_SECRET", "")),
		WebhookSecret:    strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
		WebhookTolerance: getenvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),

		NonceMaxAge: getenvDuration("NONCE_MAX_AGE", 7*24*time.Hour),

		Redis: RedisConfig{
			Addr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:     strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:           getenvInt("REDIS_DB", 0),
			IngressRate:  getenvFloat("INGRESS_RATE", 10),
			IngressBurst: getenvInt("INGRESS_BURST", 30),
		},

		Sweep: SweepConfig{
			Interval:          getenvDuration("SWEEP_INTERVAL", time.Minute),
			RecoveryThreshold: getenvDuration("SWEEP_RECOVERY_THRESHOLD", 15*time.Minute),
			BatchSize:         getenvInt("SWEEP_BATCH_SIZE", 50),
		},
	}

	return cfg
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
