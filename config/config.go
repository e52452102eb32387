package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // BILLING_TIMEZONE must resolve in minimal images

	"github.com/joho/godotenv"

	"github.com/vnmchuo/meter-billing/internal/rates"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Storage
	StoreDriver        string // "postgres" or "memory"
	PostgresDSN        string
	AggregatePageSize  int
	StoreRetryAttempts uint
	StoreRetryDelay    time.Duration

	// Cache
	RedisAddr string // optional, enables ingest rate limiting

	// Billing
	Rates           rates.Schedule
	BillingLocation *time.Location

	// Ingestion
	IngestWorkers            int
	IngestRateLimitPerMinute int

	// Logging
	LogLevel  string
	LogFormat string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Seeding
	RunSeed bool
	SeedCSV string
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		StoreDriver:          strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		RunSeed:              os.Getenv("RUN_SEED") == "true",
		SeedCSV:              os.Getenv("SEED_CSV"),
	}

	var err error

	// Tariff
	if cfg.Rates.PeakHourStart, err = getEnvInt("PEAK_HOUR_START", 9); err != nil {
		return nil, err
	}
	if cfg.Rates.PeakHourEnd, err = getEnvInt("PEAK_HOUR_END", 17); err != nil {
		return nil, err
	}
	if cfg.Rates.PeakRate, err = requireEnvFloat("PEAK_HOUR_RATE"); err != nil {
		return nil, err
	}
	if cfg.Rates.OffPeakRate, err = requireEnvFloat("OFF_PEAK_HOUR_RATE"); err != nil {
		return nil, err
	}
	if err := cfg.Rates.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate schedule: %w", err)
	}

	tz := getEnv("BILLING_TIMEZONE", "UTC")
	if cfg.BillingLocation, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid BILLING_TIMEZONE: %w", err)
	}

	// Storage tuning
	if cfg.AggregatePageSize, err = getEnvInt("AGGREGATE_PAGE_SIZE", 500); err != nil {
		return nil, err
	}
	attempts, err := getEnvInt("STORE_RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	delayMs, err := getEnvInt("STORE_RETRY_DELAY_MS", 1000)
	if err != nil {
		return nil, err
	}
	cfg.StoreRetryDelay = time.Duration(delayMs) * time.Millisecond

	// Ingestion
	if cfg.IngestWorkers, err = getEnvInt("INGEST_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.IngestRateLimitPerMinute, err = getEnvInt("INGEST_RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}

	// Validation
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.AggregatePageSize <= 0 {
		return nil, fmt.Errorf("AGGREGATE_PAGE_SIZE must be positive")
	}
	if attempts <= 0 {
		return nil, fmt.Errorf("STORE_RETRY_ATTEMPTS must be positive")
	}
	cfg.StoreRetryAttempts = uint(attempts)
	if delayMs < 0 {
		return nil, fmt.Errorf("STORE_RETRY_DELAY_MS must not be negative")
	}
	if cfg.IngestWorkers <= 0 {
		return nil, fmt.Errorf("INGEST_WORKERS must be positive")
	}
	if cfg.RunSeed && cfg.SeedCSV == "" {
		return nil, fmt.Errorf("SEED_CSV is required when RUN_SEED=true")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func requireEnvFloat(key string) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
