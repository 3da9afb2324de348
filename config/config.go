package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port         string // default: 8000
	MaxBodyBytes int64  // default: 1 MiB

	// Storage
	StoreDriver string // "postgres" or "sqlite"
	PostgresDSN string
	SQLitePath  string

	// Cache (optional)
	RedisAddr string

	// Backend
	BackendURL           string        // vLLM-compatible base URL
	BackendTimeout       time.Duration // default: 60s
	BackendModelsTimeout time.Duration // default: 10s
	DefaultModel         string

	// Metering
	BillablePaths []string
	ExemptPaths   []string
	Estimator     string // "words" or "tiktoken"
	TiktokenEnc   string
	PricingFile   string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

const (
	defaultBillablePaths = "/v1/chat/completions,/v1/completions,/chat/completions"
	defaultExemptPaths   = "/healthz,/metrics,/auth/,/v1/usage,/users/me,/users/usage"
)

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8000"),
		StoreDriver:          getEnv("STORE_DRIVER", "postgres"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		SQLitePath:           getEnv("SQLITE_PATH", "llm_meter.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		BackendURL:           strings.TrimRight(getEnv("BACKEND_URL", "http://127.0.0.1:8080"), "/"),
		DefaultModel:         getEnv("DEFAULT_MODEL", "llm-user-managed"),
		BillablePaths:        splitList(getEnv("BILLABLE_PATHS", defaultBillablePaths)),
		ExemptPaths:          splitList(getEnv("EXEMPT_PATHS", defaultExemptPaths)),
		Estimator:            getEnv("ESTIMATOR", "words"),
		TiktokenEnc:          getEnv("TIKTOKEN_ENCODING", "cl100k_base"),
		PricingFile:          os.Getenv("PRICING_FILE"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.BackendTimeout, err = time.ParseDuration(getEnv("BACKEND_TIMEOUT", "60s")); err != nil {
		return nil, fmt.Errorf("invalid BACKEND_TIMEOUT: %w", err)
	}
	if cfg.BackendModelsTimeout, err = time.ParseDuration(getEnv("BACKEND_MODELS_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("invalid BACKEND_MODELS_TIMEOUT: %w", err)
	}

	if cfg.MaxBodyBytes, err = strconv.ParseInt(getEnv("MAX_BODY_BYTES", "1048576"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid MAX_BODY_BYTES: %w", err)
	}

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q (want postgres or sqlite)", c.StoreDriver)
	}

	switch c.Estimator {
	case "words", "tiktoken":
	default:
		return fmt.Errorf("invalid ESTIMATOR %q (want words or tiktoken)", c.Estimator)
	}

	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if len(c.BillablePaths) == 0 {
		return fmt.Errorf("BILLABLE_PATHS must not be empty")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	if c.pointsAtSelf() {
		return fmt.Errorf("BACKEND_URL %s points at the gateway itself (PORT %s)", c.BackendURL, c.Port)
	}

	return nil
}

// pointsAtSelf reports whether BackendURL is a local address on the
// gateway's own port.
func (c *Config) pointsAtSelf() bool {
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return false
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	if port != c.Port {
		return false
	}
	switch u.Hostname() {
	case "", "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
