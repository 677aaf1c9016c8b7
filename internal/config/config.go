package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	CORSAllowedOrigins []string
	MigrateOnStart     bool

	NowPayments NowPaymentsConfig

	WebhookPublicBaseURL    string
	WebhookRequireSignature bool
	WebhookRateLimit        int
	WebhookRateWindow       time.Duration
	WebhookMaxBodyBytes     int64

	QueueRedisPrefix       string
	QueueMaxAttempts       int
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	QueueBackoffJitter     float64
	QueueConcurrencyEvents int
	QueueConcurrencyHooks  int
	IdempotencyTTL         time.Duration

	JobsConcurrency int
	JobsMaxRetry    int
	JobsUniqueTTL   time.Duration

	WebhookDeliveryEnabled    bool
	WebhookDefaultMaxAttempts int
	WebhookBackoffBaseSec     int
	WebhookRequestTimeout     time.Duration
	WebhookReplayTTL          time.Duration
	WebhookAllowInsecureTLS   bool

	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration
	RetryBase           time.Duration
	RetryMaxAttempts    int
	RetryJitter         float64

	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	AuditEnabled bool

	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsEnabled   bool
	TracingEnabled   bool
	OTLPEndpoint     string
	TracingSampling  float64
}

// NowPaymentsConfig groups the provider endpoints shared by every organization.
// Credentials are per provider record and never live here.
type NowPaymentsConfig struct {
	SandboxURL         string
	LiveURL            string
	SandboxCheckoutURL string
	LiveCheckoutURL    string
	Timeout            time.Duration
	SuccessRedirectURL string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "billing-nowpayments"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START")),

		NowPayments: NowPaymentsConfig{
			SandboxURL:         trimURL(valueOrDefault(k.String("NOWPAYMENTS_SANDBOX_URL"), "https://api-sandbox.nowpayments.io/v1")),
			LiveURL:            trimURL(valueOrDefault(k.String("NOWPAYMENTS_LIVE_URL"), "https://api.nowpayments.io/v1")),
			SandboxCheckoutURL: trimURL(valueOrDefault(k.String("NOWPAYMENTS_SANDBOX_CHECKOUT_URL"), "https://sandbox.nowpayments.io")),
			LiveCheckoutURL:    trimURL(valueOrDefault(k.String("NOWPAYMENTS_LIVE_CHECKOUT_URL"), "https://nowpayments.io")),
			Timeout:            parseDuration(k.String("NOWPAYMENTS_TIMEOUT"), "10s"),
			SuccessRedirectURL: valueOrDefault(k.String("NOWPAYMENTS_SUCCESS_REDIRECT_URL"), "https://www.nowpayments.com/"),
		},

		WebhookPublicBaseURL:    strings.TrimRight(strings.TrimSpace(k.String("WEBHOOK_PUBLIC_BASE_URL")), "/"),
		WebhookRequireSignature: parseBool(k.String("WEBHOOK_REQUIRE_SIGNATURE")),
		WebhookRateLimit:        parseInt(k.String("WEBHOOK_RATE_LIMIT"), 120),
		WebhookRateWindow:       parseDuration(k.String("WEBHOOK_RATE_WINDOW"), "1m"),
		WebhookMaxBodyBytes:     int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20)),

		QueueRedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "billing"),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "60s"),
		QueueBackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
		QueueBackoffJitter:     parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
		QueueConcurrencyEvents: parseInt(k.String("QUEUE_CONCURRENCY_EVENTS"), 4),
		QueueConcurrencyHooks:  parseInt(k.String("QUEUE_CONCURRENCY_WEBHOOK"), 4),
		IdempotencyTTL:         parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		JobsConcurrency: parseInt(k.String("JOBS_CONCURRENCY"), 10),
		JobsMaxRetry:    parseInt(k.String("JOBS_MAX_RETRY"), 6),
		JobsUniqueTTL:   parseDuration(k.String("JOBS_UNIQUE_TTL"), "1h"),

		WebhookDeliveryEnabled:    parseBoolDefault(k.String("WEBHOOK_DELIVERY_ENABLED"), true),
		WebhookDefaultMaxAttempts: parseInt(k.String("WEBHOOK_DEFAULT_MAX_ATTEMPTS"), 6),
		WebhookBackoffBaseSec:     parseInt(k.String("WEBHOOK_BACKOFF_BASE_SEC"), 5),
		WebhookRequestTimeout:     parseDuration(k.String("WEBHOOK_REQUEST_TIMEOUT"), "5s"),
		WebhookReplayTTL:          parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "10m"),
		WebhookAllowInsecureTLS:   parseBool(k.String("WEBHOOK_ALLOW_INSECURE_TLS")),

		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 5),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		RetryBase:           parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:    parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitter:         parseFloat(k.String("RETRY_JITTER"), 0.2),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		AuditEnabled: parseBoolDefault(k.String("AUDIT_ENABLED"), true),

		LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "billing"),
		MetricsEnabled:   parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		TracingEnabled:   parseBool(k.String("OBS_ENABLE_TRACING")),
		OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func trimURL(value string) string {
	return strings.TrimRight(value, "/")
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
