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

// Open sink modes.
const (
	OpenSinkAsync = "async"
	OpenSinkAsynq = "asynq"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	PublicBaseURL      string
	DatabaseURL        string
	RedisURL           string
	DBAutoMigrate      bool
	CORSAllowedOrigins []string

	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	AuthRequired bool

	GeneratorBaseURL     string
	GeneratorAPIKey      string
	GeneratorModel       string
	GeneratorTimeout     time.Duration
	GeneratorMaxAttempts int
	GeneratorTemperature float64
	GeneratorMaxTokens   int

	CampaignSendConcurrency int
	CampaignPersonalize     bool
	TokenMaxAttempts        int
	AllocatorSeed           uint64
	LockTTL                 time.Duration

	OpenSink         string
	OpenSinkBuffer   int
	OpenSinkWorkers  int
	OpenWriteTimeout time.Duration

	StatsCacheTTL  time.Duration
	IdempotencyTTL time.Duration
	RateLimit      string
	BodyLimitBytes int64

	QueueConcurrency int

	LogFormat       string
	LogLevel        string
	TracingExporter string
	TracingEndpoint string
	TracingSampling float64
	HTTPBucketsMS   string
	SecurityHeaders bool
	EnableHSTS      bool
	ShutdownTimeout time.Duration
	PprofEnabled    bool
	PprofUser       string
	PprofPass       string
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
		PublicBaseURL:      strings.TrimRight(valueOrDefault(k.String("PUBLIC_BASE_URL"), "http://localhost:8080"), "/"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		DBAutoMigrate:      parseBool(k.String("DB_AUTO_MIGRATE"), false),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		JWTSecret:   strings.TrimSpace(k.String("JWT_SECRET")),
		JWTIssuer:   valueOrDefault(k.String("JWT_ISSUER"), "mailtrack"),
		JWTAudience: valueOrDefault(k.String("JWT_AUDIENCE"), "mailtrack-dashboard"),

		GeneratorBaseURL:     strings.TrimRight(valueOrDefault(k.String("GENERATOR_BASE_URL"), "https://api.aimlapi.com/v1"), "/"),
		GeneratorAPIKey:      strings.TrimSpace(k.String("GENERATOR_API_KEY")),
		GeneratorModel:       valueOrDefault(k.String("GENERATOR_MODEL"), "mistralai/Mistral-7B-Instruct-v0.2"),
		GeneratorTimeout:     parseDuration(k.String("GENERATOR_TIMEOUT"), "30s"),
		GeneratorMaxAttempts: parseInt(k.String("GENERATOR_MAX_ATTEMPTS"), 2),
		GeneratorTemperature: parseFloat(k.String("GENERATOR_TEMPERATURE"), 0.7),
		GeneratorMaxTokens:   parseInt(k.String("GENERATOR_MAX_TOKENS"), 500),

		CampaignSendConcurrency: parseInt(k.String("CAMPAIGN_SEND_CONCURRENCY"), 4),
		CampaignPersonalize:     parseBool(k.String("CAMPAIGN_PERSONALIZE"), false),
		TokenMaxAttempts:        parseInt(k.String("TOKEN_MAX_ATTEMPTS"), 5),
		AllocatorSeed:           parseUint(k.String("ALLOCATOR_SEED")),
		LockTTL:                 parseDuration(k.String("LOCK_TTL"), "10m"),

		OpenSink:         strings.ToLower(valueOrDefault(k.String("OPEN_SINK"), OpenSinkAsync)),
		OpenSinkBuffer:   parseInt(k.String("OPEN_SINK_BUFFER"), 1024),
		OpenSinkWorkers:  parseInt(k.String("OPEN_SINK_WORKERS"), 4),
		OpenWriteTimeout: parseDuration(k.String("OPEN_WRITE_TIMEOUT"), "2s"),

		StatsCacheTTL:  parseDuration(k.String("STATS_CACHE_TTL"), "0s"),
		IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimit:      valueOrDefault(k.String("RATE_LIMIT"), "120-M"),
		BodyLimitBytes: int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),

		QueueConcurrency: parseInt(k.String("QUEUE_CONCURRENCY"), 10),

		LogFormat:       valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:        valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		TracingExporter: strings.ToLower(valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "none")),
		TracingEndpoint: strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TracingSampling: parseFloat(k.String("OBS_TRACING_SAMPLE_RATIO"), 1),
		HTTPBucketsMS:   strings.TrimSpace(k.String("OBS_HTTP_BUCKETS_MS")),
		SecurityHeaders: parseBool(k.String("SECURITY_HEADERS"), true),
		EnableHSTS:      parseBool(k.String("SECURITY_HSTS"), false),
		ShutdownTimeout: parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
		PprofEnabled:    parseBool(k.String("OBS_ENABLE_PPROF"), false),
		PprofUser:       strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
		PprofPass:       strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
	}
	cfg.AuthRequired = parseBool(k.String("AUTH_REQUIRED"), cfg.JWTSecret != "")

	if cfg.AuthRequired && cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required when AUTH_REQUIRED is enabled")
	}
	switch cfg.OpenSink {
	case OpenSinkAsync:
	case OpenSinkAsynq:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required when OPEN_SINK=asynq")
		}
	default:
		return nil, fmt.Errorf("unsupported OPEN_SINK %q", cfg.OpenSink)
	}
	if cfg.AppEnv == "production" && cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required in production")
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

func parseBool(value string, fallback bool) bool {
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
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseUint(value string) uint64 {
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
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
