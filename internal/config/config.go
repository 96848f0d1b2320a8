// Package config loads kernel settings from the environment, in the
// same FromEnv/Validate/parseBoolEnv shape used across the rest of
// this codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr           = ":8080"
	defaultDBDriver           = "sqlite"
	defaultDBDSN              = "kernel.db"
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultEventChannelPrefix = "kernel"
	defaultSessionTTL         = 1800 * time.Second
	defaultMaxRetryAttempts   = 3
	defaultRetryBackoffBase   = time.Second
	defaultRetryMultiplier    = 2.0
	defaultRetryMaxBackoff    = 60 * time.Second
	defaultFSMConflictRetries = 3
	defaultTickInterval       = 200 * time.Millisecond
	defaultLLMTimeout         = 60 * time.Second
	defaultDataServiceTimeout = 120 * time.Second
	defaultWebhookTimeout     = 30 * time.Second
	defaultFileParseTimeout   = 60 * time.Second
	defaultMaxToolIterations  = 6
	defaultOSSMaxUploadSize   = 200 * 1024 * 1024
	defaultOSSUploadPrefix    = "tempokernel"
	defaultLLMContextRounds   = 6
	defaultLLMSummaryAt       = 10
)

// Config is the platform-wide settings object, injected into every
// composition-root constructor the way crab-gateway threads its own
// Config through cmd/crab-gateway/main.go.
type Config struct {
	HTTPAddr string

	DBDriver string
	DBDSN    string

	RedisURL           string
	EventChannelPrefix string

	SessionTTL time.Duration

	MaxRetryAttempts  int
	RetryBackoffBase  time.Duration
	RetryMultiplier   float64
	RetryMaxBackoff   time.Duration
	FSMConflictRetries int
	TickInterval      time.Duration

	LLMTimeout         time.Duration
	DataServiceTimeout time.Duration
	WebhookTimeout     time.Duration
	FileParseTimeout   time.Duration
	MaxToolIterations  int

	LLMContextMaxRounds       int
	LLMContextSummaryAt       int
	AnthropicAPIKey           string
	AnthropicModel            string
	AnthropicSummaryModel     string

	DataServiceBaseURL string

	OSSEndpoint         string
	OSSBucket           string
	OSSAccessKeyID      string
	OSSAccessKeySecret  string
	OSSUploadPrefix     string
	OSSMaxUploadSize    int64

	MetricsAddr string

	// CallbackBaseURL is this kernel instance's own externally reachable
	// origin, embedded in the callback_url a webhook node receives so it
	// knows where to POST its result back to.
	CallbackBaseURL string
}

// FromEnv loads Config from the process environment, applying the same
// defaults-then-override pattern as crab-gateway/internal/config.
func FromEnv() Config {
	return Config{
		HTTPAddr: envOr("KERNEL_HTTP_ADDR", defaultHTTPAddr),

		DBDriver: strings.ToLower(envOr("KERNEL_DB_DRIVER", defaultDBDriver)),
		DBDSN:    envOr("KERNEL_DB_DSN", defaultDBDSN),

		RedisURL:           envOr("KERNEL_REDIS_URL", defaultRedisURL),
		EventChannelPrefix: envOr("KERNEL_EVENT_CHANNEL_PREFIX", defaultEventChannelPrefix),

		SessionTTL: envDurationOr("KERNEL_SESSION_TTL", defaultSessionTTL),

		MaxRetryAttempts:   envIntOr("KERNEL_MAX_RETRY_ATTEMPTS", defaultMaxRetryAttempts),
		RetryBackoffBase:   envDurationOr("KERNEL_RETRY_BACKOFF_BASE", defaultRetryBackoffBase),
		RetryMultiplier:    envFloatOr("KERNEL_RETRY_MULTIPLIER", defaultRetryMultiplier),
		RetryMaxBackoff:    envDurationOr("KERNEL_RETRY_MAX_BACKOFF", defaultRetryMaxBackoff),
		FSMConflictRetries: envIntOr("KERNEL_FSM_CONFLICT_RETRIES", defaultFSMConflictRetries),
		TickInterval:       envDurationOr("KERNEL_TICK_INTERVAL", defaultTickInterval),

		LLMTimeout:         envDurationOr("KERNEL_LLM_TIMEOUT", defaultLLMTimeout),
		DataServiceTimeout: envDurationOr("KERNEL_DATA_SERVICE_TIMEOUT", defaultDataServiceTimeout),
		WebhookTimeout:     envDurationOr("KERNEL_WEBHOOK_TIMEOUT", defaultWebhookTimeout),
		FileParseTimeout:   envDurationOr("KERNEL_FILE_PARSE_TIMEOUT", defaultFileParseTimeout),
		MaxToolIterations:  envIntOr("KERNEL_MAX_TOOL_ITERATIONS", defaultMaxToolIterations),

		LLMContextMaxRounds:   envIntOr("KERNEL_LLM_CONTEXT_MAX_ROUNDS", defaultLLMContextRounds),
		LLMContextSummaryAt:   envIntOr("KERNEL_LLM_CONTEXT_SUMMARY_THRESHOLD", defaultLLMSummaryAt),
		AnthropicAPIKey:       strings.TrimSpace(os.Getenv("KERNEL_ANTHROPIC_API_KEY")),
		AnthropicModel:        envOr("KERNEL_ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		AnthropicSummaryModel: envOr("KERNEL_ANTHROPIC_SUMMARY_MODEL", "claude-haiku-4-5"),

		DataServiceBaseURL: envOr("KERNEL_DATA_SERVICE_BASE_URL", "http://127.0.0.1:8100"),

		OSSEndpoint:        strings.TrimSpace(os.Getenv("KERNEL_OSS_ENDPOINT")),
		OSSBucket:          strings.TrimSpace(os.Getenv("KERNEL_OSS_BUCKET")),
		OSSAccessKeyID:     strings.TrimSpace(os.Getenv("KERNEL_OSS_ACCESS_KEY_ID")),
		OSSAccessKeySecret: strings.TrimSpace(os.Getenv("KERNEL_OSS_ACCESS_KEY_SECRET")),
		OSSUploadPrefix:    envOr("KERNEL_OSS_UPLOAD_PREFIX", defaultOSSUploadPrefix),
		OSSMaxUploadSize:   int64(envIntOr("KERNEL_OSS_MAX_UPLOAD_SIZE", defaultOSSMaxUploadSize)),

		MetricsAddr: envOr("KERNEL_METRICS_ADDR", ":9090"),

		CallbackBaseURL: envOr("KERNEL_CALLBACK_BASE_URL", "http://127.0.0.1:8080"),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("KERNEL_HTTP_ADDR must not be empty")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("KERNEL_DB_DRIVER must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("KERNEL_DB_DSN must not be empty")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("KERNEL_REDIS_URL must not be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("KERNEL_SESSION_TTL must be > 0")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("KERNEL_MAX_RETRY_ATTEMPTS must be > 0")
	}
	if c.RetryMultiplier <= 1 {
		return fmt.Errorf("KERNEL_RETRY_MULTIPLIER must be > 1")
	}
	if c.MaxToolIterations <= 0 {
		return fmt.Errorf("KERNEL_MAX_TOOL_ITERATIONS must be > 0")
	}
	if c.OSSMaxUploadSize <= 0 {
		return fmt.Errorf("KERNEL_OSS_MAX_UPLOAD_SIZE must be > 0")
	}
	return nil
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntOr(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envFloatOr(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func parseBoolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
