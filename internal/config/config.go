package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice receptionist service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	DrainGrace       time.Duration
	MetricsNamespace string

	RedisURL    string
	DatabaseURL string

	TenantMapPrefix string
	TenantCfgPrefix string

	VerifySignatures  bool
	SignatureSkew     time.Duration
	MediaStreamToken  string
	TelnyxAPIBase     string
	TelnyxAPIKey      string
	AnswerTimeout     time.Duration
	DeadAir           time.Duration
	GreetingText      string
	FarewellText      string
	ApologyText       string
	TransferFallback  string
	DuplicateInitWin  time.Duration
	ConfigCacheSize   int
	ConfigCacheTTL    time.Duration
	CapacityTTL       time.Duration
	GlobalConcurrency int
	TenantConcurrency int
	TenantCallsPerMin int

	STTChunk   time.Duration
	STTSilence time.Duration

	BrainURL       string
	BrainStreaming bool
	BrainTimeout   time.Duration

	WorkflowTick  time.Duration
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	SMTPHost      string
	SMTPPort      string
	SMTPFrom      string
	SMTPUser      string
	SMTPPass      string
	SMSEndpoint   string
	SMSAPIKey     string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "switchboard"),
		RedisURL:          envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		TenantMapPrefix:   envOrDefault("TENANTMAP_PREFIX", "tenantmap"),
		TenantCfgPrefix:   envOrDefault("TENANTCFG_PREFIX", "tenantcfg"),
		MediaStreamToken:  stringsTrimSpace("MEDIA_STREAM_TOKEN"),
		TelnyxAPIBase:     envOrDefault("TELNYX_API_BASE", "https://api.telnyx.com"),
		TelnyxAPIKey:      stringsTrimSpace("TELNYX_API_KEY"),
		GreetingText:      envOrDefault("GREETING_TEXT", "Hello, thanks for calling. How can I help you today?"),
		FarewellText:      envOrDefault("FAREWELL_TEXT", "It seems we got disconnected. Goodbye."),
		ApologyText:       envOrDefault("APOLOGY_TEXT", "I'm sorry, I'm having trouble right now. Could you say that again?"),
		TransferFallback:  envOrDefault("TRANSFER_FALLBACK_TEXT", "I wasn't able to reach anyone. Let me keep helping you instead."),
		BrainURL:          stringsTrimSpace("BRAIN_URL"),
		OpenAIBaseURL:     stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIAPIKey:      stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:       envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		SMTPHost:          stringsTrimSpace("SMTP_HOST"),
		SMTPPort:          envOrDefault("SMTP_PORT", "587"),
		SMTPFrom:          stringsTrimSpace("SMTP_FROM"),
		SMTPUser:          stringsTrimSpace("SMTP_USER"),
		SMTPPass:          stringsTrimSpace("SMTP_PASS"),
		SMSEndpoint:       stringsTrimSpace("SMS_ENDPOINT"),
		SMSAPIKey:         stringsTrimSpace("SMS_API_KEY"),
		VerifySignatures:  true,
		BrainStreaming:    true,
		ShutdownTimeout:   15 * time.Second,
		DrainGrace:        30 * time.Second,
		SignatureSkew:     5 * time.Minute,
		AnswerTimeout:     60 * time.Second,
		DeadAir:           10 * time.Second,
		DuplicateInitWin:  10 * time.Second,
		ConfigCacheSize:   256,
		ConfigCacheTTL:    15 * time.Second,
		CapacityTTL:       15 * time.Minute,
		GlobalConcurrency: 50,
		TenantConcurrency: 5,
		TenantCallsPerMin: 30,
		STTChunk:          1200 * time.Millisecond,
		STTSilence:        600 * time.Millisecond,
		BrainTimeout:      12 * time.Second,
		WorkflowTick:      30 * time.Second,
	}

	var err error
	cfg.VerifySignatures, err = boolFromEnv("TELNYX_VERIFY_SIGNATURES", cfg.VerifySignatures)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainStreaming, err = boolFromEnv("BRAIN_STREAMING_ENABLED", cfg.BrainStreaming)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainGrace, err = durationFromEnv("APP_DRAIN_GRACE", cfg.DrainGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.SignatureSkew, err = durationFromEnv("TELNYX_SIGNATURE_TOLERANCE", cfg.SignatureSkew)
	if err != nil {
		return Config{}, err
	}
	cfg.AnswerTimeout, err = durationFromEnv("ANSWER_TIMEOUT", cfg.AnswerTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkflowTick, err = durationFromEnv("WORKFLOW_TICK", cfg.WorkflowTick)
	if err != nil {
		return Config{}, err
	}

	cfg.DeadAir, err = millisFromEnv("DEAD_AIR_MS", cfg.DeadAir)
	if err != nil {
		return Config{}, err
	}
	cfg.STTChunk, err = millisFromEnv("STT_CHUNK_MS", cfg.STTChunk)
	if err != nil {
		return Config{}, err
	}
	cfg.STTSilence, err = millisFromEnv("STT_SILENCE_MS", cfg.STTSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainTimeout, err = millisFromEnv("BRAIN_TIMEOUT_MS", cfg.BrainTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.GlobalConcurrency, err = intFromEnv("GLOBAL_CONCURRENCY_CAP", cfg.GlobalConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.TenantConcurrency, err = intFromEnv("TENANT_CONCURRENCY_CAP_DEFAULT", cfg.TenantConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.TenantCallsPerMin, err = intFromEnv("TENANT_CALLS_PER_MIN_CAP_DEFAULT", cfg.TenantCallsPerMin)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigCacheSize, err = intFromEnv("TENANTCFG_CACHE_SIZE", cfg.ConfigCacheSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigCacheTTL, err = durationFromEnv("TENANTCFG_CACHE_TTL", cfg.ConfigCacheTTL)
	if err != nil {
		return Config{}, err
	}
	capacityTTL, err := intFromEnv("CAPACITY_TTL_SECONDS", int(cfg.CapacityTTL/time.Second))
	if err != nil {
		return Config{}, err
	}
	cfg.CapacityTTL = time.Duration(capacityTTL) * time.Second

	if cfg.GlobalConcurrency <= 0 {
		return Config{}, fmt.Errorf("GLOBAL_CONCURRENCY_CAP must be positive")
	}
	if cfg.TenantConcurrency <= 0 {
		return Config{}, fmt.Errorf("TENANT_CONCURRENCY_CAP_DEFAULT must be positive")
	}
	if cfg.TenantCallsPerMin <= 0 {
		return Config{}, fmt.Errorf("TENANT_CALLS_PER_MIN_CAP_DEFAULT must be positive")
	}
	if cfg.CapacityTTL < time.Minute {
		return Config{}, fmt.Errorf("CAPACITY_TTL_SECONDS must be at least 60")
	}
	if cfg.DeadAir < time.Second {
		return Config{}, fmt.Errorf("DEAD_AIR_MS must be at least 1000")
	}
	if cfg.STTSilence <= 0 || cfg.STTChunk <= 0 {
		return Config{}, fmt.Errorf("STT_CHUNK_MS and STT_SILENCE_MS must be positive")
	}
	if cfg.SignatureSkew <= 0 || cfg.SignatureSkew > 5*time.Minute {
		return Config{}, fmt.Errorf("TELNYX_SIGNATURE_TOLERANCE must be in (0, 5m]")
	}
	if cfg.VerifySignatures && cfg.MediaStreamToken == "" {
		return Config{}, fmt.Errorf("MEDIA_STREAM_TOKEN is required when signature verification is on")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

// millisFromEnv reads a bare millisecond count, the unit the provider contract uses.
func millisFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
