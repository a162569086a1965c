package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TELNYX_VERIFY_SIGNATURES", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TenantMapPrefix != "tenantmap" {
		t.Fatalf("TenantMapPrefix = %q, want %q", cfg.TenantMapPrefix, "tenantmap")
	}
	if cfg.TenantCfgPrefix != "tenantcfg" {
		t.Fatalf("TenantCfgPrefix = %q, want %q", cfg.TenantCfgPrefix, "tenantcfg")
	}
	if cfg.DeadAir != 10*time.Second {
		t.Fatalf("DeadAir = %s, want 10s", cfg.DeadAir)
	}
	if cfg.GlobalConcurrency != 50 {
		t.Fatalf("GlobalConcurrency = %d, want 50", cfg.GlobalConcurrency)
	}
}

func TestLoadMillisecondOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TELNYX_VERIFY_SIGNATURES", "false")
	t.Setenv("DEAD_AIR_MS", "8000")
	t.Setenv("STT_SILENCE_MS", "450")
	t.Setenv("BRAIN_TIMEOUT_MS", "9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DeadAir != 8*time.Second {
		t.Fatalf("DeadAir = %s, want 8s", cfg.DeadAir)
	}
	if cfg.STTSilence != 450*time.Millisecond {
		t.Fatalf("STTSilence = %s, want 450ms", cfg.STTSilence)
	}
	if cfg.BrainTimeout != 9*time.Second {
		t.Fatalf("BrainTimeout = %s, want 9s", cfg.BrainTimeout)
	}
}

func TestLoadRequiresMediaTokenWhenVerifying(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TELNYX_VERIFY_SIGNATURES", "true")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing MEDIA_STREAM_TOKEN error")
	}

	t.Setenv("MEDIA_STREAM_TOKEN", "secret-token")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.VerifySignatures {
		t.Fatalf("VerifySignatures = false, want true")
	}
}

func TestLoadRejectsExcessiveSignatureSkew(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TELNYX_VERIFY_SIGNATURES", "false")
	t.Setenv("TELNYX_SIGNATURE_TOLERANCE", "10m")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want skew bound error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_DRAIN_GRACE",
		"APP_METRICS_NAMESPACE",
		"REDIS_URL",
		"DATABASE_URL",
		"TENANTMAP_PREFIX",
		"TENANTCFG_PREFIX",
		"TELNYX_VERIFY_SIGNATURES",
		"TELNYX_SIGNATURE_TOLERANCE",
		"MEDIA_STREAM_TOKEN",
		"ANSWER_TIMEOUT",
		"DEAD_AIR_MS",
		"STT_CHUNK_MS",
		"STT_SILENCE_MS",
		"GLOBAL_CONCURRENCY_CAP",
		"TENANT_CONCURRENCY_CAP_DEFAULT",
		"TENANT_CALLS_PER_MIN_CAP_DEFAULT",
		"CAPACITY_TTL_SECONDS",
		"BRAIN_URL",
		"BRAIN_STREAMING_ENABLED",
		"BRAIN_TIMEOUT_MS",
		"WORKFLOW_TICK",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
