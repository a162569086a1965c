package tenantcfg

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/kv"
)

const validConfigJSON = `{
	"contractVersion": "v1",
	"tenantId": "acme",
	"dids": ["+15551234567"],
	"caps": {"maxConcurrentCallsTenant": 3, "maxCallsPerMinuteTenant": 10},
	"stt": {"engine": "whisper_http", "url": "http://stt.local/transcribe"},
	"tts": {"engine": "kokoro_http", "url": "http://tts.local/synthesize", "voice": "af_heart"},
	"audio": {"sampleRate": 8000},
	"webhookSecret": "s3cret",
	"futureFeature": {"enabled": true}
}`

func newTestAdapter(t *testing.T) (*Adapter, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	a := NewAdapter(store, "tenantmap", "tenantcfg", 8, 50*time.Millisecond, zerolog.Nop())
	return a, store
}

func TestNormalizeDID(t *testing.T) {
	got, err := NormalizeDID(" +1 555 123 4567 ")
	if err != nil {
		t.Fatalf("NormalizeDID() error = %v", err)
	}
	if got != "+15551234567" {
		t.Fatalf("NormalizeDID() = %q, want %q", got, "+15551234567")
	}

	// Idempotent on its own output.
	again, err := NormalizeDID(got)
	if err != nil {
		t.Fatalf("NormalizeDID(normalized) error = %v", err)
	}
	if again != got {
		t.Fatalf("NormalizeDID not idempotent: %q != %q", again, got)
	}

	for _, bad := range []string{"", "5551234567", "+0123", "+1", "hello"} {
		if _, err := NormalizeDID(bad); err == nil {
			t.Fatalf("NormalizeDID(%q) error = nil, want ErrBadDID", bad)
		}
	}
}

func TestLookupDIDWhitespaceVariantsResolveIdentically(t *testing.T) {
	a, store := newTestAdapter(t)
	store.Set("tenantmap:did:+15551234567", "acme")

	for _, variant := range []string{"+15551234567", " +1555 123 4567", "+1\t5551234567"} {
		tid, err := a.LookupDID(context.Background(), variant)
		if err != nil {
			t.Fatalf("LookupDID(%q) error = %v", variant, err)
		}
		if tid != "acme" {
			t.Fatalf("LookupDID(%q) = %q, want acme", variant, tid)
		}
	}
}

func TestLookupDIDUnknownReportsNotFound(t *testing.T) {
	a, _ := newTestAdapter(t)
	if _, err := a.LookupDID(context.Background(), "+15550000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupDID() error = %v, want ErrNotFound", err)
	}
}

func TestLoadConfigValidatesAndCaches(t *testing.T) {
	a, store := newTestAdapter(t)
	store.Set("tenantcfg:acme", validConfigJSON)

	cfg, err := a.LoadConfig(context.Background(), "acme")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.TenantID != "acme" || cfg.Caps.MaxConcurrentCallsTenant != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, ok := cfg.Extra["futureFeature"]; !ok {
		t.Fatalf("unknown field not preserved: %v", cfg.Extra)
	}

	// Cached: removing the key must not break a warm read.
	store.Delete("tenantcfg:acme")
	if _, err := a.LoadConfig(context.Background(), "acme"); err != nil {
		t.Fatalf("LoadConfig() warm error = %v", err)
	}

	a.Invalidate("acme")
	if _, err := a.LoadConfig(context.Background(), "acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadConfig() after invalidate error = %v, want ErrNotFound", err)
	}
}

func TestLoadConfigRejectsBothSecretForms(t *testing.T) {
	a, store := newTestAdapter(t)
	var doc map[string]any
	if err := json.Unmarshal([]byte(validConfigJSON), &doc); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	doc["webhookSecretRef"] = "env:ACME_SECRET"
	raw, _ := json.Marshal(doc)
	store.Set("tenantcfg:acme", string(raw))

	if _, err := a.LoadConfig(context.Background(), "acme"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("LoadConfig() error = %v, want ErrInvalid", err)
	}
}

func TestLoadConfigRejectsBadDIDAndMissingVoice(t *testing.T) {
	a, store := newTestAdapter(t)

	bad := map[string]string{
		"bad did":       `{"contractVersion":"v1","tenantId":"t","dids":["5551234"],"caps":{"maxConcurrentCallsTenant":1,"maxCallsPerMinuteTenant":1},"stt":{"engine":"whisper_http","url":"http://s"},"tts":{"engine":"kokoro_http","url":"http://t","voice":"v"},"audio":{},"webhookSecret":"x"}`,
		"missing voice": `{"contractVersion":"v1","tenantId":"t","dids":["+15551234567"],"caps":{"maxConcurrentCallsTenant":1,"maxCallsPerMinuteTenant":1},"stt":{"engine":"whisper_http","url":"http://s"},"tts":{"engine":"kokoro_http","url":"http://t"},"audio":{},"webhookSecret":"x"}`,
	}
	for name, doc := range bad {
		store.Set("tenantcfg:t", doc)
		a.Invalidate("t")
		if _, err := a.LoadConfig(context.Background(), "t"); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: LoadConfig() error = %v, want ErrInvalid", name, err)
		}
	}
}

func TestConfigRoundTripPreservesUnknownFields(t *testing.T) {
	var cfg RuntimeTenantConfig
	if err := json.Unmarshal([]byte(validConfigJSON), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	out, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var reparsed RuntimeTenantConfig
	if err := json.Unmarshal(out, &reparsed); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if reparsed.TenantID != cfg.TenantID || len(reparsed.DIDs) != len(cfg.DIDs) {
		t.Fatalf("round trip changed core fields: %+v", reparsed)
	}
	// Marshal may reformat the raw bytes, so compare the decoded values.
	var want, got map[string]any
	if err := json.Unmarshal(cfg.Extra["futureFeature"], &want); err != nil {
		t.Fatalf("decode original unknown field: %v", err)
	}
	if err := json.Unmarshal(reparsed.Extra["futureFeature"], &got); err != nil {
		t.Fatalf("decode round-tripped unknown field: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip changed unknown field: %v, want %v", got, want)
	}
}

func TestResolveWebhookSecretEnvIndirection(t *testing.T) {
	cfg := RuntimeTenantConfig{WebhookSecretRef: "env:TEST_WEBHOOK_SECRET"}
	t.Setenv("TEST_WEBHOOK_SECRET", "from-env")
	if got := cfg.ResolveWebhookSecret(); got != "from-env" {
		t.Fatalf("ResolveWebhookSecret() = %q, want from-env", got)
	}

	t.Setenv("TEST_WEBHOOK_SECRET", "")
	if got := cfg.ResolveWebhookSecret(); got != "" {
		t.Fatalf("ResolveWebhookSecret() = %q, want empty for unset env", got)
	}

	direct := RuntimeTenantConfig{WebhookSecret: "inline"}
	if got := direct.ResolveWebhookSecret(); got != "inline" {
		t.Fatalf("ResolveWebhookSecret() = %q, want inline", got)
	}
}
