package tenantcfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ContractVersion is the runtime-config contract this build understands.
const ContractVersion = "v1"

const (
	TTSEngineKokoro = "kokoro_http"
	TTSEngineXTTS   = "coqui_xtts"
)

type Caps struct {
	MaxConcurrentCallsTenant int `json:"maxConcurrentCallsTenant" validate:"required,gt=0"`
	MaxCallsPerMinuteTenant  int `json:"maxCallsPerMinuteTenant" validate:"required,gt=0"`
	// MaxConcurrentCallsGlobal lets a tenant config lower the process-wide cap.
	MaxConcurrentCallsGlobal int `json:"maxConcurrentCallsGlobal,omitempty" validate:"omitempty,gt=0"`
}

type STTConfig struct {
	Engine string `json:"engine" validate:"required,eq=whisper_http"`
	URL    string `json:"url" validate:"required,url"`
}

// TTSConfig is a tagged variant: kokoro_http uses Voice/LangCode, coqui_xtts
// uses Language and an optional default SpeakerWavURL for cloned voices.
type TTSConfig struct {
	Engine        string `json:"engine" validate:"required,oneof=kokoro_http coqui_xtts"`
	URL           string `json:"url" validate:"required,url"`
	Voice         string `json:"voice,omitempty"`
	LangCode      string `json:"langCode,omitempty"`
	Language      string `json:"language,omitempty"`
	SpeakerWavURL string `json:"speakerWavUrl,omitempty"`
}

type AudioConfig struct {
	InboundEncoding string `json:"inboundEncoding,omitempty"`
	SampleRate      int    `json:"sampleRate,omitempty" validate:"omitempty,gt=0"`
}

type TransferProfile struct {
	Name             string `json:"name" validate:"required"`
	To               string `json:"to" validate:"required"`
	Responsibilities string `json:"responsibilities,omitempty"`
	AudioURL         string `json:"audioUrl,omitempty"`
	TimeoutSecs      int    `json:"timeoutSecs,omitempty" validate:"omitempty,gt=0"`
}

// RuntimeTenantConfig is the published per-tenant contract consumed by the
// runtime. Unknown fields are preserved so newer control planes can publish
// ahead of runtime upgrades.
type RuntimeTenantConfig struct {
	ContractVersion  string            `json:"contractVersion" validate:"required"`
	TenantID         string            `json:"tenantId" validate:"required"`
	DIDs             []string          `json:"dids" validate:"required,min=1,dive,e164"`
	Caps             Caps              `json:"caps" validate:"required"`
	STT              STTConfig         `json:"stt" validate:"required"`
	TTS              TTSConfig         `json:"tts" validate:"required"`
	Audio            AudioConfig       `json:"audio"`
	WebhookSecret    string            `json:"webhookSecret,omitempty"`
	WebhookSecretRef string            `json:"webhookSecretRef,omitempty"`
	TransferProfiles []TransferProfile `json:"transferProfiles,omitempty" validate:"omitempty,dive"`
	AssistantContext map[string]string `json:"assistantContext,omitempty"`
	CallForwarding   string            `json:"callForwarding,omitempty"`
	LLMContext       string            `json:"llmContext,omitempty"`

	// Extra holds fields this contract version does not model.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownConfigFields = map[string]bool{
	"contractVersion":  true,
	"tenantId":         true,
	"dids":             true,
	"caps":             true,
	"stt":              true,
	"tts":              true,
	"audio":            true,
	"webhookSecret":    true,
	"webhookSecretRef": true,
	"transferProfiles": true,
	"assistantContext": true,
	"callForwarding":   true,
	"llmContext":       true,
}

func (c *RuntimeTenantConfig) UnmarshalJSON(data []byte) error {
	type alias RuntimeTenantConfig
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownConfigFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		a.Extra = raw
	}

	*c = RuntimeTenantConfig(a)
	return nil
}

func (c RuntimeTenantConfig) MarshalJSON() ([]byte, error) {
	type alias RuntimeTenantConfig
	base, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ResolveWebhookSecret returns the webhook secret for the tenant, following a
// "env:VAR" indirection when webhookSecretRef is set. A missing or empty
// environment variable yields "".
func (c *RuntimeTenantConfig) ResolveWebhookSecret() string {
	if c.WebhookSecret != "" {
		return c.WebhookSecret
	}
	ref := strings.TrimSpace(c.WebhookSecretRef)
	if ref == "" {
		return ""
	}
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		return strings.TrimSpace(os.Getenv(name))
	}
	return ""
}

// TransferProfileByName returns the named transfer destination, if configured.
func (c *RuntimeTenantConfig) TransferProfileByName(name string) (TransferProfile, bool) {
	for _, p := range c.TransferProfiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return TransferProfile{}, false
}

func (c *RuntimeTenantConfig) structuralErrors() error {
	if c.ContractVersion != ContractVersion {
		return fmt.Errorf("unsupported contractVersion %q", c.ContractVersion)
	}
	hasSecret := c.WebhookSecret != ""
	hasRef := strings.TrimSpace(c.WebhookSecretRef) != ""
	if hasSecret == hasRef {
		return fmt.Errorf("exactly one of webhookSecret or webhookSecretRef must be set")
	}
	if hasRef && !strings.HasPrefix(c.WebhookSecretRef, "env:") {
		return fmt.Errorf("webhookSecretRef must use the env: scheme")
	}
	switch c.TTS.Engine {
	case TTSEngineKokoro:
		if c.TTS.Voice == "" {
			return fmt.Errorf("tts.voice is required for %s", TTSEngineKokoro)
		}
	case TTSEngineXTTS:
		if c.TTS.Language == "" {
			return fmt.Errorf("tts.language is required for %s", TTSEngineXTTS)
		}
	}
	return nil
}
