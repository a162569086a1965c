package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/brain"
	"github.com/avencall/switchboard/internal/media"
	"github.com/avencall/switchboard/internal/observability"
	"github.com/avencall/switchboard/internal/tenantcfg"
)

// TTS synthesises one phrase into PCM16LE at the pipeline rate. The directive,
// when set, selects the voice mode for this synthesis (cloned voices carry a
// speaker sample URL).
type TTS interface {
	Synthesize(ctx context.Context, text string, directive *brain.VoiceDirective) ([]byte, error)
}

// NewTTSFromConfig builds the engine the tenant configured.
func NewTTSFromConfig(cfg tenantcfg.TTSConfig, timeout time.Duration, metrics *observability.Metrics, log zerolog.Logger) (TTS, error) {
	switch cfg.Engine {
	case tenantcfg.TTSEngineKokoro:
		return &KokoroClient{
			url:      cfg.URL,
			voice:    cfg.Voice,
			langCode: cfg.LangCode,
			client:   &http.Client{Timeout: ttsTimeout(timeout)},
			metrics:  metrics,
			log:      log.With().Str("component", "tts").Str("engine", cfg.Engine).Logger(),
		}, nil
	case tenantcfg.TTSEngineXTTS:
		return &XTTSClient{
			url:        cfg.URL,
			language:   cfg.Language,
			speakerWav: cfg.SpeakerWavURL,
			client:     &http.Client{Timeout: ttsTimeout(timeout)},
			metrics:    metrics,
			log:        log.With().Str("component", "tts").Str("engine", cfg.Engine).Logger(),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported tts engine %q", cfg.Engine)
	}
}

func ttsTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// KokoroClient speaks preset voices only; voice directives cannot switch it to
// cloned mode and are ignored beyond a debug log.
type KokoroClient struct {
	url      string
	voice    string
	langCode string
	client   *http.Client
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func (c *KokoroClient) Synthesize(ctx context.Context, text string, directive *brain.VoiceDirective) ([]byte, error) {
	if directive != nil && directive.Mode == "cloned" {
		c.log.Debug().Msg("cloned voice requested but engine only supports presets")
	}
	payload := map[string]string{"text": text, "voice": c.voice}
	if c.langCode != "" {
		payload["lang_code"] = c.langCode
	}
	return postForPCM(ctx, c.client, c.url, payload, c.metrics)
}

// XTTSClient supports cloned voices: a directive's speaker sample overrides
// the tenant's default for this synthesis.
type XTTSClient struct {
	url        string
	language   string
	speakerWav string
	client     *http.Client
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func (c *XTTSClient) Synthesize(ctx context.Context, text string, directive *brain.VoiceDirective) ([]byte, error) {
	payload := map[string]string{"text": text, "language": c.language}
	speaker := c.speakerWav
	if directive != nil && directive.Mode == "cloned" && directive.SpeakerWavURL != "" {
		speaker = directive.SpeakerWavURL
	}
	if speaker != "" {
		payload["speaker_wav_url"] = speaker
	}
	return postForPCM(ctx, c.client, c.url, payload, c.metrics)
}

// postForPCM posts the synthesis request, decodes the WAV response and
// resamples to the pipeline rate.
func postForPCM(ctx context.Context, client *http.Client, url string, payload map[string]string, metrics *observability.Metrics) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(url), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("tts http status %d: %s", res.StatusCode, string(msg))
	}

	wav, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	pcm, rate, err := media.DecodeWAVPCM16LE(wav)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if metrics != nil {
		metrics.ObserveTTSLatency(time.Since(start))
	}
	if rate != media.PipelineRate {
		pcm = media.Resample(pcm, rate, media.PipelineRate)
	}
	return pcm, nil
}
