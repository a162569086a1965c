package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/media"
	"github.com/avencall/switchboard/internal/observability"
)

// Transcript is one recognised speech segment.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// STT recognises a closed PCM16LE/16 kHz segment.
type STT interface {
	Transcribe(ctx context.Context, pcm16k []byte) (Transcript, error)
}

// WhisperClient posts WAV segments to a whisper-compatible HTTP endpoint.
type WhisperClient struct {
	url     string
	client  *http.Client
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewWhisperClient(url string, timeout time.Duration, metrics *observability.Metrics, log zerolog.Logger) *WhisperClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WhisperClient{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
		log:     log.With().Str("component", "stt").Logger(),
	}
}

func (c *WhisperClient) Transcribe(ctx context.Context, pcm16k []byte) (Transcript, error) {
	wav, err := media.EncodeWAVPCM16LE(pcm16k, media.PipelineRate)
	if err != nil {
		return Transcript{}, fmt.Errorf("encode segment: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return Transcript{}, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return Transcript{}, fmt.Errorf("build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return Transcript{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	res, err := c.client.Do(req)
	if err != nil {
		return Transcript{}, fmt.Errorf("stt request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Transcript{}, fmt.Errorf("stt http status %d: %s", res.StatusCode, string(msg))
	}

	var tr Transcript
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&tr); err != nil {
		return Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}
	if c.metrics != nil {
		c.metrics.ObserveSTTLatency(time.Since(start))
	}
	tr.Text = strings.TrimSpace(tr.Text)
	return tr, nil
}
