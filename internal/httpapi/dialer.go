package httpapi

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
)

// TelnyxDialer issues transfer commands against the provider's call-control
// API. The outcome arrives asynchronously as a transfer webhook event.
type TelnyxDialer struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

func NewTelnyxDialer(baseURL, apiKey string, log zerolog.Logger) *TelnyxDialer {
	return &TelnyxDialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "telnyx").Logger(),
	}
}

func (d *TelnyxDialer) Dial(ctx context.Context, callControlID string, t brain.Transfer) error {
	payload := map[string]string{"to": t.To}
	if t.AudioURL != "" {
		payload["audio_url"] = t.AudioURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transfer command: %w", err)
	}

	url := fmt.Sprintf("%s/v2/calls/%s/actions/transfer", d.baseURL, callControlID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transfer command: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	res, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("transfer command: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("transfer command: provider status %d", res.StatusCode)
	}

	d.log.Info().
		Str("call_control_id", callControlID).
		Str("to", t.To).
		Msg("transfer dial issued")
	return nil
}
