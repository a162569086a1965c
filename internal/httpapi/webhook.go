package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avencall/switchboard/internal/call"
	"github.com/avencall/switchboard/internal/tenantcfg"
)

const maxWebhookBody = 1 << 20

const (
	headerSignature = "telnyx-signature"
	headerTimestamp = "telnyx-timestamp"
)

// Provider event types the ingress routes. Everything else is acknowledged
// with 200 and no side effect.
const (
	eventInitiated        = "call.initiated"
	eventAnswered         = "call.answered"
	eventHangup           = "call.hangup"
	eventPlaybackStarted  = "call.playback.started"
	eventPlaybackEnded    = "call.playback.ended"
	eventTransferAnswered = "call.transfer.answered"
	eventTransferHangup   = "call.transfer.hangup"
)

type webhookEnvelope struct {
	Data webhookData `json:"data"`
}

type webhookData struct {
	EventType string         `json:"event_type"`
	Payload   webhookPayload `json:"payload"`
}

type webhookPayload struct {
	CallControlID string `json:"call_control_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	HangupCause   string `json:"hangup_cause,omitempty"`
	ClientState   string `json:"client_state,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.registry.Draining() {
		respondError(w, http.StatusServiceUnavailable, "draining", "shutting down")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "unreadable body")
		return
	}
	defer r.Body.Close()

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.countWebhook("unknown", "malformed")
		respondError(w, http.StatusBadRequest, "invalid_json", "malformed webhook body")
		return
	}
	event := env.Data.EventType
	payload := env.Data.Payload
	if event == "" || payload.CallControlID == "" {
		s.countWebhook(event, "malformed")
		respondError(w, http.StatusBadRequest, "invalid_event", "missing event_type or call_control_id")
		return
	}

	if s.cfg.VerifySignatures {
		secret, status, code := s.webhookSecret(r.Context(), event, payload)
		if status != 0 {
			s.countWebhook(event, code)
			respondError(w, status, code, "cannot verify webhook")
			return
		}
		if !s.verifySignature(r, body, secret) {
			s.countWebhook(event, "bad_signature")
			respondError(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
			return
		}
	}

	s.routeEvent(r.Context(), w, event, payload)
}

// webhookSecret resolves the per-tenant secret: the session's tenant when the
// call is live, otherwise DID→tenant→secret for the first event.
func (s *Server) webhookSecret(ctx context.Context, event string, payload webhookPayload) (secret string, failStatus int, failCode string) {
	var cfg *tenantcfg.RuntimeTenantConfig
	var err error
	if tenantID, live := s.registry.TenantIDFor(payload.CallControlID); live {
		cfg, err = s.tenants.LoadConfig(ctx, tenantID)
	} else {
		cfg, err = s.tenants.ConfigForDID(ctx, payload.To)
	}
	if err != nil {
		if errors.Is(err, tenantcfg.ErrNotFound) {
			return "", http.StatusNotFound, "unknown_did"
		}
		return "", http.StatusServiceUnavailable, "config_unavailable"
	}

	secret = cfg.ResolveWebhookSecret()
	if secret == "" {
		s.log.Error().Str("tenant_id", cfg.TenantID).Msg("tenant webhook secret resolves empty")
		return "", http.StatusUnauthorized, "no_secret"
	}
	return secret, 0, ""
}

// verifySignature checks HMAC-SHA256(timestamp|raw_body) against the
// signature header, both hex, constant time. Timestamps outside the allowed
// skew fail regardless of the MAC.
func (s *Server) verifySignature(r *http.Request, body []byte, secret string) bool {
	sigHex := r.Header.Get(headerSignature)
	tsRaw := r.Header.Get(headerTimestamp)
	if sigHex == "" || tsRaw == "" {
		return false
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return false
	}
	skew := time.Duration(s.now().Unix()-ts) * time.Second
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.SignatureSkew {
		return false
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsRaw))
	mac.Write([]byte("|"))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func (s *Server) routeEvent(ctx context.Context, w http.ResponseWriter, event string, payload webhookPayload) {
	var err error
	switch event {
	case eventInitiated:
		err = s.registry.HandleInitiated(ctx, call.InitiatedEvent{
			CallControlID: payload.CallControlID,
			From:          payload.From,
			To:            payload.To,
		})
	case eventAnswered:
		err = s.registry.HandleAnswered(payload.CallControlID)
	case eventHangup:
		cause := payload.HangupCause
		if cause == "" {
			cause = "caller_hangup"
		}
		err = s.registry.HandleHangup(payload.CallControlID, cause)
	case eventTransferAnswered:
		err = s.registry.HandleTransferAnswered(payload.CallControlID)
	case eventPlaybackStarted, eventPlaybackEnded, eventTransferHangup:
		// Informational; the pipeline drives playback state internally.
	default:
		s.countWebhook(event, "ignored")
		respondJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	switch {
	case err == nil:
		s.countWebhook(event, "ok")
		respondJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
	case errors.Is(err, call.ErrUnknownDID):
		s.countWebhook(event, "unknown_did")
		respondError(w, http.StatusNotFound, "unknown_did", "no tenant for dialled number")
	case errors.Is(err, call.ErrNoSession):
		s.countWebhook(event, "unknown_call")
		respondError(w, http.StatusNotFound, "unknown_call", "no session for call")
	case errors.Is(err, call.ErrDraining):
		s.countWebhook(event, "draining")
		respondError(w, http.StatusServiceUnavailable, "draining", "shutting down")
	default:
		s.log.Error().Err(err).Str("event", event).Str("call_control_id", payload.CallControlID).Msg("webhook handling failed")
		s.countWebhook(event, "error")
		respondError(w, http.StatusInternalServerError, "internal", "event handling failed")
	}
}

func (s *Server) countWebhook(event, result string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(event, result).Inc()
	}
}
