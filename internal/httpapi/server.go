// Package httpapi exposes the provider webhook, the media WebSocket and the
// health/metrics surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/call"
	"github.com/avencall/switchboard/internal/config"
	"github.com/avencall/switchboard/internal/observability"
	"github.com/avencall/switchboard/internal/pipeline"
	"github.com/avencall/switchboard/internal/tenantcfg"
)

// CallRegistry is the call-session surface the HTTP layer drives.
type CallRegistry interface {
	HandleInitiated(ctx context.Context, ev call.InitiatedEvent) error
	HandleAnswered(id string) error
	HandleHangup(id, cause string) error
	HandleTransferAnswered(id string) error
	AttachMedia(id string, in <-chan []byte, sink pipeline.AudioSink) error
	MediaClosed(id string)
	TenantIDFor(id string) (string, bool)
	Draining() bool
}

// TenantConfigs resolves webhook secrets and runtime settings per tenant.
type TenantConfigs interface {
	ConfigForDID(ctx context.Context, did string) (*tenantcfg.RuntimeTenantConfig, error)
	LoadConfig(ctx context.Context, tenantID string) (*tenantcfg.RuntimeTenantConfig, error)
}

// Pinger is a dependency health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	registry CallRegistry
	tenants  TenantConfigs
	kv       Pinger
	db       Pinger
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader

	startedAt time.Time

	// now is swapped in tests to pin signature timestamps.
	now func() time.Time
}

func New(cfg config.Config, registry CallRegistry, tenants TenantConfigs, kvPing, dbPing Pinger, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		tenants:  tenants,
		kv:       kvPing,
		db:       dbPing,
		metrics:  metrics,
		log:      log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The media stream is a server-to-server connection authenticated
			// by the shared token, not a browser client.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
		now:       time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/telnyx/webhook", s.handleWebhook)
	r.Get("/v1/telnyx/media/{call_control_id}", s.handleMediaWS)

	return r
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.kv.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	status := "ok"
	code := http.StatusOK

	if err := s.kv.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		checks["redis"] = "ok"
	}
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			checks["postgres"] = err.Error()
			if status == "ok" {
				status = "degraded"
			}
		} else {
			checks["postgres"] = "ok"
		}
	}

	respondJSON(w, code, map[string]any{
		"status":         status,
		"checks":         checks,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
