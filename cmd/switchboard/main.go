package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/avencall/switchboard/internal/brain"
	"github.com/avencall/switchboard/internal/call"
	"github.com/avencall/switchboard/internal/capacity"
	"github.com/avencall/switchboard/internal/config"
	"github.com/avencall/switchboard/internal/history"
	"github.com/avencall/switchboard/internal/httpapi"
	"github.com/avencall/switchboard/internal/kv"
	"github.com/avencall/switchboard/internal/observability"
	"github.com/avencall/switchboard/internal/pipeline"
	"github.com/avencall/switchboard/internal/tenantcfg"
	"github.com/avencall/switchboard/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := kv.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis init failed")
	}
	defer store.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(bootCtx); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup, admission will fail closed")
	}
	bootCancel()

	var pg *history.PostgresStore
	if cfg.DatabaseURL != "" {
		pgCtx, pgCancel := context.WithTimeout(context.Background(), 15*time.Second)
		pg, err = history.NewPostgresStore(pgCtx, cfg.DatabaseURL, logger)
		pgCancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres init failed")
		}
		defer pg.Close()
	} else {
		logger.Warn().Msg("DATABASE_URL not set, call history and workflows disabled")
	}

	adapter := tenantcfg.NewAdapter(store, cfg.TenantMapPrefix, cfg.TenantCfgPrefix, cfg.ConfigCacheSize, cfg.ConfigCacheTTL, logger)
	controller := capacity.NewController(store, cfg.CapacityTTL, metrics, logger)

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var (
		queue *workflow.Queue
		bus   *workflow.Bus
	)
	if pg != nil {
		queue = workflow.NewQueue(store, logger)
		matcher := workflow.NewMatcher(logger)
		bus = workflow.NewBus(pg, queue, matcher, logger)

		var aiClient *openai.Client
		if cfg.OpenAIAPIKey != "" {
			aiCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
			if cfg.OpenAIBaseURL != "" {
				aiCfg.BaseURL = cfg.OpenAIBaseURL
			}
			aiClient = openai.NewClientWithConfig(aiCfg)
		}

		actions := workflow.NewActionSet(pg, aiClient, cfg.OpenAIModel,
			workflow.SMTPConfig{
				Host: cfg.SMTPHost,
				Port: cfg.SMTPPort,
				From: cfg.SMTPFrom,
				User: cfg.SMTPUser,
				Pass: cfg.SMTPPass,
			},
			workflow.SMSConfig{URL: cfg.SMSEndpoint, APIKey: cfg.SMSAPIKey},
			logger)
		engine := workflow.NewEngine(pg, queue, actions, metrics, logger)
		scheduler := workflow.NewScheduler(pg, queue, cfg.WorkflowTick, logger)

		go engine.Run(runCtx)
		go scheduler.Run(runCtx)
	}

	var dialer call.TransferDialer
	if cfg.TelnyxAPIKey != "" {
		dialer = httpapi.NewTelnyxDialer(cfg.TelnyxAPIBase, cfg.TelnyxAPIKey, logger)
	}

	factory := &pipelineFactory{cfg: cfg, metrics: metrics, log: logger}

	var sink call.HistorySink
	var publisher call.EventPublisher
	if pg != nil {
		sink = pg
		publisher = bus
	}

	registry := call.NewRegistry(adapter, controller, factory, dialer, sink, publisher, metrics, logger, call.Options{
		AnswerTimeout:    cfg.AnswerTimeout,
		DeadAir:          cfg.DeadAir,
		ChunkDur:         cfg.STTChunk,
		SilenceDur:       cfg.STTSilence,
		Streaming:        cfg.BrainStreaming,
		InitGuardWindow:  cfg.DuplicateInitWin,
		Greeting:         cfg.GreetingText,
		Apology:          cfg.ApologyText,
		Farewell:         cfg.FarewellText,
		TransferFallback: cfg.TransferFallback,
		DefaultLimits: capacity.Limits{
			Global:           cfg.GlobalConcurrency,
			TenantConcurrent: cfg.TenantConcurrency,
			TenantPerMinute:  cfg.TenantCallsPerMin,
		},
	})

	var dbPing httpapi.Pinger
	if pg != nil {
		dbPing = pg
	}
	api := httpapi.New(cfg, registry, adapter, store, dbPing, metrics, logger)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
		return
	}

	// New calls are refused while in-flight calls get DrainGrace to finish.
	registry.BeginDrain()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainGrace)
	registry.Drain(drainCtx)
	drainCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := httpServer.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	shutCancel()
	// Shutdown does not close hijacked media sockets; Close does.
	_ = httpServer.Close()

	stopWorkers()
	if queue != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		queue.Flush(flushCtx)
		flushCancel()
	}

	logger.Info().Msg("shutdown complete")
}

// pipelineFactory builds the per-call audio loop from the tenant's runtime
// config once the media stream attaches.
type pipelineFactory struct {
	cfg     config.Config
	metrics *observability.Metrics
	log     zerolog.Logger
}

func (f *pipelineFactory) Build(tc *tenantcfg.RuntimeTenantConfig, pcfg pipeline.Config, sink pipeline.AudioSink, hooks pipeline.Hooks) (call.PipelineRunner, error) {
	stt := pipeline.NewWhisperClient(tc.STT.URL, 15*time.Second, f.metrics, f.log)
	tts, err := pipeline.NewTTSFromConfig(tc.TTS, 0, f.metrics, f.log)
	if err != nil {
		return nil, err
	}
	br := brain.NewClient(f.cfg.BrainURL, f.cfg.BrainTimeout)
	return pipeline.New(pcfg, stt, tts, br, sink, hooks, f.metrics, f.log), nil
}
