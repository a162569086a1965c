// Package call owns per-call session records. A registry maps call control
// IDs to session actors; each actor is a single goroutine that serialises all
// events affecting its call.
package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/brain"
	"github.com/avencall/switchboard/internal/capacity"
	"github.com/avencall/switchboard/internal/observability"
	"github.com/avencall/switchboard/internal/pipeline"
	"github.com/avencall/switchboard/internal/tenantcfg"
	"github.com/avencall/switchboard/internal/workflow"
)

var (
	ErrUnknownDID = errors.New("call: no tenant mapped to dialled number")
	ErrNoSession  = errors.New("call: no session for call control id")
	ErrDraining   = errors.New("call: shutting down")
)

// Admission is the capacity controller surface the registry needs.
type Admission interface {
	TryReserve(ctx context.Context, tenantID string, limits capacity.Limits) capacity.Outcome
	Release(ctx context.Context, tenantID string)
}

// ConfigSource resolves a dialled number to its tenant's runtime config.
type ConfigSource interface {
	ConfigForDID(ctx context.Context, did string) (*tenantcfg.RuntimeTenantConfig, error)
}

// Record is the terminal call snapshot handed to the history sink.
type Record struct {
	TenantID   string
	CallID     string
	CallerID   string
	Stage      string
	Cause      string
	Lead       map[string]string
	History    []brain.Turn
	Transcript string
	DurationMS int64
	StartedAt  time.Time
	EndedAt    time.Time
}

// HistorySink persists terminal call records. Failures are logged by the
// caller, never surfaced to the call path.
type HistorySink interface {
	SaveCall(ctx context.Context, rec Record) error
}

// EventPublisher receives the call-ended event for workflow triggering.
type EventPublisher interface {
	PublishCallEnded(ev workflow.CallEndedEvent)
}

// TransferDialer asks the telephony provider to dial a transfer target for an
// active call. The result arrives asynchronously as a webhook event.
type TransferDialer interface {
	Dial(ctx context.Context, callControlID string, t brain.Transfer) error
}

// NoopDialer is used when no provider command endpoint is configured; every
// dial fails immediately so the pipeline falls back.
type NoopDialer struct{}

func (NoopDialer) Dial(context.Context, string, brain.Transfer) error {
	return errors.New("call: no transfer dialer configured")
}

// PipelineRunner is the per-call audio loop as the actor drives it.
type PipelineRunner interface {
	Run(ctx context.Context, in <-chan []byte) error
	NotifyTransferAnswered(answered bool)
}

// PipelineFactory builds the audio loop for one call once media connects.
type PipelineFactory interface {
	Build(cfg *tenantcfg.RuntimeTenantConfig, pcfg pipeline.Config, sink pipeline.AudioSink, hooks pipeline.Hooks) (PipelineRunner, error)
}

// Options tune registry behaviour; zero values fall back to defaults.
type Options struct {
	AnswerTimeout   time.Duration
	DeadAir         time.Duration
	ChunkDur        time.Duration
	SilenceDur      time.Duration
	Streaming       bool
	VADThreshold    float64
	MaxPhraseChars  int
	InitGuardWindow time.Duration

	Greeting         string
	Apology          string
	Farewell         string
	TransferFallback string

	DefaultLimits capacity.Limits
}

func (o *Options) applyDefaults() {
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = 60 * time.Second
	}
	if o.InitGuardWindow <= 0 {
		o.InitGuardWindow = 30 * time.Second
	}
}

// InitiatedEvent is the provider's call.initiated payload reduced to what the
// registry needs.
type InitiatedEvent struct {
	CallControlID string
	From          string
	To            string
}

type Registry struct {
	mu         sync.RWMutex
	actors     map[string]*actor
	recentEnds map[string]time.Time

	cfgs      ConfigSource
	admission Admission
	factory   PipelineFactory
	dialer    TransferDialer
	sink      HistorySink
	bus       EventPublisher
	metrics   *observability.Metrics
	log       zerolog.Logger
	opts      Options

	draining atomic.Bool
	wg       sync.WaitGroup

	// now is swapped in tests.
	now func() time.Time
}

func NewRegistry(cfgs ConfigSource, admission Admission, factory PipelineFactory, dialer TransferDialer, sink HistorySink, bus EventPublisher, metrics *observability.Metrics, log zerolog.Logger, opts Options) *Registry {
	opts.applyDefaults()
	if dialer == nil {
		dialer = NoopDialer{}
	}
	return &Registry{
		actors:     make(map[string]*actor),
		recentEnds: make(map[string]time.Time),
		cfgs:       cfgs,
		admission:  admission,
		factory:    factory,
		dialer:     dialer,
		sink:       sink,
		bus:        bus,
		metrics:    metrics,
		log:        log.With().Str("component", "call").Logger(),
		opts:       opts,
		now:        time.Now,
	}
}

// HandleInitiated resolves the tenant, runs admission and spawns the session
// actor. Duplicate events for a live or recently ended call are absorbed.
func (r *Registry) HandleInitiated(ctx context.Context, ev InitiatedEvent) error {
	if r.draining.Load() {
		return ErrDraining
	}

	cfg, err := r.cfgs.ConfigForDID(ctx, ev.To)
	if err != nil {
		if errors.Is(err, tenantcfg.ErrNotFound) {
			return ErrUnknownDID
		}
		return err
	}

	r.mu.Lock()
	if _, live := r.actors[ev.CallControlID]; live {
		r.mu.Unlock()
		r.log.Debug().Str("call_control_id", ev.CallControlID).Msg("duplicate call.initiated absorbed")
		return nil
	}
	if endedAt, seen := r.recentEnds[ev.CallControlID]; seen && r.now().Sub(endedAt) < r.opts.InitGuardWindow {
		r.mu.Unlock()
		r.log.Debug().Str("call_control_id", ev.CallControlID).Msg("replayed call.initiated absorbed")
		return nil
	}
	r.mu.Unlock()

	limits := r.effectiveLimits(cfg)
	outcome := r.admission.TryReserve(ctx, cfg.TenantID, limits)
	if outcome != capacity.Admitted {
		r.finishRejected(ctx, cfg.TenantID, ev, outcome)
		return nil
	}

	sess := &Session{
		CallControlID: ev.CallControlID,
		TenantID:      cfg.TenantID,
		CallerID:      ev.From,
		CalledNumber:  ev.To,
		State:         StateInitiated,
		VoiceMode:     "preset",
		CreatedAt:     r.now(),
	}
	a := newActor(r, cfg, sess)

	r.mu.Lock()
	if _, live := r.actors[ev.CallControlID]; live {
		// Lost the race with a duplicate; give the slot back.
		r.mu.Unlock()
		r.admission.Release(ctx, cfg.TenantID)
		return nil
	}
	r.actors[ev.CallControlID] = a
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveCalls.Inc()
	}
	r.wg.Add(1)
	go a.run()

	r.log.Info().
		Str("call_control_id", ev.CallControlID).
		Str("tenant_id", cfg.TenantID).
		Str("caller_id", ev.From).
		Msg("call admitted")
	return nil
}

// effectiveLimits lets tenant caps override process defaults; a tenant may
// only lower the global cap, never raise it.
func (r *Registry) effectiveLimits(cfg *tenantcfg.RuntimeTenantConfig) capacity.Limits {
	limits := r.opts.DefaultLimits
	if cfg.Caps.MaxConcurrentCallsTenant > 0 {
		limits.TenantConcurrent = cfg.Caps.MaxConcurrentCallsTenant
	}
	if cfg.Caps.MaxCallsPerMinuteTenant > 0 {
		limits.TenantPerMinute = cfg.Caps.MaxCallsPerMinuteTenant
	}
	if g := cfg.Caps.MaxConcurrentCallsGlobal; g > 0 && (limits.Global == 0 || g < limits.Global) {
		limits.Global = g
	}
	return limits
}

// finishRejected records a failed session for a call that never got a slot.
func (r *Registry) finishRejected(ctx context.Context, tenantID string, ev InitiatedEvent, outcome capacity.Outcome) {
	now := r.now()
	r.log.Warn().
		Str("call_control_id", ev.CallControlID).
		Str("tenant_id", tenantID).
		Str("outcome", string(outcome)).
		Msg("call rejected by admission")
	if r.metrics != nil {
		r.metrics.CallOutcomes.WithLabelValues(string(StateFailed), string(outcome)).Inc()
	}
	if r.sink != nil {
		rec := Record{
			TenantID:  tenantID,
			CallID:    ev.CallControlID,
			CallerID:  ev.From,
			Stage:     string(StateFailed),
			Cause:     string(outcome),
			StartedAt: now,
			EndedAt:   now,
		}
		if err := r.sink.SaveCall(ctx, rec); err != nil {
			r.log.Error().Err(err).Msg("persist rejected call failed")
		}
	}
	if r.bus != nil {
		// A rejected call is a missed call from the tenant's point of view.
		r.bus.PublishCallEnded(workflow.CallEndedEvent{
			TenantID: tenantID,
			CallID:   ev.CallControlID,
			CallerID: ev.From,
			EndedAt:  now,
		})
	}
}

// HandleAnswered marks the session answered.
func (r *Registry) HandleAnswered(id string) error {
	return r.post(id, evAnswered{})
}

// HandleHangup ends the session. Duplicate hangups for an unknown session are
// absorbed without error.
func (r *Registry) HandleHangup(id, cause string) error {
	if err := r.post(id, evHangup{cause: cause}); err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		return err
	}
	return nil
}

// HandleTransferAnswered resolves a pending transfer bridge.
func (r *Registry) HandleTransferAnswered(id string) error {
	return r.post(id, evTransferAnswered{})
}

// AttachMedia hands the actor its audio channels once the media stream opens.
// in carries 20 ms PCM16LE/16 kHz frames.
func (r *Registry) AttachMedia(id string, in <-chan []byte, sink pipeline.AudioSink) error {
	return r.post(id, evMediaAttached{in: in, sink: sink})
}

// MediaClosed notes that the media stream ended; the hangup webhook remains
// the authoritative terminator.
func (r *Registry) MediaClosed(id string) {
	_ = r.post(id, evMediaClosed{})
}

// Get returns a point-in-time clone of a session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	a, ok := r.actors[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return a.snapshot(), true
}

// TenantIDFor reports the tenant bound to a live call.
func (r *Registry) TenantIDFor(id string) (string, bool) {
	s, ok := r.Get(id)
	if !ok {
		return "", false
	}
	return s.TenantID, true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// BeginDrain stops admission of new calls.
func (r *Registry) BeginDrain() {
	r.draining.Store(true)
}

// Draining reports whether shutdown has begun.
func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// Drain waits for in-flight calls to finish until ctx expires, then forces
// the remainder closed.
func (r *Registry) Drain(ctx context.Context) {
	r.BeginDrain()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	r.log.Warn().Int("remaining", r.Len()).Msg("drain deadline reached, forcing sessions closed")
	r.mu.RLock()
	actors := make([]*actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.RUnlock()
	for _, a := range actors {
		a.post(evShutdown{})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.log.Error().Int("remaining", r.Len()).Msg("sessions failed to close during forced drain")
	}
}

func (r *Registry) post(id string, ev actorEvent) error {
	r.mu.RLock()
	a, ok := r.actors[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	a.post(ev)
	return nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.actors, id)
	r.recentEnds[id] = r.now()
	// Opportunistic prune of expired guard entries.
	for k, t := range r.recentEnds {
		if r.now().Sub(t) >= r.opts.InitGuardWindow {
			delete(r.recentEnds, k)
		}
	}
	r.mu.Unlock()
}
