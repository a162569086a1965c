package call

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/brain"
	"github.com/avencall/switchboard/internal/pipeline"
	"github.com/avencall/switchboard/internal/tenantcfg"
	"github.com/avencall/switchboard/internal/workflow"
)

type actorEvent any

type evAnswered struct{}

type evMediaAttached struct {
	in   <-chan []byte
	sink pipeline.AudioSink
}

type evMediaClosed struct{}

type evPipelineState struct{ state string }

type evCallerTurn struct{ text string }

type evAssistantTurn struct {
	text        string
	interrupted bool
}

type evVoiceMode struct{ mode string }

type evTransferRequested struct{ t brain.Transfer }

type evTransferAnswered struct{}

type evHangup struct{ cause string }

type evFailed struct{ cause string }

type evShutdown struct{}

// actor is the single writer for one session. All mutation happens on the run
// goroutine; snapshot() is the only cross-goroutine read and takes the mutex.
type actor struct {
	reg  *Registry
	cfg  *tenantcfg.RuntimeTenantConfig
	sess *Session
	log  zerolog.Logger

	events chan actorEvent

	pl             PipelineRunner
	pipelineCancel context.CancelFunc
	released       bool
}

func newActor(r *Registry, cfg *tenantcfg.RuntimeTenantConfig, sess *Session) *actor {
	return &actor{
		reg:  r,
		cfg:  cfg,
		sess: sess,
		log: r.log.With().
			Str("call_control_id", sess.CallControlID).
			Str("tenant_id", sess.TenantID).
			Logger(),
		events: make(chan actorEvent, 64),
	}
}

func (a *actor) post(ev actorEvent) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn().Msgf("actor queue full, %T dropped", ev)
	}
}

func (a *actor) snapshot() *Session {
	a.reg.mu.RLock()
	defer a.reg.mu.RUnlock()
	return a.sess.clone()
}

func (a *actor) run() {
	defer a.reg.wg.Done()

	answer := time.NewTimer(a.reg.opts.AnswerTimeout)
	defer answer.Stop()

	for {
		select {
		case <-answer.C:
			if a.state() == StateInitiated {
				a.finish(StateFailed, "answer_timeout")
				return
			}
		case ev := <-a.events:
			if a.handle(ev) {
				return
			}
		}
	}
}

// handle processes one event; true means the session reached a terminal state.
func (a *actor) handle(ev actorEvent) bool {
	switch ev := ev.(type) {
	case evAnswered:
		now := a.reg.now()
		a.mutate(func(s *Session) {
			if canTransition(s.State, StateAnswered) {
				s.State = StateAnswered
				s.AnsweredAt = &now
			}
		})
	case evMediaAttached:
		a.startPipeline(ev.in, ev.sink)
	case evMediaClosed:
		a.log.Debug().Msg("media stream closed")
	case evPipelineState:
		a.mutate(func(s *Session) {
			to := State(ev.state)
			if canTransition(s.State, to) {
				s.State = to
			}
		})
	case evCallerTurn:
		a.mutate(func(s *Session) {
			s.History = append(s.History, brain.Turn{Role: "caller", Text: ev.text})
		})
	case evAssistantTurn:
		a.mutate(func(s *Session) {
			s.History = append(s.History, brain.Turn{Role: "assistant", Text: ev.text, Interrupted: ev.interrupted})
		})
	case evVoiceMode:
		a.mutate(func(s *Session) { s.VoiceMode = ev.mode })
	case evTransferRequested:
		a.mutate(func(s *Session) { s.TransferTarget = ev.t.To })
		a.dial(ev.t)
	case evTransferAnswered:
		if a.pl != nil {
			a.pl.NotifyTransferAnswered(true)
		}
	case evHangup:
		a.finish(StateEnded, ev.cause)
		return true
	case evFailed:
		a.finish(StateFailed, ev.cause)
		return true
	case evShutdown:
		a.finish(StateFailed, "shutdown")
		return true
	}
	return false
}

func (a *actor) startPipeline(in <-chan []byte, sink pipeline.AudioSink) {
	if a.pl != nil {
		a.log.Warn().Msg("media attached twice, ignoring")
		return
	}
	a.mutate(func(s *Session) {
		if canTransition(s.State, StateMediaConnected) {
			s.State = StateMediaConnected
		}
	})

	pcfg := pipeline.Config{
		TenantID:         a.sess.TenantID,
		CallControlID:    a.sess.CallControlID,
		ChunkDur:         a.reg.opts.ChunkDur,
		SilenceDur:       a.reg.opts.SilenceDur,
		DeadAir:          a.reg.opts.DeadAir,
		VADThreshold:     a.reg.opts.VADThreshold,
		Streaming:        a.reg.opts.Streaming,
		MaxPhraseChars:   a.reg.opts.MaxPhraseChars,
		Greeting:         a.reg.opts.Greeting,
		Apology:          a.reg.opts.Apology,
		Farewell:         a.reg.opts.Farewell,
		TransferFallback: a.reg.opts.TransferFallback,
		AssistantContext: a.cfg.AssistantContext,
	}
	for _, p := range a.cfg.TransferProfiles {
		pcfg.TransferProfiles = append(pcfg.TransferProfiles, brain.TransferProfile{
			Name:             p.Name,
			To:               p.To,
			Responsibilities: p.Responsibilities,
		})
	}

	hooks := pipeline.Hooks{
		OnState:         func(state string) { a.post(evPipelineState{state: state}) },
		OnCallerTurn:    func(text string) { a.post(evCallerTurn{text: text}) },
		OnAssistantTurn: func(text string, interrupted bool) { a.post(evAssistantTurn{text: text, interrupted: interrupted}) },
		OnVoiceMode:     func(mode string) { a.post(evVoiceMode{mode: mode}) },
		OnTransfer:      func(t brain.Transfer) { a.post(evTransferRequested{t: t}) },
		OnHangup:        func(cause string) { a.post(evHangup{cause: cause}) },
	}

	pl, err := a.reg.factory.Build(a.cfg, pcfg, sink, hooks)
	if err != nil {
		a.log.Error().Err(err).Msg("pipeline build failed")
		a.post(evFailed{cause: "pipeline_build"})
		return
	}
	a.pl = pl

	ctx, cancel := context.WithCancel(context.Background())
	a.pipelineCancel = cancel
	go func() {
		if err := pl.Run(ctx, in); err != nil && ctx.Err() == nil {
			a.log.Error().Err(err).Msg("pipeline failed")
			a.post(evFailed{cause: "pipeline"})
		}
	}()
}

// dial asks the provider to bridge the transfer target off the actor
// goroutine; a dial error resolves the pipeline's wait immediately.
func (a *actor) dial(t brain.Transfer) {
	pl := a.pl
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.reg.dialer.Dial(ctx, a.sess.CallControlID, t); err != nil {
			a.log.Warn().Err(err).Str("to", t.To).Msg("transfer dial failed")
			if pl != nil {
				pl.NotifyTransferAnswered(false)
			}
		}
	}()
}

func (a *actor) state() State {
	a.reg.mu.RLock()
	defer a.reg.mu.RUnlock()
	return a.sess.State
}

func (a *actor) mutate(fn func(s *Session)) {
	a.reg.mu.Lock()
	fn(a.sess)
	a.reg.mu.Unlock()
}

// finish drives the terminal path: stop the pipeline, release capacity once,
// persist history, publish call_ended and unregister.
func (a *actor) finish(state State, cause string) {
	now := a.reg.now()
	a.mutate(func(s *Session) {
		if s.State.Terminal() {
			return
		}
		s.State = state
		s.Cause = cause
		s.EndedAt = &now
	})

	if a.pipelineCancel != nil {
		a.pipelineCancel()
	}

	if !a.released {
		a.released = true
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.reg.admission.Release(ctx, a.sess.TenantID)
		cancel()
	}

	snap := a.snapshot()
	if a.reg.metrics != nil {
		a.reg.metrics.ActiveCalls.Dec()
		a.reg.metrics.CallOutcomes.WithLabelValues(string(state), cause).Inc()
	}

	if a.reg.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rec := Record{
			TenantID:   snap.TenantID,
			CallID:     snap.CallControlID,
			CallerID:   snap.CallerID,
			Stage:      string(state),
			Cause:      cause,
			Lead:       snap.Lead,
			History:    snap.History,
			Transcript: snap.Transcript(),
			DurationMS: snap.durationMS(now),
			StartedAt:  snap.CreatedAt,
			EndedAt:    now,
		}
		if err := a.reg.sink.SaveCall(ctx, rec); err != nil {
			a.log.Error().Err(err).Msg("persist call history failed")
		}
		cancel()
	}

	if a.reg.bus != nil {
		a.reg.bus.PublishCallEnded(workflow.CallEndedEvent{
			TenantID:   snap.TenantID,
			CallID:     snap.CallControlID,
			CallerID:   snap.CallerID,
			DurationMS: snap.durationMS(now),
			Turns:      len(snap.History),
			Transcript: snap.Transcript(),
			Lead:       snap.Lead,
			EndedAt:    now,
		})
	}

	a.reg.remove(snap.CallControlID)
	a.log.Info().
		Str("state", string(state)).
		Str("cause", cause).
		Int64("duration_ms", snap.durationMS(now)).
		Msg("call finished")
}
