// Package pipeline runs the per-call audio loop: segment caller speech,
// recognise it, consult the brain, synthesise the reply and schedule playback,
// with barge-in preemption throughout.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/avencall/switchboard/internal/brain"
	"github.com/avencall/switchboard/internal/media"
	"github.com/avencall/switchboard/internal/observability"
)

// AudioSink receives ordered μ-law frames for paced egress. Clear drops all
// queued frames and returns how many were dropped.
type AudioSink interface {
	EnqueueFrames(frames [][]byte)
	Clear() int
}

// Brain is the subset of the assistant client the pipeline needs.
type Brain interface {
	Reply(ctx context.Context, req brain.Request) (brain.Reply, error)
	ReplyStream(ctx context.Context, req brain.Request, onToken brain.TokenHandler) (brain.Reply, error)
}

// Hooks surface pipeline events to the session actor. All callbacks are
// invoked from pipeline goroutines and must not block.
type Hooks struct {
	OnState         func(state string)
	OnCallerTurn    func(text string)
	OnAssistantTurn func(text string, interrupted bool)
	OnTransfer      func(t brain.Transfer)
	OnVoiceMode     func(mode string)
	OnHangup        func(cause string)
}

// Sub-states reported through Hooks.OnState.
const (
	StateListening    = "listening"
	StateThinking     = "thinking"
	StateSpeaking     = "speaking"
	StateTransferring = "transferring"
)

// Hangup causes reported through Hooks.OnHangup.
const (
	CauseDeadAir         = "dead_air"
	CauseAssistantHangup = "assistant_hangup"
	CauseTransferred     = "transferred"
)

const (
	bargeInThreshold       = 150 * time.Millisecond
	defaultTransferTimeout = 30 * time.Second
)

type Config struct {
	TenantID      string
	CallControlID string

	ChunkDur     time.Duration
	SilenceDur   time.Duration
	DeadAir      time.Duration
	VADThreshold float64

	Streaming      bool
	MaxPhraseChars int
	MinConfidence  float64

	Greeting         string
	Apology          string
	Farewell         string
	TransferFallback string

	TransferProfiles []brain.TransferProfile
	AssistantContext map[string]string
}

type Pipeline struct {
	cfg     Config
	stt     STT
	tts     TTS
	brain   Brain
	sink    AudioSink
	hooks   Hooks
	metrics *observability.Metrics
	log     zerolog.Logger

	history []brain.Turn
	voice   *brain.VoiceDirective

	interruptGen   atomic.Int64
	transferResult chan bool
}

func New(cfg Config, stt STT, tts TTS, br Brain, sink AudioSink, hooks Hooks, metrics *observability.Metrics, log zerolog.Logger) *Pipeline {
	if cfg.DeadAir <= 0 {
		cfg.DeadAir = 10 * time.Second
	}
	return &Pipeline{
		cfg:     cfg,
		stt:     stt,
		tts:     tts,
		brain:   br,
		sink:    sink,
		hooks:   hooks,
		metrics: metrics,
		log: log.With().
			Str("component", "pipeline").
			Str("call_control_id", cfg.CallControlID).
			Str("tenant_id", cfg.TenantID).
			Logger(),
		transferResult: make(chan bool, 1),
	}
}

// NotifyTransferAnswered resolves a pending transfer wait. Safe to call when
// no transfer is in flight.
func (p *Pipeline) NotifyTransferAnswered(answered bool) {
	select {
	case p.transferResult <- answered:
	default:
	}
}

// Run drives the call until the inbound stream closes, the context is
// cancelled, or a hangup is requested. in carries 20 ms PCM16LE/16 kHz frames.
func (p *Pipeline) Run(ctx context.Context, in <-chan []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	segCh := make(chan []byte, 4)
	deadAir := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.ingest(gctx, in, segCh, deadAir) })
	g.Go(func() error {
		defer cancel() // a finished respond loop ends ingest too
		return p.respond(gctx, segCh, deadAir)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ingest segments inbound audio, watches for dead air and preempts playback
// on barge-in.
func (p *Pipeline) ingest(ctx context.Context, in <-chan []byte, segCh chan<- []byte, deadAir chan<- struct{}) error {
	segmenter := NewSegmenter(p.cfg.ChunkDur, p.cfg.SilenceDur, p.cfg.VADThreshold)
	timer := time.NewTimer(p.cfg.DeadAir)
	defer timer.Stop()

	bargedIn := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			select {
			case deadAir <- struct{}{}:
			default:
			}
			timer.Reset(p.cfg.DeadAir)
		case frame, ok := <-in:
			if !ok {
				if seg := segmenter.Flush(); seg != nil {
					p.offerSegment(ctx, segCh, seg)
				}
				close(segCh)
				return nil
			}
			seg, voiced := segmenter.Feed(frame)
			if voiced {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cfg.DeadAir)
			}
			if segmenter.SpeakRun() >= bargeInThreshold {
				if !bargedIn {
					if dropped := p.sink.Clear(); dropped > 0 {
						p.interruptGen.Add(1)
						if p.metrics != nil {
							p.metrics.BargeIns.Inc()
						}
						p.log.Debug().Int("dropped_frames", dropped).Msg("barge-in preempted playback")
					}
					bargedIn = true
				}
			} else {
				bargedIn = false
			}
			if seg != nil {
				p.offerSegment(ctx, segCh, seg)
			}
		}
	}
}

// offerSegment drops the segment rather than stalling ingest when the respond
// stage is saturated.
func (p *Pipeline) offerSegment(ctx context.Context, segCh chan<- []byte, seg []byte) {
	select {
	case segCh <- seg:
	case <-ctx.Done():
	default:
		if p.metrics != nil {
			p.metrics.DroppedFrames.WithLabelValues("segment").Inc()
		}
		p.log.Warn().Msg("respond stage saturated, segment dropped")
	}
}

// respond consumes closed segments, runs recognition and the brain turn loop.
func (p *Pipeline) respond(ctx context.Context, segCh <-chan []byte, deadAir <-chan struct{}) error {
	if p.cfg.Greeting != "" {
		interrupted := p.speak(ctx, p.cfg.Greeting)
		p.recordAssistantTurn(p.cfg.Greeting, interrupted)
	}
	p.setState(StateListening)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadAir:
			p.log.Info().Msg("dead air timeout, closing call")
			if p.cfg.Farewell != "" {
				p.speak(ctx, p.cfg.Farewell)
				p.recordAssistantTurn(p.cfg.Farewell, false)
			}
			p.hangup(CauseDeadAir)
			return nil
		case seg, ok := <-segCh:
			if !ok {
				return nil
			}
			done, err := p.handleSegment(ctx, seg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handleSegment runs one caller turn. done reports that the call should end.
func (p *Pipeline) handleSegment(ctx context.Context, seg []byte) (bool, error) {
	tr, err := p.stt.Transcribe(ctx, seg)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if p.metrics != nil {
			p.metrics.UpstreamErrors.WithLabelValues("stt", "request").Inc()
		}
		p.log.Warn().Err(err).Msg("stt failed, segment dropped")
		return false, nil
	}
	if tr.Text == "" || (p.cfg.MinConfidence > 0 && tr.Confidence > 0 && tr.Confidence < p.cfg.MinConfidence) {
		return false, nil
	}

	p.log.Debug().Str("transcript", tr.Text).Msg("caller turn recognised")
	if p.hooks.OnCallerTurn != nil {
		p.hooks.OnCallerTurn(tr.Text)
	}
	req := brain.Request{
		TenantID:         p.cfg.TenantID,
		CallControlID:    p.cfg.CallControlID,
		Transcript:       tr.Text,
		History:          append([]brain.Turn(nil), p.history...),
		TransferProfiles: p.cfg.TransferProfiles,
		AssistantContext: p.cfg.AssistantContext,
	}
	p.history = append(p.history, brain.Turn{Role: "caller", Text: tr.Text})

	p.setState(StateThinking)
	reply, spoken, interrupted := p.consultBrain(ctx, req)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if reply.VoiceDirective != nil {
		p.voice = reply.VoiceDirective
		if p.hooks.OnVoiceMode != nil {
			p.hooks.OnVoiceMode(reply.VoiceDirective.Mode)
		}
	}
	if !spoken && reply.Text != "" {
		interrupted = p.speak(ctx, reply.Text)
	}
	if reply.Text != "" {
		p.recordAssistantTurn(reply.Text, interrupted)
	}

	switch {
	case reply.Transfer != nil:
		return p.doTransfer(ctx, *reply.Transfer)
	case reply.Hangup:
		p.hangup(CauseAssistantHangup)
		return true, nil
	default:
		p.setState(StateListening)
		return false, nil
	}
}

// consultBrain returns the reply, whether its text already reached playback
// through streaming, and whether that playback was interrupted.
func (p *Pipeline) consultBrain(ctx context.Context, req brain.Request) (brain.Reply, bool, bool) {
	if !p.cfg.Streaming {
		reply, err := p.brain.Reply(ctx, req)
		if err != nil {
			return p.brainFallback(err), false, false
		}
		return reply, false, false
	}

	var (
		chunker     = NewChunker(p.cfg.MaxPhraseChars)
		firstToken  time.Time
		started     = time.Now()
		spoken      bool
		interrupted bool
		gen         = p.interruptGen.Load()
	)
	reply, err := p.brain.ReplyStream(ctx, req, func(tok string) error {
		if firstToken.IsZero() {
			firstToken = time.Now()
			if p.metrics != nil {
				p.metrics.ObserveBrainFirstToken(firstToken.Sub(started))
			}
			p.setState(StateSpeaking)
		}
		for _, phrase := range chunker.Push(tok) {
			if p.interruptGen.Load() != gen {
				interrupted = true
				continue
			}
			p.speakPhrase(ctx, phrase)
			spoken = true
		}
		return ctx.Err()
	})
	if err != nil {
		if spoken {
			// Tokens already played; swallow the tail failure.
			return reply, true, interrupted
		}
		return p.brainFallback(err), false, false
	}
	if rest := chunker.Flush(); rest != "" && p.interruptGen.Load() == gen {
		p.speakPhrase(ctx, rest)
		spoken = true
	}
	if p.interruptGen.Load() != gen {
		interrupted = true
	}
	return reply, spoken, interrupted
}

func (p *Pipeline) brainFallback(err error) brain.Reply {
	if p.metrics != nil {
		p.metrics.UpstreamErrors.WithLabelValues("brain", "request").Inc()
	}
	p.log.Error().Err(err).Msg("brain failed, using apology fallback")
	return brain.Reply{Text: p.cfg.Apology}
}

// doTransfer hands the call to the actor and waits for the bridge result.
func (p *Pipeline) doTransfer(ctx context.Context, t brain.Transfer) (bool, error) {
	p.setState(StateTransferring)
	if p.hooks.OnTransfer != nil {
		p.hooks.OnTransfer(t)
	}

	timeout := defaultTransferTimeout
	if t.TimeoutSecs > 0 {
		timeout = time.Duration(t.TimeoutSecs) * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case answered := <-p.transferResult:
		if answered {
			// Bridged; the assistant leg is done.
			p.hangup(CauseTransferred)
			return true, nil
		}
	case <-timer.C:
	}

	p.log.Info().Str("to", t.To).Msg("transfer not answered, resuming")
	if p.cfg.TransferFallback != "" {
		interrupted := p.speak(ctx, p.cfg.TransferFallback)
		p.recordAssistantTurn(p.cfg.TransferFallback, interrupted)
	}
	p.setState(StateListening)
	return false, nil
}

// speak synthesises a full text phrase by phrase. It reports whether playback
// was preempted by barge-in.
func (p *Pipeline) speak(ctx context.Context, text string) bool {
	gen := p.interruptGen.Load()
	p.setState(StateSpeaking)

	chunker := NewChunker(p.cfg.MaxPhraseChars)
	phrases := chunker.Push(text)
	if rest := chunker.Flush(); rest != "" {
		phrases = append(phrases, rest)
	}
	for _, phrase := range phrases {
		if ctx.Err() != nil || p.interruptGen.Load() != gen {
			return true
		}
		p.speakPhrase(ctx, phrase)
	}
	return p.interruptGen.Load() != gen
}

func (p *Pipeline) speakPhrase(ctx context.Context, phrase string) {
	phrase = sanitizeSpeech(phrase)
	if phrase == "" {
		return
	}
	pcm, err := p.tts.Synthesize(ctx, phrase, p.voice)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if p.metrics != nil {
			p.metrics.UpstreamErrors.WithLabelValues("tts", "request").Inc()
		}
		// One retry before the phrase is lost.
		pcm, err = p.tts.Synthesize(ctx, phrase, p.voice)
		if err != nil {
			p.log.Error().Err(err).Msg("tts failed twice, phrase dropped")
			return
		}
	}
	p.sink.EnqueueFrames(media.EncodeOutbound(pcm))
}

func (p *Pipeline) recordAssistantTurn(text string, interrupted bool) {
	p.history = append(p.history, brain.Turn{Role: "assistant", Text: text})
	if p.hooks.OnAssistantTurn != nil {
		p.hooks.OnAssistantTurn(text, interrupted)
	}
}

func (p *Pipeline) setState(state string) {
	if p.hooks.OnState != nil {
		p.hooks.OnState(state)
	}
}

func (p *Pipeline) hangup(cause string) {
	if p.hooks.OnHangup != nil {
		p.hooks.OnHangup(cause)
	}
}
