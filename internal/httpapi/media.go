package httpapi

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/media"
	"github.com/avencall/switchboard/internal/observability"
)

const (
	inboundFrameBuffer  = 64
	outboundFrameBuffer = 256
	mediaReadDeadline   = 60 * time.Second
	mediaWriteDeadline  = 5 * time.Second
)

func (s *Server) handleMediaWS(w http.ResponseWriter, r *http.Request) {
	callControlID := chi.URLParam(r, "call_control_id")
	if callControlID == "" {
		respondError(w, http.StatusBadRequest, "missing_call_control_id", "call_control_id is required")
		return
	}
	if s.cfg.MediaStreamToken != "" {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.MediaStreamToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid_token", "media stream token mismatch")
			return
		}
	}
	tenantID, ok := s.registry.TenantIDFor(callControlID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_call", "no session for call")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.log.With().
		Str("call_control_id", callControlID).
		Str("tenant_id", tenantID).
		Logger()

	sink := newWSAudioSink(conn, s.metrics, log)
	defer sink.Close()

	in := make(chan []byte, inboundFrameBuffer)
	attached := false
	defer func() {
		close(in)
		if attached {
			s.registry.MediaClosed(callControlID)
		}
	}()

	var format media.MediaFormat

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(mediaReadDeadline))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("media stream closed")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(mediaReadDeadline))

		frame, err := media.ParseFrame(raw)
		if err != nil {
			log.Warn().Err(err).Msg("unparseable media frame dropped")
			continue
		}

		switch f := frame.(type) {
		case media.StartFrame:
			if !media.SupportedInbound(f.MediaFormat.Encoding) {
				log.Warn().Str("encoding", f.MediaFormat.Encoding).Msg("unsupported media encoding, closing stream")
				return
			}
			format = f.MediaFormat
			if err := s.registry.AttachMedia(callControlID, in, sink); err != nil {
				log.Warn().Err(err).Msg("attach media failed, closing stream")
				return
			}
			attached = true

		case media.MediaFrame:
			if !attached {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(f.Payload)
			if err != nil {
				continue
			}
			pcm, err := media.DecodeInbound(format.Encoding, payload, format.SampleRate)
			if err != nil {
				continue
			}
			select {
			case in <- pcm:
			default:
				// Inbound saturated: drop the oldest frame to keep latency
				// bounded rather than stalling the socket.
				select {
				case <-in:
				default:
				}
				if s.metrics != nil {
					s.metrics.DroppedFrames.WithLabelValues("inbound").Inc()
				}
				select {
				case in <- pcm:
				default:
				}
			}

		case media.StopFrame:
			log.Debug().Msg("media stop frame received")
			return
		}
	}
}

// wsAudioSink paces queued μ-law frames onto the socket at the 20 ms provider
// cadence. All writes happen on the pump goroutine; Clear drains the queue for
// barge-in and reports how much audio was dropped.
type wsAudioSink struct {
	conn    *websocket.Conn
	metrics *observability.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	queue  [][]byte
	seq    int64
	closed atomic.Bool
	done   chan struct{}
}

func newWSAudioSink(conn *websocket.Conn, metrics *observability.Metrics, log zerolog.Logger) *wsAudioSink {
	s := &wsAudioSink{
		conn:    conn,
		metrics: metrics,
		log:     log,
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *wsAudioSink) EnqueueFrames(frames [][]byte) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	// Cap the queue so a fast TTS cannot buffer unbounded audio ahead of the
	// paced writer; oldest frames go first.
	s.queue = append(s.queue, frames...)
	if over := len(s.queue) - outboundFrameBuffer; over > 0 {
		s.queue = s.queue[over:]
		if s.metrics != nil {
			s.metrics.DroppedFrames.WithLabelValues("outbound").Add(float64(over))
		}
	}
	s.mu.Unlock()
}

func (s *wsAudioSink) Clear() int {
	s.mu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	return n
}

func (s *wsAudioSink) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

func (s *wsAudioSink) pump() {
	ticker := time.NewTicker(media.FrameDuration * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			continue
		}
		frame := s.queue[0]
		s.queue = s.queue[1:]
		s.seq++
		seq := s.seq
		s.mu.Unlock()

		msg := media.MediaFrame{
			Event:          media.EventMedia,
			SequenceNumber: seq,
			Payload:        base64.StdEncoding.EncodeToString(frame),
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(mediaWriteDeadline))
		if err := s.conn.WriteJSON(msg); err != nil {
			s.log.Debug().Err(err).Msg("media write failed, stopping egress")
			s.Close()
			return
		}
	}
}
