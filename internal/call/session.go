package call

import (
	"time"

	"github.com/avencall/switchboard/internal/brain"
)

// State is a call session's lifecycle position. Transitions only move
// forward, except that the media sub-states (listening, speaking, thinking,
// transferring) cycle freely among themselves while media is connected.
type State string

const (
	StateInitiated      State = "initiated"
	StateAnswered       State = "answered"
	StateMediaConnected State = "media_connected"
	StateListening      State = "listening"
	StateSpeaking       State = "speaking"
	StateThinking       State = "thinking"
	StateTransferring   State = "transferring"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

func (s State) mediaSubState() bool {
	switch s {
	case StateListening, StateSpeaking, StateThinking, StateTransferring:
		return true
	default:
		return false
	}
}

// canTransition enforces forward-only movement through the lifecycle.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateEnded {
		return true
	}
	switch from {
	case StateInitiated:
		return to == StateAnswered
	case StateAnswered:
		return to == StateMediaConnected
	case StateMediaConnected:
		return to.mediaSubState()
	default:
		return from.mediaSubState() && to.mediaSubState()
	}
}

// Session is the per-call record. The owning actor is the single writer;
// everyone else sees clones.
type Session struct {
	CallControlID  string            `json:"call_control_id"`
	TenantID       string            `json:"tenant_id"`
	CallerID       string            `json:"caller_id"`
	CalledNumber   string            `json:"called_number"`
	State          State             `json:"state"`
	Cause          string            `json:"cause,omitempty"`
	History        []brain.Turn      `json:"history"`
	Lead           map[string]string `json:"lead,omitempty"`
	TransferTarget string            `json:"transfer_target,omitempty"`
	VoiceMode      string            `json:"voice_mode"`
	CreatedAt      time.Time         `json:"created_at"`
	AnsweredAt     *time.Time        `json:"answered_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

func (s *Session) clone() *Session {
	c := *s
	if s.History != nil {
		c.History = make([]brain.Turn, len(s.History))
		copy(c.History, s.History)
	}
	if s.Lead != nil {
		c.Lead = make(map[string]string, len(s.Lead))
		for k, v := range s.Lead {
			c.Lead[k] = v
		}
	}
	return &c
}

// Transcript flattens the turn history for workflow triggers and persistence.
func (s *Session) Transcript() string {
	var out string
	for i, t := range s.History {
		if i > 0 {
			out += "\n"
		}
		out += t.Role + ": " + t.Text
	}
	return out
}

func (s *Session) durationMS(now time.Time) int64 {
	start := s.CreatedAt
	if s.AnsweredAt != nil {
		start = *s.AnsweredAt
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
