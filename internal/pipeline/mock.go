package pipeline

import (
	"context"
	"sync"

	"github.com/avencall/switchboard/internal/brain"
)

// MockSTT returns a scripted transcript per segment, in order. Once the
// script is exhausted it returns empty transcripts.
type MockSTT struct {
	mu       sync.Mutex
	Script   []Transcript
	Err      error
	Segments [][]byte
}

func (m *MockSTT) Transcribe(_ context.Context, pcm16k []byte) (Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Segments = append(m.Segments, pcm16k)
	if m.Err != nil {
		return Transcript{}, m.Err
	}
	if len(m.Script) == 0 {
		return Transcript{}, nil
	}
	tr := m.Script[0]
	m.Script = m.Script[1:]
	return tr, nil
}

// MockTTS records synthesised texts and returns one frame of audio per call.
type MockTTS struct {
	mu    sync.Mutex
	Err   error
	Texts []string
}

func (m *MockTTS) Synthesize(_ context.Context, text string, _ *brain.VoiceDirective) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Texts = append(m.Texts, text)
	return make([]byte, 640), nil
}

func (m *MockTTS) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Texts...)
}

// MockBrain answers through caller-provided functions.
type MockBrain struct {
	ReplyFn  func(req brain.Request) (brain.Reply, error)
	StreamFn func(req brain.Request, onToken brain.TokenHandler) (brain.Reply, error)
}

func (m *MockBrain) Reply(_ context.Context, req brain.Request) (brain.Reply, error) {
	return m.ReplyFn(req)
}

func (m *MockBrain) ReplyStream(_ context.Context, req brain.Request, onToken brain.TokenHandler) (brain.Reply, error) {
	if m.StreamFn != nil {
		return m.StreamFn(req, onToken)
	}
	reply, err := m.ReplyFn(req)
	if err == nil && reply.Text != "" && onToken != nil {
		if terr := onToken(reply.Text); terr != nil {
			return brain.Reply{}, terr
		}
	}
	return reply, err
}

// MockSink collects enqueued frames.
type MockSink struct {
	mu      sync.Mutex
	frames  [][]byte
	cleared int
}

func (m *MockSink) EnqueueFrames(frames [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frames...)
}

func (m *MockSink) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.frames)
	m.frames = nil
	if n > 0 {
		m.cleared += n
	}
	return n
}

func (m *MockSink) FrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func (m *MockSink) ClearedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleared
}
