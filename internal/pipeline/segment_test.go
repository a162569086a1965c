package pipeline

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/avencall/switchboard/internal/media"
)

func voicedFrame(amplitude int16) []byte {
	frame := make([]byte, media.FrameSamples16k*2)
	for i := 0; i < media.FrameSamples16k; i++ {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(amplitude))
	}
	return frame
}

func silentFrame() []byte {
	return make([]byte, media.FrameSamples16k*2)
}

func TestSegmenterClosesOnSilence(t *testing.T) {
	s := NewSegmenter(10*time.Second, 40*time.Millisecond, 500)

	var seg []byte
	for i := 0; i < 15; i++ { // 300 ms of speech
		if got, _ := s.Feed(voicedFrame(2000)); got != nil {
			t.Fatalf("segment closed during speech at frame %d", i)
		}
	}
	for i := 0; i < 3; i++ { // 60 ms of silence
		if got, _ := s.Feed(silentFrame()); got != nil {
			seg = got
			break
		}
	}
	if seg == nil {
		t.Fatalf("segment did not close after trailing silence")
	}
	// 15 voiced + 2 silence frames before the close.
	if wantMin := 16 * media.FrameSamples16k * 2; len(seg) < wantMin {
		t.Fatalf("segment len = %d, want >= %d", len(seg), wantMin)
	}
}

func TestSegmenterDiscardsShortBlips(t *testing.T) {
	s := NewSegmenter(10*time.Second, 40*time.Millisecond, 500)

	for i := 0; i < 3; i++ { // 60 ms of speech, below the 200 ms floor
		s.Feed(voicedFrame(2000))
	}
	for i := 0; i < 3; i++ {
		if got, _ := s.Feed(silentFrame()); got != nil {
			t.Fatalf("blip produced a segment of %d bytes", len(got))
		}
	}
}

func TestSegmenterClosesAtChunkCap(t *testing.T) {
	s := NewSegmenter(200*time.Millisecond, 10*time.Second, 500)

	var seg []byte
	for i := 0; i < 12; i++ {
		if got, _ := s.Feed(voicedFrame(2000)); got != nil {
			seg = got
			break
		}
	}
	if seg == nil {
		t.Fatalf("segment did not close at the chunk cap")
	}
}

func TestSegmenterSpeakRunSignalsBargeIn(t *testing.T) {
	s := NewSegmenter(10*time.Second, 600*time.Millisecond, 500)

	for i := 0; i < 8; i++ {
		s.Feed(voicedFrame(2000))
	}
	if got := s.SpeakRun(); got < 150*time.Millisecond {
		t.Fatalf("SpeakRun() = %v, want >= 150ms", got)
	}
	s.Feed(silentFrame())
	if got := s.SpeakRun(); got != 0 {
		t.Fatalf("SpeakRun() after silence = %v, want 0", got)
	}
}

func TestSegmenterFlushReturnsTail(t *testing.T) {
	s := NewSegmenter(10*time.Second, 600*time.Millisecond, 500)
	for i := 0; i < 15; i++ {
		s.Feed(voicedFrame(2000))
	}
	if got := s.Flush(); got == nil {
		t.Fatalf("Flush() = nil, want pending segment")
	}
	if got := s.Flush(); got != nil {
		t.Fatalf("second Flush() = %d bytes, want nil", len(got))
	}
}
