package pipeline

import (
	"time"

	"github.com/avencall/switchboard/internal/media"
)

// defaultVADThreshold is the RMS amplitude separating speech from line noise
// on telephony audio normalised to int16.
const defaultVADThreshold = 500

// Segmenter turns a stream of 20 ms PCM frames into closed speech segments. A
// segment closes after silenceDur of trailing silence, or when it reaches
// chunkDur regardless. Segments with less than minVoiced of actual speech are
// discarded as noise.
type Segmenter struct {
	chunkDur   time.Duration
	silenceDur time.Duration
	threshold  float64
	minVoiced  time.Duration

	cur        []byte
	curDur     time.Duration
	voicedDur  time.Duration
	silenceRun time.Duration
	speakRun   time.Duration
}

func NewSegmenter(chunkDur, silenceDur time.Duration, threshold float64) *Segmenter {
	if chunkDur <= 0 {
		chunkDur = 1200 * time.Millisecond
	}
	if silenceDur <= 0 {
		silenceDur = 600 * time.Millisecond
	}
	if threshold <= 0 {
		threshold = defaultVADThreshold
	}
	return &Segmenter{
		chunkDur:   chunkDur,
		silenceDur: silenceDur,
		threshold:  threshold,
		minVoiced:  200 * time.Millisecond,
	}
}

// Feed consumes one 20 ms frame. It returns the closed segment when one is
// ready (nil otherwise) and whether this frame contained speech.
func (s *Segmenter) Feed(frame []byte) ([]byte, bool) {
	const frameDur = media.FrameDuration * time.Millisecond

	voiced := media.RMS(frame) >= s.threshold
	if voiced {
		s.speakRun += frameDur
		s.silenceRun = 0
		s.cur = append(s.cur, frame...)
		s.curDur += frameDur
		s.voicedDur += frameDur
	} else {
		s.speakRun = 0
		if len(s.cur) > 0 {
			// Keep trailing silence in the segment; it helps the recogniser
			// terminate the final word.
			s.cur = append(s.cur, frame...)
			s.curDur += frameDur
			s.silenceRun += frameDur
		}
	}

	if len(s.cur) > 0 && (s.silenceRun >= s.silenceDur || s.curDur >= s.chunkDur) {
		return s.close(), voiced
	}
	return nil, voiced
}

// SpeakRun reports how long the caller has been speaking without pause, the
// barge-in signal.
func (s *Segmenter) SpeakRun() time.Duration {
	return s.speakRun
}

// Flush closes and returns any in-progress segment, e.g. at stream stop.
func (s *Segmenter) Flush() []byte {
	if len(s.cur) == 0 {
		return nil
	}
	return s.close()
}

func (s *Segmenter) close() []byte {
	seg := s.cur
	voiced := s.voicedDur
	s.cur = nil
	s.curDur = 0
	s.voicedDur = 0
	s.silenceRun = 0
	if voiced < s.minVoiced {
		return nil
	}
	return seg
}
