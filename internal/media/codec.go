package media

import (
	"fmt"

	"github.com/zaf/g711"
)

// DecodeInbound converts one provider frame in the negotiated encoding to
// PCM16LE at the pipeline rate (16 kHz mono).
func DecodeInbound(encoding string, frame []byte, sampleRate int) ([]byte, error) {
	switch encoding {
	case EncodingPCMU:
		pcm8k := g711.DecodeUlaw(frame)
		return Resample(pcm8k, ProviderRate, PipelineRate), nil
	case EncodingL16:
		if sampleRate == PipelineRate {
			out := make([]byte, len(frame))
			copy(out, frame)
			return out, nil
		}
		return Resample(frame, sampleRate, PipelineRate), nil
	case EncodingAMRWB:
		// No pure-Go AMR-WB decoder is available; callers must reject the
		// stream at start rather than per frame.
		return nil, fmt.Errorf("media: unsupported encoding %q", encoding)
	default:
		return nil, fmt.Errorf("media: unsupported encoding %q", encoding)
	}
}

// EncodeOutbound converts PCM16LE at the pipeline rate into one or more
// provider μ-law frames of exactly FrameBytesPCMU bytes. A trailing partial
// frame is zero-padded so playback cadence stays uniform.
func EncodeOutbound(pcm16k []byte) [][]byte {
	pcm8k := Resample(pcm16k, PipelineRate, ProviderRate)
	ulaw := g711.EncodeUlaw(pcm8k)

	var frames [][]byte
	for off := 0; off < len(ulaw); off += FrameBytesPCMU {
		end := off + FrameBytesPCMU
		frame := make([]byte, FrameBytesPCMU)
		if end > len(ulaw) {
			copy(frame, ulaw[off:])
			// μ-law silence is 0xFF, not zero.
			for i := len(ulaw) - off; i < FrameBytesPCMU; i++ {
				frame[i] = 0xFF
			}
		} else {
			copy(frame, ulaw[off:end])
		}
		frames = append(frames, frame)
	}
	return frames
}

// SupportedInbound reports whether a start frame's encoding can be decoded.
func SupportedInbound(encoding string) bool {
	switch encoding {
	case EncodingPCMU, EncodingL16:
		return true
	default:
		return false
	}
}
