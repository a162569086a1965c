package media

import (
	"encoding/binary"
	"math"
)

// Resample converts PCM16LE mono audio between sample rates by linear
// interpolation. Telephony audio is band-limited well below 4 kHz so linear
// interpolation is adequate for the 8k/16k legs this service uses.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	samples := len(pcm) / 2
	if samples == 0 {
		return nil
	}

	outSamples := samples * toRate / fromRate
	if outSamples == 0 {
		return nil
	}

	out := make([]byte, outSamples*2)
	for i := 0; i < outSamples; i++ {
		// Position in the source signal, fixed-point by the output index.
		pos := i * fromRate
		idx := pos / toRate
		frac := pos % toRate

		s0 := sampleAt(pcm, idx, samples)
		s1 := sampleAt(pcm, idx+1, samples)
		v := int32(s0) + int32(s1-s0)*int32(frac)/int32(toRate)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func sampleAt(pcm []byte, idx, samples int) int16 {
	if idx >= samples {
		idx = samples - 1
	}
	return int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
}

// RMS returns the root-mean-square amplitude of PCM16LE audio, used by the
// voice activity detector.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}
