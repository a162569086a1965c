package media

import "encoding/binary"

const wavHeaderLen = 44

// EncodeWAVPCM16LE wraps raw PCM16LE mono samples in a minimal WAV container,
// the shape the recognition endpoint expects: RIFF header, 16-byte fmt chunk,
// one data chunk.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = PipelineRate
	}

	out := make([]byte, wavHeaderLen+len(pcm))
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], 1) // PCM
	le.PutUint16(out[22:24], 1) // mono
	le.PutUint32(out[24:28], uint32(sampleRate))
	le.PutUint32(out[28:32], uint32(sampleRate*2)) // byte rate
	le.PutUint16(out[32:34], 2)                    // block align
	le.PutUint16(out[34:36], 16)                   // bits per sample

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderLen:], pcm)
	return out, nil
}
