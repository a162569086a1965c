package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrNotWAV = errors.New("media: not a RIFF/WAVE stream")

// DecodeWAVPCM16LE extracts mono PCM16LE samples and the sample rate from a WAV
// container, as returned by the TTS endpoints. Extra chunks (LIST, fact) are
// skipped; only format 1 (PCM) 16-bit audio is accepted.
func DecodeWAVPCM16LE(wav []byte) ([]byte, int, error) {
	if len(wav) < 44 || !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
		return nil, 0, ErrNotWAV
	}

	var (
		sampleRate int
		pcm        []byte
		haveFmt    bool
	)
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(wav) {
			return nil, 0, fmt.Errorf("media: truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("media: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(wav[body : body+2])
			channels := binary.LittleEndian.Uint16(wav[body+2 : body+4])
			sampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(wav[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("media: unsupported wav format %d/%d-bit", format, bits)
			}
			if channels != 1 {
				return nil, 0, fmt.Errorf("media: expected mono audio, got %d channels", channels)
			}
			haveFmt = true
		case "data":
			pcm = wav[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}

	if !haveFmt || pcm == nil {
		return nil, 0, fmt.Errorf("media: missing fmt or data chunk")
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, sampleRate, nil
}
