package media

import (
	"encoding/binary"
	"testing"
)

func TestParseFrameStart(t *testing.T) {
	raw := []byte(`{"event":"start","stream_id":"s1","media_format":{"encoding":"audio/x-mulaw","sample_rate":8000,"channels":1}}`)
	parsed, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	f, ok := parsed.(StartFrame)
	if !ok {
		t.Fatalf("parsed type = %T, want StartFrame", parsed)
	}
	if f.StreamID != "s1" || f.MediaFormat.Encoding != EncodingPCMU {
		t.Fatalf("unexpected start frame: %+v", f)
	}
}

func TestParseFrameStartDefaultsFormat(t *testing.T) {
	raw := []byte(`{"event":"start","stream_id":"s1","media_format":{"encoding":"audio/x-mulaw"}}`)
	parsed, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	f := parsed.(StartFrame)
	if f.MediaFormat.SampleRate != 8000 || f.MediaFormat.Channels != 1 {
		t.Fatalf("defaults not applied: %+v", f.MediaFormat)
	}
}

func TestParseFrameRejectsUnknownEvent(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"event":"mark"}`)); err == nil {
		t.Fatalf("ParseFrame() error = nil, want unsupported event")
	}
}

func TestParseFrameRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"event":`)); err == nil {
		t.Fatalf("ParseFrame() error = nil, want envelope error")
	}
}

func TestResampleDoublesAndHalvesLength(t *testing.T) {
	pcm := make([]byte, 160*2) // 20 ms at 8 kHz
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*100)))
	}

	up := Resample(pcm, 8000, 16000)
	if len(up) != 320*2 {
		t.Fatalf("upsampled length = %d, want %d", len(up), 320*2)
	}
	down := Resample(up, 16000, 8000)
	if len(down) != 160*2 {
		t.Fatalf("downsampled length = %d, want %d", len(down), 160*2)
	}
}

func TestEncodeOutboundFrameSizeAndPadding(t *testing.T) {
	// 30 ms of 16 kHz audio becomes 1.5 provider frames; the tail must be
	// padded to a full frame with μ-law silence.
	pcm := make([]byte, 480*2)
	frames := EncodeOutbound(pcm)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != FrameBytesPCMU {
			t.Fatalf("frame %d length = %d, want %d", i, len(f), FrameBytesPCMU)
		}
	}
	last := frames[1]
	if last[FrameBytesPCMU-1] != 0xFF {
		t.Fatalf("padding byte = %#x, want 0xff", last[FrameBytesPCMU-1])
	}
}

func TestDecodeInboundRejectsAMRWB(t *testing.T) {
	if _, err := DecodeInbound(EncodingAMRWB, make([]byte, 160), 16000); err == nil {
		t.Fatalf("DecodeInbound() error = nil, want unsupported encoding")
	}
	if SupportedInbound(EncodingAMRWB) {
		t.Fatalf("SupportedInbound(AMR-WB) = true, want false")
	}
	if !SupportedInbound(EncodingPCMU) {
		t.Fatalf("SupportedInbound(PCMU) = false, want true")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := make([]byte, 640)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	got, rate, err := DecodeWAVPCM16LE(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want 16000", rate)
	}
	if len(got) != len(pcm) {
		t.Fatalf("pcm length = %d, want %d", len(got), len(pcm))
	}
	for i := range got {
		if got[i] != pcm[i] {
			t.Fatalf("pcm[%d] = %#x, want %#x", i, got[i], pcm[i])
		}
	}
}

func TestRMSSilenceIsZero(t *testing.T) {
	if got := RMS(make([]byte, 320)); got != 0 {
		t.Fatalf("RMS(silence) = %f, want 0", got)
	}
	loud := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(loud[i*2:], uint16(int16(8000)))
	}
	if got := RMS(loud); got < 7999 || got > 8001 {
		t.Fatalf("RMS(constant 8000) = %f, want ~8000", got)
	}
}
