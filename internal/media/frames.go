package media

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameEvent identifies media stream payload variants.
type FrameEvent string

const (
	EventStart FrameEvent = "start"
	EventMedia FrameEvent = "media"
	EventStop  FrameEvent = "stop"
)

const (
	EncodingPCMU  = "audio/x-mulaw"
	EncodingL16   = "L16"
	EncodingAMRWB = "AMR-WB"
)

// Frame cadence of the provider media stream: 20 ms of 8 kHz μ-law per frame.
const (
	FrameDuration   = 20
	FrameBytesPCMU  = 160
	ProviderRate    = 8000
	PipelineRate    = 16000
	FrameSamples16k = PipelineRate / 1000 * FrameDuration
)

var ErrUnsupportedFrame = errors.New("media: unsupported frame event")

type Envelope struct {
	Event FrameEvent `json:"event"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type StartFrame struct {
	Event       FrameEvent  `json:"event"`
	StreamID    string      `json:"stream_id"`
	MediaFormat MediaFormat `json:"media_format"`
}

type MediaFrame struct {
	Event          FrameEvent `json:"event"`
	SequenceNumber int64      `json:"sequence_number"`
	// Payload is a base64 20 ms audio frame in the negotiated encoding.
	Payload string `json:"payload"`
}

type StopFrame struct {
	Event    FrameEvent `json:"event"`
	StreamID string     `json:"stream_id,omitempty"`
}

// ParseFrame decodes one inbound media stream message.
func ParseFrame(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventStart:
		var f StartFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if f.StreamID == "" || f.MediaFormat.Encoding == "" {
			return nil, errors.New("invalid start frame")
		}
		if f.MediaFormat.SampleRate == 0 {
			f.MediaFormat.SampleRate = ProviderRate
		}
		if f.MediaFormat.Channels == 0 {
			f.MediaFormat.Channels = 1
		}
		return f, nil
	case EventMedia:
		var f MediaFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if f.Payload == "" {
			return nil, errors.New("invalid media frame")
		}
		return f, nil
	case EventStop:
		var f StopFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, ErrUnsupportedFrame
	}
}
