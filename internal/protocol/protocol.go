package protocol

import (
	"encoding/binary"
	"fmt"
)

// Wire framing for binary audio frames.
// Layout: [Marker:1][Sequence:4 LE][Timestamp:8 LE][Payload:N]
const (
	MarkerAudio = 0x01

	HeaderSize = 13

	markerOffset    = 0
	sequenceOffset  = 1
	timestampOffset = 5
)

// AudioFrame is one compressed audio frame as it travels on the wire.
// Sequence is informational only; the relay preserves arrival order and
// the playout side schedules on Timestamp alone.
type AudioFrame struct {
	Sequence  uint32
	Timestamp uint64 // sender-side presentation time, microseconds
	Payload   []byte
}

// IsAudio reports whether a binary message carries an audio frame.
// Anything else is dropped on the floor by the relay.
func IsAudio(data []byte) bool {
	return len(data) > 0 && data[markerOffset] == MarkerAudio
}

// ParseAudioFrame decodes the fixed header and slices out the payload.
// The payload is copied so the frame outlives the read buffer.
func ParseAudioFrame(data []byte) (*AudioFrame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}
	if data[markerOffset] != MarkerAudio {
		return nil, fmt.Errorf("unknown frame marker: 0x%02x", data[markerOffset])
	}

	f := &AudioFrame{
		Sequence:  binary.LittleEndian.Uint32(data[sequenceOffset:timestampOffset]),
		Timestamp: binary.LittleEndian.Uint64(data[timestampOffset:HeaderSize]),
	}
	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}

// Marshal serializes the frame back to the exact wire layout.
func (f *AudioFrame) Marshal() []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	out[markerOffset] = MarkerAudio
	binary.LittleEndian.PutUint32(out[sequenceOffset:], f.Sequence)
	binary.LittleEndian.PutUint64(out[timestampOffset:], f.Timestamp)
	copy(out[HeaderSize:], f.Payload)
	return out
}

func (f *AudioFrame) String() string {
	return fmt.Sprintf("AudioFrame{Seq:%d, Ts:%d, PayloadLen:%d}", f.Sequence, f.Timestamp, len(f.Payload))
}
