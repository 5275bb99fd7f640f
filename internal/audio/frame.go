package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BatchSamples is the fixed window size carried by one wire frame.
	BatchSamples = 2048
	// PayloadBytes is BatchSamples of little-endian PCM16 mono.
	PayloadBytes = BatchSamples * 2
	// HeaderBytes is timestamp(u32 BE) || flags(u32 BE).
	HeaderBytes = 8
	// FrameBytes is the full size of one wire frame.
	FrameBytes = HeaderBytes + PayloadBytes

	// FlagTTSPlaying is set by the client while it is playing assistant audio.
	FlagTTSPlaying uint32 = 1 << 0
)

var (
	ErrShortFrame = errors.New("audio: frame shorter than header+payload")
	ErrLongFrame  = errors.New("audio: frame longer than header+payload")
)

// Batch is one fixed-size window of PCM16 mono audio plus its wire header.
// Batches are ephemeral: they are decoded, routed, and dropped.
type Batch struct {
	Timestamp uint32
	Flags     uint32
	PCM       []byte
}

// TTSPlaying reports whether the client declared active playback when this
// batch was captured.
func (b Batch) TTSPlaying() bool {
	return b.Flags&FlagTTSPlaying != 0
}

// EncodeFrame serializes a batch into the wire layout. The PCM payload is
// zero-padded or rejected so the frame is always exactly FrameBytes.
func EncodeFrame(b Batch) ([]byte, error) {
	if len(b.PCM) > PayloadBytes {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrLongFrame, len(b.PCM))
	}
	frame := make([]byte, FrameBytes)
	binary.BigEndian.PutUint32(frame[0:4], b.Timestamp)
	binary.BigEndian.PutUint32(frame[4:8], b.Flags)
	copy(frame[HeaderBytes:], b.PCM)
	return frame, nil
}

// DecodeFrame parses one wire frame. Oversized and undersized frames are
// rejected rather than truncated so a desynced stream fails loudly.
func DecodeFrame(frame []byte) (Batch, error) {
	if len(frame) < FrameBytes {
		return Batch{}, fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(frame))
	}
	if len(frame) > FrameBytes {
		return Batch{}, fmt.Errorf("%w: got %d bytes", ErrLongFrame, len(frame))
	}
	pcm := make([]byte, PayloadBytes)
	copy(pcm, frame[HeaderBytes:])
	return Batch{
		Timestamp: binary.BigEndian.Uint32(frame[0:4]),
		Flags:     binary.BigEndian.Uint32(frame[4:8]),
		PCM:       pcm,
	}, nil
}

// MeanAbsAmplitude returns the mean absolute sample value of a PCM16LE
// buffer. Used as a cheap speech-energy estimate.
func MeanAbsAmplitude(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		if s < 0 {
			sum -= int64(s)
		} else {
			sum += int64(s)
		}
	}
	return float64(sum) / float64(n)
}

// Batcher regroups arbitrary PCM byte writes into fixed-size batches.
// The server mirrors the client-side framing logic here so a trailing
// partial batch is zero-padded instead of dropped.
type Batcher struct {
	buf       []byte
	timestamp uint32
	flags     uint32
}

func NewBatcher() *Batcher {
	return &Batcher{buf: make([]byte, 0, PayloadBytes)}
}

// Write appends pcm bytes and returns every complete batch produced.
// The provided header values are stamped on batches emitted by this call.
func (bt *Batcher) Write(pcm []byte, timestamp, flags uint32) []Batch {
	bt.timestamp = timestamp
	bt.flags = flags
	bt.buf = append(bt.buf, pcm...)

	var out []Batch
	for len(bt.buf) >= PayloadBytes {
		chunk := make([]byte, PayloadBytes)
		copy(chunk, bt.buf[:PayloadBytes])
		bt.buf = bt.buf[PayloadBytes:]
		out = append(out, Batch{Timestamp: timestamp, Flags: flags, PCM: chunk})
	}
	return out
}

// Flush zero-pads and emits the trailing partial batch, if any.
func (bt *Batcher) Flush() (Batch, bool) {
	if len(bt.buf) == 0 {
		return Batch{}, false
	}
	chunk := make([]byte, PayloadBytes)
	copy(chunk, bt.buf)
	bt.buf = bt.buf[:0]
	return Batch{Timestamp: bt.timestamp, Flags: bt.flags, PCM: chunk}, true
}

// Pending reports buffered bytes not yet emitted as a batch.
func (bt *Batcher) Pending() int { return len(bt.buf) }
