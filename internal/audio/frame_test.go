package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		timestamp uint32
		flags     uint32
	}{
		{0, 0},
		{1, FlagTTSPlaying},
		{4294967295, 4294967295},
		{123456789, 2},
	}
	for _, tc := range cases {
		pcm := bytes.Repeat([]byte{0x12, 0x34}, BatchSamples)
		frame, err := EncodeFrame(Batch{Timestamp: tc.timestamp, Flags: tc.flags, PCM: pcm})
		if err != nil {
			t.Fatalf("EncodeFrame() error = %v", err)
		}
		if len(frame) != FrameBytes {
			t.Fatalf("frame length = %d, want %d", len(frame), FrameBytes)
		}
		got, err := DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame() error = %v", err)
		}
		if got.Timestamp != tc.timestamp || got.Flags != tc.flags {
			t.Fatalf("round trip = (%d, %d), want (%d, %d)", got.Timestamp, got.Flags, tc.timestamp, tc.flags)
		}
		if !bytes.Equal(got.PCM, pcm) {
			t.Fatalf("payload mismatch after round trip")
		}
	}
}

func TestEncodeFrameZeroPadsShortPayload(t *testing.T) {
	frame, err := EncodeFrame(Batch{Timestamp: 7, PCM: []byte{0xFF, 0x7F}})
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if got.PCM[0] != 0xFF || got.PCM[1] != 0x7F {
		t.Fatalf("leading samples lost: % x", got.PCM[:2])
	}
	for i := 2; i < PayloadBytes; i++ {
		if got.PCM[i] != 0 {
			t.Fatalf("byte %d = %#x, want zero padding", i, got.PCM[i])
		}
	}
}

func TestDecodeFrameRejectsWrongSize(t *testing.T) {
	if _, err := DecodeFrame(make([]byte, FrameBytes-1)); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("short frame error = %v, want ErrShortFrame", err)
	}
	if _, err := DecodeFrame(make([]byte, FrameBytes+1)); !errors.Is(err, ErrLongFrame) {
		t.Fatalf("long frame error = %v, want ErrLongFrame", err)
	}
}

func TestBatcherEmitsFixedBatches(t *testing.T) {
	bt := NewBatcher()
	// One and a half batches.
	in := make([]byte, PayloadBytes+PayloadBytes/2)
	for i := range in {
		in[i] = byte(i)
	}
	batches := bt.Write(in, 42, FlagTTSPlaying)
	if len(batches) != 1 {
		t.Fatalf("complete batches = %d, want 1", len(batches))
	}
	if batches[0].Timestamp != 42 || !batches[0].TTSPlaying() {
		t.Fatalf("header not stamped: %+v", batches[0])
	}
	if bt.Pending() != PayloadBytes/2 {
		t.Fatalf("Pending() = %d, want %d", bt.Pending(), PayloadBytes/2)
	}

	tail, ok := bt.Flush()
	if !ok {
		t.Fatalf("Flush() ok = false, want true")
	}
	if len(tail.PCM) != PayloadBytes {
		t.Fatalf("flushed batch size = %d, want %d", len(tail.PCM), PayloadBytes)
	}
	for i := PayloadBytes / 2; i < PayloadBytes; i++ {
		if tail.PCM[i] != 0 {
			t.Fatalf("tail byte %d = %#x, want zero padding", i, tail.PCM[i])
		}
	}
	if _, ok := bt.Flush(); ok {
		t.Fatalf("second Flush() ok = true, want false")
	}
}

func TestMeanAbsAmplitude(t *testing.T) {
	silent := make([]byte, 64)
	if got := MeanAbsAmplitude(silent); got != 0 {
		t.Fatalf("silent amplitude = %f, want 0", got)
	}

	loud := make([]byte, 8)
	sample := int16(-1000)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint16(loud[2*i:], uint16(sample))
	}
	if got := MeanAbsAmplitude(loud); got != 1000 {
		t.Fatalf("amplitude = %f, want 1000", got)
	}

	if got := MeanAbsAmplitude(nil); got != 0 {
		t.Fatalf("nil amplitude = %f, want 0", got)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 100)
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("not a RIFF/WAVE header: % x", wav[:12])
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
}
