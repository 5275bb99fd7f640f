package main

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/avrile/cadence/internal/audio"
)

func TestSpeechBatchClearsEnergyFloor(t *testing.T) {
	b := speechBatch(4000)
	if len(b.PCM) != audio.PayloadBytes {
		t.Fatalf("PCM length = %d, want %d", len(b.PCM), audio.PayloadBytes)
	}
	if got := audio.MeanAbsAmplitude(b.PCM); got != 4000 {
		t.Fatalf("MeanAbsAmplitude() = %v, want 4000", got)
	}
	first := int16(binary.LittleEndian.Uint16(b.PCM[0:2]))
	second := int16(binary.LittleEndian.Uint16(b.PCM[2:4]))
	if first != 4000 || second != -4000 {
		t.Fatalf("samples = (%d, %d), want alternating tone", first, second)
	}
}

func TestQuantile(t *testing.T) {
	values := []time.Duration{
		40 * time.Millisecond,
		10 * time.Millisecond,
		30 * time.Millisecond,
		20 * time.Millisecond,
		50 * time.Millisecond,
	}
	if got := quantile(values, 0.5); got != 30*time.Millisecond {
		t.Fatalf("p50 = %s, want 30ms", got)
	}
	if got := quantile(values, 0.95); got != 40*time.Millisecond {
		t.Fatalf("p95 = %s, want 40ms", got)
	}
	if got := quantile(nil, 0.5); got != 0 {
		t.Fatalf("empty quantile = %s, want 0", got)
	}
}
