package reliability

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		got, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: ok = false before budget exhausted", i+1)
		}
		if got != w {
			t.Fatalf("attempt %d: delay = %s, want %s", i+1, got, w)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatalf("attempt 11 allowed, want give-up after 10")
	}
}

func TestBackoffResetRestoresSchedule(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 4; i++ {
		b.Next()
	}
	b.Reset()
	if got := b.Attempt(); got != 0 {
		t.Fatalf("Attempt() after reset = %d, want 0", got)
	}
	got, ok := b.Next()
	if !ok || got != time.Second {
		t.Fatalf("Next() after reset = (%s, %v), want (1s, true)", got, ok)
	}
}
