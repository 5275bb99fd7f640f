package turndetect

import (
	"errors"
	"testing"
	"time"
)

func TestDetectorStartOnSpeech(t *testing.T) {
	d := NewDetector(HeuristicEstimator{})
	b, ok := d.Feed("", 500*time.Millisecond)
	if ok {
		t.Fatalf("boundary fired during silence: %v", b)
	}
	b, ok = d.Feed("", 0)
	if !ok || b != BoundaryStart {
		t.Fatalf("Feed() = (%v, %v), want (start, true)", b, ok)
	}
}

func TestDetectorEndAfterDynamicThreshold(t *testing.T) {
	d := NewDetector(HeuristicEstimator{})
	if _, ok := d.Feed("", 0); !ok {
		t.Fatalf("expected start boundary")
	}

	// Question-like short phrase: neutral threshold, well under 1600ms.
	if b, ok := d.Feed("What's the weather", 200*time.Millisecond); ok {
		t.Fatalf("premature boundary: %v", b)
	}
	b, ok := d.Feed("What's the weather", 1600*time.Millisecond)
	if !ok || b != BoundaryEnd {
		t.Fatalf("Feed() = (%v, %v), want (end, true)", b, ok)
	}
}

func TestDetectorEndNeverFiresOnEmptyTranscript(t *testing.T) {
	d := NewDetector(HeuristicEstimator{})
	if _, ok := d.Feed("", 0); !ok {
		t.Fatalf("expected start boundary")
	}
	for _, silence := range []time.Duration{time.Second, 3 * time.Second, 10 * time.Second} {
		if b, ok := d.Feed("   ", silence); ok {
			t.Fatalf("boundary %v fired with empty transcript at %s", b, silence)
		}
	}
}

func TestHeuristicPauseShape(t *testing.T) {
	cases := []struct {
		partial string
		want    time.Duration
	}{
		{"I'll take the second option.", pauseTerminal},
		{"is it going to rain today?", pauseTerminal},
		{"and then we should probably", pauseContinuation},
		{"well,", pauseContinuation},
		{"so", pauseContinuation}, // trailing conjunction wins over fragment length
		{"um", pauseFragment},
		{"can you walk me through everything we discussed in the meeting yesterday afternoon please", pauseSaturated},
		{"tell me about the weather", pauseNeutral},
	}
	for _, tc := range cases {
		if got := heuristicPause(tc.partial); got != tc.want {
			t.Fatalf("heuristicPause(%q) = %s, want %s", tc.partial, got, tc.want)
		}
	}
}

func TestThresholdAlwaysWithinBounds(t *testing.T) {
	d := NewDetector(HeuristicEstimator{})
	for _, partial := range []string{
		"", "hi", "ok.", "and", "what is the meaning of all of this, I wonder, truly -",
		"a much longer utterance that keeps going on and on and on without any clear ending in sight whatsoever",
	} {
		got := d.Threshold(partial)
		if got < MinPause || got > MaxPause {
			t.Fatalf("Threshold(%q) = %s, outside [%s, %s]", partial, got, MinPause, MaxPause)
		}
	}
}

type fixedEstimator struct {
	pause time.Duration
	err   error
	delay time.Duration
}

func (f fixedEstimator) Estimate(string) (time.Duration, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.pause, f.err
}

func TestThresholdClampsEstimator(t *testing.T) {
	d := NewDetector(fixedEstimator{pause: 10 * time.Second})
	if got := d.Threshold("anything"); got != MaxPause {
		t.Fatalf("Threshold() = %s, want clamp to %s", got, MaxPause)
	}
	d = NewDetector(fixedEstimator{pause: time.Millisecond})
	if got := d.Threshold("anything"); got != MinPause {
		t.Fatalf("Threshold() = %s, want clamp to %s", got, MinPause)
	}
}

func TestThresholdFallbackOnError(t *testing.T) {
	d := NewDetector(fixedEstimator{err: errors.New("estimator down")})
	if got := d.Threshold("anything"); got != FallbackPause {
		t.Fatalf("Threshold() = %s, want fallback %s", got, FallbackPause)
	}
}

func TestThresholdReusesPreviousOnSlowEstimator(t *testing.T) {
	d := NewDetector(fixedEstimator{pause: 700 * time.Millisecond, delay: 300 * time.Millisecond})
	// First call times out at the soft budget and keeps the fallback value.
	if got := d.Threshold("anything"); got != FallbackPause {
		t.Fatalf("Threshold() = %s, want previous value %s on timeout", got, FallbackPause)
	}
}

func TestThresholdNoEstimatorUsesFallback(t *testing.T) {
	d := NewDetector(nil)
	if got := d.Threshold("whatever"); got != FallbackPause {
		t.Fatalf("Threshold() = %s, want %s", got, FallbackPause)
	}
}

func TestSilenceTrackerAccumulatesAndResets(t *testing.T) {
	st := NewSilenceTracker(16000, 2048, 100)
	wantBatch := 128 * time.Millisecond
	if st.BatchDuration() != wantBatch {
		t.Fatalf("BatchDuration() = %s, want %s", st.BatchDuration(), wantBatch)
	}

	silence, speech := st.Observe(5)
	if speech || silence != wantBatch {
		t.Fatalf("Observe(quiet) = (%s, %v), want (%s, false)", silence, speech, wantBatch)
	}
	silence, _ = st.Observe(5)
	if silence != 2*wantBatch {
		t.Fatalf("silence = %s, want %s", silence, 2*wantBatch)
	}

	silence, speech = st.Observe(5000)
	if !speech || silence != 0 {
		t.Fatalf("Observe(loud) = (%s, %v), want (0, true)", silence, speech)
	}
}
