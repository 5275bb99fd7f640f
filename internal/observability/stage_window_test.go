package observability

import "testing"

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageFirstAudio, 500)
	w.Observe(StageFirstAudio, 700)
	w.Observe(StageFirstAudio, 900)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstAudio {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageFirstAudio)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1400 {
		t.Fatalf("TargetP95MS = %.2f, want 1400", s.TargetP95MS)
	}
}

func TestStageWindowWrapsRing(t *testing.T) {
	w := newStageWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe(StageTurnTotal, float64(100*i))
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].Samples != 4 {
		t.Fatalf("samples = %+v, want 4 after wrap", snap.Stages)
	}
}

func TestStageWindowIgnoresInvalid(t *testing.T) {
	w := newStageWindow(4)
	w.Observe("", 50)
	w.Observe(StageTurnTotal, -1)
	if got := w.Snapshot(); len(got.Stages) != 0 {
		t.Fatalf("Stages = %+v, want empty", got.Stages)
	}
}
