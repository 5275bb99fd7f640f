package turndetect

import (
	"regexp"
	"strings"
	"time"
)

// Boundary marks speech onset or completion.
type Boundary string

const (
	BoundaryStart Boundary = "start"
	BoundaryEnd   Boundary = "end"
)

const (
	// Hard bounds on the dynamic pause threshold.
	MinPause = 300 * time.Millisecond
	MaxPause = 2000 * time.Millisecond
	// FallbackPause is used when no estimator is configured or it errors.
	FallbackPause = 1200 * time.Millisecond

	// estimateBudget caps how long a Feed call waits for the estimator.
	// Audio ingestion must never stall behind threshold computation.
	estimateBudget = 50 * time.Millisecond

	pauseTerminal     = 400 * time.Millisecond
	pauseSaturated    = 600 * time.Millisecond
	pauseNeutral      = 800 * time.Millisecond
	pauseContinuation = 1400 * time.Millisecond
	pauseFragment     = 1500 * time.Millisecond

	saturatedWords   = 12
	fragmentMaxWords = 2
)

var (
	terminalTailRe     = regexp.MustCompile(`(?i)([.!?]["')]?\s*$|\b(thanks|thank you|that's all|thats all|goodbye|bye)\s*$)`)
	continuationTailRe = regexp.MustCompile(`(?i)\b(and|but|because|so|then|which|that|if|when|while|as|to|for|with|or)\s*$`)
	openTailRe         = regexp.MustCompile(`[,;:\-]\s*$`)
)

// ThresholdEstimator maps a partial transcript to a pause threshold.
// Implementations may be slow or remote; the detector applies a soft
// timeout and falls back to the previous value.
type ThresholdEstimator interface {
	Estimate(partial string) (time.Duration, error)
}

// HeuristicEstimator is the default estimator: punctuation- and
// length-based interpolation between the short and long pause bounds.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(partial string) (time.Duration, error) {
	return heuristicPause(partial), nil
}

func heuristicPause(partial string) time.Duration {
	text := strings.TrimSpace(partial)
	if text == "" {
		return FallbackPause
	}
	words := len(strings.Fields(text))

	switch {
	case openTailRe.MatchString(text):
		return pauseContinuation
	case continuationTailRe.MatchString(text):
		return pauseContinuation
	case terminalTailRe.MatchString(text):
		return pauseTerminal
	case words <= fragmentMaxWords:
		return pauseFragment
	case words >= saturatedWords:
		return pauseSaturated
	default:
		return pauseNeutral
	}
}

// Detector decides turn boundaries from streaming partial transcripts and
// accumulated silence. It is not safe for concurrent use; each session's
// coordinator owns one detector and feeds it in arrival order.
type Detector struct {
	estimator ThresholdEstimator

	speaking      bool
	lastThreshold time.Duration
}

func NewDetector(estimator ThresholdEstimator) *Detector {
	return &Detector{
		estimator:     estimator,
		lastThreshold: FallbackPause,
	}
}

// Feed consumes the current partial transcript and the silence elapsed
// since the last speech energy. It returns a boundary when one fires:
// Start on the first speech after silence, End once silence outlasts the
// dynamic threshold. End never fires on an empty transcript; spurious
// noise keeps the detector listening.
func (d *Detector) Feed(partial string, silence time.Duration) (Boundary, bool) {
	if !d.speaking {
		if silence == 0 {
			d.speaking = true
			return BoundaryStart, true
		}
		return "", false
	}

	if silence == 0 {
		return "", false
	}
	if strings.TrimSpace(partial) == "" {
		// Nothing transcribed yet; keep listening through the pause.
		return "", false
	}
	if silence >= d.Threshold(partial) {
		d.speaking = false
		return BoundaryEnd, true
	}
	return "", false
}

// Reset returns the detector to its idle state, keeping the last
// threshold as the warm starting point for the next turn.
func (d *Detector) Reset() {
	d.speaking = false
}

// Threshold computes the pause threshold for the given partial, clamped to
// [MinPause, MaxPause]. The estimator gets a soft budget; on timeout or
// error the previous threshold is reused.
func (d *Detector) Threshold(partial string) time.Duration {
	if d.estimator == nil {
		d.lastThreshold = FallbackPause
		return d.lastThreshold
	}

	type result struct {
		pause time.Duration
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := d.estimator.Estimate(partial)
		ch <- result{pause: p, err: err}
	}()

	timer := time.NewTimer(estimateBudget)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			d.lastThreshold = FallbackPause
		} else {
			d.lastThreshold = clampPause(res.pause)
		}
	case <-timer.C:
		// Estimator too slow; reuse the previous threshold.
	}
	return d.lastThreshold
}

func clampPause(v time.Duration) time.Duration {
	if v < MinPause {
		return MinPause
	}
	if v > MaxPause {
		return MaxPause
	}
	return v
}

// SilenceTracker converts per-batch speech energy into an accumulated
// silence duration. Silence resets to zero on any batch with speech energy.
type SilenceTracker struct {
	energyFloor float64
	batchDur    time.Duration
	silence     time.Duration
}

// NewSilenceTracker configures the tracker for a given sample rate and
// fixed batch size. energyFloor is the mean-abs-amplitude above which a
// batch counts as speech.
func NewSilenceTracker(sampleRate, batchSamples int, energyFloor float64) *SilenceTracker {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &SilenceTracker{
		energyFloor: energyFloor,
		batchDur:    time.Duration(batchSamples) * time.Second / time.Duration(sampleRate),
	}
}

// Observe folds one batch's energy into the running silence figure and
// returns (silence, speech) where speech reports whether this batch
// contained speech energy.
func (st *SilenceTracker) Observe(energy float64) (time.Duration, bool) {
	if energy >= st.energyFloor {
		st.silence = 0
		return 0, true
	}
	st.silence += st.batchDur
	return st.silence, false
}

// Silence returns the current accumulated silence.
func (st *SilenceTracker) Silence() time.Duration { return st.silence }

// BatchDuration reports the wall-clock span of one batch.
func (st *SilenceTracker) BatchDuration() time.Duration { return st.batchDur }
