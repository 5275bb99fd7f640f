package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle stage of one conversational turn.
type Phase string

const (
	PhaseListening    Phase = "LISTENING"
	PhaseTranscribing Phase = "TRANSCRIBING"
	PhaseGenerating   Phase = "GENERATING"
	PhaseSpeaking     Phase = "SPEAKING"
	PhaseCancelled    Phase = "CANCELLED"
	PhaseDone         Phase = "DONE"
)

// Turn is one user utterance and the assistant reply it provokes. The
// coordinator goroutine owns it exclusively; only the CancelToken is shared
// with workers.
type Turn struct {
	ID        string
	Phase     Phase
	Token     *CancelToken
	StartedAt time.Time

	partial         string
	finalTranscript string
	transcribed     bool

	response strings.Builder
}

func NewTurn() *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Phase:     PhaseListening,
		Token:     NewCancelToken(),
		StartedAt: time.Now().UTC(),
	}
}

// SetPartial records the rolling transcript hypothesis. Ignored once the
// final transcript is committed.
func (t *Turn) SetPartial(text string) {
	if t.transcribed {
		return
	}
	t.partial = text
}

func (t *Turn) Partial() string { return t.partial }

// CommitTranscript writes the final transcript exactly once. Later calls
// report false and change nothing.
func (t *Turn) CommitTranscript(text string) bool {
	if t.transcribed {
		return false
	}
	t.finalTranscript = text
	t.transcribed = true
	return true
}

func (t *Turn) Transcript() string { return t.finalTranscript }
func (t *Turn) Transcribed() bool  { return t.transcribed }

// AppendResponse accumulates assistant text. The response only ever grows;
// cancellation freezes it rather than truncating.
func (t *Turn) AppendResponse(delta string) {
	t.response.WriteString(delta)
}

func (t *Turn) Response() string { return t.response.String() }

// Live reports whether the turn can still make progress.
func (t *Turn) Live() bool {
	return t.Phase != PhaseCancelled && t.Phase != PhaseDone
}
