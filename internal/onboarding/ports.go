package onboarding

import (
	"context"
	"strings"
)

// TranscriptEvent is one event emitted by an active listen session.
// Zero or more interim events (Final=false) precede exactly one terminal
// event: either a final transcript (Final=true) or Err set. After the
// terminal event the session's channel is closed.
type TranscriptEvent struct {
	Text  string
	Final bool
	Err   error
}

// ListenSession is a live speech capture session.
type ListenSession interface {
	// Events delivers interim and terminal transcript events in order.
	Events() <-chan TranscriptEvent
	// Stop ends the session early. The events channel is closed without a
	// terminal event; no final transcript is produced.
	Stop()
}

// SpeechOutputPort speaks text aloud. Speak blocks until playback has
// finished or ctx is canceled. Only one utterance may be in flight at a time;
// the engine guarantees this.
type SpeechOutputPort interface {
	Speak(ctx context.Context, text string) error
}

// SpeechInputPort opens listen-and-transcribe sessions.
type SpeechInputPort interface {
	Listen(ctx context.Context) (ListenSession, error)
}

// StepResult is the backend's answer to one conversational turn.
type StepResult struct {
	NextPrompt  string
	Preferences map[string]any
	Complete    bool
}

// BackendPort is the remote onboarding service.
type BackendPort interface {
	Step(ctx context.Context, sessionID string, history []Turn, answer string) (StepResult, error)
	Save(ctx context.Context, result Result) error
	Status(ctx context.Context) (bool, error)
}

// CompletionSentinel is the reserved prompt value a backend may return in
// place of a next question. The engine treats it exactly like Complete=true.
const CompletionSentinel = "onboarding complete"

// IsCompletionSentinel reports whether prompt is the reserved completion
// value, ignoring case and surrounding whitespace.
func IsCompletionSentinel(prompt string) bool {
	return strings.EqualFold(strings.TrimSpace(prompt), CompletionSentinel)
}
