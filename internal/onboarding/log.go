package onboarding

import "time"

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerSystem Speaker = "system"
	SpeakerUser   Speaker = "user"
)

// Turn is one utterance in the onboarding conversation. Immutable once
// appended.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// ConversationLog is the ordered, append-only record of turns in a session.
// Only the engine mutates it; everything else reads snapshots.
type ConversationLog struct {
	turns []Turn
}

// Append adds a turn at the end of the log.
func (l *ConversationLog) Append(t Turn) {
	l.turns = append(l.turns, t)
}

// Len returns the number of recorded turns.
func (l *ConversationLog) Len() int {
	return len(l.turns)
}

// Snapshot returns a copy safe to hand to the backend or a presentation
// layer.
func (l *ConversationLog) Snapshot() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Reset clears the log for a new session.
func (l *ConversationLog) Reset() {
	l.turns = nil
}
