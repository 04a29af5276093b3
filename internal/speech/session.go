// Package speech implements the engine's speech ports on local audio
// hardware: portaudio capture with whisper.cpp transcription for input, and
// OpenAI speech synthesis with beep playback for output.
package speech

import (
	"sync"

	"attune/internal/onboarding"
)

// session is the common ListenSession implementation shared by the capture
// adapters. Exactly one goroutine (run) sends on events and closes it; Stop
// only signals.
type session struct {
	events chan onboarding.TranscriptEvent
	stop   chan struct{}
	once   sync.Once
}

func newSession() *session {
	return &session{
		events: make(chan onboarding.TranscriptEvent, 16),
		stop:   make(chan struct{}),
	}
}

func (s *session) Events() <-chan onboarding.TranscriptEvent { return s.events }

func (s *session) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// emit delivers an event unless the session was stopped. Reports whether the
// event was delivered.
func (s *session) emit(ev onboarding.TranscriptEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

func (s *session) interim(text string) bool {
	return s.emit(onboarding.TranscriptEvent{Text: text})
}

func (s *session) final(text string) {
	s.emit(onboarding.TranscriptEvent{Text: text, Final: true})
}

func (s *session) fail(err error) {
	s.emit(onboarding.TranscriptEvent{Err: err})
}
