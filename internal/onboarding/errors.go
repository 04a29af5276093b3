package onboarding

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a session failure.
type ErrorCode string

const (
	ErrorUnsupportedCapability ErrorCode = "UNSUPPORTED_CAPABILITY"
	ErrorPermissionDenied      ErrorCode = "PERMISSION_DENIED"
	ErrorNoSpeech              ErrorCode = "NO_SPEECH"
	ErrorSpeech                ErrorCode = "SPEECH_FAILURE"
	ErrorBackendUnavailable    ErrorCode = "BACKEND_UNAVAILABLE"
	ErrorBackend               ErrorCode = "BACKEND_ERROR"
	ErrorInvalidState          ErrorCode = "INVALID_STATE"
)

// Sentinel errors speech adapters return so the engine can classify
// platform-level failures.
var (
	ErrCapabilityUnavailable = errors.New("speech capability unavailable")
	ErrMicPermissionDenied   = errors.New("microphone permission denied")
	ErrNoSpeechDetected      = errors.New("no speech detected")
)

// Error is a classified session error, attributable to the phase it occurred
// in.
type Error struct {
	Code  ErrorCode
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("onboarding: %s in %s", e.Code, e.Phase)
	}
	return fmt.Sprintf("onboarding: %s in %s: %v", e.Code, e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Recoverable reports whether the session can continue without a fresh
// Start. Missing capabilities and denied microphone permission cannot be
// fixed from inside the session.
func (e *Error) Recoverable() bool {
	if e == nil {
		return true
	}
	switch e.Code {
	case ErrorUnsupportedCapability, ErrorPermissionDenied:
		return false
	default:
		return true
	}
}

// Classify translates a port error into a phase-attributed Error. Errors
// already classified (by the backend client, typically) keep their code.
func Classify(err error, phase Phase) *Error {
	var ee *Error
	if errors.As(err, &ee) {
		return &Error{Code: ee.Code, Phase: phase, Err: ee.Err}
	}

	code := ErrorSpeech
	switch {
	case errors.Is(err, ErrCapabilityUnavailable):
		code = ErrorUnsupportedCapability
	case errors.Is(err, ErrMicPermissionDenied):
		code = ErrorPermissionDenied
	case errors.Is(err, ErrNoSpeechDetected):
		code = ErrorNoSpeech
	default:
		if phase == PhaseExtracting || phase == PhaseFinishing {
			code = ErrorBackendUnavailable
		}
	}
	return &Error{Code: code, Phase: phase, Err: err}
}
