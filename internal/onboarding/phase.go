package onboarding

// Phase is the engine's current position in the session state machine.
// Exactly one phase is active at a time; combinations like "listening while
// speaking" are unrepresentable.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSpeaking
	PhaseListening
	PhaseExtracting
	PhaseFinishing
	PhaseDone
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:       "idle",
	PhaseSpeaking:   "speaking",
	PhaseListening:  "listening",
	PhaseExtracting: "extracting",
	PhaseFinishing:  "finishing",
	PhaseDone:       "done",
	PhaseFailed:     "failed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// terminal reports whether the session has ended. Cancel is a no-op in a
// terminal phase except Failed, which Cancel resets to Idle.
func (p Phase) terminal() bool {
	return p == PhaseDone
}

// SessionState is the read-only snapshot presentation layers render from.
type SessionState struct {
	SessionID string `json:"session_id"`
	Phase     Phase  `json:"phase"`
	// Partial is the interim transcript while listening.
	Partial string `json:"partial,omitempty"`
	// LastErr is the most recent classified failure, if any.
	LastErr *Error `json:"-"`
	// Busy is true while an asynchronous operation (speak, listen or a
	// backend call) is outstanding.
	Busy bool `json:"busy"`
	// MicStopped is true when the phase is listening but capture has been
	// toggled off pending a manual restart.
	MicStopped bool `json:"mic_stopped"`
	// Turns is the number of turns recorded so far.
	Turns int `json:"turns"`
}
