package onboarding

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultOpeningPrompt = "Hi! I'm going to ask you a few quick questions so " +
		"your dashboard fits your life. To start: what matters most to you right now?"
	defaultCompletionMessage = "That's everything I need. Your dashboard is ready."
	defaultListenDelay       = 300 * time.Millisecond
)

// Config wires an Engine to its ports.
type Config struct {
	Output  SpeechOutputPort
	Input   SpeechInputPort
	Backend BackendPort

	// OpeningPrompt and CompletionMessage default to fixed phrases when
	// empty.
	OpeningPrompt     string
	CompletionMessage string

	// ListenDelay is the pause between an utterance finishing and the
	// microphone opening, so the tail of synthesized audio is not captured.
	// Negative means no delay; zero means the default.
	ListenDelay time.Duration

	// Notify is called with a state snapshot after every transition.
	// Snapshots are delivered in transition order from a dedicated
	// goroutine, so the callback may call back into the engine (to read
	// the transcript, typically).
	Notify func(SessionState)

	// Now overrides the turn timestamp clock. Tests inject a deterministic
	// clock here.
	Now func() time.Time

	Logger *log.Logger
}

// Engine drives one voice onboarding session: it speaks prompts, listens for
// answers, sends transcripts to the backend's extraction step and persists
// the accumulated preferences on completion.
//
// The engine owns SessionState, the ConversationLog and the
// PreferenceAccumulator exclusively. It never has more than one asynchronous
// operation (speak, listen, backend call) outstanding; late results from a
// canceled operation are discarded by generation check.
type Engine struct {
	out     SpeechOutputPort
	in      SpeechInputPort
	backend BackendPort

	opening     string
	completion  string
	listenDelay time.Duration
	notifyCh    chan SessionState
	now         func() time.Time
	log         *log.Logger

	mu         sync.Mutex
	sessionID  string
	phase      Phase
	partial    string
	lastErr    *Error
	busy       bool
	micStopped bool

	// lastPrompt is the utterance currently or most recently played, kept so
	// a failed playback can be repeated on resume (it is only logged once it
	// has fully played out).
	lastPrompt string

	// gen tags the active asynchronous operation. Callbacks carrying a
	// stale generation are ignored.
	gen      uint64
	cancelOp context.CancelFunc
	session  ListenSession

	convo ConversationLog
	prefs PreferenceAccumulator
}

// NewEngine validates the wiring and returns an idle engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Output == nil {
		return nil, errors.New("onboarding: speech output port must not be nil")
	}
	if cfg.Input == nil {
		return nil, errors.New("onboarding: speech input port must not be nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("onboarding: backend port must not be nil")
	}

	e := &Engine{
		out:         cfg.Output,
		in:          cfg.Input,
		backend:     cfg.Backend,
		opening:     cfg.OpeningPrompt,
		completion:  cfg.CompletionMessage,
		listenDelay: cfg.ListenDelay,
		now:         cfg.Now,
		log:         cfg.Logger,
		phase:       PhaseIdle,
	}
	if cfg.Notify != nil {
		// Buffered so transitions never block on a slow renderer; an
		// overrun drops the oldest-pending snapshot and renderers catch
		// up from the next one.
		e.notifyCh = make(chan SessionState, 256)
		go func() {
			for st := range e.notifyCh {
				cfg.Notify(st)
			}
		}()
	}
	if e.opening == "" {
		e.opening = defaultOpeningPrompt
	}
	if e.completion == "" {
		e.completion = defaultCompletionMessage
	}
	if e.listenDelay == 0 {
		e.listenDelay = defaultListenDelay
	} else if e.listenDelay < 0 {
		e.listenDelay = 0
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = log.Default()
	}
	return e, nil
}

// Start begins a fresh session. Valid only from Idle: the log and
// accumulator are cleared and the engine speaks the opening prompt.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseIdle {
		return e.invalidLocked("start")
	}

	e.sessionID = uuid.NewString()
	e.convo.Reset()
	e.prefs.Reset()
	e.lastErr = nil
	e.partial = ""
	e.micStopped = false

	e.log.Info("Session started", "session", e.sessionID)
	e.speakLocked(e.opening)
	return nil
}

// ToggleListening stops active capture, or restarts it when capture is
// stopped. It is also the resume affordance after a recoverable failure: the
// phase that failed is re-invoked, never skipped. A failed save retries the
// save with the already-built result, a failed prompt is spoken again, and
// everything else reopens capture. Anywhere else it is a no-op returning an
// INVALID_STATE error.
func (e *Engine) ToggleListening() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.phase == PhaseListening && !e.micStopped:
		e.log.Debug("Capture stopped by command")
		e.stopOpLocked()
		e.micStopped = true
		e.partial = ""
		e.notifyLocked()
		return nil

	case e.phase == PhaseListening && e.micStopped:
		e.log.Debug("Capture restarted by command")
		e.listenLocked(0)
		return nil

	case e.phase == PhaseFailed && e.lastErr.Recoverable():
		failedIn := e.lastErr.Phase
		e.log.Info("Resuming after recoverable failure",
			"code", e.lastErr.Code, "failed_in", failedIn)
		e.lastErr = nil
		switch failedIn {
		case PhaseFinishing:
			// The result was built but never persisted; retry the save.
			e.finishLocked()
		case PhaseSpeaking:
			// The prompt never played out and was never logged; repeat it.
			e.speakLocked(e.lastPrompt)
		default:
			e.listenLocked(0)
		}
		return nil

	default:
		return e.invalidLocked("toggle_listening")
	}
}

// Cancel abandons the session from any non-terminal phase: in-flight port
// activity is stopped, late results are discarded and the engine returns to
// Idle. Idempotent. Already-appended turns and merged preferences are kept in
// memory but never persisted.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase.terminal() || e.phase == PhaseIdle {
		return
	}

	e.log.Info("Session canceled", "session", e.sessionID, "phase", e.phase)
	e.stopOpLocked()
	e.partial = ""
	e.micStopped = false
	e.lastErr = nil
	e.phase = PhaseIdle
	e.notifyLocked()
}

// State returns the current snapshot.
func (e *Engine) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Transcript returns a copy of the conversation so far.
func (e *Engine) Transcript() []Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convo.Snapshot()
}

// Preferences returns a copy of the accumulated preference fields.
func (e *Engine) Preferences() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prefs.Snapshot()
}

// ---- transitions ----

// speakLocked enters Speaking and plays text. On success the utterance is
// appended as a system turn and listening begins.
func (e *Engine) speakLocked(text string) {
	e.lastPrompt = text
	e.setPhaseLocked(PhaseSpeaking)
	ctx, gen := e.beginOpLocked()
	go func() {
		err := e.out.Speak(ctx, text)
		e.speakDone(gen, text, err)
	}()
}

func (e *Engine) speakDone(gen uint64, text string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.busy = false

	if err != nil {
		e.failLocked(Classify(err, e.phase))
		return
	}

	switch e.phase {
	case PhaseSpeaking:
		e.convo.Append(Turn{Speaker: SpeakerSystem, Text: text, At: e.now()})
		e.listenLocked(e.listenDelay)
	case PhaseFinishing:
		// Completion message has played out; the session is over.
		e.log.Info("Session complete", "session", e.sessionID, "turns", e.convo.Len())
		e.setPhaseLocked(PhaseDone)
	}
}

// listenLocked enters Listening and opens a capture session after delay.
func (e *Engine) listenLocked(delay time.Duration) {
	e.partial = ""
	e.micStopped = false
	e.setPhaseLocked(PhaseListening)
	ctx, gen := e.beginOpLocked()

	go func() {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		sess, err := e.in.Listen(ctx)
		if err != nil {
			e.listenFailed(gen, err)
			return
		}
		if !e.adoptSession(gen, sess) {
			sess.Stop()
			return
		}

		for ev := range sess.Events() {
			switch {
			case ev.Err != nil:
				e.listenFailed(gen, ev.Err)
				return
			case ev.Final:
				e.finalTranscript(gen, ev.Text)
				return
			default:
				e.interimTranscript(gen, ev.Text)
			}
		}
		// Channel closed without a terminal event. Stop() does this; a
		// misbehaving adapter is treated the same as an empty transcript.
		e.finalTranscript(gen, "")
	}()
}

func (e *Engine) adoptSession(gen uint64, sess ListenSession) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return false
	}
	e.session = sess
	return true
}

func (e *Engine) interimTranscript(gen uint64, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.phase != PhaseListening {
		return
	}
	e.partial = text
	e.notifyLocked()
}

func (e *Engine) finalTranscript(gen uint64, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.busy = false
	e.session = nil
	e.partial = ""

	text = strings.TrimSpace(text)
	if text == "" {
		// Nothing usable was said; listen again rather than sending an
		// empty turn.
		e.log.Debug("Empty final transcript, listening again")
		e.listenLocked(0)
		return
	}

	e.log.Info("Transcribed", "session", e.sessionID, "text", text)
	e.convo.Append(Turn{Speaker: SpeakerUser, Text: text, At: e.now()})
	e.extractLocked(text)
}

func (e *Engine) listenFailed(gen uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.busy = false
	e.session = nil
	e.partial = ""

	ee := Classify(err, PhaseListening)
	if ee.Code == ErrorNoSpeech {
		// Stay in Listening with the mic stopped; the user retries via
		// ToggleListening.
		e.log.Warn("No speech detected")
		e.micStopped = true
		e.lastErr = ee
		e.notifyLocked()
		return
	}
	e.failLocked(ee)
}

// extractLocked enters Extracting and replays the log to the backend.
func (e *Engine) extractLocked(answer string) {
	e.setPhaseLocked(PhaseExtracting)
	sessionID := e.sessionID
	history := e.convo.Snapshot()
	ctx, gen := e.beginOpLocked()
	go func() {
		res, err := e.backend.Step(ctx, sessionID, history, answer)
		e.stepDone(gen, res, err)
	}()
}

func (e *Engine) stepDone(gen uint64, res StepResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.busy = false

	if err != nil {
		// The user's turn stays in the log; retrying means answering
		// again, never rolling back.
		e.failLocked(Classify(err, PhaseExtracting))
		return
	}

	e.prefs.Merge(res.Preferences)

	if res.Complete || IsCompletionSentinel(res.NextPrompt) {
		e.finishLocked()
		return
	}
	e.speakLocked(res.NextPrompt)
}

// finishLocked enters Finishing: persist the result, then speak the
// completion message, then Done.
func (e *Engine) finishLocked() {
	e.setPhaseLocked(PhaseFinishing)
	result := Result{
		SessionID:   e.sessionID,
		Preferences: e.prefs.Snapshot(),
		Transcript:  e.convo.Snapshot(),
	}
	ctx, gen := e.beginOpLocked()
	go func() {
		err := e.backend.Save(ctx, result)
		e.saveDone(gen, err)
	}()
}

func (e *Engine) saveDone(gen uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	e.busy = false

	if err != nil {
		e.failLocked(Classify(err, PhaseFinishing))
		return
	}

	e.log.Info("Preferences saved", "session", e.sessionID, "fields", e.prefs.Len())

	// Still Finishing: Done is not reached until the completion utterance
	// has resolved.
	ctx, g := e.beginOpLocked()
	e.notifyLocked()
	text := e.completion
	e.lastPrompt = text
	go func() {
		err := e.out.Speak(ctx, text)
		e.speakDone(g, text, err)
	}()
}

// ---- plumbing ----

// beginOpLocked claims the single asynchronous-operation slot.
func (e *Engine) beginOpLocked() (context.Context, uint64) {
	e.gen++
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelOp = cancel
	e.busy = true
	return ctx, e.gen
}

// stopOpLocked cancels whatever operation is outstanding and invalidates its
// callbacks.
func (e *Engine) stopOpLocked() {
	e.gen++
	if e.cancelOp != nil {
		e.cancelOp()
		e.cancelOp = nil
	}
	if e.session != nil {
		e.session.Stop()
		e.session = nil
	}
	e.busy = false
}

func (e *Engine) failLocked(ee *Error) {
	e.log.Error("Session failed", "session", e.sessionID,
		"code", ee.Code, "phase", ee.Phase, "err", ee.Err, "recoverable", ee.Recoverable())
	e.lastErr = ee
	e.partial = ""
	e.setPhaseLocked(PhaseFailed)
}

func (e *Engine) setPhaseLocked(p Phase) {
	e.phase = p
	e.notifyLocked()
}

func (e *Engine) notifyLocked() {
	if e.notifyCh == nil {
		return
	}
	select {
	case e.notifyCh <- e.snapshotLocked():
	default:
		select {
		case <-e.notifyCh:
		default:
		}
		select {
		case e.notifyCh <- e.snapshotLocked():
		default:
		}
	}
}

func (e *Engine) snapshotLocked() SessionState {
	return SessionState{
		SessionID:  e.sessionID,
		Phase:      e.phase,
		Partial:    e.partial,
		LastErr:    e.lastErr,
		Busy:       e.busy,
		MicStopped: e.micStopped,
		Turns:      e.convo.Len(),
	}
}

func (e *Engine) invalidLocked(cmd string) error {
	e.log.Warn("Command rejected", "cmd", cmd, "phase", e.phase)
	return &Error{
		Code:  ErrorInvalidState,
		Phase: e.phase,
		Err:   fmt.Errorf("command %q not valid in phase %s", cmd, e.phase),
	}
}
