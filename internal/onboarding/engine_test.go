package onboarding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// opCounter verifies the single-outstanding-operation invariant: at most one
// of speak, listen, backend-call may be active at any instant.
type opCounter struct {
	active     atomic.Int32
	overlapped atomic.Bool
}

func (c *opCounter) enter() {
	if c.active.Add(1) > 1 {
		c.overlapped.Store(true)
	}
}

func (c *opCounter) exit() {
	c.active.Add(-1)
}

type fakeOutput struct {
	counter *opCounter
	spoke   chan string
	proceed chan error
	calls   atomic.Int32
}

func (f *fakeOutput) Speak(ctx context.Context, text string) error {
	f.counter.enter()
	defer f.counter.exit()
	f.calls.Add(1)
	f.spoke <- text
	select {
	case err := <-f.proceed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeSession struct {
	counter *opCounter
	events  chan TranscriptEvent
	once    sync.Once
}

func newFakeSession(c *opCounter) *fakeSession {
	c.enter()
	return &fakeSession{counter: c, events: make(chan TranscriptEvent, 8)}
}

func (s *fakeSession) Events() <-chan TranscriptEvent { return s.events }

func (s *fakeSession) Stop() { s.close() }

func (s *fakeSession) close() {
	s.once.Do(func() {
		close(s.events)
		s.counter.exit()
	})
}

func (s *fakeSession) interim(text string) {
	s.events <- TranscriptEvent{Text: text}
}

func (s *fakeSession) final(text string) {
	s.events <- TranscriptEvent{Text: text, Final: true}
	s.close()
}

func (s *fakeSession) fail(err error) {
	s.events <- TranscriptEvent{Err: err}
	s.close()
}

type fakeInput struct {
	counter   *opCounter
	sessions  chan *fakeSession
	listenErr error
	calls     atomic.Int32
}

func (f *fakeInput) Listen(context.Context) (ListenSession, error) {
	f.calls.Add(1)
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	s := newFakeSession(f.counter)
	f.sessions <- s
	return s, nil
}

type stepReply struct {
	res StepResult
	err error
}

type fakeBackend struct {
	counter *opCounter
	gate    chan struct{} // when set, Step and Save wait on it

	mu        sync.Mutex
	replies   []stepReply
	sessions  []string
	histories [][]Turn
	saved     []Result
	saveErr   error
}

func (f *fakeBackend) Step(ctx context.Context, sessionID string, history []Turn, _ string) (StepResult, error) {
	f.counter.enter()
	defer f.counter.exit()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	f.histories = append(f.histories, history)
	if len(f.replies) == 0 {
		return StepResult{}, errors.New("no scripted step reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.res, r.err
}

func (f *fakeBackend) Save(ctx context.Context, result Result) error {
	f.counter.enter()
	defer f.counter.exit()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, result)
	return f.saveErr
}

func (f *fakeBackend) Status(context.Context) (bool, error) { return false, nil }

func (f *fakeBackend) stepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

type harness struct {
	eng     *Engine
	out     *fakeOutput
	in      *fakeInput
	backend *fakeBackend
	counter *opCounter
	states  chan SessionState
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		counter: &opCounter{},
		states:  make(chan SessionState, 256),
	}
	h.out = &fakeOutput{counter: h.counter, spoke: make(chan string, 8), proceed: make(chan error, 8)}
	h.in = &fakeInput{counter: h.counter, sessions: make(chan *fakeSession, 8)}
	h.backend = &fakeBackend{counter: h.counter}

	var clock atomic.Int64
	eng, err := NewEngine(Config{
		Output:      h.out,
		Input:       h.in,
		Backend:     h.backend,
		ListenDelay: -1,
		Notify:      func(st SessionState) { h.states <- st },
		Now: func() time.Time {
			return time.Unix(clock.Add(1), 0)
		},
	})
	require.NoError(t, err)
	h.eng = eng

	t.Cleanup(func() {
		require.False(t, h.counter.overlapped.Load(),
			"two port operations were active at the same time")
	})
	return h
}

func (h *harness) waitPhase(t *testing.T, want Phase) SessionState {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-h.states:
			if st.Phase == want {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s, currently %s", want, h.eng.State().Phase)
		}
	}
}

func (h *harness) waitSpoken(t *testing.T) string {
	t.Helper()
	select {
	case text := <-h.out.spoke:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an utterance")
		return ""
	}
}

func (h *harness) nextSession(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-h.in.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a listen session")
		return nil
	}
}

// startToListening drives a fresh engine through the opening prompt into the
// first listening window and returns the live capture session.
func (h *harness) startToListening(t *testing.T) *fakeSession {
	t.Helper()
	require.NoError(t, h.eng.Start())
	h.waitSpoken(t)
	h.out.proceed <- nil
	h.waitPhase(t, PhaseListening)
	return h.nextSession(t)
}

func TestStartOnlyValidFromIdle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.eng.Start())
	h.waitPhase(t, PhaseSpeaking)

	err := h.eng.Start()
	var ee *Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, ErrorInvalidState, ee.Code)

	h.eng.Cancel()
	h.out.proceed <- nil
}

func TestFirstTurnHappyPath(t *testing.T) {
	h := newHarness(t)
	h.backend.replies = []stepReply{{res: StepResult{
		NextPrompt:  "Anything else?",
		Preferences: map[string]any{"priorities": []string{"sleep"}},
	}}}

	require.NoError(t, h.eng.Start())

	opening := h.waitSpoken(t)
	require.NotEmpty(t, opening)
	require.Empty(t, h.eng.Transcript(), "prompt must not be logged before playback finishes")
	h.out.proceed <- nil

	h.waitPhase(t, PhaseListening)
	sess := h.nextSession(t)

	sess.interim("I care")
	require.Eventually(t, func() bool {
		return h.eng.State().Partial == "I care"
	}, 2*time.Second, time.Millisecond, "interim transcript should surface as partial state")
	require.Len(t, h.eng.Transcript(), 1, "interim events must not touch the log")

	sess.final("I care about sleep")
	h.waitPhase(t, PhaseExtracting)

	next := h.waitSpoken(t)
	require.Equal(t, "Anything else?", next)

	turns := h.eng.Transcript()
	require.Len(t, turns, 2)
	require.Equal(t, SpeakerSystem, turns[0].Speaker)
	require.Equal(t, opening, turns[0].Text)
	require.Equal(t, SpeakerUser, turns[1].Speaker)
	require.Equal(t, "I care about sleep", turns[1].Text)
	require.True(t, turns[0].At.Before(turns[1].At), "turns must be strictly time-ordered")

	prefs := h.eng.Preferences()
	require.Equal(t, []string{"sleep"}, prefs["priorities"])

	// The backend saw the history as of the user's answer, tagged with the
	// session.
	require.Equal(t, 1, h.backend.stepCount())
	h.backend.mu.Lock()
	require.Equal(t, h.eng.State().SessionID, h.backend.sessions[0])
	h.backend.mu.Unlock()

	h.eng.Cancel()
	h.out.proceed <- nil
}

func TestEmptyFinalTranscriptRelistens(t *testing.T) {
	h := newHarness(t)
	sess := h.startToListening(t)

	sess.final("   ")

	// A fresh capture session opens; no turn was appended and the backend
	// was never called.
	h.nextSession(t)
	require.Len(t, h.eng.Transcript(), 1)
	require.Equal(t, 0, h.backend.stepCount())
	require.Equal(t, PhaseListening, h.eng.State().Phase)

	h.eng.Cancel()
}

func TestCompletionFlow(t *testing.T) {
	h := newHarness(t)
	h.backend.replies = []stepReply{{res: StepResult{
		Complete:    true,
		Preferences: map[string]any{"communication_style": "brief"},
	}}}

	sess := h.startToListening(t)
	sess.final("Keep it short")

	h.waitPhase(t, PhaseFinishing)

	// Save happened before the completion message.
	completion := h.waitSpoken(t)
	require.NotEmpty(t, completion)
	h.backend.mu.Lock()
	require.Len(t, h.backend.saved, 1)
	saved := h.backend.saved[0]
	h.backend.mu.Unlock()
	require.Equal(t, "brief", saved.Preferences["communication_style"])
	require.Len(t, saved.Transcript, 2)
	require.NotEmpty(t, saved.SessionID)

	// Done is not reached until the utterance resolves.
	require.Equal(t, PhaseFinishing, h.eng.State().Phase)
	h.out.proceed <- nil
	h.waitPhase(t, PhaseDone)
}

func TestSentinelPromptMeansComplete(t *testing.T) {
	h := newHarness(t)
	h.backend.replies = []stepReply{{res: StepResult{
		NextPrompt: "  Onboarding Complete ",
	}}}

	sess := h.startToListening(t)
	sess.final("that's all")

	h.waitPhase(t, PhaseFinishing)
	h.out.proceed <- nil // completion message
	h.waitPhase(t, PhaseDone)

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	require.Len(t, h.backend.saved, 1)
}

func TestPermissionDeniedIsFatal(t *testing.T) {
	h := newHarness(t)
	sess := h.startToListening(t)

	sess.fail(fmt.Errorf("getUserMedia: %w", ErrMicPermissionDenied))

	st := h.waitPhase(t, PhaseFailed)
	require.NotNil(t, st.LastErr)
	require.Equal(t, ErrorPermissionDenied, st.LastErr.Code)
	require.False(t, st.LastErr.Recoverable())

	listens := h.in.calls.Load()
	speaks := h.out.calls.Load()

	err := h.eng.ToggleListening()
	var ee *Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, ErrorInvalidState, ee.Code)

	require.Equal(t, listens, h.in.calls.Load(), "no listen may follow a fatal failure")
	require.Equal(t, speaks, h.out.calls.Load(), "no speak may follow a fatal failure")
}

func TestUnsupportedCapabilityIsFatal(t *testing.T) {
	h := newHarness(t)
	h.in.listenErr = fmt.Errorf("no recognizer: %w", ErrCapabilityUnavailable)

	require.NoError(t, h.eng.Start())
	h.waitSpoken(t)
	h.out.proceed <- nil

	st := h.waitPhase(t, PhaseFailed)
	require.Equal(t, ErrorUnsupportedCapability, st.LastErr.Code)
	require.False(t, st.LastErr.Recoverable())
}

func TestNoSpeechStaysListening(t *testing.T) {
	h := newHarness(t)
	sess := h.startToListening(t)

	sess.fail(ErrNoSpeechDetected)

	require.Eventually(t, func() bool {
		st := h.eng.State()
		return st.Phase == PhaseListening && st.MicStopped && st.LastErr != nil
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, ErrorNoSpeech, h.eng.State().LastErr.Code)

	// Manual retry reopens capture.
	require.NoError(t, h.eng.ToggleListening())
	h.nextSession(t)
	require.False(t, h.eng.State().MicStopped)

	h.eng.Cancel()
}

func TestToggleListeningStopsAndRestarts(t *testing.T) {
	h := newHarness(t)
	sess := h.startToListening(t)

	require.NoError(t, h.eng.ToggleListening())
	st := h.eng.State()
	require.Equal(t, PhaseListening, st.Phase)
	require.True(t, st.MicStopped)
	require.False(t, st.Busy)

	// The stopped session produces nothing further.
	_, open := <-sess.events
	require.False(t, open)

	require.NoError(t, h.eng.ToggleListening())
	h.nextSession(t)
	require.False(t, h.eng.State().MicStopped)

	h.eng.Cancel()
}

func TestToggleListeningInvalidDuringExtracting(t *testing.T) {
	h := newHarness(t)
	h.backend.gate = make(chan struct{})
	h.backend.replies = []stepReply{{res: StepResult{NextPrompt: "More?"}}}

	sess := h.startToListening(t)
	listens := h.in.calls.Load()
	speaks := h.out.calls.Load()

	sess.final("something")
	h.waitPhase(t, PhaseExtracting)

	err := h.eng.ToggleListening()
	var ee *Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, ErrorInvalidState, ee.Code)
	require.Equal(t, listens, h.in.calls.Load())
	require.Equal(t, speaks, h.out.calls.Load())

	close(h.backend.gate)
	h.waitSpoken(t)
	h.eng.Cancel()
}

func TestBackendStepFailureKeepsUserTurn(t *testing.T) {
	h := newHarness(t)
	h.backend.replies = []stepReply{
		{err: errors.New("http 502")},
		{res: StepResult{NextPrompt: "And besides that?"}},
	}

	sess := h.startToListening(t)
	sess.final("mostly stress at work")

	st := h.waitPhase(t, PhaseFailed)
	require.Equal(t, ErrorBackendUnavailable, st.LastErr.Code)
	require.True(t, st.LastErr.Recoverable())
	require.Len(t, h.eng.Transcript(), 2, "the user's turn is never rolled back")

	// Resume: the user answers again, the log grows, nothing is lost.
	require.NoError(t, h.eng.ToggleListening())
	sess = h.nextSession(t)
	sess.final("mostly stress at work")
	h.waitSpoken(t)
	require.Len(t, h.eng.Transcript(), 3)

	h.eng.Cancel()
	h.out.proceed <- nil
}

func TestSaveFailureSkipsCompletionMessage(t *testing.T) {
	h := newHarness(t)
	h.backend.replies = []stepReply{{res: StepResult{Complete: true}}}
	h.backend.saveErr = errors.New("http 503")

	sess := h.startToListening(t)
	speaks := h.out.calls.Load()
	sess.final("done I think")

	st := h.waitPhase(t, PhaseFailed)
	require.Equal(t, PhaseFinishing, st.LastErr.Phase)
	require.True(t, st.LastErr.Recoverable())
	require.Equal(t, speaks, h.out.calls.Load(), "completion message must not play after a failed save")
}

func TestResumeAfterSaveFailureRetriesSave(t *testing.T) {
	h := newHarness(t)
	h.backend.replies = []stepReply{{res: StepResult{
		Complete:    true,
		Preferences: map[string]any{"communication_style": "brief"},
	}}}
	h.backend.saveErr = errors.New("http 503")

	sess := h.startToListening(t)
	sess.final("done I think")

	st := h.waitPhase(t, PhaseFailed)
	require.Equal(t, PhaseFinishing, st.LastErr.Phase)
	require.True(t, st.LastErr.Recoverable())

	h.backend.mu.Lock()
	require.Len(t, h.backend.saved, 1)
	h.backend.saveErr = nil
	h.backend.mu.Unlock()

	listens := h.in.calls.Load()
	require.NoError(t, h.eng.ToggleListening())

	// The save is re-invoked with the already-built result; no extra
	// question is asked and capture stays closed.
	h.waitPhase(t, PhaseFinishing)
	require.NotEmpty(t, h.waitSpoken(t), "completion message follows the successful retry")
	h.backend.mu.Lock()
	require.Len(t, h.backend.saved, 2)
	require.Equal(t, h.backend.saved[0].SessionID, h.backend.saved[1].SessionID)
	require.Equal(t, "brief", h.backend.saved[1].Preferences["communication_style"])
	h.backend.mu.Unlock()
	require.Equal(t, listens, h.in.calls.Load(), "resuming a failed save must not reopen capture")

	h.out.proceed <- nil
	h.waitPhase(t, PhaseDone)
}

func TestResumeAfterSpeakFailureRepeatsPrompt(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.eng.Start())
	opening := h.waitSpoken(t)
	h.out.proceed <- errors.New("audio device busy")

	st := h.waitPhase(t, PhaseFailed)
	require.Equal(t, PhaseSpeaking, st.LastErr.Phase)
	require.Equal(t, ErrorSpeech, st.LastErr.Code)
	require.True(t, st.LastErr.Recoverable())
	require.Empty(t, h.eng.Transcript(), "a failed utterance must not be logged")

	require.NoError(t, h.eng.ToggleListening())
	require.Equal(t, opening, h.waitSpoken(t), "the lost prompt is spoken again")
	h.out.proceed <- nil

	h.waitPhase(t, PhaseListening)
	require.Len(t, h.eng.Transcript(), 1)

	h.eng.Cancel()
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.startToListening(t)

	h.eng.Cancel()
	first := h.eng.State()
	require.Equal(t, PhaseIdle, first.Phase)
	require.False(t, first.Busy)

	listens := h.in.calls.Load()
	speaks := h.out.calls.Load()

	h.eng.Cancel()
	second := h.eng.State()
	require.Equal(t, first.Phase, second.Phase)
	require.Equal(t, first.Busy, second.Busy)
	require.Equal(t, listens, h.in.calls.Load())
	require.Equal(t, speaks, h.out.calls.Load())
}

func TestCancelDiscardsInFlightBackendCall(t *testing.T) {
	h := newHarness(t)
	h.backend.gate = make(chan struct{})
	h.backend.replies = []stepReply{{res: StepResult{
		NextPrompt:  "Next?",
		Preferences: map[string]any{"late": true},
	}}}

	sess := h.startToListening(t)
	sess.final("an answer")
	h.waitPhase(t, PhaseExtracting)

	h.eng.Cancel()
	require.Equal(t, PhaseIdle, h.eng.State().Phase)

	// The late resolution must be ignored: no merge, no speak, still idle.
	close(h.backend.gate)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, PhaseIdle, h.eng.State().Phase)
	require.Empty(t, h.eng.Preferences()["late"])
	select {
	case text := <-h.out.spoke:
		t.Fatalf("unexpected utterance after cancel: %q", text)
	default:
	}
}

func TestCancelThenRestartResetsSession(t *testing.T) {
	h := newHarness(t)
	sess := h.startToListening(t)
	sess.final("first session answer")
	h.waitPhase(t, PhaseExtracting)
	h.eng.Cancel()

	h.backend.replies = []stepReply{{res: StepResult{NextPrompt: "Q2"}}}
	first := h.eng.State().SessionID

	sess = h.startToListening(t)
	require.NotEqual(t, first, h.eng.State().SessionID)
	require.Len(t, h.eng.Transcript(), 1, "a new session starts from a clean log")

	sess.final("second session answer")
	h.waitSpoken(t)
	h.eng.Cancel()
	h.out.proceed <- nil
}

func TestPreferencesLastWriteWins(t *testing.T) {
	h := newHarness(t)
	h.backend.replies = []stepReply{
		{res: StepResult{NextPrompt: "Q2", Preferences: map[string]any{"a": 1}}},
		{res: StepResult{NextPrompt: "Q3", Preferences: map[string]any{"b": 2}}},
		{res: StepResult{NextPrompt: "Q4", Preferences: map[string]any{"a": 3}}},
	}

	sess := h.startToListening(t)
	for i := 0; i < 3; i++ {
		sess.final(fmt.Sprintf("answer %d", i+1))
		h.waitSpoken(t)
		h.out.proceed <- nil
		h.waitPhase(t, PhaseListening)
		sess = h.nextSession(t)
	}

	require.Equal(t, map[string]any{"a": 3, "b": 2}, h.eng.Preferences())
	h.eng.Cancel()
}

func TestUserTurnAlwaysPrecededBySystemTurn(t *testing.T) {
	h := newHarness(t)
	h.backend.replies = []stepReply{
		{res: StepResult{NextPrompt: "Q2"}},
		{res: StepResult{Complete: true}},
	}

	sess := h.startToListening(t)
	sess.final("one")
	h.waitSpoken(t)
	h.out.proceed <- nil
	h.waitPhase(t, PhaseListening)
	sess = h.nextSession(t)
	sess.final("two")
	h.waitPhase(t, PhaseFinishing)
	h.out.proceed <- nil
	h.waitPhase(t, PhaseDone)

	turns := h.eng.Transcript()
	require.Len(t, turns, 4)
	systems := 0
	for i, turn := range turns {
		if turn.Speaker == SpeakerSystem {
			systems++
		} else {
			require.Greater(t, systems, 0, "user turn at %d has no preceding system turn", i)
		}
		if i > 0 {
			require.True(t, turns[i-1].At.Before(turn.At))
		}
	}
}
