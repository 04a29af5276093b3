package speech

import (
	"context"
	"fmt"
	log "log/slog"
	"math"
	"strings"
	"time"

	"github.com/gordonklaus/portaudio"

	"attune/internal/onboarding"
	"attune/pkg/stt"
)

const (
	sampleRate = 16000
	frameSize  = 320 // 20ms at 16 kHz
)

// MicConfig tunes capture endpointing.
type MicConfig struct {
	ModelPath string
	Language  string

	// SilenceRMS is the frame energy below which a frame counts as silence.
	SilenceRMS float64
	// SilenceHold is how long silence must persist after speech before the
	// utterance is considered finished.
	SilenceHold time.Duration
	// MaxUtterance caps a single capture.
	MaxUtterance time.Duration

	// Earcon, when set, plays right before the microphone opens.
	Earcon func()

	Logger *log.Logger
}

// MicInput captures from the default input device and transcribes locally
// with whisper.cpp. It implements onboarding.SpeechInputPort.
type MicInput struct {
	cfg MicConfig
	tr  *stt.Transcriber
	log *log.Logger
}

// NewMicInput initializes portaudio and loads the whisper model. Either
// failing means the platform cannot do voice onboarding at all, so both are
// reported as ErrCapabilityUnavailable.
func NewMicInput(cfg MicConfig) (*MicInput, error) {
	if cfg.SilenceRMS <= 0 {
		cfg.SilenceRMS = 0.015
	}
	if cfg.SilenceHold <= 0 {
		cfg.SilenceHold = 600 * time.Millisecond
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: %v", onboarding.ErrCapabilityUnavailable, err)
	}
	tr, err := stt.NewTranscriber(cfg.ModelPath)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: whisper: %v", onboarding.ErrCapabilityUnavailable, err)
	}
	return &MicInput{cfg: cfg, tr: tr, log: cfg.Logger}, nil
}

func (m *MicInput) Close() error {
	err := m.tr.Close()
	portaudio.Terminate()
	return err
}

// Transcriber exposes the loaded model so other adapters can share it.
func (m *MicInput) Transcriber() *stt.Transcriber { return m.tr }

func (m *MicInput) Listen(ctx context.Context) (onboarding.ListenSession, error) {
	s := newSession()
	go m.run(ctx, s)
	return s, nil
}

func (m *MicInput) run(ctx context.Context, s *session) {
	defer close(s.events)

	if m.cfg.Earcon != nil {
		m.cfg.Earcon()
	}

	pcm, err := m.capture(ctx, s)
	if err != nil {
		s.fail(err)
		return
	}
	if s.stopped() || ctx.Err() != nil {
		return
	}
	if len(pcm) == 0 {
		s.fail(onboarding.ErrNoSpeechDetected)
		return
	}

	m.log.Debug("Captured utterance", "samples", len(pcm))

	var partial []string
	res, err := m.tr.TranscribePCM(ctx, pcm, stt.Options{
		Language: m.cfg.Language,
		OnSegment: func(text string) {
			partial = append(partial, text)
			s.interim(strings.Join(partial, " "))
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(fmt.Errorf("transcribe: %w", err))
		return
	}
	s.final(res.Text)
}

// capture records until the speaker goes quiet for SilenceHold, the cap is
// reached, or the session is stopped. Returns nil samples when no speech
// crossed the energy threshold.
func (m *MicInput) capture(ctx context.Context, s *session) ([]float32, error) {
	buf := make([]float32, frameSize)
	out := make([]float32, 0, sampleRate*3)

	stream, err := portaudio.OpenDefaultStream(1, 0, sampleRate, len(buf), buf)
	if err != nil {
		// The usual cause on a desktop is the device being blocked for
		// this process.
		return nil, fmt.Errorf("%w: open stream: %v", onboarding.ErrMicPermissionDenied, err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("%w: start stream: %v", onboarding.ErrMicPermissionDenied, err)
	}
	defer stream.Stop()

	var (
		speaking      bool
		silenceFrames int
	)
	frameDur := time.Duration(frameSize) * time.Second / sampleRate
	holdFrames := int(m.cfg.SilenceHold / frameDur)
	maxFrames := int(m.cfg.MaxUtterance / frameDur)

	for i := 0; i < maxFrames; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stop:
			return out, nil
		default:
		}

		if err := stream.Read(); err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}

		if frameRMS(buf) > m.cfg.SilenceRMS {
			speaking = true
			silenceFrames = 0
			out = append(out, buf...)
			continue
		}
		if speaking {
			silenceFrames++
			if silenceFrames >= holdFrames {
				break
			}
			out = append(out, buf...)
		}
	}

	return out, nil
}

func frameRMS(f []float32) float64 {
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}
