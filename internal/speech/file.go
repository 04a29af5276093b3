package speech

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"
	"sync"

	"attune/internal/onboarding"
	"attune/pkg/audioconv"
	"attune/pkg/stt"
)

// FileInput replays pre-recorded answers from audio files, one file per
// listen session, in order. Meant for development and demos on machines
// without a microphone; it still exercises the full transcription path.
type FileInput struct {
	tr       *stt.Transcriber
	language string
	log      *log.Logger

	mu    sync.Mutex
	paths []string
}

func NewFileInput(tr *stt.Transcriber, language string, logger *log.Logger, paths ...string) (*FileInput, error) {
	if tr == nil {
		return nil, fmt.Errorf("file input: nil transcriber")
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("file input: no audio files given")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FileInput{tr: tr, language: language, log: logger, paths: paths}, nil
}

func (f *FileInput) Listen(ctx context.Context) (onboarding.ListenSession, error) {
	s := newSession()
	go f.run(ctx, s)
	return s, nil
}

func (f *FileInput) run(ctx context.Context, s *session) {
	defer close(s.events)

	f.mu.Lock()
	var path string
	if len(f.paths) > 0 {
		path = f.paths[0]
		f.paths = f.paths[1:]
	}
	f.mu.Unlock()

	if path == "" {
		// Out of scripted answers; behaves like a silent microphone.
		s.fail(onboarding.ErrNoSpeechDetected)
		return
	}

	f.log.Info("Replaying audio file", "path", path)

	pcm, err := audioconv.DecodeFile(path, 0)
	if err != nil {
		s.fail(err)
		return
	}
	if s.stopped() || ctx.Err() != nil {
		return
	}

	var partial []string
	res, err := f.tr.TranscribePCM(ctx, pcm, stt.Options{
		Language: f.language,
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
