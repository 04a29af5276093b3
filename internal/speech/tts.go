package speech

import (
	"context"
	"fmt"
	log "log/slog"

	openai "github.com/openai/openai-go/v3"
)

// SpeakerConfig selects the synthesis voice.
type SpeakerConfig struct {
	Model  string // defaults to tts-1
	Voice  string // defaults to alloy
	Logger *log.Logger
}

// Speaker synthesizes speech through the OpenAI audio API and plays it on
// the default output device. It implements onboarding.SpeechOutputPort.
type Speaker struct {
	client openai.Client
	model  string
	voice  string
	log    *log.Logger
}

func NewSpeaker(client openai.Client, cfg SpeakerConfig) *Speaker {
	if cfg.Model == "" {
		cfg.Model = string(openai.SpeechModelTTS1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.AudioSpeechNewParamsVoiceAlloy)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Speaker{client: client, model: cfg.Model, voice: cfg.Voice, log: cfg.Logger}
}

func (s *Speaker) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	s.log.Debug("Synthesizing", "chars", len(text), "voice", s.voice)

	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		Input:          text,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	return playMP3(ctx, resp.Body)
}
