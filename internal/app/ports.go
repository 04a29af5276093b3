// Package app builds the concrete speech ports the daemon and the TUI share.
package app

import (
	"context"
	"fmt"
	log "log/slog"
	"net"
	"net/http"
	"os"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/net/proxy"

	"attune/internal/config"
	"attune/internal/notify"
	"attune/internal/onboarding"
	"attune/internal/speech"
	"attune/internal/tts"
	"attune/pkg/stt"
)

// Ports bundles the constructed speech adapters with their teardown.
type Ports struct {
	Output onboarding.SpeechOutputPort
	Input  onboarding.SpeechInputPort

	closers []func()
}

func (p *Ports) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// BuildPorts assembles speech output and input from the configuration.
// Output prefers OpenAI synthesis when OPENAI_API_KEY is set and falls back
// to espeak. Input uses the microphone unless audioFiles replays scripted
// answers.
func BuildPorts(cfg config.Config, audioFiles []string, logger *log.Logger) (*Ports, error) {
	if logger == nil {
		logger = log.Default()
	}
	p := &Ports{}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if cfg.Backend.SocksProxy != "" {
			httpClient, err := socksClient(cfg.Backend.SocksProxy)
			if err != nil {
				return nil, fmt.Errorf("dial socks proxy %s: %w", cfg.Backend.SocksProxy, err)
			}
			opts = append(opts, option.WithHTTPClient(httpClient))
		}
		client := openai.NewClient(opts...)
		p.Output = speech.NewSpeaker(client, speech.SpeakerConfig{
			Model:  cfg.Speech.TTSModel,
			Voice:  cfg.Speech.Voice,
			Logger: logger,
		})
		logger.Debug("Speech output: openai", "voice", cfg.Speech.Voice)
	} else {
		logger.Warn("OPENAI_API_KEY not set, using espeak for speech output")
		p.Output = tts.New(cfg.Speech.Language)
	}

	if len(audioFiles) > 0 {
		tr, err := stt.NewTranscriber(cfg.Speech.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("%w: whisper: %v", onboarding.ErrCapabilityUnavailable, err)
		}
		p.closers = append(p.closers, func() { tr.Close() })

		in, err := speech.NewFileInput(tr, cfg.Speech.Language, logger, audioFiles...)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.Input = in
		logger.Info("Speech input: file replay", "files", len(audioFiles))
		return p, nil
	}

	var earcon func()
	if path := cfg.Speech.EarconPath; path != "" {
		earcon = func() {
			if err := notify.Play(path); err != nil {
				logger.Warn("Earcon failed", "err", err)
			}
		}
	}

	mic, err := speech.NewMicInput(speech.MicConfig{
		ModelPath:    cfg.Speech.ModelPath,
		Language:     cfg.Speech.Language,
		MaxUtterance: cfg.MaxUtterance(),
		Earcon:       earcon,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, func() { mic.Close() })
	p.Input = mic
	logger.Debug("Speech input: microphone", "model", cfg.Speech.ModelPath)
	return p, nil
}

func socksClient(addr string) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.Dial(network, address)
			},
		},
		Timeout: 120 * time.Second,
	}, nil
}
