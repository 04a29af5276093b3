// Package config loads the daemon/TUI configuration from a TOML file.
// Secrets (the OpenAI key) come from the environment, not from here.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Backend Backend `toml:"backend"`
	Speech  Speech  `toml:"speech"`
	Session Session `toml:"session"`
	Stream  Stream  `toml:"stream"`
}

type Backend struct {
	// URL of the insights dashboard backend serving the onboarding
	// endpoints.
	URL        string `toml:"url"`
	SocksProxy string `toml:"socks_proxy"`
}

type Speech struct {
	// ModelPath points at a ggml whisper model.
	ModelPath string `toml:"model_path"`
	Language  string `toml:"language"`
	Voice     string `toml:"voice"`
	TTSModel  string `toml:"tts_model"`
	// EarconPath is an optional mp3 played when the microphone opens.
	EarconPath string `toml:"earcon_path"`
	// MaxUtteranceSec caps one spoken answer.
	MaxUtteranceSec int `toml:"max_utterance_sec"`
}

type Session struct {
	OpeningPrompt     string `toml:"opening_prompt"`
	CompletionMessage string `toml:"completion_message"`
	ListenDelayMS     int    `toml:"listen_delay_ms"`
}

type Stream struct {
	// Addr is where the daemon serves the dashboard websocket.
	Addr string `toml:"addr"`
}

func Default() Config {
	return Config{
		Backend: Backend{
			URL: "http://localhost:8000",
		},
		Speech: Speech{
			ModelPath:       "models/ggml-base.en.bin",
			Language:        "en",
			MaxUtteranceSec: 15,
		},
		Stream: Stream{
			Addr: "127.0.0.1:8093",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error: the
// defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) ListenDelay() time.Duration {
	if c.Session.ListenDelayMS <= 0 {
		return 0
	}
	return time.Duration(c.Session.ListenDelayMS) * time.Millisecond
}

func (c Config) MaxUtterance() time.Duration {
	if c.Speech.MaxUtteranceSec <= 0 {
		return 0
	}
	return time.Duration(c.Speech.MaxUtteranceSec) * time.Second
}
