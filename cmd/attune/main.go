// attune runs a voice onboarding session in the terminal, with the engine
// in-process and the conversation rendered live.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"attune/internal/app"
	"attune/internal/backend"
	"attune/internal/config"
	"attune/internal/onboarding"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	cfgPath := cli.StringP("config", "c", "attune.toml", "Config file path")
	logLevel := cli.StringP("log", "l", "", "Log level (logs to stderr, off by default)")
	audio := cli.StringSliceP("audio", "a", nil, "Replay answers from audio files instead of the microphone")
	cli.Parse()

	// The terminal belongs to the TUI; logging stays off unless asked for.
	var logOut io.Writer = io.Discard
	if *logLevel != "" {
		logOut = os.Stderr
	}
	log.SetDefault(log.New(tint.NewHandler(logOut, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	godotenv.Load(*envFile)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	var beOpts []backend.Option
	if cfg.Backend.SocksProxy != "" {
		beOpts = append(beOpts, backend.WithSocksProxy(cfg.Backend.SocksProxy))
	}
	be, err := backend.NewClient(cfg.Backend.URL, beOpts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "backend client:", err)
		os.Exit(1)
	}

	ctx, cancelStatus := context.WithTimeout(context.Background(), 10*time.Second)
	done, err := be.Status(ctx)
	cancelStatus()
	if err != nil {
		log.Warn("Could not check onboarding status, assuming not onboarded", "err", err)
	}
	if done {
		fmt.Println("Onboarding already completed.")
		return
	}

	ports, err := app.BuildPorts(cfg, *audio, log.Default())
	if err != nil {
		fmt.Fprintln(os.Stderr, "speech ports:", err)
		os.Exit(1)
	}
	defer ports.Close()

	states := make(chan onboarding.SessionState, 64)
	eng, err := onboarding.NewEngine(onboarding.Config{
		Output:            ports.Output,
		Input:             ports.Input,
		Backend:           be,
		OpeningPrompt:     cfg.Session.OpeningPrompt,
		CompletionMessage: cfg.Session.CompletionMessage,
		ListenDelay:       cfg.ListenDelay(),
		Notify: func(st onboarding.SessionState) {
			states <- st
		},
		Logger: log.Default(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}

	p := tea.NewProgram(newModel(eng, states), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "tui:", err)
		os.Exit(1)
	}
}
