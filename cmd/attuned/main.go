package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"attune/internal/app"
	"attune/internal/backend"
	"attune/internal/config"
	"attune/internal/ipc"
	"attune/internal/onboarding"
	"attune/internal/statestream"
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
	logLevel := cli.StringP("log", "l", "info", "Log level")
	audio := cli.StringSliceP("audio", "a", nil, "Replay answers from audio files instead of the microphone")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	log.Info("Booting up")

	godotenv.Load(*envFile)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Error("Failed to load config", "path", *cfgPath, "err", err)
		os.Exit(1)
	}

	var beOpts []backend.Option
	if cfg.Backend.SocksProxy != "" {
		beOpts = append(beOpts, backend.WithSocksProxy(cfg.Backend.SocksProxy))
	}
	be, err := backend.NewClient(cfg.Backend.URL, beOpts...)
	if err != nil {
		log.Error("Failed to build backend client", "url", cfg.Backend.URL, "err", err)
		os.Exit(1)
	}

	log.Debug("Loaded backend client", "url", cfg.Backend.URL)

	ctx, cancelStatus := context.WithTimeout(context.Background(), 10*time.Second)
	done, err := be.Status(ctx)
	cancelStatus()
	if err != nil {
		log.Warn("Could not check onboarding status, assuming not onboarded", "err", err)
	}
	if done {
		log.Info("Onboarding already completed, nothing to do")
		return
	}

	ports, err := app.BuildPorts(cfg, *audio, log.Default())
	if err != nil {
		log.Error("Failed to build speech ports", "err", err)
		os.Exit(1)
	}
	defer ports.Close()

	log.Debug("Loaded speech ports")

	stream := statestream.NewServer(log.Default())

	var eng *onboarding.Engine
	eng, err = onboarding.NewEngine(onboarding.Config{
		Output:            ports.Output,
		Input:             ports.Input,
		Backend:           be,
		OpeningPrompt:     cfg.Session.OpeningPrompt,
		CompletionMessage: cfg.Session.CompletionMessage,
		ListenDelay:       cfg.ListenDelay(),
		Notify: func(st onboarding.SessionState) {
			stream.Publish(st, eng.Transcript())
		},
		Logger: log.Default(),
	})
	if err != nil {
		log.Error("Failed to build engine", "err", err)
		os.Exit(1)
	}

	closeIPC, err := ipc.StartServer(func(msg ipc.ControlMessage) ipc.Reply {
		return handleCommand(eng, msg)
	})
	if err != nil {
		log.Error("Failed ipc server", "err", err)
		os.Exit(1)
	}
	defer closeIPC()

	mux := http.NewServeMux()
	mux.Handle("/ws", stream)
	go func() {
		if err := http.ListenAndServe(cfg.Stream.Addr, mux); err != nil {
			log.Error("State stream server stopped", "err", err)
		}
	}()

	log.Info("Boot up - successful", "socket", ipc.SocketPath, "stream", cfg.Stream.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down")
	eng.Cancel()
}

func handleCommand(eng *onboarding.Engine, msg ipc.ControlMessage) ipc.Reply {
	var err error
	switch msg.Cmd {
	case ipc.CmdStart:
		err = eng.Start()
	case ipc.CmdToggle:
		err = eng.ToggleListening()
	case ipc.CmdCancel:
		eng.Cancel()
	case ipc.CmdStatus:
	default:
		return ipc.Reply{Error: fmt.Sprintf("unknown command %q", msg.Cmd)}
	}

	st := eng.State()
	reply := ipc.Reply{
		OK:      err == nil,
		Phase:   st.Phase.String(),
		Partial: st.Partial,
		Turns:   st.Turns,
	}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}
