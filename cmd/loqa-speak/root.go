package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/provider"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type globalOptions struct {
	configFile string
	logLevel   string
	backend    string
	workDir    string
	showEvents bool
}

// session is a local provider plus the event bus it publishes to.
type session struct {
	cfg      config.Config
	log      *slog.Logger
	bus      *events.Bus
	provider *provider.Provider
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.provider.Close(ctx)
	s.bus.Close()
	return err
}

func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "loqa-speak",
		Short:         "Speak, render and inspect voices with a local voice provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerGlobalFlags(cmd.PersistentFlags(), opts)

	cmd.AddCommand(newVoicesCmd(opts))
	cmd.AddCommand(newCulturesCmd(opts))
	cmd.AddCommand(newSayCmd(opts))
	cmd.AddCommand(newNativeCmd(opts))
	cmd.AddCommand(newGenerateCmd(opts))

	return cmd
}

func registerGlobalFlags(fs *pflag.FlagSet, opts *globalOptions) {
	fs.StringVar(&opts.configFile, "config", "", "Optional config file (yaml)")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")
	fs.StringVar(&opts.backend, "backend", "", "Override provider backend (mock|exec)")
	fs.StringVar(&opts.workDir, "work-dir", "", "Override the directory rendered audio is written to")
	fs.BoolVar(&opts.showEvents, "events", false, "Print provider events to stderr")
}

func openSession(cmd *cobra.Command, opts *globalOptions) (*session, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	if opts.backend != "" {
		cfg.Provider.Backend = opts.backend
	}
	if opts.workDir != "" {
		cfg.Audio.BasePath = opts.workDir
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.logLevel)
	bus := events.NewBus(logger)
	if opts.showEvents {
		bus.Subscribe(printEvent(cmd.ErrOrStderr()))
	}
	prov, err := runtime.BuildProvider(cfg, bus, logger)
	if err != nil {
		bus.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: logger, bus: bus, provider: prov}, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func printEvent(w io.Writer) events.Handler {
	return func(evt events.Event) {
		line := fmt.Sprintf("%-26s %s", evt.Kind, evt.RequestID)
		switch evt.Kind {
		case events.SpeakCurrentWord:
			line += fmt.Sprintf(" word=%d", evt.WordIndex)
		case events.SpeakCurrentPhoneme, events.SpeakCurrentViseme:
			line += " symbol=" + evt.Symbol
		case events.AudioGenerationComplete:
			if evt.Cached {
				line += " cached"
			}
		case events.ErrorInfo:
			line += " " + evt.Message
		}
		_, _ = fmt.Fprintln(w, line)
	}
}
