package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/provider"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type speechOptions struct {
	text    string
	voice   string
	culture string
	rate    float64
	pitch   float64
	volume  float64
	ssml    bool
}

func registerSpeechFlags(fs *pflag.FlagSet, opts *speechOptions) {
	fs.StringVar(&opts.text, "text", "", "Text to speak (if empty, read from args or stdin)")
	fs.StringVar(&opts.voice, "voice", "", "Voice name or identifier")
	fs.StringVar(&opts.culture, "culture", "", "Culture used when no voice matches, e.g. en-US")
	fs.Float64Var(&opts.rate, "rate", 1, "Speaking rate multiplier (0.01..3)")
	fs.Float64Var(&opts.pitch, "pitch", 1, "Pitch multiplier (0..2)")
	fs.Float64Var(&opts.volume, "volume", 1, "Volume (0..1)")
	fs.BoolVar(&opts.ssml, "ssml", false, "Treat the text as SSML")
}

func (o *speechOptions) request(args []string, stdin io.Reader) (*provider.Request, error) {
	text := o.text
	if text == "" && len(args) > 0 {
		text = strings.Join(args, " ")
	}
	if text == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return nil, errors.New("no text to speak")
	}
	req := provider.NewRequest(text)
	req.SSML = o.ssml
	req.Voice = voice.Selector{Name: o.voice, Identifier: o.voice, Culture: o.culture}
	req.Rate = o.rate
	req.Pitch = o.pitch
	req.Volume = o.volume
	return req, nil
}

func newVoicesCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List installed voices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, global)
			if err != nil {
				return err
			}
			defer s.Close()

			s.provider.LoadVoices(cmd.Context(), false)
			s.provider.Catalog().Wait()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tIDENTIFIER\tCULTURE\tGENDER\tAGE")
			for _, v := range s.provider.Voices() {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.Name, v.Identifier, v.Culture, v.Gender, v.Age)
			}
			return tw.Flush()
		},
	}
}

func newCulturesCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cultures",
		Short: "List the cultures of installed voices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, global)
			if err != nil {
				return err
			}
			defer s.Close()

			s.provider.LoadVoices(cmd.Context(), false)
			s.provider.Catalog().Wait()
			for _, c := range s.provider.Cultures() {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), c)
			}
			return nil
		},
	}
}

func newSayCmd(global *globalOptions) *cobra.Command {
	opts := &speechOptions{}
	var (
		player string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "say [text]",
		Short: "Render text and play it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			s, err := openSession(cmd, global)
			if err != nil {
				return err
			}
			defer s.Close()

			if player == "" {
				player = s.cfg.Playback.PlayerCommand
			}
			var sink playback.Sink = playback.NewNullSink()
			if s.cfg.Playback.Sink == "exec" || cmd.Flags().Changed("player") {
				execSink, err := playback.NewExecSink(player, s.log)
				if err != nil {
					return err
				}
				defer execSink.Close()
				sink = execSink
			}
			req.Sink = sink
			req.OutputPath = out
			req.Immediate = true
			return wait(cmd.Context(), s, s.provider.Speak(req))
		},
	}
	registerSpeechFlags(cmd.Flags(), opts)
	cmd.Flags().StringVar(&player, "player", "", "Player command fed the rendered audio on stdin")
	cmd.Flags().StringVar(&out, "out", "", "Also keep the rendered audio at this path")
	return cmd
}

func newNativeCmd(global *globalOptions) *cobra.Command {
	opts := &speechOptions{}
	cmd := &cobra.Command{
		Use:   "native [text]",
		Short: "Let the engine speak text through its own output",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			s, err := openSession(cmd, global)
			if err != nil {
				return err
			}
			defer s.Close()
			return wait(cmd.Context(), s, s.provider.SpeakNative(req))
		},
	}
	registerSpeechFlags(cmd.Flags(), opts)
	return cmd
}

func newGenerateCmd(global *globalOptions) *cobra.Command {
	opts := &speechOptions{}
	var out string
	cmd := &cobra.Command{
		Use:   "generate [text]",
		Short: "Render text to an audio file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			req, err := opts.request(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			s, err := openSession(cmd, global)
			if err != nil {
				return err
			}
			defer s.Close()

			req.OutputPath = out
			task := s.provider.Generate(req)
			if err := wait(cmd.Context(), s, task); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", task.OutputPath(), task.Asset().Duration)
			return nil
		},
	}
	registerSpeechFlags(cmd.Flags(), opts)
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output audio path")
	return cmd
}

// wait blocks until task finishes. An interrupt silences the request and
// waits for it to wind down.
func wait(parent context.Context, s *session, task *provider.Task) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-task.Done():
	case <-ctx.Done():
		s.provider.SilenceRequest(task.ID)
		<-task.Done()
	}

	switch task.State() {
	case provider.StateCompleted:
		return nil
	case provider.StateCancelled:
		return fmt.Errorf("request %s cancelled", task.ID)
	default:
		if err := task.Err(); err != nil {
			return err
		}
		return fmt.Errorf("request %s ended in state %s", task.ID, task.State())
	}
}
