package synth

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/mattn/go-shellwords"
)

// ExecContract describes the command line of a subprocess backend. Text is
// always written to the process stdin.
type ExecContract struct {
	Command     string `yaml:"command"`
	VoicesFlag  string `yaml:"voices_flag"`
	SpeakFlag   string `yaml:"speak_flag"`
	FileFlag    string `yaml:"file_flag"`
	VoiceFlag   string `yaml:"voice_flag"`
	RateFlag    string `yaml:"rate_flag"`
	PitchFlag   string `yaml:"pitch_flag"`
	VolumeFlag  string `yaml:"volume_flag"`
	SSML        bool   `yaml:"ssml"`
	MaxStderrKB int    `yaml:"max_stderr_kb"`
}

// DefaultExecContract returns the flag names used when a contract leaves
// them empty.
func DefaultExecContract() ExecContract {
	return ExecContract{
		VoicesFlag:  "--voices",
		SpeakFlag:   "--speak",
		FileFlag:    "--file",
		VoiceFlag:   "--voice",
		RateFlag:    "--rate",
		PitchFlag:   "--pitch",
		VolumeFlag:  "--volume",
		MaxStderrKB: 64,
	}
}

type execBackend struct {
	cmd      []string
	contract ExecContract
	log      *slog.Logger
}

func NewExecBackend(contract ExecContract, log *slog.Logger) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(contract.Command)
	if err != nil {
		return nil, fmt.Errorf("parse backend command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("backend command empty")
	}
	defaults := DefaultExecContract()
	fill := func(target *string, fallback string) {
		if *target == "" {
			*target = fallback
		}
	}
	fill(&contract.VoicesFlag, defaults.VoicesFlag)
	fill(&contract.SpeakFlag, defaults.SpeakFlag)
	fill(&contract.FileFlag, defaults.FileFlag)
	fill(&contract.VoiceFlag, defaults.VoiceFlag)
	fill(&contract.RateFlag, defaults.RateFlag)
	fill(&contract.PitchFlag, defaults.PitchFlag)
	fill(&contract.VolumeFlag, defaults.VolumeFlag)
	if contract.MaxStderrKB <= 0 {
		contract.MaxStderrKB = defaults.MaxStderrKB
	}
	return &execBackend{
		cmd:      args,
		contract: contract,
		log:      log.With(slog.String("component", "exec-backend")),
	}, nil
}

func (e *execBackend) Name() string { return "exec" }

// SSML reports whether the backend expects SSML input.
func (e *execBackend) SSML() bool { return e.contract.SSML }

func (e *execBackend) Voices(ctx context.Context) ([]voice.Voice, error) {
	args := append(append([]string{}, e.cmd[1:]...), e.contract.VoicesFlag)
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	stderr := newLimitedBuffer(e.contract.MaxStderrKB << 10)
	cmd.Stderr = stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list voices: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var voices []voice.Voice
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		v, ok, err := ParseVoiceLine(scanner.Text(), e.Name())
		if !ok {
			continue
		}
		if err != nil {
			e.log.Warn("skipping voice line", slog.String("error", err.Error()))
			continue
		}
		voices = append(voices, v)
	}
	return voices, scanner.Err()
}

func (e *execBackend) args(job Job) []string {
	args := append([]string{}, e.cmd[1:]...)
	if id := job.Voice.ID(); id != "" {
		args = append(args, e.contract.VoiceFlag, id)
	}
	args = append(args,
		e.contract.RateFlag, strconv.Itoa(job.Rate),
		e.contract.PitchFlag, strconv.Itoa(job.Pitch),
		e.contract.VolumeFlag, strconv.Itoa(job.Volume),
	)
	switch job.Mode {
	case ModeFile:
		args = append(args, e.contract.FileFlag, job.OutputPath)
	default:
		args = append(args, e.contract.SpeakFlag)
	}
	return args
}

func (e *execBackend) Run(ctx context.Context, job Job, env RunEnv) (Outcome, error) {
	cmd := exec.CommandContext(ctx, e.cmd[0], e.args(job)...)
	cmd.Stdin = strings.NewReader(job.Text)
	cmd.WaitDelay = 2 * time.Second
	stderr := newLimitedBuffer(e.contract.MaxStderrKB << 10)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, err
	}
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start backend: %w", err)
	}
	if env.Attach != nil {
		env.Attach(func() error { return cmd.Process.Kill() })
	}

	dropped, scanErr := scanLines(stdout, maxLineBytes, env.Line)
	if scanErr != nil {
		e.log.Debug("backend stdout scan stopped", slog.String("error", scanErr.Error()))
	}
	// The process must never block on a full stdout pipe.
	_, _ = io.Copy(io.Discard, stdout)
	if dropped > 0 {
		e.log.Warn("dropped oversized backend lines", slog.Int("count", dropped), slog.Int("limit", maxLineBytes))
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		return Outcome{ExitCode: 0, Stderr: strings.TrimSpace(stderr.String()), Dropped: dropped}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		return Outcome{
			ExitCode: code,
			Stderr:   strings.TrimSpace(stderr.String()),
			Signaled: code == -1,
			Dropped:  dropped,
		}, nil
	}
	return Outcome{}, fmt.Errorf("wait backend: %w", waitErr)
}

const maxLineBytes = 64 << 10

// scanLines feeds every line of r to fn. Lines longer than maxLine are
// skipped to their end and counted instead of stopping the read.
func scanLines(r io.Reader, maxLine int, fn func(string)) (dropped int, err error) {
	br := bufio.NewReader(r)
	var line []byte
	overflow := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return dropped, nil
			}
			return dropped, err
		}
		if !overflow {
			if len(line)+len(chunk) > maxLine {
				overflow = true
			} else {
				line = append(line, chunk...)
			}
		}
		if isPrefix {
			continue
		}
		if overflow {
			dropped++
		} else if fn != nil {
			fn(string(line))
		}
		line = line[:0]
		overflow = false
	}
}

// limitedBuffer keeps at most max bytes of stderr.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string { return l.buf.String() }
