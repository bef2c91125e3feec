package synth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/internal/cancellation"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

var (
	// ErrExecution marks every executor failure that is not a cancellation.
	ErrExecution = errors.New("synthesis execution failed")
	// ErrTimeout is returned when the backend exceeded the configured timeout.
	ErrTimeout = errors.New("synthesis timed out")
	// ErrMalformedOutput is returned when the backend printed undecodable
	// progress markers.
	ErrMalformedOutput = errors.New("malformed backend output")
)

// Mode selects what the backend produces.
type Mode int

const (
	// ModeSpeak lets the engine play the audio itself.
	ModeSpeak Mode = iota
	// ModeFile renders audio into Job.OutputPath.
	ModeFile
)

func (m Mode) String() string {
	switch m {
	case ModeSpeak:
		return "speak"
	case ModeFile:
		return "file"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Job is a fully prepared backend invocation: text is canonicalized and
// prosody values are already in engine-native ranges.
type Job struct {
	RequestID  string
	Text       string
	SSML       bool
	Voice      voice.Voice
	Rate       int
	Pitch      int
	Volume     int
	Mode       Mode
	OutputPath string
}

// Outcome is what a backend reports when its operation ends.
type Outcome struct {
	ExitCode int
	Stderr   string
	// Signaled is set when the operation was terminated from outside.
	Signaled bool
	// Dropped counts output lines discarded for exceeding the line limit.
	Dropped int
	// Audio carries rendered bytes for backends that return audio in memory
	// rather than writing OutputPath themselves.
	Audio []byte
}

// RunEnv connects a running backend to its executor.
type RunEnv struct {
	// Line receives every stdout line as it is produced.
	Line func(line string)
	// Attach registers the function that force-terminates the operation.
	Attach func(kill cancellation.KillFunc)
}

// Backend is a synthesis strategy: a subprocess, an in-process engine or a
// test double.
type Backend interface {
	voice.Discoverer
	Name() string
	Run(ctx context.Context, job Job, env RunEnv) (Outcome, error)
}

// Status is the terminal state of an execution.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusKilled:
		return "killed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ExitError carries the diagnostics of a failed backend process.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("backend exited with code %d", e.Code)
	}
	return fmt.Sprintf("backend exited with code %d: %s", e.Code, e.Stderr)
}

func (e *ExitError) Unwrap() error { return ErrExecution }

// Result is the terminal report of one execution.
type Result struct {
	Status       Status
	ExitCode     int
	Stderr       string
	Err          error
	ArtifactPath string
	Started      bool
	Elapsed      time.Duration
}
