package synth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Engine is an in-process speech engine, the shape of a native SDK binding.
// Marks are reported through the callback while the engine works.
type Engine interface {
	voice.Discoverer
	Speak(ctx context.Context, job Job, mark func(Marker)) error
	Synthesize(ctx context.Context, job Job, mark func(Marker)) ([]byte, error)
}

type nativeBackend struct {
	name   string
	engine Engine
}

// NewNativeBackend adapts an Engine to the Backend contract. Marks are
// re-encoded as protocol lines so that every backend reports progress the
// same way.
func NewNativeBackend(name string, engine Engine) Backend {
	return &nativeBackend{name: name, engine: engine}
}

func (n *nativeBackend) Name() string { return n.name }

func (n *nativeBackend) Voices(ctx context.Context) ([]voice.Voice, error) {
	voices, err := n.engine.Voices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]voice.Voice, len(voices))
	for i, v := range voices {
		if v.Provider == "" {
			v.Provider = n.name
		}
		out[i] = v
	}
	return out, nil
}

func (n *nativeBackend) Run(ctx context.Context, job Job, env RunEnv) (Outcome, error) {
	mark := func(m Marker) {
		if env.Line != nil {
			env.Line(FormatMarker(m))
		}
	}

	var (
		audio []byte
		err   error
	)
	switch job.Mode {
	case ModeFile:
		audio, err = n.engine.Synthesize(ctx, job, mark)
	default:
		err = n.engine.Speak(ctx, job, mark)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return Outcome{ExitCode: -1, Signaled: true}, nil
		}
		return Outcome{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return Outcome{ExitCode: 0, Audio: audio}, nil
}

// FormatMarker encodes a marker as a protocol line.
func FormatMarker(m Marker) string {
	switch m.Kind {
	case MarkerStart:
		return LineStart
	case MarkerWord:
		line := PrefixWord + strconv.Itoa(m.Index)
		if m.Symbol != "" {
			line += ":" + m.Symbol
		}
		return line
	case MarkerPhoneme:
		return PrefixPhoneme + m.Symbol
	case MarkerViseme:
		return PrefixViseme + m.Symbol
	default:
		return fmt.Sprintf("# %s", m.Symbol)
	}
}
