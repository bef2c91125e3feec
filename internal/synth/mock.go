package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// MockEngine is a deterministic engine that renders a sine tone per word.
// It backs the "mock" backend used in development and tests.
type MockEngine struct {
	SampleRate  int
	WordDelay   time.Duration
	WordSamples int
	VoiceList   []voice.Voice
}

func NewMockEngine(sampleRate int, wordDelay time.Duration) *MockEngine {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &MockEngine{
		SampleRate:  sampleRate,
		WordDelay:   wordDelay,
		WordSamples: sampleRate / 8,
		VoiceList: []voice.Voice{
			{Name: "Mock Alice", Description: "mock female voice", Gender: "female", Age: "adult", Culture: "en-US", Identifier: "mock-alice"},
			{Name: "Mock Bruno", Description: "mock male voice", Gender: "male", Age: "adult", Culture: "de-DE", Identifier: "mock-bruno"},
			{Name: "Mock Chloe", Description: "mock child voice", Gender: "female", Age: "child", Culture: "fr-FR", Identifier: "mock-chloe"},
		},
	}
}

func (m *MockEngine) Voices(context.Context) ([]voice.Voice, error) {
	return append([]voice.Voice(nil), m.VoiceList...), nil
}

func (m *MockEngine) Speak(ctx context.Context, job Job, mark func(Marker)) error {
	mark(Marker{Kind: MarkerStart})
	return m.walkWords(ctx, job.Text, mark)
}

func (m *MockEngine) Synthesize(ctx context.Context, job Job, mark func(Marker)) ([]byte, error) {
	if err := m.walkWords(ctx, job.Text, mark); err != nil {
		return nil, err
	}
	words := len(strings.Fields(job.Text))
	if words == 0 {
		return nil, errors.New("nothing to synthesize")
	}
	return m.render(words, job.Pitch, job.Volume)
}

func (m *MockEngine) walkWords(ctx context.Context, text string, mark func(Marker)) error {
	for i, word := range strings.Fields(text) {
		if m.WordDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.WordDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		mark(Marker{Kind: MarkerWord, Index: i, Symbol: word})
		if r := firstLetter(word); r != 0 {
			mark(Marker{Kind: MarkerViseme, Symbol: string(unicode.ToLower(r))})
		}
	}
	return nil
}

func (m *MockEngine) render(words, pitch, volume int) ([]byte, error) {
	freq := 220 * math.Pow(2, float64(pitch)/12)
	amp := math.Max(0, math.Min(1, float64(volume)/100)) * 0.5 * 32767
	n := words * m.WordSamples
	samples := make([]int, n)
	for i := range samples {
		samples[i] = int(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(m.SampleRate)))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: m.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, m.SampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.data, nil
}

func firstLetter(word string) rune {
	for _, r := range word {
		if unicode.IsLetter(r) {
			return r
		}
	}
	return 0
}

// seekBuffer is an in-memory io.WriteSeeker for the wav encoder, which
// rewrites the header sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.data) {
		s.data = append(s.data, make([]byte, end-len(s.data))...)
	}
	copy(s.data[s.pos:], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(s.pos)
	case io.SeekEnd:
		base = int64(len(s.data))
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	s.pos = int(next)
	return next, nil
}
