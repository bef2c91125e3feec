package synth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Line prefixes of the backend stdout protocol.
const (
	PrefixVoice   = "@VOICE:"
	PrefixWord    = "@WORD:"
	PrefixPhoneme = "@PHONEME:"
	PrefixViseme  = "@VISEME:"
	LineStart     = "@START"
)

type MarkerKind int

const (
	MarkerNone MarkerKind = iota
	MarkerStart
	MarkerWord
	MarkerPhoneme
	MarkerViseme
)

// Marker is one decoded progress line.
type Marker struct {
	Kind   MarkerKind
	Index  int
	Symbol string
}

// ParseLine decodes a progress line. Lines that carry no known prefix are
// returned as MarkerNone without error; known prefixes with an undecodable
// payload yield ErrMalformedOutput.
func ParseLine(line string) (Marker, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == LineStart:
		return Marker{Kind: MarkerStart}, nil
	case strings.HasPrefix(line, PrefixWord):
		payload := strings.TrimPrefix(line, PrefixWord)
		idx, word, _ := strings.Cut(payload, ":")
		n, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || n < 0 {
			return Marker{}, fmt.Errorf("%w: word marker %q", ErrMalformedOutput, line)
		}
		return Marker{Kind: MarkerWord, Index: n, Symbol: word}, nil
	case strings.HasPrefix(line, PrefixPhoneme):
		sym := strings.TrimSpace(strings.TrimPrefix(line, PrefixPhoneme))
		if sym == "" {
			return Marker{}, fmt.Errorf("%w: empty phoneme marker", ErrMalformedOutput)
		}
		return Marker{Kind: MarkerPhoneme, Symbol: sym}, nil
	case strings.HasPrefix(line, PrefixViseme):
		sym := strings.TrimSpace(strings.TrimPrefix(line, PrefixViseme))
		if sym == "" {
			return Marker{}, fmt.Errorf("%w: empty viseme marker", ErrMalformedOutput)
		}
		return Marker{Kind: MarkerViseme, Symbol: sym}, nil
	}
	return Marker{Kind: MarkerNone}, nil
}

// ParseVoiceLine decodes "@VOICE:name:desc:gender:age:culture[:identifier]".
// ok is false for lines that are not voice lines.
func ParseVoiceLine(line, provider string) (v voice.Voice, ok bool, err error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, PrefixVoice) {
		return voice.Voice{}, false, nil
	}
	fields := strings.Split(strings.TrimPrefix(line, PrefixVoice), ":")
	if len(fields) < 5 || strings.TrimSpace(fields[0]) == "" {
		return voice.Voice{}, true, fmt.Errorf("%w: voice line %q", ErrMalformedOutput, line)
	}
	v = voice.Voice{
		Name:        strings.TrimSpace(fields[0]),
		Description: strings.TrimSpace(fields[1]),
		Gender:      strings.TrimSpace(fields[2]),
		Age:         strings.TrimSpace(fields[3]),
		Culture:     strings.TrimSpace(fields[4]),
		Provider:    provider,
	}
	if len(fields) > 5 {
		v.Identifier = strings.TrimSpace(strings.Join(fields[5:], ":"))
	}
	return v, true, nil
}

// FormatVoiceLine is the inverse of ParseVoiceLine.
func FormatVoiceLine(v voice.Voice) string {
	line := PrefixVoice + strings.Join([]string{v.Name, v.Description, v.Gender, v.Age, v.Culture}, ":")
	if v.Identifier != "" {
		line += ":" + v.Identifier
	}
	return line
}
