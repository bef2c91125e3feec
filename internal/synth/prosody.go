package synth

import (
	"bytes"
	"encoding/xml"
	"html"
	"math"
	"regexp"
	"strings"
)

// Range is an engine-native parameter range with its neutral value.
type Range struct {
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
	Neutral int `yaml:"neutral"`
}

// Prosody maps request-level prosody (rate 0.01..3, pitch 0..2, volume 0..1,
// neutral 1/1/1) onto the ranges an engine understands.
type Prosody struct {
	Rate   Range `yaml:"rate"`
	Pitch  Range `yaml:"pitch"`
	Volume Range `yaml:"volume"`
}

// DefaultProsody matches the common -10..10 rate/pitch and 0..100 volume
// scales of desktop speech engines.
func DefaultProsody() Prosody {
	return Prosody{
		Rate:   Range{Min: -10, Max: 10, Neutral: 0},
		Pitch:  Range{Min: -10, Max: 10, Neutral: 0},
		Volume: Range{Min: 0, Max: 100, Neutral: 100},
	}
}

const (
	minRate  = 0.01
	maxRate  = 3.0
	maxPitch = 2.0
)

func (p Prosody) MapRate(rate float64) int {
	return mapAroundNeutral(clamp(rate, minRate, maxRate), minRate, 1, maxRate, p.Rate)
}

func (p Prosody) MapPitch(pitch float64) int {
	return mapAroundNeutral(clamp(pitch, 0, maxPitch), 0, 1, maxPitch, p.Pitch)
}

func (p Prosody) MapVolume(volume float64) int {
	v := clamp(volume, 0, 1)
	return p.Volume.Min + int(math.Round(v*float64(p.Volume.Max-p.Volume.Min)))
}

func mapAroundNeutral(v, lo, mid, hi float64, r Range) int {
	if v >= mid {
		frac := (v - mid) / (hi - mid)
		return r.Neutral + int(math.Round(frac*float64(r.Max-r.Neutral)))
	}
	frac := (mid - v) / (mid - lo)
	return r.Neutral - int(math.Round(frac*float64(r.Neutral-r.Min)))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 1
	}
	return math.Max(lo, math.Min(hi, v))
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// Canonicalize prepares request text for a backend. SSML input for a plain
// text backend is stripped of markup; plain input for an SSML backend is
// escaped and wrapped in a speak element.
func Canonicalize(text string, ssmlInput, ssmlBackend bool) string {
	text = strings.TrimSpace(text)
	switch {
	case ssmlBackend && !ssmlInput:
		var buf bytes.Buffer
		buf.WriteString("<speak>")
		_ = xml.EscapeText(&buf, []byte(spacePattern.ReplaceAllString(text, " ")))
		buf.WriteString("</speak>")
		return buf.String()
	case !ssmlBackend && ssmlInput:
		stripped := html.UnescapeString(tagPattern.ReplaceAllString(text, " "))
		return strings.TrimSpace(spacePattern.ReplaceAllString(stripped, " "))
	case !ssmlBackend:
		return spacePattern.ReplaceAllString(text, " ")
	default:
		return text
	}
}
