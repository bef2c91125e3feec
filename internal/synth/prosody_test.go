package synth

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProsodyMapping(t *testing.T) {
	p := DefaultProsody()

	assert.Equal(t, 0, p.MapRate(1))
	assert.Equal(t, 10, p.MapRate(3))
	assert.Equal(t, 10, p.MapRate(9))
	assert.Equal(t, -10, p.MapRate(0.01))
	assert.Equal(t, -10, p.MapRate(0))
	assert.Equal(t, 5, p.MapRate(2))
	assert.Equal(t, 0, p.MapRate(math.NaN()))

	assert.Equal(t, 0, p.MapPitch(1))
	assert.Equal(t, -10, p.MapPitch(0))
	assert.Equal(t, 10, p.MapPitch(2))

	assert.Equal(t, 100, p.MapVolume(1))
	assert.Equal(t, 50, p.MapVolume(0.5))
	assert.Equal(t, 0, p.MapVolume(-3))
}

func TestProsodyCustomRange(t *testing.T) {
	p := Prosody{
		Rate:   Range{Min: 80, Max: 450, Neutral: 175},
		Pitch:  Range{Min: 0, Max: 99, Neutral: 50},
		Volume: Range{Min: 0, Max: 200, Neutral: 100},
	}
	assert.Equal(t, 175, p.MapRate(1))
	assert.Equal(t, 450, p.MapRate(3))
	assert.Equal(t, 80, p.MapRate(0.01))
	assert.Equal(t, 50, p.MapPitch(1))
	assert.Equal(t, 200, p.MapVolume(1))
}

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "Hello world", Canonicalize("  Hello \n world ", false, false))
	assert.Equal(t, "<speak>Tom &amp; Jerry &lt;3</speak>", Canonicalize("Tom & Jerry <3", false, true))
	assert.Equal(t, "Hi there & bye", Canonicalize(`<speak>Hi <break time="1s"/>there &amp; bye</speak>`, true, false))

	ssml := `<speak><prosody rate="slow">x</prosody></speak>`
	assert.Equal(t, ssml, Canonicalize(ssml, true, true))
}
