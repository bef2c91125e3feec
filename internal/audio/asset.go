package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrAssetInvalid is returned when an artifact is missing, too small or not
// decodable.
var ErrAssetInvalid = errors.New("audio asset invalid")

// Format identifies the container of an asset.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
	FormatRaw Format = "raw"
)

// LoadState tracks the lifetime of an asset's buffers.
type LoadState int32

const (
	StateLoading LoadState = iota
	StateLoaded
	StateReleased
)

func (s LoadState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Asset is rendered audio ready for playback. A cached asset is owned by the
// Cache and only released by Cache.Clear; any other asset belongs to whoever
// plays it and is released when playback ends.
type Asset struct {
	Format   Format
	Duration time.Duration
	// Source is the file the asset was loaded from, empty once the file was
	// discarded.
	Source string

	mu     sync.RWMutex
	raw    []byte
	pcm    *goaudio.IntBuffer
	state  atomic.Int32
	cached atomic.Bool
}

// Raw returns the encoded bytes, nil after release.
func (a *Asset) Raw() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.raw
}

// PCM returns the decoded samples, nil for raw assets and after release.
func (a *Asset) PCM() *goaudio.IntBuffer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pcm
}

func (a *Asset) State() LoadState { return LoadState(a.state.Load()) }

// Cached reports whether the cache owns the asset.
func (a *Asset) Cached() bool { return a.cached.Load() }

// Release frees the buffers of an uncached asset. It reports false and keeps
// the buffers when the cache owns the asset.
func (a *Asset) Release() bool {
	if a.Cached() {
		return false
	}
	a.release()
	return true
}

func (a *Asset) release() {
	a.mu.Lock()
	a.raw = nil
	a.pcm = nil
	a.mu.Unlock()
	a.state.Store(int32(StateReleased))
}

// Decode builds a loaded asset from encoded bytes. WAV and MP3 containers are
// detected by their magic bytes; anything else is kept as raw bytes.
func Decode(raw []byte) (*Asset, error) {
	a := &Asset{raw: raw}
	a.state.Store(int32(StateLoading))

	switch DetectFormat(raw) {
	case FormatWAV:
		if err := a.decodeWAV(); err != nil {
			return nil, err
		}
	case FormatMP3:
		if err := a.decodeMP3(); err != nil {
			return nil, err
		}
	default:
		a.Format = FormatRaw
	}
	a.state.Store(int32(StateLoaded))
	return a, nil
}

// DetectFormat inspects the leading bytes of an encoded buffer.
func DetectFormat(raw []byte) Format {
	switch {
	case len(raw) >= 12 && string(raw[0:4]) == "RIFF" && string(raw[8:12]) == "WAVE":
		return FormatWAV
	case len(raw) >= 4 && string(raw[0:4]) == "RIFF":
		// RIFF without a WAVE form is a broken WAV, not raw audio.
		return FormatWAV
	case len(raw) >= 3 && string(raw[0:3]) == "ID3":
		return FormatMP3
	case len(raw) >= 2 && raw[0] == 0xFF && raw[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return FormatRaw
	}
}

func (a *Asset) decodeWAV() error {
	a.Format = FormatWAV
	dec := wav.NewDecoder(bytes.NewReader(a.raw))
	if !dec.IsValidFile() {
		return fmt.Errorf("%w: not a valid wav container", ErrAssetInvalid)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("%w: decode wav: %v", ErrAssetInvalid, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return fmt.Errorf("%w: wav without format", ErrAssetInvalid)
	}
	a.pcm = buf
	a.Duration = frameDuration(len(buf.Data)/buf.Format.NumChannels, buf.Format.SampleRate)
	return nil
}

func (a *Asset) decodeMP3() error {
	a.Format = FormatMP3
	dec, err := mp3.NewDecoder(bytes.NewReader(a.raw))
	if err != nil {
		return fmt.Errorf("%w: decode mp3: %v", ErrAssetInvalid, err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("%w: decode mp3: %v", ErrAssetInvalid, err)
	}
	if len(pcm) < 4 {
		return fmt.Errorf("%w: mp3 without frames", ErrAssetInvalid)
	}

	// go-mp3 always yields 16-bit little-endian stereo.
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	a.pcm = &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: dec.SampleRate()},
		Data:           samples,
		SourceBitDepth: 16,
	}
	a.Duration = frameDuration(len(samples)/2, dec.SampleRate())
	return nil
}

func frameDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
