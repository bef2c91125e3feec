package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/mattn/go-shellwords"
)

var errNotLoaded = errors.New("no asset loaded")

// NullSink discards audio and reports playing for the asset's duration.
type NullSink struct {
	mu       sync.Mutex
	duration time.Duration
	until    time.Time
	loaded   bool
	playing  bool
	invalid  bool
	clock    func() time.Time
}

func NewNullSink() *NullSink { return &NullSink{clock: time.Now} }

func (s *NullSink) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid
}

// Invalidate makes the sink unusable, like a freed output device.
func (s *NullSink) Invalidate() {
	s.mu.Lock()
	s.invalid = true
	s.mu.Unlock()
}

func (s *NullSink) Load(a *audio.Asset) error {
	if a == nil {
		return errNotLoaded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duration = a.Duration
	s.loaded = true
	return nil
}

func (s *NullSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return errNotLoaded
	}
	s.playing = true
	s.until = s.clock().Add(s.duration)
	return nil
}

func (s *NullSink) Stop() error {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
	return nil
}

func (s *NullSink) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing && s.clock().Before(s.until)
}

// ExecSink pipes encoded audio into a player command such as "aplay -q -".
type ExecSink struct {
	args []string
	log  *slog.Logger

	mu     sync.Mutex
	raw    []byte
	cmd    *exec.Cmd
	done   chan struct{}
	closed bool
}

func NewExecSink(command string, log *slog.Logger) (*ExecSink, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("player command empty")
	}
	return &ExecSink{args: args, log: log.With(slog.String("component", "exec-sink"))}, nil
}

func (s *ExecSink) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *ExecSink) Load(a *audio.Asset) error {
	if a == nil || a.Raw() == nil {
		return errNotLoaded
	}
	s.mu.Lock()
	s.raw = a.Raw()
	s.mu.Unlock()
	return nil
}

func (s *ExecSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return errNotLoaded
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return errors.New("player already running")
		}
	}
	cmd := exec.Command(s.args[0], s.args[1:]...)
	cmd.Stdin = bytes.NewReader(s.raw)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cmd.Wait(); err != nil {
			s.log.Debug("player exited", slog.String("error", err.Error()))
		}
	}()
	s.cmd, s.done = cmd, done
	return nil
}

func (s *ExecSink) Stop() error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill player: %w", err)
	}
	<-done
	return nil
}

func (s *ExecSink) IsPlaying() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Close stops the player and invalidates the sink.
func (s *ExecSink) Close() error {
	err := s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

// BusPublisher is the subset of *nats.Conn used by BusSink.
type BusPublisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// BusSink streams decoded PCM to remote players over NATS, paced in real
// time so IsPlaying follows the audio.
type BusSink struct {
	conn   BusPublisher
	target string
	chunk  time.Duration
	log    *slog.Logger

	mu        sync.Mutex
	requestID string
	pcm       *audioFrames
	cancel    context.CancelFunc
	done      chan struct{}
}

type audioFrames struct {
	sampleRate int
	channels   int
	bitDepth   int
	samples    []int
}

// NewBusSink returns a sink that tags its chunks with requestID.
func NewBusSink(conn BusPublisher, target, requestID string, chunk time.Duration, log *slog.Logger) *BusSink {
	if chunk <= 0 {
		chunk = 100 * time.Millisecond
	}
	return &BusSink{
		conn:      conn,
		target:    target,
		requestID: requestID,
		chunk:     chunk,
		log:       log.With(slog.String("component", "bus-sink"), slog.String("target", target)),
	}
}

func (s *BusSink) Valid() bool { return s.conn != nil && s.conn.IsConnected() }

func (s *BusSink) Load(a *audio.Asset) error {
	if a == nil {
		return errNotLoaded
	}
	pcm := a.PCM()
	if pcm == nil || pcm.Format == nil {
		return fmt.Errorf("bus sink needs decoded audio, got %s", a.Format)
	}
	switch pcm.SourceBitDepth {
	case 0, 8, 16, 24, 32:
	default:
		return fmt.Errorf("bus sink cannot stream %d-bit audio", pcm.SourceBitDepth)
	}
	s.mu.Lock()
	s.pcm = &audioFrames{
		sampleRate: pcm.Format.SampleRate,
		channels:   pcm.Format.NumChannels,
		bitDepth:   pcm.SourceBitDepth,
		samples:    pcm.Data,
	}
	s.mu.Unlock()
	return nil
}

func (s *BusSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pcm == nil {
		return errNotLoaded
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func(frames *audioFrames, requestID string) {
		defer close(done)
		s.stream(ctx, frames, requestID)
	}(s.pcm, s.requestID)
	return nil
}

func (s *BusSink) stream(ctx context.Context, f *audioFrames, requestID string) {
	perChunk := int(s.chunk.Seconds()*float64(f.sampleRate)) * f.channels
	if perChunk <= 0 {
		perChunk = f.channels
	}
	subject := protocol.AudioSubject(s.target)
	ticker := time.NewTicker(s.chunk)
	defer ticker.Stop()

	for seq, off := 0, 0; off < len(f.samples); seq++ {
		end := min(off+perChunk, len(f.samples))
		packet := protocol.AudioChunk{
			RequestID:  requestID,
			Target:     s.target,
			Sequence:   seq,
			SampleRate: f.sampleRate,
			Channels:   f.channels,
			PCM:        encodePCM16(f.samples[off:end], f.bitDepth),
			Final:      end == len(f.samples),
			Timestamp:  time.Now().UTC(),
		}
		data, err := json.Marshal(packet)
		if err != nil {
			s.log.Warn("failed to marshal audio chunk", slog.String("error", err.Error()))
			return
		}
		if err := s.conn.Publish(subject, data); err != nil {
			s.log.Warn("failed to publish audio chunk", slog.String("error", err.Error()))
			return
		}
		off = end
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *BusSink) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *BusSink) IsPlaying() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// encodePCM16 rescales samples of the given depth to signed 16-bit little
// endian. 8-bit wav samples are unsigned; a zero depth is treated as 16.
func encodePCM16(samples []int, bitDepth int) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		switch {
		case bitDepth == 8:
			v = (v - 128) << 8
		case bitDepth > 16:
			v >>= bitDepth - 16
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}
