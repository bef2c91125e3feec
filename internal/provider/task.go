package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Request is a speech request. The provider copies it on dispatch, so the
// caller may reuse it afterwards.
type Request struct {
	ID    string
	Text  string
	SSML  bool
	Voice voice.Selector
	// Rate and Pitch are multipliers around 1. Volume is linear in [0, 1].
	Rate   float64
	Pitch  float64
	Volume float64
	// Sink receives the audio on the Speak pipeline.
	Sink playback.Sink
	// OutputPath keeps a copy of the rendered audio.
	OutputPath string
	// Immediate starts playback as soon as the audio is ready. Otherwise
	// playback waits for Task.Start.
	Immediate bool
}

// NewRequest returns a request for text with neutral prosody.
func NewRequest(text string) *Request {
	return &Request{Text: text, Rate: 1, Pitch: 1, Volume: 1}
}

// Pipeline names the entry point a task was dispatched through.
type Pipeline int

const (
	PipelineNative Pipeline = iota
	PipelineSpeak
	PipelineGenerate
)

func (p Pipeline) String() string {
	switch p {
	case PipelineNative:
		return "native"
	case PipelineSpeak:
		return "speak"
	case PipelineGenerate:
		return "generate"
	default:
		return fmt.Sprintf("pipeline(%d)", int(p))
	}
}

// State is a step of the request state machine.
type State int

const (
	StateCreated State = iota
	StateValidated
	StateExecuting
	StateAudioReady
	StatePlaying
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateValidated:
		return "validated"
	case StateExecuting:
		return "executing"
	case StateAudioReady:
		return "audio_ready"
	case StatePlaying:
		return "playing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Transition is one recorded state change.
type Transition struct {
	State State
	At    time.Time
}

// Task tracks one dispatched request.
type Task struct {
	ID       string
	Pipeline Pipeline

	req    Request
	ctx    context.Context
	cancel context.CancelFunc

	start     chan struct{}
	startOnce sync.Once
	done      chan struct{}

	// gateMu orders event publication against silencing.
	gateMu   sync.Mutex
	silenced bool
	playing  bool

	mu      sync.Mutex
	state   State
	history []Transition
	asset   *audio.Asset
	output  string
	cached  bool
	err     error
}

func newTask(parent context.Context, id string, pipeline Pipeline, req Request) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		ID:       id,
		Pipeline: pipeline,
		req:      req,
		ctx:      ctx,
		cancel:   cancel,
		start:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	t.record(StateCreated)
	return t
}

// Request returns the dispatched copy of the request.
func (t *Task) Request() Request { return t.req }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.history...)
}

// States returns the visited states in order.
func (t *Task) States() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]State, len(t.history))
	for i, tr := range t.history {
		out[i] = tr.State
	}
	return out
}

// Done is closed once the task reached a terminal state and released its
// resources.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task is done or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the failure cause of a Failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Asset is the rendered audio of a Speak or Generate task.
func (t *Task) Asset() *audio.Asset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.asset
}

// OutputPath is where the rendered audio was kept, if anywhere.
func (t *Task) OutputPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}

// Cached reports whether the asset came from the cache.
func (t *Task) Cached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cached
}

// Start releases playback of a Speak task dispatched without Immediate.
func (t *Task) Start() {
	t.startOnce.Do(func() { close(t.start) })
}

func (t *Task) record(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.history) > 0 && t.state.Terminal() {
		return
	}
	t.state = s
	t.history = append(t.history, Transition{State: s, At: time.Now()})
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.record(StateFailed)
}

func (t *Task) setAsset(a *audio.Asset, output string, cached bool) {
	t.mu.Lock()
	t.asset, t.output, t.cached = a, output, cached
	t.mu.Unlock()
}

// silence blocks further events and cancels the task context.
func (t *Task) silence() {
	t.gateMu.Lock()
	t.silenced = true
	t.gateMu.Unlock()
	t.cancel()
}

func (t *Task) cancelled() bool { return t.ctx.Err() != nil }

// unlessSilenced runs fn while holding the silence gate, so a concurrent
// silence either lands before fn and skips it or waits until fn returns.
func (t *Task) unlessSilenced(fn func()) bool {
	t.gateMu.Lock()
	defer t.gateMu.Unlock()
	if t.silenced || t.cancelled() {
		return false
	}
	fn()
	return true
}

// markPlaying moves the task to Playing unless it was silenced first. It
// reports whether playback counts as started.
func (t *Task) markPlaying() bool {
	t.gateMu.Lock()
	defer t.gateMu.Unlock()
	if t.silenced {
		return false
	}
	t.playing = true
	t.record(StatePlaying)
	return true
}

// publisher returns pub gated on the task. Once silenced, only the
// SpeakComplete of a playback that had already started gets through.
func (t *Task) publisher(pub events.Publisher) events.Publisher {
	return events.PublisherFunc(func(evt events.Event) {
		t.gateMu.Lock()
		defer t.gateMu.Unlock()
		if t.silenced && !(evt.Kind == events.SpeakComplete && t.playing) {
			return
		}
		pub.Publish(evt)
	})
}
