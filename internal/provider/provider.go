package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/cancellation"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrValidation is returned for requests rejected before execution.
	ErrValidation = errors.New("invalid speech request")
	// ErrClosed is returned for requests dispatched after Close.
	ErrClosed = errors.New("provider closed")
)

// CachePolicy decides when the caching toggle is read for a request.
type CachePolicy string

const (
	// CacheSnapshot reads the toggle once, when the request is dispatched.
	CacheSnapshot CachePolicy = "snapshot"
	// CacheLive reads the toggle again when the rendered asset is
	// registered.
	CacheLive CachePolicy = "live"
)

// Options configure a Provider.
type Options struct {
	DefaultCulture string
	// DefaultVoice is used for requests that do not select a voice.
	DefaultVoice voice.Selector
	Prosody      synth.Prosody
	// SSML tells the provider the backend expects SSML input.
	SSML         bool
	Caching      bool
	CachePolicy  CachePolicy
	PollInterval time.Duration
	Executor     synth.Options
}

// Provider dispatches speech requests to a synthesis backend and owns every
// request it accepted until it reaches a terminal state.
type Provider struct {
	backend  synth.Backend
	pub      events.Publisher
	catalog  *voice.Catalog
	registry *cancellation.Registry
	executor *synth.Executor
	pipeline *audio.Pipeline
	cache    *audio.Cache
	player   *playback.Controller
	opts     Options
	log      *slog.Logger

	caching atomic.Bool
	ctx     context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup

	tracer   trace.Tracer
	requests metric.Int64Counter
}

func New(backend synth.Backend, pub events.Publisher, pipeline *audio.Pipeline, player *playback.Controller, opts Options, log *slog.Logger) *Provider {
	if opts.CachePolicy == "" {
		opts.CachePolicy = CacheSnapshot
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = playback.DefaultPollInterval
	}
	if opts.Prosody == (synth.Prosody{}) {
		opts.Prosody = synth.DefaultProsody()
	}
	log = log.With(slog.String("component", "provider"))
	registry := cancellation.NewRegistry(log)
	ctx, stop := context.WithCancel(context.Background())
	p := &Provider{
		backend:  backend,
		pub:      pub,
		catalog:  voice.NewCatalog(backend, pub, opts.DefaultCulture, log),
		registry: registry,
		executor: synth.NewExecutor(backend, registry, opts.Executor, log),
		pipeline: pipeline,
		cache:    audio.NewCache(log),
		player:   player,
		opts:     opts,
		log:      log,
		ctx:      ctx,
		stop:     stop,
		tasks:    make(map[string]*Task),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-voice/provider"),
	}
	p.caching.Store(opts.Caching)

	counter, err := otel.Meter("github.com/loqalabs/loqa-voice/provider").Int64Counter(
		"loqa.voice.requests",
		metric.WithDescription("Speech requests by pipeline and terminal state"),
	)
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		p.requests = counter
	}
	return p
}

func (p *Provider) Backend() synth.Backend { return p.backend }

func (p *Provider) Catalog() *voice.Catalog { return p.catalog }

func (p *Provider) Registry() *cancellation.Registry { return p.registry }

func (p *Provider) Cache() *audio.Cache { return p.cache }

// LoadVoices populates the voice catalog; see voice.Catalog.LoadVoices.
func (p *Provider) LoadVoices(ctx context.Context, forceReload bool) {
	p.catalog.LoadVoices(ctx, forceReload)
}

func (p *Provider) Voices() []voice.Voice { return p.catalog.Voices() }

func (p *Provider) Cultures() []string { return p.catalog.DeriveCultures() }

// SpeakNative lets the engine speak the request itself.
func (p *Provider) SpeakNative(req *Request) *Task { return p.dispatch(PipelineNative, req) }

// Speak renders the request to audio and plays it through req.Sink.
func (p *Provider) Speak(req *Request) *Task { return p.dispatch(PipelineSpeak, req) }

// Generate renders the request to audio without playing it.
func (p *Provider) Generate(req *Request) *Task { return p.dispatch(PipelineGenerate, req) }

// Silence cancels every in-flight request and returns how many there were.
func (p *Provider) Silence() int {
	p.mu.Lock()
	tasks := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		t.silence()
	}
	killed := p.registry.CancelAll()
	if len(tasks) > 0 || killed > 0 {
		p.log.Info("silenced all requests", slog.Int("requests", len(tasks)), slog.Int("executions", killed))
	}
	return len(tasks)
}

// SilenceRequest cancels the request with id and reports whether it was
// still in flight. Other requests are unaffected.
func (p *Provider) SilenceRequest(id string) bool {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	t.silence()
	p.registry.Cancel(id)
	p.log.Info("silenced request", slog.String("request_id", id))
	return true
}

// Task returns the in-flight task with id.
func (p *Provider) Task(id string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	return t, ok
}

// InFlight returns the number of requests that have not finished.
func (p *Provider) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// SetCaching toggles caching of rendered audio.
func (p *Provider) SetCaching(enabled bool) { p.caching.Store(enabled) }

func (p *Provider) Caching() bool { return p.caching.Load() }

// ClearCache releases every cached asset.
func (p *Provider) ClearCache() int { return p.cache.Clear() }

// Close silences everything, waits for in-flight requests and clears the
// cache. Requests dispatched afterwards fail with ErrClosed.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.Silence()
	p.stop()

	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.catalog.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("wait for requests: %w", ctx.Err())
	}
	p.ClearCache()
	return nil
}

func (p *Provider) dispatch(pipeline Pipeline, req *Request) *Task {
	var copied Request
	if req != nil {
		copied = *req
	}
	if copied.ID == "" {
		copied.ID = xid.New().String()
	}

	t := newTask(p.ctx, copied.ID, pipeline, copied)

	p.mu.Lock()
	var admitErr error
	duplicate := false
	switch {
	case p.closed:
		admitErr = ErrClosed
	case p.tasks[t.ID] != nil:
		admitErr = fmt.Errorf("%w: request %s already in flight", ErrValidation, t.ID)
		duplicate = true
	default:
		p.tasks[t.ID] = t
	}
	if admitErr == nil {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if admitErr != nil {
		// The id belongs to a live request, so its stream must not see this error.
		p.reject(t, admitErr, !duplicate)
		return t
	}

	cacheAtDispatch := p.caching.Load()
	go p.run(t, req == nil, cacheAtDispatch)
	return t
}

// reject ends a task that was never admitted.
func (p *Provider) reject(t *Task, err error, publish bool) {
	p.log.Warn("request rejected", slog.String("request_id", t.ID), slog.String("error", err.Error()))
	if publish {
		p.pub.Publish(events.Event{Kind: events.ErrorInfo, RequestID: t.ID, Message: err.Error()})
	}
	t.fail(err)
	t.cancel()
	close(t.done)
}

func (p *Provider) run(t *Task, nilRequest bool, cacheAtDispatch bool) {
	ctx, span := p.tracer.Start(t.ctx, "provider."+t.Pipeline.String(),
		trace.WithAttributes(
			attribute.String("request_id", t.ID),
			attribute.String("backend", p.backend.Name()),
		))
	log := p.log.With(slog.String("request_id", t.ID), slog.String("pipeline", t.Pipeline.String()))
	pub := t.publisher(p.pub)

	defer func() {
		p.mu.Lock()
		delete(p.tasks, t.ID)
		p.mu.Unlock()
		t.cancel()

		state := t.State()
		span.SetAttributes(attribute.String("state", state.String()))
		if err := t.Err(); err != nil {
			span.RecordError(err)
		}
		span.End()
		if p.requests != nil {
			p.requests.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("pipeline", t.Pipeline.String()),
				attribute.String("state", state.String()),
			))
		}
		log.Debug("request finished", slog.String("state", state.String()))
		close(t.done)
		p.wg.Done()
	}()

	if err := p.validate(t, nilRequest); err != nil {
		log.Warn("request validation failed", slog.String("error", err.Error()))
		pub.Publish(events.Event{Kind: events.ErrorInfo, RequestID: t.ID, Message: err.Error()})
		t.fail(err)
		return
	}
	t.record(StateValidated)
	if t.cancelled() {
		t.record(StateCancelled)
		return
	}

	r := &run{p: p, t: t, ctx: ctx, pub: pub, log: log, cacheAtDispatch: cacheAtDispatch}
	switch t.Pipeline {
	case PipelineNative:
		r.native()
	default:
		r.rendered()
	}
}

func (p *Provider) validate(t *Task, nilRequest bool) error {
	if nilRequest {
		return fmt.Errorf("%w: request is nil", ErrValidation)
	}
	if strings.TrimSpace(t.req.Text) == "" {
		return fmt.Errorf("%w: text is empty", ErrValidation)
	}
	if t.Pipeline == PipelineSpeak && (t.req.Sink == nil || !t.req.Sink.Valid()) {
		return fmt.Errorf("%w: speak needs a valid sink: %w", ErrValidation, playback.ErrSinkUnavailable)
	}
	return nil
}
