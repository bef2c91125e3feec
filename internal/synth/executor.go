package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/cancellation"
	"github.com/loqalabs/loqa-voice/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Options tune the executor.
type Options struct {
	// Timeout bounds one backend run; zero disables it.
	Timeout time.Duration
	// KilledExitCode is the exit status a backend reports when it was
	// terminated on request. Zero means only signals count as killed.
	KilledExitCode int
}

// Executor runs backend operations on worker goroutines and registers each
// run with the cancellation registry for its whole lifetime.
type Executor struct {
	backend  Backend
	registry *cancellation.Registry
	opts     Options
	log      *slog.Logger
	clock    func() time.Time
	duration metric.Float64Histogram
}

func NewExecutor(backend Backend, registry *cancellation.Registry, opts Options, log *slog.Logger) *Executor {
	e := &Executor{
		backend:  backend,
		registry: registry,
		opts:     opts,
		log:      log.With(slog.String("component", "executor"), slog.String("backend", backend.Name())),
		clock:    time.Now,
	}
	hist, err := otel.Meter("github.com/loqalabs/loqa-voice/provider").Float64Histogram(
		"loqa.voice.execution.duration",
		metric.WithDescription("Duration of synthesis backend runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		e.duration = hist
	}
	return e
}

func (e *Executor) Backend() Backend { return e.backend }

// Execution is one running backend operation.
type Execution struct {
	job     Job
	pub     events.Publisher
	handle  *cancellation.Handle
	parent  context.Context
	done    chan struct{}
	result  Result
	started atomic.Bool
	bad     atomic.Int32
	log     *slog.Logger
}

// Done is closed once the worker has finished and its handle is removed
// from the registry.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Result is valid after Done is closed.
func (x *Execution) Result() Result {
	<-x.done
	return x.result
}

// Started reports whether the backend signalled that audible output began.
func (x *Execution) Started() bool { return x.started.Load() }

// Start registers job with the registry and launches the backend on a worker
// goroutine. Progress markers are published to pub as they arrive.
func (e *Executor) Start(parent context.Context, job Job, pub events.Publisher) (*Execution, error) {
	ctx, cancel := context.WithCancel(parent)
	handle, err := e.registry.Register(job.RequestID, cancel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("register %s: %w", job.RequestID, err)
	}

	x := &Execution{
		job:    job,
		pub:    pub,
		handle: handle,
		parent: parent,
		done:   make(chan struct{}),
		log:    e.log.With(slog.String("request_id", job.RequestID)),
	}

	runCtx := ctx
	cancelTimeout := context.CancelFunc(func() {})
	if e.opts.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, e.opts.Timeout)
	}

	go func() {
		defer close(x.done)
		defer e.registry.Remove(handle)
		defer cancel()
		defer cancelTimeout()

		start := e.clock()
		x.result = e.run(runCtx, x)
		x.result.Elapsed = e.clock().Sub(start)
		x.result.Started = x.started.Load()
		e.record(x.result)
		x.log.Debug("execution finished",
			slog.String("status", x.result.Status.String()),
			slog.Duration("elapsed", x.result.Elapsed))
	}()
	return x, nil
}

func (e *Executor) run(ctx context.Context, x *Execution) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Error("backend panicked", slog.String("error", fmt.Sprint(r)))
			res = Result{Status: StatusFailure, ExitCode: -1, Err: fmt.Errorf("%w: backend panic: %v", ErrExecution, r)}
		}
	}()

	if x.handle.Cancelled() {
		return Result{Status: StatusKilled, ExitCode: -1}
	}
	outcome, err := e.backend.Run(ctx, x.job, RunEnv{Line: x.handleLine, Attach: x.handle.AttachKill})
	return e.classify(ctx, x, outcome, err)
}

func (e *Executor) classify(ctx context.Context, x *Execution, outcome Outcome, err error) Result {
	res := Result{ExitCode: outcome.ExitCode, Stderr: outcome.Stderr}
	switch {
	case x.handle.Cancelled() || x.parent.Err() != nil:
		res.Status = StatusKilled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status = StatusFailure
		res.Err = fmt.Errorf("%w: %w after %s", ErrExecution, ErrTimeout, e.opts.Timeout)
	case err != nil:
		res.Status = StatusFailure
		res.ExitCode = -1
		res.Err = fmt.Errorf("%w: %v", ErrExecution, err)
	case outcome.ExitCode == 0:
		if n := x.bad.Load() + int32(outcome.Dropped); n > 0 {
			res.Status = StatusFailure
			res.Err = fmt.Errorf("%w: %w (%d lines)", ErrExecution, ErrMalformedOutput, n)
			return res
		}
		if x.job.Mode == ModeFile {
			if len(outcome.Audio) > 0 {
				if werr := writeArtifact(x.job.OutputPath, outcome.Audio); werr != nil {
					res.Status = StatusFailure
					res.Err = fmt.Errorf("%w: %v", ErrExecution, werr)
					return res
				}
			}
			res.ArtifactPath = x.job.OutputPath
		}
		res.Status = StatusSuccess
	case outcome.Signaled || (e.opts.KilledExitCode != 0 && outcome.ExitCode == e.opts.KilledExitCode):
		res.Status = StatusKilled
	default:
		res.Status = StatusFailure
		res.Err = &ExitError{Code: outcome.ExitCode, Stderr: outcome.Stderr}
	}
	return res
}

func (x *Execution) handleLine(line string) {
	m, err := ParseLine(line)
	if err != nil {
		x.bad.Add(1)
		x.log.Warn("malformed backend line", slog.String("error", err.Error()))
		return
	}
	if m.Kind == MarkerNone || x.handle.Cancelled() {
		return
	}
	id := x.job.RequestID
	switch m.Kind {
	case MarkerStart:
		if x.job.Mode == ModeSpeak {
			x.MarkStarted()
		}
	case MarkerWord:
		if x.job.Mode == ModeSpeak {
			x.MarkStarted()
		}
		x.pub.Publish(events.Event{Kind: events.SpeakCurrentWord, RequestID: id, WordIndex: m.Index, Symbol: m.Symbol})
	case MarkerPhoneme:
		x.pub.Publish(events.Event{Kind: events.SpeakCurrentPhoneme, RequestID: id, Symbol: m.Symbol})
	case MarkerViseme:
		x.pub.Publish(events.Event{Kind: events.SpeakCurrentViseme, RequestID: id, Symbol: m.Symbol})
	}
}

// MarkStarted publishes SpeakStart the first time it is called.
func (x *Execution) MarkStarted() {
	if x.started.CompareAndSwap(false, true) {
		x.pub.Publish(events.Event{Kind: events.SpeakStart, RequestID: x.job.RequestID})
	}
}

func (e *Executor) record(res Result) {
	if e.duration == nil {
		return
	}
	e.duration.Record(context.Background(), res.Elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("backend", e.backend.Name()),
			attribute.String("status", res.Status.String()),
		))
}

func writeArtifact(path string, data []byte) error {
	if path == "" {
		return errors.New("no artifact path for in-memory audio")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create artifact dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
