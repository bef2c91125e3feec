package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/events"
)

// ErrSinkUnavailable is returned when the sink is missing or no longer
// valid. It never aborts the provider.
var ErrSinkUnavailable = errors.New("playback sink unavailable")

// Sink is a playback target.
type Sink interface {
	// Valid reports whether the sink can still be used.
	Valid() bool
	Load(asset *audio.Asset) error
	Start() error
	Stop() error
	IsPlaying() bool
}

const DefaultPollInterval = 50 * time.Millisecond

// Controller drives sinks for the provider.
type Controller struct {
	poll time.Duration
	log  *slog.Logger
}

func NewController(poll time.Duration, log *slog.Logger) *Controller {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Controller{poll: poll, log: log.With(slog.String("component", "playback"))}
}

// Request describes one playback.
type Request struct {
	RequestID string
	Asset     *audio.Asset
	Sink      Sink
	// Immediate starts playback as soon as the sink is loaded. Otherwise
	// playback waits for StartSignal to be closed.
	Immediate   bool
	StartSignal <-chan struct{}
	// OnStart runs after the sink started and before SpeakStart is
	// published.
	OnStart func()
}

// Result reports how a playback ended.
type Result struct {
	Started   bool
	Completed bool
	// Stopped is set when ctx ended the playback.
	Stopped bool
	Err     error
}

// Play loads the asset into the sink, starts it and polls until it stops
// playing or ctx is done. Uncached assets are released on every exit path.
func (c *Controller) Play(ctx context.Context, req Request, pub events.Publisher) (res Result) {
	log := c.log.With(slog.String("request_id", req.RequestID))
	defer func() {
		if req.Asset != nil && req.Asset.Release() {
			log.Debug("released transient asset")
		}
	}()

	fail := func(err error) Result {
		log.Warn("playback failed", slog.String("error", err.Error()))
		pub.Publish(events.Event{Kind: events.ErrorInfo, RequestID: req.RequestID, Message: err.Error()})
		res.Err = err
		return res
	}

	if req.Sink == nil || !req.Sink.Valid() {
		return fail(ErrSinkUnavailable)
	}
	if err := req.Sink.Load(req.Asset); err != nil {
		return fail(fmt.Errorf("%w: load: %v", ErrSinkUnavailable, err))
	}

	if !req.Immediate {
		select {
		case <-req.StartSignal:
		case <-ctx.Done():
			res.Stopped = true
			return res
		}
	}
	if ctx.Err() != nil {
		res.Stopped = true
		return res
	}
	if !req.Sink.Valid() {
		return fail(ErrSinkUnavailable)
	}
	if err := req.Sink.Start(); err != nil {
		return fail(fmt.Errorf("%w: start: %v", ErrSinkUnavailable, err))
	}

	res.Started = true
	if req.OnStart != nil {
		req.OnStart()
	}
	pub.Publish(events.Event{Kind: events.SpeakStart, RequestID: req.RequestID})

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := req.Sink.Stop(); err != nil {
				log.Warn("failed to stop sink", slog.String("error", err.Error()))
			}
			res.Stopped = true
			pub.Publish(events.Event{Kind: events.SpeakComplete, RequestID: req.RequestID})
			return res
		case <-ticker.C:
		}
		if !req.Sink.Valid() {
			return fail(fmt.Errorf("%w: sink went away during playback", ErrSinkUnavailable))
		}
		if !req.Sink.IsPlaying() {
			res.Completed = true
			pub.Publish(events.Event{Kind: events.SpeakComplete, RequestID: req.RequestID})
			return res
		}
	}
}
