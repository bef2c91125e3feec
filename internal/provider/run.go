package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

// run carries one request through its pipeline. Each method returns at a
// terminal state; cancellation is checked between steps.
type run struct {
	p               *Provider
	t               *Task
	ctx             context.Context
	pub             events.Publisher
	log             *slog.Logger
	cacheAtDispatch bool
}

func (r *run) job(mode synth.Mode, output string) synth.Job {
	req := r.t.req
	sel := req.Voice
	if sel.IsZero() {
		sel = r.p.opts.DefaultVoice
	}
	v, ok := r.p.catalog.Resolve(sel)
	if !ok && !sel.IsZero() {
		r.log.Debug("voice not in catalog, passing selector through", slog.String("voice", sel.String()))
	}
	pros := r.p.opts.Prosody
	return synth.Job{
		RequestID:  r.t.ID,
		Text:       synth.Canonicalize(req.Text, req.SSML, r.p.opts.SSML),
		SSML:       r.p.opts.SSML,
		Voice:      v,
		Rate:       pros.MapRate(req.Rate),
		Pitch:      pros.MapPitch(req.Pitch),
		Volume:     pros.MapVolume(req.Volume),
		Mode:       mode,
		OutputPath: output,
	}
}

func (r *run) failed(err error) {
	r.log.Warn("request failed", slog.String("error", err.Error()))
	r.pub.Publish(events.Event{Kind: events.ErrorInfo, RequestID: r.t.ID, Message: err.Error()})
	r.t.fail(err)
}

func (r *run) cancelled() {
	r.log.Debug("request cancelled")
	r.t.record(StateCancelled)
}

// execute starts the backend and polls it until the worker is done and its
// handle has left the registry.
func (r *run) execute(job synth.Job) (synth.Result, error) {
	r.t.record(StateExecuting)
	x, err := r.p.executor.Start(r.ctx, job, r.pub)
	if err != nil {
		return synth.Result{}, err
	}

	ticker := time.NewTicker(r.p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-x.Done():
			return x.Result(), nil
		case <-ticker.C:
			if job.Mode == synth.ModeSpeak && x.Started() && r.t.State() == StateExecuting {
				r.t.markPlaying()
			}
		}
	}
}

func (r *run) native() {
	res, err := r.execute(r.job(synth.ModeSpeak, ""))
	if err != nil {
		r.failed(fmt.Errorf("%w: %w", synth.ErrExecution, err))
		return
	}
	switch {
	case res.Status == synth.StatusKilled || r.t.cancelled():
		r.cancelled()
		return
	case res.Status == synth.StatusFailure:
		r.failed(res.Err)
		return
	}

	if !res.Started {
		r.pub.Publish(events.Event{Kind: events.SpeakStart, RequestID: r.t.ID})
	}
	if r.t.State() == StateExecuting && !r.t.markPlaying() {
		r.cancelled()
		return
	}
	r.pub.Publish(events.Event{Kind: events.SpeakComplete, RequestID: r.t.ID})
	r.t.record(StateCompleted)
}

func (r *run) rendered() {
	req := r.t.req
	job := r.job(synth.ModeFile, r.p.pipeline.ArtifactPath(r.t.ID))
	key := audio.Fingerprint(audio.Key{
		Text:   job.Text,
		SSML:   job.SSML,
		Voice:  job.Voice.ID(),
		Rate:   job.Rate,
		Pitch:  job.Pitch,
		Volume: job.Volume,
	})

	r.pub.Publish(events.Event{Kind: events.AudioGenerationStart, RequestID: r.t.ID, Text: req.Text})

	if r.cacheAtDispatch {
		if asset, ok := r.p.cache.Get(key); ok {
			r.fromCache(asset)
			return
		}
	}

	if err := r.p.pipeline.Prepare(); err != nil {
		r.failed(err)
		return
	}
	res, err := r.execute(job)
	if err != nil {
		r.failed(fmt.Errorf("%w: %w", synth.ErrExecution, err))
		return
	}
	switch {
	case res.Status == synth.StatusKilled || r.t.cancelled():
		r.p.pipeline.Discard(job.OutputPath)
		r.cancelled()
		return
	case res.Status == synth.StatusFailure:
		r.p.pipeline.Discard(job.OutputPath)
		r.failed(res.Err)
		return
	}

	asset, kept, err := r.p.pipeline.Build(res.ArtifactPath, req.OutputPath)
	if err != nil {
		r.failed(err)
		return
	}
	useCache := r.cacheAtDispatch
	if r.p.opts.CachePolicy == CacheLive {
		useCache = r.p.caching.Load()
	}
	admitted := r.t.unlessSilenced(func() {
		if !useCache {
			return
		}
		if owned := r.p.cache.Put(key, asset); owned != asset {
			asset.Release()
			asset = owned
		}
	})
	if !admitted {
		asset.Release()
		r.cancelled()
		return
	}

	r.t.setAsset(asset, kept, false)
	r.t.record(StateAudioReady)
	r.pub.Publish(events.Event{Kind: events.AudioGenerationComplete, RequestID: r.t.ID})
	r.deliver(asset)
}

func (r *run) fromCache(asset *audio.Asset) {
	r.log.Debug("audio cache hit")
	output := ""
	if path := r.t.req.OutputPath; path != "" {
		if err := r.p.pipeline.Export(asset, path); err != nil {
			r.failed(err)
			return
		}
		output = path
	}
	r.t.setAsset(asset, output, true)
	r.t.record(StateAudioReady)
	r.pub.Publish(events.Event{Kind: events.AudioGenerationComplete, RequestID: r.t.ID, Cached: true})
	r.deliver(asset)
}

func (r *run) deliver(asset *audio.Asset) {
	if r.t.Pipeline == PipelineGenerate {
		r.t.record(StateCompleted)
		return
	}

	res := r.p.player.Play(r.ctx, playback.Request{
		RequestID:   r.t.ID,
		Asset:       asset,
		Sink:        r.t.req.Sink,
		Immediate:   r.t.req.Immediate,
		StartSignal: r.t.start,
		OnStart:     func() { r.t.markPlaying() },
	}, r.pub)

	switch {
	case res.Err != nil:
		r.t.fail(res.Err)
	case res.Stopped || r.t.cancelled():
		r.cancelled()
	default:
		r.t.record(StateCompleted)
	}
}
