package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBackend speaks words as markers and renders short WAV files.
type fakeBackend struct {
	exitCode int
	stderr   string
	frames   int
	// hold blocks every run until closed or cancelled.
	hold chan struct{}

	runs       atomic.Int32
	voiceCalls atomic.Int32
	killed     atomic.Int32
	jobs       chan synth.Job
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{frames: 800, jobs: make(chan synth.Job, 16)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Voices(context.Context) ([]voice.Voice, error) {
	f.voiceCalls.Add(1)
	return []voice.Voice{
		{Name: "en-US-B", Culture: "en-US", Identifier: "b"},
		{Name: "en-US-A", Culture: "en-US", Identifier: "a"},
		{Name: "de-DE-A", Culture: "de-DE", Identifier: "d"},
	}, nil
}

func (f *fakeBackend) Run(ctx context.Context, job synth.Job, env synth.RunEnv) (synth.Outcome, error) {
	f.runs.Add(1)
	f.jobs <- job
	env.Attach(func() error {
		f.killed.Add(1)
		return nil
	})
	if job.Mode == synth.ModeSpeak {
		env.Line("@START")
		for i := range strings.Fields(job.Text) {
			env.Line(fmt.Sprintf("@WORD:%d", i))
		}
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			env.Line("@WORD:99")
			return synth.Outcome{ExitCode: -1, Signaled: true}, nil
		}
	}
	if f.exitCode != 0 {
		return synth.Outcome{ExitCode: f.exitCode, Stderr: f.stderr}, nil
	}
	if job.Mode == synth.ModeFile {
		if err := writeWAV(job.OutputPath, f.frames); err != nil {
			return synth.Outcome{ExitCode: 1, Stderr: err.Error()}, nil
		}
	}
	return synth.Outcome{}, nil
}

func writeWAV(path string, frames int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(file, 8000, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           make([]int, frames),
		SourceBitDepth: 16,
	}); err != nil {
		file.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

type harness struct {
	bus      *events.Bus
	rec      *events.Recorder
	backend  *fakeBackend
	provider *Provider
	dir      string
}

func newHarness(t *testing.T, backend *fakeBackend, tune func(*Options, *audio.Options)) *harness {
	t.Helper()
	log := newLogger()
	bus := events.NewBus(log)
	rec := &events.Recorder{}
	bus.Subscribe(rec.Record)

	dir := t.TempDir()
	opts := Options{DefaultCulture: "en-US", PollInterval: 5 * time.Millisecond, Executor: synth.Options{KilledExitCode: 137}}
	audioOpts := audio.Options{BasePath: filepath.Join(dir, "tmp"), Prefix: "tts-", Extension: ".wav", MinSize: 64, DeleteTempAfterCopy: true}
	if tune != nil {
		tune(&opts, &audioOpts)
	}
	p := New(backend, bus, audio.NewPipeline(audioOpts, log), playback.NewController(5*time.Millisecond, log), opts, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
		bus.Close()
	})
	return &harness{bus: bus, rec: rec, backend: backend, provider: p, dir: dir}
}

// flush waits until every published event has been delivered.
func (h *harness) flush() { h.bus.Close() }

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("task %s stuck in %s", task.ID, task.State())
	}
}

func speakRequest(id string) *Request {
	req := NewRequest("Hello world")
	req.ID = id
	req.Voice = voice.Selector{Name: "en-US-A"}
	req.Sink = playback.NewNullSink()
	req.Immediate = true
	return req
}

func TestSpeakScenarioSuccess(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)

	task := h.provider.Speak(speakRequest("a"))
	waitTask(t, task)
	h.flush()

	require.NoError(t, task.Err())
	assert.Equal(t, StateCompleted, task.State())
	assert.NotNil(t, task.Asset())
	assert.Equal(t, []events.Kind{
		events.AudioGenerationStart,
		events.AudioGenerationComplete,
		events.SpeakStart,
		events.SpeakComplete,
	}, h.rec.Kinds("a"))
	assert.Equal(t, []State{StateCreated, StateValidated, StateExecuting, StateAudioReady, StatePlaying, StateCompleted}, task.States())
	assert.Zero(t, h.provider.Registry().Len())
	assert.Zero(t, h.provider.InFlight())

	entries, err := os.ReadDir(filepath.Join(h.dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary artifact removed")
}

func TestSpeakScenarioBackendFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.exitCode = 42
	backend.stderr = "engine exploded"
	h := newHarness(t, backend, nil)

	task := h.provider.Speak(speakRequest("b"))
	waitTask(t, task)
	h.flush()

	assert.Equal(t, StateFailed, task.State())
	var exitErr *synth.ExitError
	require.ErrorAs(t, task.Err(), &exitErr)
	assert.Equal(t, 42, exitErr.Code)
	assert.Equal(t, []events.Kind{events.AudioGenerationStart, events.ErrorInfo}, h.rec.Kinds("b"))
	assert.Contains(t, h.rec.Events("b")[1].Message, "engine exploded")
	assert.Nil(t, task.Asset())
}

func TestSilenceMidExecutionKillsWorker(t *testing.T) {
	backend := newFakeBackend()
	backend.hold = make(chan struct{})
	h := newHarness(t, backend, nil)

	task := h.provider.SpeakNative(speakRequest("c"))
	require.Eventually(t, func() bool { return backend.runs.Load() == 1 && h.provider.Registry().Len() == 1 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, 1, h.provider.Silence())
	waitTask(t, task)
	h.flush()

	assert.Equal(t, StateCancelled, task.State())
	assert.NoError(t, task.Err())
	assert.Equal(t, int32(1), backend.killed.Load())
	assert.Zero(t, h.provider.Registry().Len())
	for _, evt := range h.rec.Events("c") {
		assert.NotEqual(t, events.SpeakComplete, evt.Kind)
		assert.NotEqual(t, events.ErrorInfo, evt.Kind)
		assert.NotEqual(t, 99, evt.WordIndex, "markers after silence are dropped")
	}
}

func TestSilenceRequestIsScoped(t *testing.T) {
	backend := newFakeBackend()
	backend.hold = make(chan struct{})
	h := newHarness(t, backend, nil)

	victim := h.provider.Generate(speakRequest("victim"))
	other := h.provider.Speak(speakRequest("other"))
	require.Eventually(t, func() bool { return h.provider.Registry().Len() == 2 }, 2*time.Second, time.Millisecond)

	assert.True(t, h.provider.SilenceRequest("victim"))
	waitTask(t, victim)
	assert.False(t, h.provider.SilenceRequest("victim"), "finished requests are gone")

	close(backend.hold)
	waitTask(t, other)
	h.flush()

	assert.Equal(t, StateCancelled, victim.State())
	assert.Equal(t, []events.Kind{events.AudioGenerationStart}, h.rec.Kinds("victim"))
	assert.Equal(t, StateCompleted, other.State())
	assert.Equal(t, 1, h.rec.Count("other", events.SpeakComplete))
}

func TestValidationFailuresNeverReachBackend(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)

	noSink := speakRequest("nosink")
	noSink.Sink = nil
	empty := speakRequest("empty")
	empty.Text = "   "
	badSink := speakRequest("badsink")
	sink := playback.NewNullSink()
	sink.Invalidate()
	badSink.Sink = sink

	tasks := []*Task{
		h.provider.Speak(nil),
		h.provider.Speak(noSink),
		h.provider.Generate(empty),
		h.provider.Speak(badSink),
	}
	for _, task := range tasks {
		waitTask(t, task)
		assert.Equal(t, StateFailed, task.State())
		assert.ErrorIs(t, task.Err(), ErrValidation)
	}
	h.flush()

	assert.Zero(t, h.backend.runs.Load())
	for _, task := range tasks {
		assert.Equal(t, []events.Kind{events.ErrorInfo}, h.rec.Kinds(task.ID))
	}
	assert.ErrorIs(t, tasks[1].Err(), playback.ErrSinkUnavailable)
}

func TestGenerateUndersizedArtifactIsInvalid(t *testing.T) {
	backend := newFakeBackend()
	backend.frames = 10
	h := newHarness(t, backend, func(_ *Options, a *audio.Options) { a.MinSize = 4096 })

	task := h.provider.Generate(speakRequest("small"))
	waitTask(t, task)
	h.flush()

	assert.Equal(t, StateFailed, task.State())
	assert.ErrorIs(t, task.Err(), audio.ErrAssetInvalid)
	assert.Zero(t, h.rec.Count("small", events.AudioGenerationComplete))
	assert.Equal(t, 1, h.rec.Count("small", events.ErrorInfo))
}

func TestCachedAssetIsReused(t *testing.T) {
	h := newHarness(t, newFakeBackend(), func(o *Options, _ *audio.Options) { o.Caching = true })

	first := h.provider.Speak(speakRequest("first"))
	waitTask(t, first)
	require.Equal(t, StateCompleted, first.State())

	second := h.provider.Generate(speakRequest("second"))
	waitTask(t, second)
	h.flush()

	require.Equal(t, StateCompleted, second.State())
	assert.Same(t, first.Asset(), second.Asset())
	assert.True(t, second.Cached())
	assert.Equal(t, int32(1), h.backend.runs.Load())
	assert.Equal(t, audio.StateLoaded, first.Asset().State(), "cached asset survives playback")
	assert.Equal(t, []events.Kind{events.AudioGenerationStart, events.AudioGenerationComplete}, h.rec.Kinds("second"))
	assert.True(t, h.rec.Events("second")[1].Cached)

	assert.Equal(t, 1, h.provider.ClearCache())
	assert.Equal(t, audio.StateReleased, first.Asset().State())
}

func TestUncachedAssetIsReleasedAfterPlayback(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)

	task := h.provider.Speak(speakRequest("transient"))
	waitTask(t, task)

	assert.Equal(t, audio.StateReleased, task.Asset().State())
	assert.Zero(t, h.provider.Cache().Len())
}

func TestCachePolicy(t *testing.T) {
	for _, tc := range []struct {
		policy CachePolicy
		cached int
	}{
		{CacheSnapshot, 1},
		{CacheLive, 0},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			backend := newFakeBackend()
			backend.hold = make(chan struct{})
			h := newHarness(t, backend, func(o *Options, _ *audio.Options) {
				o.Caching = true
				o.CachePolicy = tc.policy
			})

			task := h.provider.Generate(speakRequest("p"))
			require.Eventually(t, func() bool { return backend.runs.Load() == 1 }, 2*time.Second, time.Millisecond)
			h.provider.SetCaching(false)
			close(backend.hold)
			waitTask(t, task)

			require.Equal(t, StateCompleted, task.State())
			assert.Equal(t, tc.cached, h.provider.Cache().Len())
		})
	}
}

func TestSpeakNativeForwardsProgress(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)
	h.provider.LoadVoices(context.Background(), false)
	h.provider.Catalog().Wait()

	task := h.provider.SpeakNative(speakRequest("n"))
	waitTask(t, task)
	h.flush()

	assert.Equal(t, StateCompleted, task.State())
	assert.Equal(t, []events.Kind{
		events.SpeakStart,
		events.SpeakCurrentWord,
		events.SpeakCurrentWord,
		events.SpeakComplete,
	}, h.rec.Kinds("n"))
	assert.Contains(t, task.States(), StatePlaying)

	job := <-h.backend.jobs
	assert.Equal(t, "a", job.Voice.Identifier)
	assert.Equal(t, synth.ModeSpeak, job.Mode)
	assert.Equal(t, 100, job.Volume)
}

func TestSilenceDuringPlaybackCompletesGracefully(t *testing.T) {
	backend := newFakeBackend()
	backend.frames = 8000 * 20
	h := newHarness(t, backend, func(_ *Options, a *audio.Options) { a.MinSize = 0 })

	req := speakRequest("long")
	task := h.provider.Speak(req)
	require.Eventually(t, func() bool { return task.State() == StatePlaying }, 5*time.Second, time.Millisecond)

	assert.True(t, h.provider.SilenceRequest("long"))
	waitTask(t, task)
	h.flush()

	assert.Equal(t, StateCancelled, task.State())
	assert.False(t, req.Sink.IsPlaying())
	assert.Equal(t, []events.Kind{
		events.AudioGenerationStart,
		events.AudioGenerationComplete,
		events.SpeakStart,
		events.SpeakComplete,
	}, h.rec.Kinds("long"))
}

func TestSpeakWaitsForExternalStart(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)
	req := speakRequest("deferred")
	req.Immediate = false

	task := h.provider.Speak(req)
	require.Eventually(t, func() bool { return task.State() == StateAudioReady }, 5*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateAudioReady, task.State())
	assert.Zero(t, h.rec.Count("deferred", events.SpeakStart))

	task.Start()
	waitTask(t, task)
	assert.Equal(t, StateCompleted, task.State())
}

func TestGenerateKeepsOutputPath(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)
	req := speakRequest("out")
	req.OutputPath = filepath.Join(h.dir, "keep", "out.wav")

	task := h.provider.Generate(req)
	waitTask(t, task)

	require.Equal(t, StateCompleted, task.State(), "%v", task.Err())
	assert.Equal(t, req.OutputPath, task.OutputPath())
	assert.FileExists(t, req.OutputPath)
	assert.NoFileExists(t, filepath.Join(h.dir, "tmp", "tts-out.wav"))
	assert.Equal(t, audio.StateLoaded, task.Asset().State(), "generated assets belong to the caller")
}

func TestLoadVoicesDiscoversOnce(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)

	h.provider.LoadVoices(context.Background(), false)
	h.provider.Catalog().Wait()
	h.provider.LoadVoices(context.Background(), false)
	h.provider.Catalog().Wait()
	h.flush()

	assert.Equal(t, int32(1), h.backend.voiceCalls.Load())
	assert.Equal(t, 2, h.rec.Count("", events.VoicesReady))
	assert.Equal(t, []string{"de-DE", "en-US"}, h.provider.Cultures())
	assert.Equal(t, "de-DE-A", h.provider.Voices()[0].Name)
}

func TestSilencedTaskSkipsCacheRegistration(t *testing.T) {
	task := newTask(context.Background(), "gate", PipelineGenerate, Request{ID: "gate"})
	ran := false
	assert.True(t, task.unlessSilenced(func() { ran = true }))
	assert.True(t, ran)

	task.silence()
	ran = false
	assert.False(t, task.unlessSilenced(func() { ran = true }))
	assert.False(t, ran)
}

func TestSilenceWhileRegisteringNeverCaches(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, newFakeBackend(), nil)
		h.provider.SetCaching(true)
		id := fmt.Sprintf("race-%d", i)
		task := h.provider.Generate(speakRequest(id))
		go h.provider.SilenceRequest(id)
		waitTask(t, task)
		if task.State() == StateCancelled {
			assert.Zero(t, h.provider.Cache().Len(), id)
		}
	}
}

func TestDuplicateAndClosed(t *testing.T) {
	backend := newFakeBackend()
	backend.hold = make(chan struct{})
	h := newHarness(t, backend, nil)

	first := h.provider.Generate(speakRequest("dup"))
	second := h.provider.Generate(speakRequest("dup"))
	waitTask(t, second)
	assert.ErrorIs(t, second.Err(), ErrValidation)

	close(backend.hold)
	waitTask(t, first)
	assert.Equal(t, StateCompleted, first.State())
	h.flush()
	assert.NotContains(t, h.rec.Kinds("dup"), events.ErrorInfo)
	assert.Equal(t, 1, h.rec.Count("dup", events.AudioGenerationComplete))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.provider.Close(ctx))
	late := h.provider.Speak(speakRequest("late"))
	waitTask(t, late)
	assert.ErrorIs(t, late.Err(), ErrClosed)
}

func TestConcurrentRequestsKeepPerRequestOrder(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)

	var wg sync.WaitGroup
	tasks := make([]*Task, 8)
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := speakRequest(fmt.Sprintf("c%d", i))
			req.Text = fmt.Sprintf("request number %d", i)
			tasks[i] = h.provider.Speak(req)
		}(i)
	}
	wg.Wait()
	for _, task := range tasks {
		waitTask(t, task)
	}
	h.flush()

	for _, task := range tasks {
		assert.Equal(t, StateCompleted, task.State())
		assert.Equal(t, []events.Kind{
			events.AudioGenerationStart,
			events.AudioGenerationComplete,
			events.SpeakStart,
			events.SpeakComplete,
		}, h.rec.Kinds(task.ID))
	}
}
