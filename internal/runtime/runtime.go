package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/provider"
	"github.com/loqalabs/loqa-voice/internal/service"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	httpServer *http.Server
	metrics    *http.Server
	telemetry  *telemetry
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	events     *events.Bus
	store      *eventstore.Store
	provider   *provider.Provider
	service    *service.Service
	capability *capability.Registry
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// WatchConfig makes Start reload path on change and apply the settings that
// can change at runtime, such as the audio cache toggle.
func (r *Runtime) WatchConfig(path string) {
	r.configPath = path
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	metricsHandler := tel.metrics

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metrics = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metrics, "metrics")
	}

	if r.configPath != "" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := watchConfig(ctx, r.configPath, r.applyLive, r.logger); err != nil {
				r.logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("backend", r.provider.Backend().Name()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metrics} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.stopComponents()
	r.wg.Wait()
	r.closeTelemetry()

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	cfg := r.cfg

	srv, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.nats = srv
	busCfg := cfg.Bus
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	if r.bus, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
		return err
	}

	if r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger.With(slog.String("component", "eventstore"))); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events.NewBus(r.logger)
	eventstore.NewJournal(r.store, r.logger).Attach(r.events)

	if r.provider, err = BuildProvider(cfg, r.events, r.logger); err != nil {
		return err
	}

	r.capability, err = capability.NewRegistry(ctx, cfg.Node, r.bus.Conn(), r.nodeStatus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.events.Subscribe(func(events.Event) {
		if err := r.capability.Announce(); err != nil {
			r.logger.Warn("failed to announce voices", slog.String("error", err.Error()))
		}
	}, events.VoicesReady)

	r.service = service.NewService(cfg.Service, cfg.Playback, r.bus, r.provider, r.events, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start voice service: %w", err)
	}

	if cfg.Provider.LoadVoicesOnStart {
		r.provider.LoadVoices(ctx, false)
	}

	r.wg.Add(1)
	go r.prune(ctx)
	return nil
}

func (r *Runtime) stopComponents() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if r.provider != nil {
		if err := r.provider.Close(ctx); err != nil {
			r.logger.Error("provider shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.capability != nil {
		r.capability.Close()
	}
	if r.events != nil {
		r.events.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) prune(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) nodeStatus() map[string]string {
	if r.provider == nil {
		return nil
	}
	return map[string]string{
		"backend":   r.provider.Backend().Name(),
		"voices":    strconv.Itoa(len(r.provider.Voices())),
		"in_flight": strconv.Itoa(r.provider.InFlight()),
		"caching":   strconv.FormatBool(r.provider.Caching()),
	}
}

// BuildProvider assembles a Provider from configuration, publishing its
// events to pub.
func BuildProvider(cfg config.Config, pub events.Publisher, logger *slog.Logger) (*provider.Provider, error) {
	backend, err := buildBackend(cfg.Provider, logger)
	if err != nil {
		return nil, err
	}
	pipeline := audio.NewPipeline(audio.Options{
		BasePath:            cfg.Audio.BasePath,
		Prefix:              cfg.Audio.Prefix,
		Extension:           cfg.Audio.Extension,
		MinSize:             cfg.Audio.MinSizeBytes,
		DeleteTempAfterCopy: cfg.Audio.DeleteTempAfterCopy,
	}, logger)
	poll := time.Duration(cfg.Playback.PollIntervalMS) * time.Millisecond
	return provider.New(backend, pub, pipeline, playback.NewController(poll, logger), providerOptions(cfg), logger), nil
}

func buildBackend(cfg config.ProviderConfig, logger *slog.Logger) (synth.Backend, error) {
	switch cfg.Backend {
	case "exec":
		backend, err := synth.NewExecBackend(synth.ExecContract(cfg.Exec), logger)
		if err != nil {
			return nil, fmt.Errorf("create exec backend: %w", err)
		}
		return backend, nil
	default:
		engine := synth.NewMockEngine(cfg.Mock.SampleRate, time.Duration(cfg.Mock.WordDelayMS)*time.Millisecond)
		return synth.NewNativeBackend("mock", engine), nil
	}
}

func providerOptions(cfg config.Config) provider.Options {
	p := cfg.Provider
	opts := provider.Options{
		DefaultCulture: p.DefaultCulture,
		Prosody: synth.Prosody{
			Rate:   synth.Range(p.Prosody.Rate),
			Pitch:  synth.Range(p.Prosody.Pitch),
			Volume: synth.Range(p.Prosody.Volume),
		},
		SSML:         p.Backend == "exec" && p.Exec.SSML,
		Caching:      p.Caching,
		CachePolicy:  provider.CachePolicy(p.CachePolicy),
		PollInterval: time.Duration(cfg.Playback.PollIntervalMS) * time.Millisecond,
		Executor: synth.Options{
			Timeout:        time.Duration(p.TimeoutMS) * time.Millisecond,
			KilledExitCode: p.KilledExitCode,
		},
	}
	if p.DefaultVoice != "" {
		opts.DefaultVoice = voice.Selector{Name: p.DefaultVoice, Identifier: p.DefaultVoice}
	}
	return opts
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
