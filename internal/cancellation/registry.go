package cancellation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrDuplicate is returned when a request id already owns a live handle.
var ErrDuplicate = errors.New("execution handle already registered")

// KillFunc force-terminates a running backend operation.
type KillFunc func() error

// Handle tracks one in-flight executor run.
type Handle struct {
	RequestID string
	Started   time.Time

	cancel    context.CancelFunc
	cancelled atomic.Bool
	mu        sync.Mutex
	kill      KillFunc
}

// Cancelled reports whether the handle was cancelled. Cooperative workers
// check it at every yield point.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// AttachKill records how to force-terminate the worker once it has started.
// If the handle was already cancelled the worker is killed immediately.
func (h *Handle) AttachKill(kill KillFunc) {
	h.mu.Lock()
	h.kill = kill
	h.mu.Unlock()
	if h.Cancelled() {
		h.forceKill()
	}
}

func (h *Handle) trigger() {
	if !h.cancelled.CompareAndSwap(false, true) {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.forceKill()
}

func (h *Handle) forceKill() {
	h.mu.Lock()
	kill := h.kill
	h.mu.Unlock()
	if kill == nil {
		return
	}
	if err := kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Default().Debug("kill worker", slog.String("request_id", h.RequestID), slog.String("error", err.Error()))
	}
}

// Registry maps request ids to running executor handles. All access goes
// through its methods.
type Registry struct {
	log     *slog.Logger
	mu      sync.Mutex
	handles map[string]*Handle
	clock   func() time.Time
	meter   metric.Meter
	gauge   metric.Int64ObservableGauge
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:     log.With(slog.String("component", "cancellation-registry")),
		handles: make(map[string]*Handle),
		clock:   time.Now,
		meter:   otel.Meter("github.com/loqalabs/loqa-voice/provider"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register creates the handle for requestID. cancel is invoked when the
// handle is cancelled and may be nil.
func (r *Registry) Register(requestID string, cancel context.CancelFunc) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[requestID]; exists {
		return nil, ErrDuplicate
	}
	h := &Handle{RequestID: requestID, Started: r.clock(), cancel: cancel}
	r.handles[requestID] = h
	return h, nil
}

func (r *Registry) Lookup(requestID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[requestID]
	return h, ok
}

// Remove drops h if it is still the registered handle for its request.
func (r *Registry) Remove(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	if current, ok := r.handles[h.RequestID]; ok && current == h {
		delete(r.handles, h.RequestID)
	}
	r.mu.Unlock()
}

// Cancel cancels and removes the handle for requestID. It reports whether a
// handle existed.
func (r *Registry) Cancel(requestID string) bool {
	r.mu.Lock()
	h, ok := r.handles[requestID]
	if ok {
		delete(r.handles, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.log.Info("cancelling execution", slog.String("request_id", requestID))
	h.trigger()
	return true
}

// CancelAll cancels every handle and clears the registry. It returns the
// number of handles cancelled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	snapshot := make([]*Handle, 0, len(r.handles))
	for id, h := range r.handles {
		snapshot = append(snapshot, h)
		delete(r.handles, id)
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		h.trigger()
	}
	if len(snapshot) > 0 {
		r.log.Info("cancelled all executions", slog.Int("count", len(snapshot)))
	}
	return len(snapshot)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("loqa.voice.executions.inflight",
		metric.WithDescription("Number of running synthesis executions"))
	if err != nil {
		return err
	}
	r.gauge = gauge
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(r.Len()))
		return nil
	}, gauge)
	return err
}
