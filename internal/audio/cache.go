package audio

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Key identifies rendered audio by everything that affects the output.
type Key struct {
	Text   string
	SSML   bool
	Voice  string
	Rate   int
	Pitch  int
	Volume int
}

// Fingerprint hashes k into a stable cache key.
func Fingerprint(k Key) string {
	h := xxhash.New()
	sep := []byte{0}
	_, _ = h.WriteString(k.Text)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(strconv.FormatBool(k.SSML))
	_, _ = h.Write(sep)
	_, _ = h.WriteString(k.Voice)
	for _, v := range []int{k.Rate, k.Pitch, k.Volume} {
		_, _ = h.Write(sep)
		_, _ = h.WriteString(strconv.Itoa(v))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Cache keeps assets until Clear. There is no automatic eviction.
type Cache struct {
	mu    sync.RWMutex
	items map[string]*Asset
	log   *slog.Logger
}

func NewCache(log *slog.Logger) *Cache {
	c := &Cache{items: make(map[string]*Asset), log: log.With(slog.String("component", "audio-cache"))}
	_, err := otel.Meter("github.com/loqalabs/loqa-voice/provider").Int64ObservableGauge(
		"loqa.voice.cache.assets",
		metric.WithDescription("Number of cached audio assets"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.Len()))
			return nil
		}),
	)
	if err != nil {
		c.log.Warn("failed to register cache gauge", slog.String("error", err.Error()))
	}
	return c
}

func (c *Cache) Get(key string) (*Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.items[key]
	return a, ok
}

// Put transfers ownership of a to the cache. If key is already present the
// existing asset wins and is returned; a is left untouched.
func (c *Cache) Put(key string, a *Asset) *Asset {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.items[key]; ok {
		return existing
	}
	a.cached.Store(true)
	c.items[key] = a
	return a
}

// Clear releases every cached asset and returns how many there were.
func (c *Cache) Clear() int {
	c.mu.Lock()
	items := c.items
	c.items = make(map[string]*Asset)
	c.mu.Unlock()

	for _, a := range items {
		a.release()
	}
	if len(items) > 0 {
		c.log.Info("audio cache cleared", slog.Int("assets", len(items)))
	}
	return len(items)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
