package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/events"
)

// Catalog caches the voices of one backend. The voice list is replaced
// wholesale; readers always see a complete snapshot.
type Catalog struct {
	discoverer     Discoverer
	pub            events.Publisher
	log            *slog.Logger
	defaultCulture string

	snap    atomic.Pointer[snapshot]
	loading atomic.Bool
	wg      sync.WaitGroup
	clock   func() time.Time
}

type snapshot struct {
	voices   []Voice
	loadedAt time.Time

	culturesOnce sync.Once
	cultures     []string
}

func NewCatalog(discoverer Discoverer, pub events.Publisher, defaultCulture string, log *slog.Logger) *Catalog {
	return &Catalog{
		discoverer:     discoverer,
		pub:            pub,
		log:            log.With(slog.String("component", "voice-catalog")),
		defaultCulture: defaultCulture,
		clock:          time.Now,
	}
}

// LoadVoices ensures the catalog is populated. With an existing catalog and
// forceReload false it publishes VoicesReady before returning. Otherwise it
// starts discovery in the background unless one is already running; every
// caller observes the result through VoicesReady.
func (c *Catalog) LoadVoices(ctx context.Context, forceReload bool) {
	if !forceReload {
		if snap := c.snap.Load(); snap != nil {
			c.publishReady(snap)
			return
		}
	}
	if !c.loading.CompareAndSwap(false, true) {
		c.log.Debug("voice discovery already running")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.discover(ctx)
	}()
}

func (c *Catalog) discover(ctx context.Context) {
	start := c.clock()
	voices, err := c.discoverer.Voices(ctx)
	if err != nil {
		c.loading.Store(false)
		c.log.Warn("voice discovery failed", slog.String("error", err.Error()))
		c.pub.Publish(events.Event{Kind: events.ErrorInfo, Message: fmt.Sprintf("voice discovery: %v", err)})
		return
	}

	sorted := append([]Voice(nil), voices...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	snap := &snapshot{voices: sorted, loadedAt: c.clock()}
	c.snap.Store(snap)
	c.loading.Store(false)

	c.log.Info("voices loaded",
		slog.Int("count", len(sorted)),
		slog.Duration("elapsed", c.clock().Sub(start)))
	c.publishReady(snap)
}

func (c *Catalog) publishReady(snap *snapshot) {
	c.pub.Publish(events.Event{Kind: events.VoicesReady, Message: fmt.Sprintf("%d voices", len(snap.voices))})
}

// Wait blocks until any running discovery has finished.
func (c *Catalog) Wait() {
	c.wg.Wait()
}

// Ready reports whether a catalog has been loaded.
func (c *Catalog) Ready() bool {
	return c.snap.Load() != nil
}

// Loading reports whether a discovery is in progress.
func (c *Catalog) Loading() bool {
	return c.loading.Load()
}

// Voices returns the current voices sorted by name.
func (c *Catalog) Voices() []Voice {
	snap := c.snap.Load()
	if snap == nil {
		return nil
	}
	return append([]Voice(nil), snap.voices...)
}

// DeriveCultures returns the distinct cultures of the current catalog,
// sorted. The projection is computed once per snapshot.
func (c *Catalog) DeriveCultures() []string {
	snap := c.snap.Load()
	if snap == nil {
		return nil
	}
	snap.culturesOnce.Do(func() {
		firstByCulture := make(map[string]Voice)
		for _, v := range snap.voices {
			if _, seen := firstByCulture[v.Culture]; !seen {
				firstByCulture[v.Culture] = v
			}
		}
		cultures := make([]string, 0, len(firstByCulture))
		for culture := range firstByCulture {
			cultures = append(cultures, culture)
		}
		sort.Strings(cultures)
		snap.cultures = cultures
	})
	return append([]string(nil), snap.cultures...)
}

// Resolve maps a selector onto a catalog voice. When nothing matches, the
// first voice of the default culture is used; ok is false if even that
// fails, in which case the selector is passed through unchanged.
func (c *Catalog) Resolve(sel Selector) (Voice, bool) {
	passthrough := Voice{Name: sel.Name, Identifier: sel.Identifier, Culture: sel.Culture}
	snap := c.snap.Load()
	if snap == nil {
		return passthrough, false
	}
	if sel.Name != "" {
		for _, v := range snap.voices {
			if strings.EqualFold(v.Name, sel.Name) {
				return v, true
			}
		}
	}
	if sel.Identifier != "" {
		for _, v := range snap.voices {
			if v.Identifier != "" && strings.EqualFold(v.Identifier, sel.Identifier) {
				return v, true
			}
		}
	}
	for _, culture := range []string{sel.Culture, c.defaultCulture} {
		if culture == "" {
			continue
		}
		if v, ok := firstOfCulture(snap.voices, culture); ok {
			return v, true
		}
	}
	return passthrough, false
}

func firstOfCulture(voices []Voice, culture string) (Voice, bool) {
	for _, v := range voices {
		if strings.EqualFold(v.Culture, culture) {
			return v, true
		}
	}
	prefix := strings.ToLower(culture) + "-"
	for _, v := range voices {
		if strings.HasPrefix(strings.ToLower(v.Culture), prefix) {
			return v, true
		}
	}
	return Voice{}, false
}
