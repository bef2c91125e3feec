package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDiscoverer struct {
	calls  atomic.Int32
	gate   chan struct{}
	voices []Voice
	err    error
}

func (f *fakeDiscoverer) Voices(ctx context.Context) ([]Voice, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.voices, f.err
}

var sampleVoices = []Voice{
	{Name: "Zira", Culture: "en-US", Identifier: "tts.zira", Gender: "female"},
	{Name: "Hedda", Culture: "de-DE", Identifier: "tts.hedda", Gender: "female"},
	{Name: "David", Culture: "en-US", Identifier: "tts.david", Gender: "male"},
	{Name: "Amelie", Culture: "fr-FR"},
}

type countingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *countingPublisher) Publish(evt events.Event) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *countingPublisher) count(kind events.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, evt := range p.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

func TestLoadVoicesSortsAndPublishes(t *testing.T) {
	disc := &fakeDiscoverer{voices: sampleVoices}
	pub := &countingPublisher{}
	c := NewCatalog(disc, pub, "en-US", newLogger())

	assert.False(t, c.Ready())
	c.LoadVoices(context.Background(), false)
	c.Wait()

	require.True(t, c.Ready())
	names := []string{}
	for _, v := range c.Voices() {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"Amelie", "David", "Hedda", "Zira"}, names)
	assert.Equal(t, 1, pub.count(events.VoicesReady))
}

func TestLoadVoicesWithoutForceDoesNotRediscover(t *testing.T) {
	disc := &fakeDiscoverer{voices: sampleVoices}
	pub := &countingPublisher{}
	c := NewCatalog(disc, pub, "", newLogger())

	c.LoadVoices(context.Background(), false)
	c.Wait()
	c.LoadVoices(context.Background(), false)

	assert.Equal(t, int32(1), disc.calls.Load())
	assert.Equal(t, 2, pub.count(events.VoicesReady), "cached load publishes synchronously")

	c.LoadVoices(context.Background(), true)
	c.Wait()
	assert.Equal(t, int32(2), disc.calls.Load())
}

func TestConcurrentLoadsShareOneDiscovery(t *testing.T) {
	disc := &fakeDiscoverer{voices: sampleVoices, gate: make(chan struct{})}
	pub := &countingPublisher{}
	c := NewCatalog(disc, pub, "", newLogger())

	for i := 0; i < 10; i++ {
		c.LoadVoices(context.Background(), i%2 == 0)
	}
	require.Eventually(t, func() bool { return disc.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.Loading())
	assert.Nil(t, c.Voices(), "no partial catalog is visible while loading")

	close(disc.gate)
	c.Wait()

	assert.Equal(t, int32(1), disc.calls.Load())
	assert.Equal(t, 1, pub.count(events.VoicesReady))
	assert.Len(t, c.Voices(), len(sampleVoices))
}

func TestDiscoveryFailureKeepsPreviousCatalog(t *testing.T) {
	disc := &fakeDiscoverer{voices: sampleVoices}
	pub := &countingPublisher{}
	c := NewCatalog(disc, pub, "", newLogger())
	c.LoadVoices(context.Background(), false)
	c.Wait()

	disc.err = errors.New("backend offline")
	c.LoadVoices(context.Background(), true)
	c.Wait()

	assert.Len(t, c.Voices(), len(sampleVoices))
	assert.Equal(t, 1, pub.count(events.ErrorInfo))
	assert.False(t, c.Loading())
}

func TestDeriveCulturesIsInvalidatedOnReload(t *testing.T) {
	disc := &fakeDiscoverer{voices: sampleVoices}
	c := NewCatalog(disc, &countingPublisher{}, "", newLogger())
	assert.Nil(t, c.DeriveCultures())

	c.LoadVoices(context.Background(), false)
	c.Wait()
	assert.Equal(t, []string{"de-DE", "en-US", "fr-FR"}, c.DeriveCultures())

	disc.voices = []Voice{{Name: "Kyoko", Culture: "ja-JP"}}
	c.LoadVoices(context.Background(), true)
	c.Wait()
	assert.Equal(t, []string{"ja-JP"}, c.DeriveCultures())
}

func TestResolve(t *testing.T) {
	c := NewCatalog(&fakeDiscoverer{voices: sampleVoices}, &countingPublisher{}, "de-DE", newLogger())

	v, ok := c.Resolve(Selector{Name: "zira"})
	assert.False(t, ok, "nothing loaded yet")
	assert.Equal(t, "zira", v.Name)

	c.LoadVoices(context.Background(), false)
	c.Wait()

	cases := []struct {
		name string
		sel  Selector
		want string
	}{
		{"by name", Selector{Name: "zira"}, "Zira"},
		{"by identifier", Selector{Identifier: "tts.david"}, "David"},
		{"by culture picks first sorted", Selector{Culture: "en-US"}, "David"},
		{"by language prefix", Selector{Culture: "fr"}, "Amelie"},
		{"unknown falls back to default culture", Selector{Name: "nobody"}, "Hedda"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, ok := c.Resolve(tc.sel)
			assert.True(t, ok)
			assert.Equal(t, tc.want, v.Name)
		})
	}
}
