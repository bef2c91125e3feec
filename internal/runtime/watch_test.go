package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/stretchr/testify/require"
)

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  caching: false\n"), 0o644))

	var last atomic.Value
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watchConfig(ctx, path, func(cfg config.Config) { last.Store(cfg.Provider.Caching) }, newLogger())
	}()

	// The watcher registers asynchronously, so keep rewriting until it notices.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("provider:\n  caching: true\n"), 0o644)
		v, ok := last.Load().(bool)
		return ok && v
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not stop")
	}
}

func TestApplyLiveTogglesCache(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.BasePath = t.TempDir()
	bus := events.NewBus(newLogger())
	defer bus.Close()

	prov, err := BuildProvider(cfg, bus, newLogger())
	require.NoError(t, err)
	defer func() { _ = prov.Close(context.Background()) }()

	rt := New(cfg, newLogger())
	rt.provider = prov

	next := cfg
	next.Provider.Caching = false
	rt.applyLive(next)
	require.False(t, prov.Caching())

	next.Provider.Caching = true
	rt.applyLive(next)
	require.True(t, prov.Caching())
}
