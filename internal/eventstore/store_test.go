package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/events"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendRequest(ctx, "r1"); err != nil {
		t.Fatalf("append request on ephemeral store: %v", err)
	}
	entries, err := es.ListRequestEvents(ctx, "r1", 10)
	if err != nil || entries != nil {
		t.Fatalf("expected no entries from ephemeral store, got %v %v", entries, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendRequest(ctx, "req-123"); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.AppendRequest(ctx, "req-123"); err != nil {
		t.Fatalf("append request twice: %v", err)
	}
	for i, kind := range []string{"audio.generation.start", "audio.generation.complete", "speak.start"} {
		if err := es.AppendEvent(ctx, Entry{RequestID: "req-123", Kind: kind, WordIndex: i, Payload: []byte("hello")}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	entries, err := es.ListRequestEvents(ctx, "req-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Kind != "audio.generation.start" || entries[2].Kind != "speak.start" {
		t.Fatalf("entries out of order: %+v", entries)
	}
	if string(entries[1].Payload) != "hello" || entries[1].WordIndex != 1 {
		t.Fatalf("unexpected entry: %+v", entries[1])
	}
}

func TestAppendEventRequiresRequest(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendEvent(context.Background(), Entry{RequestID: "unknown", Kind: "error"}); err == nil {
		t.Fatal("expected foreign key error for unknown request")
	}
}

func TestPruneByDaysAndRequests(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRequests: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRequest(ctx, "old-request"); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.AppendEvent(ctx, Entry{RequestID: "old-request", Kind: "speak.start"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRequest(ctx, "new-request"); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := es.ListRequestEvents(ctx, "old-request", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected old request pruned")
	}
}

func TestJournalRecordsBusEvents(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	bus := events.NewBus(newLogger())
	NewJournal(es, newLogger()).Attach(bus)

	bus.Publish(events.Event{Kind: events.VoicesReady})
	bus.Publish(events.Event{Kind: events.AudioGenerationStart, RequestID: "r1", Text: "hi there"})
	bus.Publish(events.Event{Kind: events.SpeakCurrentWord, RequestID: "r1", WordIndex: 1})
	bus.Publish(events.Event{Kind: events.ErrorInfo, RequestID: "r1", Message: "boom"})
	bus.Close()

	ctx := context.Background()
	entries, err := es.ListRequestEvents(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries for r1, got %d", len(entries))
	}
	if entries[1].Kind != string(events.SpeakCurrentWord) || entries[1].WordIndex != 1 {
		t.Fatalf("unexpected word entry: %+v", entries[1])
	}
	if entries[2].Message != "boom" {
		t.Fatalf("expected error message, got %q", entries[2].Message)
	}
	var decoded events.Event
	if err := json.Unmarshal(entries[0].Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Text != "hi there" {
		t.Fatalf("unexpected payload text %q", decoded.Text)
	}

	provider, err := es.ListRequestEvents(ctx, ProviderScope, 10)
	if err != nil {
		t.Fatalf("list provider events: %v", err)
	}
	if len(provider) != 1 || provider[0].Kind != string(events.VoicesReady) {
		t.Fatalf("expected voices.ready under provider scope, got %+v", provider)
	}
}
