package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/events"
)

// ProviderScope is the request id under which provider-wide events, such as
// voices.ready, are journaled.
const ProviderScope = "provider"

// Journal persists bus events into a Store. Record is an events.Handler and
// runs on its subscription goroutine, so writes stay in delivery order.
type Journal struct {
	store   *Store
	log     *slog.Logger
	timeout time.Duration
}

func NewJournal(store *Store, log *slog.Logger) *Journal {
	return &Journal{
		store:   store,
		log:     log.With(slog.String("component", "event-journal")),
		timeout: 2 * time.Second,
	}
}

// Attach subscribes the journal to every kind on bus and returns the
// unsubscribe function.
func (j *Journal) Attach(bus *events.Bus) func() {
	return bus.Subscribe(j.Record)
}

func (j *Journal) Record(evt events.Event) {
	requestID := evt.RequestID
	if requestID == "" {
		requestID = ProviderScope
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.store.AppendRequest(ctx, requestID); err != nil {
		j.log.Warn("journal request failed", slog.String("request_id", requestID), slog.String("error", err.Error()))
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		j.log.Warn("journal encode failed", slog.String("kind", string(evt.Kind)), slog.String("error", err.Error()))
		return
	}
	entry := Entry{
		RequestID: requestID,
		Kind:      string(evt.Kind),
		WordIndex: evt.WordIndex,
		Symbol:    evt.Symbol,
		Message:   evt.Message,
		Payload:   payload,
		CreatedAt: evt.Timestamp,
	}
	if err := j.store.AppendEvent(ctx, entry); err != nil {
		j.log.Warn("journal append failed", slog.String("request_id", requestID), slog.String("error", err.Error()))
	}
}
