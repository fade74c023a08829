package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/eventstore"
)

// Ingestor drains a Feed's decoded messages and appends each one to the
// Event Store, stamping an ingest timestamp separate from whatever the
// upstream message carries as its own event time.
type Ingestor struct {
	feed   *Feed
	events *eventstore.Store
	log    *slog.Logger
}

// New builds an Ingestor wired to an already-constructed Feed.
func New(feed *Feed, events *eventstore.Store, log *slog.Logger) *Ingestor {
	return &Ingestor{feed: feed, events: events, log: log.With("component", "ingestor")}
}

// Run starts the Feed and drains it until ctx is cancelled, writing every
// decoded message to the Event Store. Append failures are logged and
// skipped rather than fatal — a single bad write must not take down the
// whole ingestor goroutine.
func (in *Ingestor) Run(ctx context.Context) {
	go in.feed.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in.feed.Messages():
			if !ok {
				return
			}
			in.append(ctx, msg)
		}
	}
}

func (in *Ingestor) append(ctx context.Context, msg RawMessage) {
	now := time.Now().UTC()
	ts := now
	if raw, ok := msg.Payload["ts"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}
	if _, err := in.events.Append(ctx, ts, msg.Kind, domain.Meta(msg.Payload), "ingest", now); err != nil {
		in.log.Error("append event failed", "kind", msg.Kind, "error", err)
	}
}
