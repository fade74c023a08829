// Package ingest is the market-data ingestor collaborator: it maintains a
// reconnecting WebSocket feed to the upstream TAIFEX market-data relay and
// writes every tick/book message into the Event Store as it arrives.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	pingPeriod = 50 * time.Second
	readWait   = 90 * time.Second
)

// RawMessage is one decoded upstream message, keyed by its event_type field.
type RawMessage struct {
	Kind    string
	Payload map[string]any
}

// dialer abstracts websocket.DefaultDialer.Dial so tests can substitute a
// fake transport without opening a real socket.
type dialer func(url string, header http.Header) (*websocket.Conn, *http.Response, error)

// Feed manages one reconnecting WebSocket connection and decodes inbound
// frames into RawMessage values delivered on a bounded channel.
type Feed struct {
	url       string
	dial      dialer
	out       chan RawMessage
	reconnect *TokenBucket
	log       *slog.Logger
}

// NewFeed builds a Feed. bufSize bounds the outbound channel; once full, the
// oldest undelivered message is dropped rather than blocking the socket
// reader, matching the teacher's bounded-channel-drops-on-full posture.
func NewFeed(url string, bufSize int, log *slog.Logger) *Feed {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Feed{
		url:       url,
		dial:      websocket.DefaultDialer.Dial,
		out:       make(chan RawMessage, bufSize),
		reconnect: NewTokenBucket(5, 0.2),
		log:       log.With("component", "ingest_feed"),
	}
}

// Messages returns the channel of decoded inbound messages.
func (f *Feed) Messages() <-chan RawMessage { return f.out }

// Run connects and reconnects with exponential backoff until ctx is
// cancelled. Each reconnect attempt is throttled by a token bucket so a
// persistently unreachable relay cannot be hammered.
func (f *Feed) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.reconnect.Wait(ctx); err != nil {
			return
		}
		if err := f.runOnce(ctx); err != nil {
			f.log.Warn("feed connection ended", "error", err, "backoff", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	conn, _, err := f.dial(f.url, nil)
	if err != nil {
		return fmt.Errorf("ingest: dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	done := make(chan struct{})
	go f.pingLoop(ctx, conn, done)
	defer close(done)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ingest: read: %w", err)
		}
		msg, ok := decodeMessage(raw)
		if !ok {
			continue
		}
		select {
		case f.out <- msg:
		default:
			// bounded channel full: drop the oldest queued message rather
			// than block the socket reader and starve the ping loop.
			select {
			case <-f.out:
			default:
			}
			select {
			case f.out <- msg:
			default:
			}
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func decodeMessage(raw []byte) (RawMessage, bool) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return RawMessage{}, false
	}
	kind, _ := generic["event_type"].(string)
	if kind == "" {
		kind, _ = generic["kind"].(string)
	}
	if kind == "" {
		return RawMessage{}, false
	}
	return RawMessage{Kind: kind, Payload: generic}, true
}
