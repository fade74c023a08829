// Package eventstore is the append-only log of market and lifecycle events
// that the rest of the pipeline treats as its truth-source for feed
// freshness. Events are never updated after insert; the exported operations
// are Append and the read paths LatestByKind, EventsSince and RecentEvents.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Minstyle11/tmf-autotrader/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	producer TEXT NOT NULL,
	ingest_ts TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind_id ON events(kind, id DESC);
`

// Store is the Event Store. It wraps a *sql.DB shared with the State Store
// (both live in the same embedded database per the concurrency model: the
// State Store is the only mutable shared resource, and events are append-only
// rows within it).
type Store struct {
	db *sql.DB
}

// New wraps an already-open database handle and ensures the events table exists.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("eventstore: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append inserts a new event and returns its strictly-increasing identity.
// Fails with ErrUnavailable on persistence error.
func (s *Store) Append(ctx context.Context, ts time.Time, kind string, payload domain.Meta, producer string, ingestTs time.Time) (int64, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("eventstore: marshal payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(ts, kind, payload_json, producer, ingest_ts) VALUES (?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), kind, string(buf), producer, ingestTs.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return id, nil
}

// Filter is a caller-supplied payload predicate, e.g. "code equals TMFB6 and
// not synthetic". Payloads are opaque JSON so this runs in-process rather
// than as a SQL WHERE clause.
type Filter func(domain.Event) bool

// LatestByKind scans newest-first (primary key descending, ties impossible)
// up to scanLimit rows of the given kind and returns the first row matching
// filter, or ok=false if none match within the scan window.
func (s *Store) LatestByKind(ctx context.Context, kind string, filter Filter, scanLimit int) (domain.Event, bool, error) {
	if scanLimit <= 0 {
		scanLimit = 2000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, kind, payload_json, producer, ingest_ts FROM events WHERE kind = ? ORDER BY id DESC LIMIT ?`,
		kind, scanLimit)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			continue // parser fault: localized, counted by caller if desired, never fatal to the scan
		}
		if filter == nil || filter(ev) {
			return ev, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Event{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return domain.Event{}, false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows rowScanner) (domain.Event, error) {
	var (
		id                       int64
		tsStr, kind, payloadJSON string
		producer, ingestTsStr    string
	)
	if err := rows.Scan(&id, &tsStr, &kind, &payloadJSON, &producer, &ingestTsStr); err != nil {
		return domain.Event{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return domain.Event{}, err
	}
	ingestTs, err := time.Parse(time.RFC3339Nano, ingestTsStr)
	if err != nil {
		ingestTs = ts
	}
	var payload domain.Meta
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:       id,
		Ts:       ts,
		Kind:     kind,
		Payload:  payload,
		Producer: producer,
		IngestTs: ingestTs,
	}, nil
}

// EventsSince returns events of the given kind with id > sinceID, oldest
// first, bounded by limit. This is what forward-scanning consumers like the
// Bar Builder use to walk the log from a watermark instead of re-reading
// everything on every pass.
func (s *Store) EventsSince(ctx context.Context, kind string, sinceID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 2000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, kind, payload_json, producer, ingest_ts FROM events WHERE kind = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		kind, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			continue // parser fault: localized and skipped, matching LatestByKind's tolerance
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// RecentEvents returns the most recent rows of the given kind, newest first,
// for the reconciler's replay-drift diagnostics. A parser fault on a row is
// skipped rather than aborting the scan, matching LatestByKind's tolerance.
func (s *Store) RecentEvents(ctx context.Context, kind string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, kind, payload_json, producer, ingest_ts FROM events WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// SeqKey computes the total ordering key (event_ts_epoch, seq_like_id, kind,
// line_no) used when replaying a log built from multiple source files.
// Missing parts contribute zero (epoch/seq) or lineNo (the tie-breaker),
// per the replay ordering design.
type SeqKey struct {
	TsEpoch int64
	Seq     int64
	Kind    string
	LineNo  int64
}

// Less implements the total order: ts, then seq, then kind, then line number.
func (k SeqKey) Less(o SeqKey) bool {
	if k.TsEpoch != o.TsEpoch {
		return k.TsEpoch < o.TsEpoch
	}
	if k.Seq != o.Seq {
		return k.Seq < o.Seq
	}
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	return k.LineNo < o.LineNo
}
