// Package bars is the Bar Builder collaborator: it aggregates tick events
// from the Event Store into 1-minute OHLCV bars, upserted by composite key
// (minute, asset class, symbol) so a rebuild over the same event range is
// idempotent.
package bars

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/eventstore"
)

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func decFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const schema = `
CREATE TABLE IF NOT EXISTS bars_1m (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_min TEXT NOT NULL,
	asset_class TEXT NOT NULL,
	symbol TEXT NOT NULL,
	o REAL NOT NULL,
	h REAL NOT NULL,
	l REAL NOT NULL,
	c REAL NOT NULL,
	v REAL NOT NULL,
	n_trades INTEGER NOT NULL,
	source TEXT NOT NULL,
	UNIQUE(ts_min, asset_class, symbol)
);
`

// Store is the Bar Store backing the Bar Builder and the Market Metrics
// Reader's ATR computation.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database handle and ensures bars_1m exists.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("bars: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert writes one bar, replacing any existing row with the same
// (ts_min, asset_class, symbol) key.
func (s *Store) Upsert(ctx context.Context, b domain.Bar) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO bars_1m(ts_min, asset_class, symbol, o, h, l, c, v, n_trades, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts_min, asset_class, symbol) DO UPDATE SET
			o=excluded.o, h=excluded.h, l=excluded.l, c=excluded.c, v=excluded.v,
			n_trades=excluded.n_trades, source=excluded.source`,
		b.TsMin.UTC().Format(time.RFC3339), b.AssetClass, b.Symbol,
		mustFloat(b.Open), mustFloat(b.High), mustFloat(b.Low), mustFloat(b.Close), mustFloat(b.Volume),
		b.NTrades, b.Source)
	if err != nil {
		return fmt.Errorf("bars: upsert: %w", err)
	}
	return nil
}

// GetBar fetches the bar row for an exact (minute, asset class, symbol) key,
// used by the Builder to merge a new tick into an in-progress minute.
func (s *Store) GetBar(ctx context.Context, tsMin time.Time, assetClass, symbol string) (domain.Bar, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT o, h, l, c, v, n_trades, source FROM bars_1m
		WHERE ts_min = ? AND asset_class = ? AND symbol = ?`, tsMin.UTC().Format(time.RFC3339), assetClass, symbol)
	var o, h, l, c, v float64
	var nTrades int64
	var source string
	err := row.Scan(&o, &h, &l, &c, &v, &nTrades, &source)
	if err == sql.ErrNoRows {
		return domain.Bar{}, false, nil
	}
	if err != nil {
		return domain.Bar{}, false, fmt.Errorf("bars: get bar: %w", err)
	}
	return domain.Bar{
		TsMin: tsMin, AssetClass: assetClass, Symbol: symbol,
		Open: decFromFloat(o), High: decFromFloat(h), Low: decFromFloat(l), Close: decFromFloat(c),
		Volume: decFromFloat(v), NTrades: nTrades, Source: source,
	}, true, nil
}

// RecentBars returns up to n+1 most recent bars for (assetClass, symbol), in
// chronological order (oldest first) — the shape the ATR computation needs.
func (s *Store) RecentBars(ctx context.Context, assetClass, symbol string, n int) ([]domain.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts_min, o, h, l, c, v, n_trades, source FROM bars_1m
		WHERE asset_class = ? AND symbol = ? ORDER BY ts_min DESC LIMIT ?`, assetClass, symbol, n+1)
	if err != nil {
		return nil, fmt.Errorf("bars: recent bars: %w", err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var tsMin string
		var o, h, l, c, v float64
		var nTrades int64
		var source string
		if err := rows.Scan(&tsMin, &o, &h, &l, &c, &v, &nTrades, &source); err != nil {
			return nil, fmt.Errorf("bars: scan: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339, tsMin)
		out = append(out, domain.Bar{
			TsMin: ts, AssetClass: assetClass, Symbol: symbol,
			Open: decFromFloat(o), High: decFromFloat(h), Low: decFromFloat(l), Close: decFromFloat(c),
			Volume: decFromFloat(v), NTrades: nTrades, Source: source,
		})
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Builder reads tick events forward and aggregates them into minute bars.
type Builder struct {
	events *eventstore.Store
	store  *Store
}

// NewBuilder constructs a Builder.
func NewBuilder(events *eventstore.Store, store *Store) *Builder {
	return &Builder{events: events, store: store}
}

var priceKeys = []string{"close", "price", "last_price", "last", "trade_price"}
var sizeKeys = []string{"volume", "qty", "size", "trade_volume", "last_size"}

func extractPriceAndSize(payload domain.Meta) (price float64, size float64, ok bool) {
	for _, k := range priceKeys {
		if v, isNum := asFloat(payload[k]); isNum {
			price = v
			ok = true
			break
		}
	}
	if !ok {
		return 0, 0, false
	}
	for _, k := range sizeKeys {
		if v, isNum := asFloat(payload[k]); isNum {
			size = v
			break
		}
	}
	return price, size, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Build aggregates tick_fop_v1/tick_stk_v1 events whose id is greater than
// sinceEventID into 1-minute bars and upserts them. Returns the highest
// event id consumed, to use as the next call's watermark.
func (b *Builder) Build(ctx context.Context, sinceEventID int64, scanLimit int) (int64, error) {
	watermark := sinceEventID

	type aggKey struct {
		tsMin      string
		assetClass string
		symbol     string
	}
	type agg struct {
		o, h, l, c, v float64
		n             int64
	}
	aggregated := map[aggKey]*agg{}

	for _, kind := range []string{"tick_fop_v1", "tick_stk_v1"} {
		events, err := b.events.EventsSince(ctx, kind, sinceEventID, scanLimit)
		if err != nil {
			return watermark, err
		}

		assetClass := strings.ToUpper(strings.TrimPrefix(kind, "tick_"))
		assetClass = strings.TrimSuffix(assetClass, "_V1")

		for _, ev := range events {
			if ev.ID > watermark {
				watermark = ev.ID
			}

			symbol, _ := ev.Payload["code"].(string)
			if symbol == "" {
				continue
			}
			price, size, ok := extractPriceAndSize(ev.Payload)
			if !ok {
				continue
			}
			tsMin := ev.Ts.UTC().Truncate(time.Minute).Format(time.RFC3339)

			key := aggKey{tsMin, assetClass, symbol}
			st, exists := aggregated[key]
			if !exists {
				aggregated[key] = &agg{o: price, h: price, l: price, c: price, v: size, n: 1}
				continue
			}
			if price > st.h {
				st.h = price
			}
			if price < st.l {
				st.l = price
			}
			st.c = price
			st.v += size
			st.n++
		}
	}

	for key, st := range aggregated {
		tsMin, _ := time.Parse(time.RFC3339, key.tsMin)
		bar := domain.Bar{
			TsMin: tsMin, AssetClass: key.assetClass, Symbol: key.symbol,
			Open: decFromFloat(st.o), High: decFromFloat(st.h), Low: decFromFloat(st.l), Close: decFromFloat(st.c),
			Volume: decFromFloat(st.v), NTrades: st.n, Source: "bar_builder",
		}
		if err := b.store.Upsert(ctx, bar); err != nil {
			return watermark, err
		}
	}

	return watermark, nil
}
