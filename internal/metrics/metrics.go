// Package metrics is the Market Metrics Reader collaborator: it turns raw
// bid/ask book events and recent bars into the spread/ATR/liquidity snapshot
// the Risk Engine consults before sizing a trade.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/bars"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/eventstore"
)

// Reader computes a MarketMetrics snapshot on demand. It holds no cache —
// every Get call re-scans the Event Store and Bar Store, matching the
// read-whenever-asked contract the Risk Engine relies on.
type Reader struct {
	events     *eventstore.Store
	bars       *bars.Store
	bidAskKind string
	atrWindow  int
	scanLimit  int
}

// New builds a Reader. atrWindow is the number of prior bars averaged into
// the true-range figure (14 if unset, the conventional ATR lookback).
func New(events *eventstore.Store, barStore *bars.Store, bidAskKind string, atrWindow int) *Reader {
	if bidAskKind == "" {
		bidAskKind = "bidask_fop_v1"
	}
	if atrWindow <= 0 {
		atrWindow = 14
	}
	return &Reader{events: events, bars: barStore, bidAskKind: bidAskKind, atrWindow: atrWindow, scanLimit: 2000}
}

// Get builds a MarketMetrics snapshot for symbol, or ok=false if no
// qualifying bid/ask event exists yet. A qualifying event has a matching
// code and is not flagged synthetic; events are not filtered by producer.
func (r *Reader) Get(ctx context.Context, assetClass, symbol string) (domain.MarketMetrics, bool, error) {
	filter := func(ev domain.Event) bool {
		code, _ := ev.Payload["code"].(string)
		synthetic, _ := ev.Payload["synthetic"].(bool)
		return code == symbol && !synthetic
	}
	ev, found, err := r.events.LatestByKind(ctx, r.bidAskKind, filter, r.scanLimit)
	if err != nil {
		return domain.MarketMetrics{}, false, fmt.Errorf("metrics: latest bidask: %w", err)
	}
	if !found {
		return domain.MarketMetrics{}, false, nil
	}

	bidPrices := floatSlice(ev.Payload, "bid_price")
	askPrices := floatSlice(ev.Payload, "ask_price")
	if len(bidPrices) == 0 || len(askPrices) == 0 {
		return domain.MarketMetrics{}, false, nil
	}
	bid, ask := bidPrices[0], askPrices[0]

	m := domain.MarketMetrics{
		Bid:           decimal.NewFromFloat(bid),
		Ask:           decimal.NewFromFloat(ask),
		Spread:        decimal.NewFromFloat(ask - bid),
		SourceEventID: ev.ID,
		SourceEventTs: ev.Ts,
		ATRWindow:     r.atrWindow,
	}

	m.LiquidityScore = decimal.NewFromFloat(liquidityScore(ev.Payload))

	if r.bars != nil {
		atr, err := r.computeATR(ctx, assetClass, symbol)
		if err == nil && atr != nil {
			m.ATR = atr
		}
	}

	return m, true, nil
}

// floatSlice extracts a []float64 from a JSON-decoded numeric array field
// (book levels arrive as []any of float64 after JSON round-trip).
func floatSlice(payload domain.Meta, key string) []float64 {
	raw, _ := payload[key].([]any)
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, n)
		case int:
			out = append(out, float64(n))
		case int64:
			out = append(out, float64(n))
		}
	}
	return out
}

// liquidityScore sums the first five bid and ask volume levels — a
// scale-free proxy for how much size sits near the top of book.
func liquidityScore(payload domain.Meta) float64 {
	sumTop5 := func(key string) float64 {
		levels := floatSlice(payload, key)
		if len(levels) > 5 {
			levels = levels[:5]
		}
		var sum float64
		for _, v := range levels {
			sum += v
		}
		return sum
	}
	return sumTop5("bid_volume") + sumTop5("ask_volume")
}

// computeATR averages the true range (high-low, high-prevClose,
// prevClose-low — the widest of the three) over the configured window of
// the most recent bars.
func (r *Reader) computeATR(ctx context.Context, assetClass, symbol string) (*decimal.Decimal, error) {
	recent, err := r.bars.RecentBars(ctx, assetClass, symbol, r.atrWindow)
	if err != nil {
		return nil, fmt.Errorf("metrics: recent bars: %w", err)
	}
	if len(recent) < 2 {
		return nil, nil
	}

	var sum decimal.Decimal
	n := 0
	for i := 1; i < len(recent); i++ {
		cur, prev := recent[i], recent[i-1]
		tr := cur.High.Sub(cur.Low)
		if v := cur.High.Sub(prev.Close).Abs(); v.GreaterThan(tr) {
			tr = v
		}
		if v := cur.Low.Sub(prev.Close).Abs(); v.GreaterThan(tr) {
			tr = v
		}
		sum = sum.Add(tr)
		n++
	}
	if n == 0 {
		return nil, nil
	}
	atr := sum.Div(decimal.NewFromInt(int64(n)))
	return &atr, nil
}

// StalenessOf reports how old the metrics snapshot is relative to now, used
// by callers that want to log or reject on a stale reading without
// duplicating the Safety Engine's own freshness gate.
func StalenessOf(m domain.MarketMetrics, now time.Time) time.Duration {
	if m.SourceEventTs.IsZero() {
		return 0
	}
	return now.Sub(m.SourceEventTs)
}
