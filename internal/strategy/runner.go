// Package strategy is the thin strategy-runner collaborator. It defines the
// interface boundary a concrete signal-generation strategy plugs into —
// Signal in, Gateway.PlaceOrder out — without prescribing what the
// strategy's signal logic actually is.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/gateway"
)

// Signal is a trade idea a concrete strategy implementation produces. The
// Runner turns it into an enriched domain.Intent and submits it through the
// Gateway's full gate chain.
type Signal struct {
	Symbol     string
	Side       domain.Side
	Qty        decimal.Decimal
	OrderType  domain.OrderType
	Price      *decimal.Decimal
	StopPrice  *decimal.Decimal
	ReduceOnly bool
	StrategyID string
	SignalID   string
	Meta       domain.Meta
}

// Source is the interface boundary a concrete strategy satisfies: given the
// current time, produce the next Signal to submit, or ok=false if nothing
// is actionable this tick.
type Source interface {
	Next(ctx context.Context, now time.Time) (Signal, bool, error)
}

// Runner drains a Source on a fixed tick and submits whatever it produces
// through the Gateway.
type Runner struct {
	gw   *gateway.Gateway
	name string
	log  *slog.Logger
}

// New builds a Runner wired to an already-constructed Gateway.
func New(gw *gateway.Gateway, runnerName string, log *slog.Logger) *Runner {
	return &Runner{gw: gw, name: runnerName, log: log.With("component", "strategy_runner", "runner", runnerName)}
}

// Submit turns one Signal into an Intent and runs it through the Gateway.
func (r *Runner) Submit(ctx context.Context, sig Signal, now time.Time, referencePrice decimal.Decimal, availableLiquidity *decimal.Decimal) (gateway.Result, error) {
	meta := sig.Meta
	if meta == nil {
		meta = domain.Meta{}
	}
	intent := domain.Intent{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Qty:        sig.Qty,
		OrderType:  sig.OrderType,
		Price:      sig.Price,
		StopPrice:  sig.StopPrice,
		ReduceOnly: sig.ReduceOnly,
		Meta:       meta,
		StrategyID: sig.StrategyID,
		SignalID:   sig.SignalID,
		Runner:     r.name,
	}
	res, err := r.gw.PlaceOrder(ctx, intent, now, referencePrice, availableLiquidity)
	if err != nil {
		return gateway.Result{}, fmt.Errorf("strategy: place order: %w", err)
	}
	if !res.Accept {
		r.log.Info("intent rejected", "symbol", sig.Symbol, "code", res.Reject.Code, "reason", res.Reject.Reason)
	}
	return res, nil
}

// Run ticks src every interval until ctx is cancelled, submitting each
// Signal it produces. referencePriceFor supplies the reference price a
// Signal should match against (typically the Market Metrics Reader's last
// bid/ask); it is a function rather than a fixed value because the price
// changes every tick.
func (r *Runner) Run(ctx context.Context, src Source, interval time.Duration, referencePriceFor func(Signal) (decimal.Decimal, *decimal.Decimal)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sig, ok, err := src.Next(ctx, now)
			if err != nil {
				r.log.Error("source error", "error", err)
				continue
			}
			if !ok {
				continue
			}
			refPrice, liquidity := referencePriceFor(sig)
			if _, err := r.Submit(ctx, sig, now, refPrice, liquidity); err != nil {
				r.log.Error("submit failed", "error", err)
			}
		}
	}
}
