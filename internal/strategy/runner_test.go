package strategy

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/calendar"
	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/cost"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/eventstore"
	"github.com/Minstyle11/tmf-autotrader/internal/gateway"
	"github.com/Minstyle11/tmf-autotrader/internal/oms"
	"github.com/Minstyle11/tmf-autotrader/internal/preflight"
	"github.com/Minstyle11/tmf-autotrader/internal/risk"
	"github.com/Minstyle11/tmf-autotrader/internal/safety"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
	"github.com/Minstyle11/tmf-autotrader/internal/taxonomy"
)

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	db, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	state, err := statestore.New(db)
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}
	events, err := eventstore.New(db)
	if err != nil {
		t.Fatalf("eventstore.New: %v", err)
	}

	safetyEng := safety.New(config.SafetyConfig{RequireRecentBidAsk: false}, events, state)
	calGate := calendar.New(config.CalendarConfig{SimMode: true})
	preGate := preflight.New(config.PreflightConfig{MarketQtyLimitRegular: 10, MarketQtyLimitAfterHours: 5, LimitMWPQtyCap: 100})
	riskEng := risk.New(config.RiskConfig{
		MaxQtyPerOrder: 10, AllowSymbols: []string{"TMF"}, DailyMaxLossNTD: 100000,
	}, state)
	costModel := cost.NewModel(0.00002, map[string]float64{"TMF": 20}, map[string]float64{"TMF": 10})
	omsEngine := oms.New(state, costModel, nil)
	policy, _ := taxonomy.LoadPolicy("")
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	return gateway.New(config.GatewayConfig{IntentDeadline: time.Second, SplitLoopGuard: 5}, safetyEng, calGate, preGate, riskEng, omsEngine, state, policy, nil, log)
}

type stubSource struct {
	signal Signal
	fired  bool
}

func (s *stubSource) Next(ctx context.Context, now time.Time) (Signal, bool, error) {
	if s.fired {
		return Signal{}, false, nil
	}
	s.fired = true
	return s.signal, true, nil
}

func TestRunnerSubmitAccepts(t *testing.T) {
	gw := newTestGateway(t)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := New(gw, "test_runner", log)

	price := decimal.NewFromInt(19800)
	sig := Signal{
		Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket, Price: &price,
		StrategyID: "s1", SignalID: "sig1",
	}
	res, err := r.Submit(context.Background(), sig, time.Now(), decimal.NewFromInt(19800), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accept {
		t.Fatalf("expected intent to be accepted, got reject %+v", res.Reject)
	}
}

func TestRunnerRunDrainsSourceOnce(t *testing.T) {
	gw := newTestGateway(t)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := New(gw, "test_runner", log)

	price := decimal.NewFromInt(19800)
	src := &stubSource{signal: Signal{
		Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket, Price: &price,
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	r.Run(ctx, src, 10*time.Millisecond, func(Signal) (decimal.Decimal, *decimal.Decimal) {
		return decimal.NewFromInt(19800), nil
	})

	if !src.fired {
		t.Fatalf("expected the source to have been ticked at least once")
	}
}
