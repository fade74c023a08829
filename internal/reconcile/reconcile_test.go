package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/eventstore"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
)

func newTestReconciler(t *testing.T) (*Reconciler, *statestore.Store, *eventstore.Store) {
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
	return New(state, events), state, events
}

func TestDailyReportCountsOrdersAndRejects(t *testing.T) {
	r, state, _ := newTestReconciler(t)
	ctx := context.Background()
	day := "2026-03-10"
	ts, _ := time.Parse("2006-01-02", day)

	if _, err := state.InsertOrder(ctx, domain.Order{
		Ts: ts, BrokerOrderID: "A1", Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1),
		OrderType: domain.OrderTypeMarket, Status: domain.StatusFilled, FilledQty: decimal.NewFromInt(1), VerdictCode: "OK",
		Meta: domain.Meta{},
	}); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if _, err := state.InsertOrder(ctx, domain.Order{
		Ts: ts, BrokerOrderID: "A2", Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1),
		OrderType: domain.OrderTypeMarket, Status: domain.StatusRejected, FilledQty: decimal.Zero, VerdictCode: "RISK_QTY_LIMIT",
		Meta: domain.Meta{},
	}); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	report, err := r.DailyReport(ctx, day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.OrdersTotal != 2 {
		t.Fatalf("expected 2 orders, got %d", report.OrdersTotal)
	}
	if report.RejectsByCode["RISK_QTY_LIMIT"] != 1 {
		t.Fatalf("expected 1 RISK_QTY_LIMIT reject, got %d", report.RejectsByCode["RISK_QTY_LIMIT"])
	}
}

func TestDriftReportFlagsMissingSeq(t *testing.T) {
	r, _, events := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := events.Append(ctx, now, "tick_fop_v1", domain.Meta{"symbol": "TMFR1", "seq": 1.0}, "test", now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := events.Append(ctx, now, "tick_fop_v1", domain.Meta{"symbol": "TMFR1"}, "test", now); err != nil {
		t.Fatalf("append: %v", err)
	}

	report, err := r.DriftReport(ctx, "tick_fop_v1", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Scanned != 2 {
		t.Fatalf("expected 2 scanned events, got %d", report.Scanned)
	}
	if report.MissingSeqRatio != 0.5 {
		t.Fatalf("expected missing seq ratio 0.5, got %f", report.MissingSeqRatio)
	}
}
