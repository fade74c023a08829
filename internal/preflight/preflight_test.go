package preflight

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
)

func regularSessionTime(t *testing.T) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 1504", "2026-08-03 1000")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return ts
}

func TestCheckRejectsInvalidQty(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(0), OrderType: domain.OrderTypeMarket}
	v := g.Check(intent, regularSessionTime(t))
	if v.OK || v.Code != "ORDER_QTY_INVALID" {
		t.Fatalf("expected ORDER_QTY_INVALID, got %+v", v)
	}
}

func TestCheckBypass(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{
		Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(999), OrderType: domain.OrderTypeMarket,
		Meta: domain.Meta{"allow_preflight_bypass": true},
	}
	v := g.Check(intent, regularSessionTime(t))
	if !v.OK || v.Code != "OK_PREFLIGHT_BYPASS" {
		t.Fatalf("expected OK_PREFLIGHT_BYPASS, got %+v", v)
	}
}

func TestCheckRejectsDPBRiskRegime(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{
		Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket,
		Meta: domain.Meta{"regime_dpb_risk": true},
	}
	v := g.Check(intent, regularSessionTime(t))
	if v.OK || v.Code != "EXEC_TAIFEX_REGIME_DPB_RISK" {
		t.Fatalf("expected EXEC_TAIFEX_REGIME_DPB_RISK, got %+v", v)
	}
}

func TestCheckMWPRequiresSameSideAnchor(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), OrderType: domain.OrderTypeMWP}
	v := g.Check(intent, regularSessionTime(t))
	if v.OK || v.Code != "EXEC_TAIFEX_MWP_NO_SAMESIDE_LIMIT" {
		t.Fatalf("expected EXEC_TAIFEX_MWP_NO_SAMESIDE_LIMIT, got %+v", v)
	}
}

func TestCheckMWPAcceptsWithAnchor(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{
		Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), OrderType: domain.OrderTypeMWP,
		Meta: domain.Meta{"best_same_side_limit": "19800", "protection_points": 5},
	}
	v := g.Check(intent, regularSessionTime(t))
	if !v.OK {
		t.Fatalf("expected accept with same-side anchor, got %+v", v)
	}
}

func TestCheckMarketQtyCapRegularSession(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(10), OrderType: domain.OrderTypeMarket}
	v := g.Check(intent, regularSessionTime(t))
	if !v.OK {
		t.Fatalf("expected accept at cap boundary (10), got %+v", v)
	}
}

func TestCheckMarketQtyOverCapSplitPlan(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(25), OrderType: domain.OrderTypeMarket}
	v := g.Check(intent, regularSessionTime(t))
	if v.OK || v.Code != "EXEC_TAIFEX_MKT_QTY_LIMIT" {
		t.Fatalf("expected EXEC_TAIFEX_MKT_QTY_LIMIT, got %+v", v)
	}
	plan, ok := v.Details["split_plan"].(SplitPlan)
	if !ok {
		t.Fatalf("expected a SplitPlan in details, got %+v", v.Details)
	}
	if plan.ChunkSize != 10 || plan.FullCaps != 2 || plan.Remainder != 5 {
		t.Fatalf("expected 2 full chunks of 10 + remainder 5, got %+v", plan)
	}
}

func TestCheckMarketAfterHoursLowerCap(t *testing.T) {
	g := New(config.PreflightConfig{})
	afterHours, err := time.Parse("2006-01-02 1504", "2026-08-03 1800")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	intent := domain.Intent{Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(6), OrderType: domain.OrderTypeMarket}
	v := g.Check(intent, afterHours)
	if v.OK || v.Code != "EXEC_TAIFEX_MKT_QTY_LIMIT" {
		t.Fatalf("expected EXEC_TAIFEX_MKT_QTY_LIMIT (after-hours cap=5), got %+v", v)
	}
}

func TestCheckLimitQtyCap(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(150), OrderType: domain.OrderTypeLimit, Price: decPtr(19800)}
	v := g.Check(intent, regularSessionTime(t))
	if v.OK || v.Code != "TAIFEX_ORDER_SIZE_LIMIT" {
		t.Fatalf("expected TAIFEX_ORDER_SIZE_LIMIT, got %+v", v)
	}
}

func TestCheckUnsupportedOrderType(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), OrderType: "BOGUS"}
	v := g.Check(intent, regularSessionTime(t))
	if v.OK || v.Code != "ORDER_TYPE_UNSUPPORTED" {
		t.Fatalf("expected ORDER_TYPE_UNSUPPORTED, got %+v", v)
	}
}

func TestCheckTIFCrossCheckRejectsNonIOCForMarket(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{
		Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket,
		Meta: domain.Meta{"tif": "GTC"},
	}
	v := g.Check(intent, regularSessionTime(t))
	if v.OK || v.Code != "EXEC_TIF_UNSUPPORTED_FOR_MKT_MKP" {
		t.Fatalf("expected EXEC_TIF_UNSUPPORTED_FOR_MKT_MKP, got %+v", v)
	}
}

func TestCheckTIFCrossCheckAllowsIOCForMarket(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{
		Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), OrderType: domain.OrderTypeMarket,
		Meta: domain.Meta{"tif": "IOC"},
	}
	v := g.Check(intent, regularSessionTime(t))
	if !v.OK {
		t.Fatalf("expected accept with IOC tif, got %+v", v)
	}
}

func TestCheckTIFCrossCheckIgnoredForLimit(t *testing.T) {
	g := New(config.PreflightConfig{})
	intent := domain.Intent{
		Symbol: "TMFR1", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), OrderType: domain.OrderTypeLimit, Price: decPtr(19800),
		Meta: domain.Meta{"tif": "GTC"},
	}
	v := g.Check(intent, regularSessionTime(t))
	if !v.OK {
		t.Fatalf("expected TIF cross-check to be skipped for LIMIT, got %+v", v)
	}
}

func TestSuggestBestSameSideLimit(t *testing.T) {
	metrics := &domain.MarketMetrics{Bid: decimal.NewFromInt(19800), Ask: decimal.NewFromInt(19805)}
	if s, ok := SuggestBestSameSideLimit(domain.SideBuy, metrics); !ok || s != "19800" {
		t.Fatalf("expected BUY to suggest bid 19800, got %q ok=%v", s, ok)
	}
	if s, ok := SuggestBestSameSideLimit(domain.SideSell, metrics); !ok || s != "19805" {
		t.Fatalf("expected SELL to suggest ask 19805, got %q ok=%v", s, ok)
	}
}

func decPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}
