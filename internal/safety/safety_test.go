package safety

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/eventstore"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
)

func newTestEngine(t *testing.T, cfg config.SafetyConfig) (*Engine, *eventstore.Store, *statestore.Store) {
	t.Helper()
	db, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	events, err := eventstore.New(db)
	if err != nil {
		t.Fatalf("eventstore.New: %v", err)
	}
	state, err := statestore.New(db)
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}
	cfg.FopCode = "TMFB6"
	return New(cfg, events, state), events, state
}

func baseIntent() domain.Intent {
	return domain.Intent{Symbol: "TMFB6", Side: domain.SideBuy, Qty: decimal.NewFromInt(2), OrderType: domain.OrderTypeMarket}
}

// TestCheckPreTradeStaleFeedRejection covers scenario #1: a book event
// 60s old against a 15s max-age gate is rejected SAFETY_FEED_STALE.
func TestCheckPreTradeStaleFeedRejection(t *testing.T) {
	eng, events, _ := newTestEngine(t, config.SafetyConfig{RequireRecentBidAsk: true, MaxBidAskAge: 15 * time.Second})
	ctx := context.Background()
	now := time.Now().UTC()
	stale := now.Add(-60 * time.Second)

	if _, err := events.Append(ctx, stale, "bidask_fop_v1", domain.Meta{
		"code": "TMFB6", "recv_ts": stale.Format(time.RFC3339),
	}, "recorder", stale); err != nil {
		t.Fatalf("append: %v", err)
	}

	v, err := eng.CheckPreTrade(ctx, baseIntent(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.OK || v.Code != "SAFETY_FEED_STALE" {
		t.Fatalf("expected SAFETY_FEED_STALE, got %+v", v)
	}
}

func TestCheckPreTradeFreshFeedAccepted(t *testing.T) {
	eng, events, _ := newTestEngine(t, config.SafetyConfig{RequireRecentBidAsk: true, MaxBidAskAge: 15 * time.Second})
	ctx := context.Background()
	now := time.Now().UTC()
	recent := now.Add(-2 * time.Second)

	if _, err := events.Append(ctx, recent, "bidask_fop_v1", domain.Meta{
		"code": "TMFB6", "recv_ts": recent.Format(time.RFC3339),
	}, "recorder", recent); err != nil {
		t.Fatalf("append: %v", err)
	}

	v, err := eng.CheckPreTrade(ctx, baseIntent(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.OK {
		t.Fatalf("expected accept with fresh feed, got %+v", v)
	}
}

func TestCheckPreTradeMissingBidAsk(t *testing.T) {
	eng, _, _ := newTestEngine(t, config.SafetyConfig{RequireRecentBidAsk: true})
	v, err := eng.CheckPreTrade(context.Background(), baseIntent(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.OK || v.Code != "SAFETY_BIDASK_MISSING" {
		t.Fatalf("expected SAFETY_BIDASK_MISSING, got %+v", v)
	}
}

func TestCheckPreTradeUnparsableTimestampBlocks(t *testing.T) {
	eng, events, _ := newTestEngine(t, config.SafetyConfig{RequireRecentBidAsk: true})
	ctx := context.Background()
	now := time.Now()
	if _, err := events.Append(ctx, now, "bidask_fop_v1", domain.Meta{
		"code": "TMFB6", "recv_ts": "not-a-timestamp",
	}, "recorder", now); err != nil {
		t.Fatalf("append: %v", err)
	}
	v, err := eng.CheckPreTrade(ctx, baseIntent(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.OK || v.Code != "SAFETY_BIDASK_TS_INVALID" {
		t.Fatalf("expected SAFETY_BIDASK_TS_INVALID, got %+v", v)
	}
}

func TestCheckPreTradeKillSwitch(t *testing.T) {
	eng, _, state := newTestEngine(t, config.SafetyConfig{})
	ctx := context.Background()
	if err := eng.RequestKill(ctx, "OPERATOR_HALT", "manual halt", domain.Meta{}); err != nil {
		t.Fatalf("request kill: %v", err)
	}
	v, err := eng.CheckPreTrade(ctx, baseIntent(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.OK || v.Code != "SAFETY_KILL_SWITCH" {
		t.Fatalf("expected SAFETY_KILL_SWITCH, got %+v", v)
	}

	if err := eng.ClearKill(ctx); err != nil {
		t.Fatalf("clear kill: %v", err)
	}
	kill, err := state.GetKill(ctx)
	if err != nil {
		t.Fatalf("get kill: %v", err)
	}
	if kill.Enabled {
		t.Fatalf("expected kill switch cleared")
	}
}

// TestCooldownDurability covers scenario #6: RequestCooldown(60s) rejects the
// very next intent, and the cooldown is read back from durable state (as it
// would be after a process restart) rather than from in-memory state.
func TestCooldownDurability(t *testing.T) {
	eng, _, state := newTestEngine(t, config.SafetyConfig{})
	ctx := context.Background()
	now := time.Now()

	if err := eng.RequestCooldown(ctx, 60, "TEST", "x", domain.Meta{}); err != nil {
		t.Fatalf("request cooldown: %v", err)
	}

	v, err := eng.CheckPreTrade(ctx, baseIntent(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.OK || v.Code != "SAFETY_COOLDOWN_ACTIVE" {
		t.Fatalf("expected SAFETY_COOLDOWN_ACTIVE, got %+v", v)
	}

	// Simulate a process restart: rebuild the Engine from the same store and
	// confirm the cooldown, read fresh from state, is still enforced.
	restarted := New(config.SafetyConfig{}, eng.events, state)
	v2, err := restarted.CheckPreTrade(ctx, baseIntent(), now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2.OK || v2.Code != "SAFETY_COOLDOWN_ACTIVE" {
		t.Fatalf("expected cooldown to survive restart, got %+v", v2)
	}
}

// TestRequestCooldownZeroClears covers the invariant: seconds=0 clears state
// rather than shortening it to a 1-second window.
func TestRequestCooldownZeroClears(t *testing.T) {
	eng, _, state := newTestEngine(t, config.SafetyConfig{})
	ctx := context.Background()

	if err := eng.RequestCooldown(ctx, 60, "TEST", "x", domain.Meta{}); err != nil {
		t.Fatalf("request cooldown: %v", err)
	}
	if err := eng.RequestCooldown(ctx, 0, "CLEAR", "cleared", domain.Meta{}); err != nil {
		t.Fatalf("clear cooldown via zero seconds: %v", err)
	}

	c, err := state.GetCooldown(ctx)
	if err != nil {
		t.Fatalf("get cooldown: %v", err)
	}
	if c.UntilEpoch != 0 {
		t.Fatalf("expected until_epoch == 0 (cleared), got %d", c.UntilEpoch)
	}

	v, err := eng.CheckPreTrade(ctx, baseIntent(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.OK {
		t.Fatalf("expected cooldown cleared to no longer block, got %+v", v)
	}
}

func TestCheckPreTradeHaltDay(t *testing.T) {
	eng, _, _ := newTestEngine(t, config.SafetyConfig{HaltDatesCSV: "2026-08-05"})
	halt, err := time.Parse("2006-01-02 1504", "2026-08-05 1000")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	v, err := eng.CheckPreTrade(context.Background(), baseIntent(), halt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.OK || v.Code != "SAFETY_HALT_DAY" {
		t.Fatalf("expected SAFETY_HALT_DAY, got %+v", v)
	}
}

func TestCheckPreTradeSessionClosed(t *testing.T) {
	eng, _, _ := newTestEngine(t, config.SafetyConfig{RequireSessionOpen: true, SessionOpenHHMM: "0845", SessionCloseHHMM: "1345"})
	outside, err := time.Parse("2006-01-02 1504", "2026-08-03 1800")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	v, err := eng.CheckPreTrade(context.Background(), baseIntent(), outside)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.OK || v.Code != "SAFETY_SESSION_CLOSED" {
		t.Fatalf("expected SAFETY_SESSION_CLOSED, got %+v", v)
	}
}
