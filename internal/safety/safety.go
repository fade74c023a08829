// Package safety implements the Safety Engine: kill-switch, cooldown, halt
// day, session-window, and feed-staleness gates, plus the durable state
// mutators that arm and clear them.
package safety

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/eventstore"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
)

// Notifier is the alert sink an Engine fires on cooldown/kill transitions.
// Kept as a narrow interface so the safety package never imports the notify
// package's resty dependency directly.
type Notifier interface {
	Cooldown(ctx context.Context, code, reason string, details map[string]any) error
	Kill(ctx context.Context, code, reason string, details map[string]any) error
}

// Engine evaluates the Safety Engine's pre-trade gate and owns its durable
// cooldown/kill-switch state.
type Engine struct {
	cfg      config.SafetyConfig
	events   *eventstore.Store
	state    *statestore.Store
	notifier Notifier
}

// New builds an Engine.
func New(cfg config.SafetyConfig, events *eventstore.Store, state *statestore.Store) *Engine {
	if cfg.BidAskKind == "" {
		cfg.BidAskKind = "bidask_fop_v1"
	}
	if cfg.MaxBidAskAge == 0 {
		cfg.MaxBidAskAge = 6 * time.Hour
	}
	return &Engine{cfg: cfg, events: events, state: state}
}

// WithNotifier attaches an alert sink fired from RequestCooldown/RequestKill.
// Returns the Engine for convenient chaining at wiring time.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

func haltDaySet(csv string) map[string]bool {
	out := map[string]bool{}
	for _, part := range strings.Split(csv, ",") {
		p := strings.TrimSpace(part)
		if p != "" {
			out[p] = true
		}
	}
	return out
}

func parseHHMM(hhmm string) (hour, minute int, ok bool) {
	if len(hhmm) != 4 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(hhmm[:2])
	m, err2 := strconv.Atoi(hhmm[2:])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return h, m, true
}

func (e *Engine) inSession(now time.Time) bool {
	openH, openM, ok1 := parseHHMM(e.cfg.SessionOpenHHMM)
	closeH, closeM, ok2 := parseHHMM(e.cfg.SessionCloseHHMM)
	if !ok1 || !ok2 {
		return false
	}
	hhmm := now.Format("1504")
	open := fmt.Sprintf("%02d%02d", openH, openM)
	closeS := fmt.Sprintf("%02d%02d", closeH, closeM)
	return hhmm >= open && hhmm <= closeS
}

// CheckPreTrade runs the Safety Engine's gate sequence in order: kill switch,
// cooldown, halt day, session window, feed freshness.
func (e *Engine) CheckPreTrade(ctx context.Context, intent domain.Intent, now time.Time) (domain.Verdict, error) {
	kill, err := e.state.GetKill(ctx)
	if err != nil {
		return domain.Verdict{}, err
	}
	if kill.Enabled {
		return domain.Verdict{OK: false, Code: "SAFETY_KILL_SWITCH", Reason: kill.Reason, Details: kill.Details}, nil
	}

	cooldown, err := e.state.GetCooldown(ctx)
	if err != nil {
		return domain.Verdict{}, err
	}
	if cooldown.Active(now) {
		return domain.Verdict{OK: false, Code: "SAFETY_COOLDOWN_ACTIVE", Reason: cooldown.Reason, Details: cooldown.Details}, nil
	}

	halts := haltDaySet(e.cfg.HaltDatesCSV)
	if halts[now.Format("2006-01-02")] {
		return domain.Verdict{OK: false, Code: "SAFETY_HALT_DAY", Reason: "configured halt day"}, nil
	}

	if e.cfg.RequireSessionOpen && !e.inSession(now) {
		return domain.Verdict{OK: false, Code: "SAFETY_SESSION_CLOSED", Reason: "outside configured session window"}, nil
	}

	if !e.cfg.RequireRecentBidAsk {
		return domain.Verdict{OK: true, Code: "OK"}, nil
	}

	return e.checkFeedFreshness(ctx, intent, now)
}

func (e *Engine) checkFeedFreshness(ctx context.Context, intent domain.Intent, now time.Time) (domain.Verdict, error) {
	filter := func(ev domain.Event) bool {
		code, _ := ev.Payload["code"].(string)
		if code != e.cfg.FopCode {
			return false
		}
		if e.cfg.RejectSyntheticBidAsk {
			if synthetic, ok := ev.Payload["synthetic"].(bool); ok && synthetic {
				return false
			}
		}
		return true
	}

	ev, found, err := e.events.LatestByKind(ctx, e.cfg.BidAskKind, filter, 2000)
	if err != nil {
		return domain.Verdict{}, err
	}
	if !found {
		return domain.Verdict{OK: false, Code: "SAFETY_BIDASK_MISSING", Reason: "no qualifying book event found"}, nil
	}

	eventTime, ok := bidAskTimestamp(ev)
	if !ok {
		return domain.Verdict{OK: false, Code: "SAFETY_BIDASK_TS_INVALID", Reason: "book event timestamp unparsable"}, nil
	}

	age := now.Sub(eventTime)
	maxAge := e.resolveMaxAge(intent)

	if age <= maxAge {
		return domain.Verdict{OK: true, Code: "OK", Details: domain.Meta{"age_seconds": age.Seconds()}}, nil
	}

	allowStale := config.EnvTruthy("TMF_DEV_ALLOW_STALE_BIDASK")
	if allowStale && e.inSession(now) {
		// HARDGUARD: being in-session disables the dev override unconditionally,
		// even if the flag is set.
		allowStale = false
	}
	if allowStale {
		return domain.Verdict{OK: true, Code: "OK_DEV_ALLOW_STALE", Details: domain.Meta{"age_seconds": age.Seconds(), "max_age_seconds": maxAge.Seconds()}}, nil
	}

	return domain.Verdict{
		OK:      false,
		Code:    "SAFETY_FEED_STALE",
		Reason:  "book event older than max allowed age",
		Details: domain.Meta{"age_seconds": age.Seconds(), "max_age_seconds": maxAge.Seconds()},
	}, nil
}

// resolveMaxAge honors the precedence: process-level dev override env var >
// per-intent meta override > configured default.
func (e *Engine) resolveMaxAge(intent domain.Intent) time.Duration {
	if v := os.Getenv("TMF_DEV_MAX_BIDASK_AGE_SECONDS"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if v, ok := intent.Meta["max_bidask_age_seconds"]; ok {
		switch n := v.(type) {
		case float64:
			return time.Duration(n * float64(time.Second))
		case int:
			return time.Duration(n) * time.Second
		}
	}
	return e.cfg.MaxBidAskAge
}

// bidAskTimestamp prefers payload.recv_ts, then payload.ingest_ts, then the
// outer event timestamp, mirroring the original consumer-side preference for
// recorder-side vs. exchange-side clocks.
func bidAskTimestamp(ev domain.Event) (time.Time, bool) {
	for _, key := range []string{"recv_ts", "ingest_ts"} {
		if v, ok := ev.Payload[key].(string); ok && v != "" {
			if t, err := parseFlexibleTime(v); err == nil {
				return t, true
			}
			return time.Time{}, false
		}
	}
	if !ev.Ts.IsZero() {
		return ev.Ts, true
	}
	return time.Time{}, false
}

// parseFlexibleTime tolerates the inconsistent ISO-8601 variants producers
// emit (trailing Z vs. explicit offset vs. missing fractional seconds)
// rather than hand-rolling a set of layout strings.
func parseFlexibleTime(s string) (time.Time, error) {
	t, err := iso8601.ParseString(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparsable timestamp: %q: %w", s, err)
	}
	return t.UTC(), nil
}

// RequestCooldown arms (or, for seconds<=0, explicitly clears) the cooldown.
// A zero or negative seconds value MUST clear state rather than being
// coerced to a minimum of one second — coercing it causes immediate
// SAFETY_COOLDOWN_ACTIVE cascades on the very next intent.
func (e *Engine) RequestCooldown(ctx context.Context, seconds int, code, reason string, details domain.Meta) error {
	if e.notifier != nil {
		// best-effort: a failed alert must never block arming the cooldown
		_ = e.notifier.Cooldown(ctx, code, reason, details)
	}
	if seconds <= 0 {
		return e.state.SetCooldown(ctx, domain.Cooldown{UntilEpoch: 0, Code: code, Reason: reason, Details: details})
	}
	until := time.Now().Add(time.Duration(seconds) * time.Second).Unix()
	return e.state.SetCooldown(ctx, domain.Cooldown{UntilEpoch: until, Code: code, Reason: reason, Details: details})
}

// ClearCooldown clears the cooldown state unconditionally.
func (e *Engine) ClearCooldown(ctx context.Context) error {
	return e.state.SetCooldown(ctx, domain.Cooldown{UntilEpoch: 0})
}

// RequestKill arms the kill switch. It stays engaged until ClearKill is
// called explicitly; there is no automatic expiry.
func (e *Engine) RequestKill(ctx context.Context, code, reason string, details domain.Meta) error {
	if e.notifier != nil {
		// best-effort: a failed alert must never block the kill switch
		_ = e.notifier.Kill(ctx, code, reason, details)
	}
	return e.state.SetKill(ctx, domain.KillState{Enabled: true, Code: code, Reason: reason, Details: details})
}

// ClearKill disengages the kill switch.
func (e *Engine) ClearKill(ctx context.Context) error {
	return e.state.SetKill(ctx, domain.KillState{Enabled: false})
}
