// Package preflight implements the TAIFEX exchange-specific order-shape
// gates: quantity caps by order type and session, the MWP same-side anchor
// requirement, the DPB regime flag, and the broker-specific TIF cross-check.
package preflight

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
)

// Gate evaluates the Exchange Preflight.
type Gate struct {
	cfg config.PreflightConfig
}

// New builds a Gate from config.
func New(cfg config.PreflightConfig) *Gate {
	if cfg.MarketQtyLimitRegular == 0 {
		cfg.MarketQtyLimitRegular = 10
	}
	if cfg.MarketQtyLimitAfterHours == 0 {
		cfg.MarketQtyLimitAfterHours = 5
	}
	if cfg.LimitMWPQtyCap == 0 {
		cfg.LimitMWPQtyCap = 100
	}
	return &Gate{cfg: cfg}
}

// SplitPlan describes how a qty-limited MARKET order should be broken up:
// full-cap chunks plus a remainder.
type SplitPlan struct {
	ChunkSize int
	FullCaps  int
	Remainder int
}

func sessionHint(intent domain.Intent, now time.Time) string {
	if h, ok := intent.Meta["session_hint"].(string); ok && h != "" {
		return h
	}
	hhmm := now.Format("1504")
	if hhmm >= "0845" && hhmm < "1345" {
		return "REGULAR"
	}
	return "AFTER_HOURS"
}

func isAfterHours(intent domain.Intent, now time.Time) bool {
	switch sessionHint(intent, now) {
	case "NIGHT", "AFTER_HOURS", "AH":
		return true
	default:
		return false
	}
}

// extractTIF reads the time-in-force from whichever meta key the caller
// used; upstream producers disagree on the field name.
func extractTIF(meta domain.Meta) string {
	for _, key := range []string{"tif", "time_in_force", "shioaji_order_type", "order_type_tif", "tif_type", "order_type"} {
		if v, ok := meta[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func normalizeOrderType(ot domain.OrderType) domain.OrderType {
	switch ot {
	case "MKT":
		return domain.OrderTypeMarket
	case "LMT":
		return domain.OrderTypeLimit
	case "MKP":
		return domain.OrderTypeMWP
	default:
		return ot
	}
}

// SuggestBestSameSideLimit picks a remediation hint for a MWP order rejected
// for a missing same-side anchor. This is deliberately the mirror image of
// the Risk Engine's entry-price derivation (ask for BUY, bid for SELL): this
// helper answers "what would a passive same-side order rest at", so BUY
// suggests from the bid side and SELL from the ask side.
func SuggestBestSameSideLimit(side domain.Side, metrics *domain.MarketMetrics) (string, bool) {
	if metrics == nil {
		return "", false
	}
	switch side {
	case domain.SideBuy:
		if !metrics.Bid.IsZero() {
			return metrics.Bid.String(), true
		}
	case domain.SideSell:
		if !metrics.Ask.IsZero() {
			return metrics.Ask.String(), true
		}
	}
	return "", false
}

// Check runs the full preflight gate sequence and returns a sealed verdict.
func (g *Gate) Check(intent domain.Intent, now time.Time) domain.Verdict {
	if tifOK := g.checkTIF(intent); !tifOK.OK {
		return tifOK
	}
	return g.checkTaifexPreflight(intent, now)
}

func (g *Gate) checkTIF(intent domain.Intent) domain.Verdict {
	ot := normalizeOrderType(intent.OrderType)
	if ot != domain.OrderTypeMarket && ot != domain.OrderTypeMWP {
		return domain.Verdict{OK: true, Code: "OK"}
	}
	tif := extractTIF(intent.Meta)
	if tif == "" {
		return domain.Verdict{OK: true, Code: "OK"}
	}
	if tif != "IOC" {
		return domain.Verdict{
			OK:     false,
			Code:   "EXEC_TIF_UNSUPPORTED_FOR_MKT_MKP",
			Reason: "MARKET/MWP orders require IOC time-in-force",
			Details: domain.Meta{"tif": tif, "order_type": string(ot)},
		}
	}
	return domain.Verdict{OK: true, Code: "OK"}
}

func (g *Gate) checkTaifexPreflight(intent domain.Intent, now time.Time) domain.Verdict {
	qty := intent.Qty
	if qty.IsNegative() || qty.IsZero() || !qty.Equal(qty.Truncate(0)) {
		return domain.Verdict{OK: false, Code: "ORDER_QTY_INVALID", Reason: "qty must be a positive integer", Details: domain.Meta{"qty": qty.String()}}
	}

	if b, ok := intent.Meta["allow_preflight_bypass"].(bool); ok && b {
		return domain.Verdict{OK: true, Code: "OK_PREFLIGHT_BYPASS"}
	}

	if b, ok := intent.Meta["regime_dpb_risk"].(bool); ok && b {
		return domain.Verdict{OK: false, Code: "EXEC_TAIFEX_REGIME_DPB_RISK", Reason: "dynamic price banding risk regime flagged"}
	}

	ot := normalizeOrderType(intent.OrderType)
	isMWP := ot == domain.OrderTypeMWP
	if !isMWP {
		if v, ok := intent.Meta["mwp"].(bool); ok && v {
			isMWP = true
		}
	}
	if isMWP {
		anchor, hasAnchor := intent.Meta["best_same_side_limit"]
		if !hasAnchor || anchor == nil || anchor == "" {
			return domain.Verdict{OK: false, Code: "EXEC_TAIFEX_MWP_NO_SAMESIDE_LIMIT", Reason: "MWP requires a same-side best price anchor"}
		}
		if _, hasProtection := intent.Meta["protection_points"]; !hasProtection {
			return domain.Verdict{OK: true, Code: "OK_TAIFEX_MWP_NO_PROTECTION_POINTS", Reason: "MWP anchor present, protection points not supplied"}
		}
	}

	afterHours := isAfterHours(intent, now)
	var cap int
	var limitCode string
	switch ot {
	case domain.OrderTypeMarket:
		if afterHours {
			cap = g.cfg.MarketQtyLimitAfterHours
		} else {
			cap = g.cfg.MarketQtyLimitRegular
		}
		limitCode = "EXEC_TAIFEX_MKT_QTY_LIMIT"
	case domain.OrderTypeLimit, domain.OrderTypeMWP:
		cap = g.cfg.LimitMWPQtyCap
		limitCode = "TAIFEX_ORDER_SIZE_LIMIT"
	default:
		return domain.Verdict{OK: false, Code: "ORDER_TYPE_UNSUPPORTED", Reason: "unsupported order type", Details: domain.Meta{"order_type": string(intent.OrderType)}}
	}

	capDec := decimal.NewFromInt(int64(cap))
	if qty.LessThanOrEqual(capDec) {
		return domain.Verdict{OK: true, Code: "OK"}
	}

	qtyInt := int(qty.IntPart())
	fullCaps := qtyInt / cap
	remainder := qtyInt % cap
	plan := SplitPlan{ChunkSize: cap, FullCaps: fullCaps, Remainder: remainder}

	return domain.Verdict{
		OK:     false,
		Code:   limitCode,
		Reason: "order quantity exceeds the per-order cap for this session/order-type",
		Details: domain.Meta{
			"cap":            cap,
			"after_hours":    afterHours,
			"split_plan":     plan,
			"requested_qty":  qty.String(),
		},
	}
}

