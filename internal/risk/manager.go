// Package risk implements the pre-trade Risk Engine: per-trade and daily
// loss bounds, consecutive-loss cooldown, market-quality thresholds, and
// the symbol/qty/side/stop checks that precede the Paper OMS.
//
// The decision order is a short-circuit chain; the first failing check
// wins and its code becomes the verdict. This mirrors the kill-switch
// shape of a market-making risk manager (one limit check aborts the
// whole evaluation) generalized to a richer, ordered rule chain.
package risk

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
)

// Engine evaluates the Risk Engine's pre-trade gate.
type Engine struct {
	cfg   config.RiskConfig
	state *statestore.Store
}

// New builds an Engine from config.
func New(cfg config.RiskConfig, state *statestore.Store) *Engine {
	if cfg.PointValueBySymbol == nil {
		cfg.PointValueBySymbol = map[string]float64{"TMF": 10.0, "MXF": 50.0, "TXF": 200.0}
	}
	if len(cfg.AllowSymbols) == 0 {
		cfg.AllowSymbols = []string{"TMF", "TXF", "MXF"}
	}
	return &Engine{cfg: cfg, state: state}
}

func baseSymbol(symbol string, allow []string) (string, bool) {
	for _, base := range allow {
		if strings.HasPrefix(symbol, base) {
			return base, true
		}
	}
	return "", false
}

func reduceOnly(intent domain.Intent) bool {
	if v, ok := intent.Meta["reduce_only"].(bool); ok && v {
		return true
	}
	if v, ok := intent.Meta["close_only"].(bool); ok && v {
		return true
	}
	if v, ok := intent.Meta["intent"].(string); ok {
		if v == "CLOSE" || v == "EXIT" {
			return true
		}
	}
	return intent.ReduceOnly
}

func metricsFromMeta(intent domain.Intent) *domain.MarketMetrics {
	raw, ok := intent.Meta["market_metrics"].(map[string]any)
	if !ok {
		return nil
	}
	m := &domain.MarketMetrics{}
	if bid, ok := raw["bid"].(float64); ok {
		m.Bid = decimal.NewFromFloat(bid)
	}
	if ask, ok := raw["ask"].(float64); ok {
		m.Ask = decimal.NewFromFloat(ask)
	}
	if spread, ok := raw["spread"].(float64); ok {
		m.Spread = decimal.NewFromFloat(spread)
	}
	if atr, ok := raw["atr"].(float64); ok {
		v := decimal.NewFromFloat(atr)
		m.ATR = &v
	}
	if liq, ok := raw["liquidity_score"].(float64); ok {
		m.LiquidityScore = decimal.NewFromFloat(liq)
	}
	return m
}

// CheckPreTrade runs the Risk Engine's full decision chain for intent.
func (e *Engine) CheckPreTrade(ctx context.Context, intent domain.Intent, now time.Time) (domain.Verdict, error) {
	// 1. symbol prefix allowlist
	base, allowed := baseSymbol(intent.Symbol, e.cfg.AllowSymbols)
	if !allowed {
		return domain.Verdict{OK: false, Code: "RISK_SYMBOL_NOT_ALLOWED", Reason: "symbol not in allowlist", Details: domain.Meta{"symbol": intent.Symbol}}, nil
	}

	// 2. qty bounds
	maxQty := decimal.NewFromFloat(e.cfg.MaxQtyPerOrder)
	if intent.Qty.LessThanOrEqual(decimal.Zero) || intent.Qty.GreaterThan(maxQty) {
		return domain.Verdict{OK: false, Code: "RISK_QTY_LIMIT", Reason: "qty out of bounds", Details: domain.Meta{"qty": intent.Qty.String(), "max": e.cfg.MaxQtyPerOrder}}, nil
	}

	// 3. side
	if intent.Side != domain.SideBuy && intent.Side != domain.SideSell {
		return domain.Verdict{OK: false, Code: "RISK_SIDE_INVALID", Reason: "side must be BUY or SELL"}, nil
	}

	metrics := metricsFromMeta(intent)

	// 4. entry price derivation: meta.ref_price, else ask(BUY)/bid(SELL) from metrics
	entryPrice := decimal.Zero
	if intent.Price != nil {
		entryPrice = *intent.Price
	}
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		if ref, ok := intent.Meta["ref_price"].(float64); ok && ref > 0 {
			entryPrice = decimal.NewFromFloat(ref)
		} else if metrics != nil {
			if intent.Side == domain.SideBuy && !metrics.Ask.IsZero() {
				entryPrice = metrics.Ask
			} else if intent.Side == domain.SideSell && !metrics.Bid.IsZero() {
				entryPrice = metrics.Bid
			}
		}
	}
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return domain.Verdict{OK: false, Code: "RISK_PRICE_INVALID", Reason: "could not derive a positive entry price"}, nil
	}

	ro := reduceOnly(intent)

	// 5. mandatory stop
	if e.cfg.StrictRequireStop && intent.StopPrice == nil && !ro {
		return domain.Verdict{OK: false, Code: "RISK_STOP_REQUIRED", Reason: "stop_price required when not reduce-only"}, nil
	}
	var stopPrice decimal.Decimal
	if intent.StopPrice != nil {
		stopPrice = *intent.StopPrice
		if stopPrice.LessThanOrEqual(decimal.Zero) {
			return domain.Verdict{OK: false, Code: "RISK_STOP_INVALID", Reason: "stop_price must be positive"}, nil
		}
	}

	// 6. per-trade worst loss
	pointValue, ok := e.cfg.PointValueBySymbol[base]
	if !ok {
		pointValue = e.cfg.PointValueBySymbol["TMF"]
	}
	var perTradeRisk decimal.Decimal
	if intent.StopPrice != nil {
		var lossPoints decimal.Decimal
		if intent.Side == domain.SideBuy {
			lossPoints = entryPrice.Sub(stopPrice)
		} else {
			lossPoints = stopPrice.Sub(entryPrice)
		}
		if lossPoints.IsNegative() {
			lossPoints = decimal.Zero
		}
		perTradeRisk = lossPoints.Mul(intent.Qty).Mul(decimal.NewFromFloat(pointValue))
		if perTradeRisk.GreaterThan(decimal.NewFromFloat(e.cfg.PerTradeMaxLossNTD)) {
			return domain.Verdict{
				OK:     false,
				Code:   "RISK_PER_TRADE_MAX_LOSS",
				Reason: "per-trade worst loss exceeds cap",
				Details: domain.Meta{"per_trade_risk": perTradeRisk.String(), "cap": e.cfg.PerTradeMaxLossNTD},
			}, nil
		}
	}

	// 7. market metrics required
	if e.cfg.StrictRequireMarketMetrics && metrics == nil {
		return domain.Verdict{OK: false, Code: "RISK_MARKET_METRICS_REQUIRED", Reason: "market metrics required but absent"}, nil
	}

	// 8. spread / ATR / liquidity thresholds
	if metrics != nil {
		if e.cfg.MaxSpreadPoints > 0 {
			if metrics.Spread.IsNegative() {
				return domain.Verdict{OK: false, Code: "RISK_SPREAD_INVALID", Reason: "spread must not be negative"}, nil
			}
			if metrics.Spread.GreaterThan(decimal.NewFromFloat(e.cfg.MaxSpreadPoints)) {
				return domain.Verdict{OK: false, Code: "RISK_SPREAD_TOO_WIDE", Details: domain.Meta{"spread": metrics.Spread.String(), "max": e.cfg.MaxSpreadPoints}}, nil
			}
		}
		if e.cfg.MaxVolatilityATRPoints > 0 && metrics.ATR != nil {
			if metrics.ATR.IsNegative() {
				return domain.Verdict{OK: false, Code: "RISK_ATR_INVALID", Reason: "atr must not be negative"}, nil
			}
			if metrics.ATR.GreaterThan(decimal.NewFromFloat(e.cfg.MaxVolatilityATRPoints)) {
				return domain.Verdict{OK: false, Code: "RISK_VOL_TOO_HIGH", Details: domain.Meta{"atr": metrics.ATR.String(), "max": e.cfg.MaxVolatilityATRPoints}}, nil
			}
		}
		if e.cfg.MinLiquidityScore > 0 {
			if metrics.LiquidityScore.IsNegative() {
				return domain.Verdict{OK: false, Code: "RISK_LIQUIDITY_INVALID", Reason: "liquidity score must not be negative"}, nil
			}
			if metrics.LiquidityScore.LessThan(decimal.NewFromFloat(e.cfg.MinLiquidityScore)) {
				return domain.Verdict{OK: false, Code: "RISK_LIQUIDITY_LOW", Details: domain.Meta{"liquidity_score": metrics.LiquidityScore.String(), "min": e.cfg.MinLiquidityScore}}, nil
			}
		}
	}

	// 9. today's realized pnl
	dailyPnL, err := e.state.DailyRealizedPnL(ctx, now.Format("2006-01-02"))
	if err != nil {
		return domain.Verdict{}, err
	}
	if dailyPnL.LessThanOrEqual(decimal.NewFromFloat(-e.cfg.DailyMaxLossNTD)) {
		return domain.Verdict{OK: false, Code: "RISK_DAILY_MAX_LOSS", Details: domain.Meta{"daily_pnl_ntd": dailyPnL.String(), "cap": e.cfg.DailyMaxLossNTD}}, nil
	}

	// 10. consecutive losses
	if e.cfg.ConsecutiveLossesLimit > 0 {
		trades, err := e.state.RecentClosedTrades(ctx, 50)
		if err != nil {
			return domain.Verdict{}, err
		}
		streak := 0
		var lastLossTs *time.Time
		for _, tr := range trades {
			if tr.PnLNTD == nil {
				break
			}
			if tr.PnLNTD.IsNegative() {
				streak++
				if lastLossTs == nil {
					lastLossTs = tr.CloseTs
				}
			} else {
				break
			}
		}
		if streak >= e.cfg.ConsecutiveLossesLimit {
			elapsed := true
			if lastLossTs != nil {
				minsSince := now.Sub(*lastLossTs).Minutes()
				elapsed = minsSince >= float64(e.cfg.CooldownMinutesAfterConsecutiveLosses)
			}
			if !elapsed {
				return domain.Verdict{OK: false, Code: "RISK_CONSEC_LOSS_COOLDOWN", Details: domain.Meta{"streak": streak}}, nil
			}
		}
	}

	return domain.Verdict{
		OK:   true,
		Code: "OK",
		Details: domain.Meta{
			"per_trade_risk": perTradeRisk.String(),
			"entry_price":    entryPrice.String(),
			"effective_config": domain.Meta{
				"max_qty_per_order":             e.cfg.MaxQtyPerOrder,
				"per_trade_max_loss_ntd":        e.cfg.PerTradeMaxLossNTD,
				"daily_max_loss_ntd":            e.cfg.DailyMaxLossNTD,
				"strict_require_stop":           e.cfg.StrictRequireStop,
				"strict_require_market_metrics": e.cfg.StrictRequireMarketMetrics,
				"max_spread_points":             e.cfg.MaxSpreadPoints,
				"max_volatility_atr_points":     e.cfg.MaxVolatilityATRPoints,
				"min_liquidity_score":           e.cfg.MinLiquidityScore,
				"consecutive_losses_limit":      e.cfg.ConsecutiveLossesLimit,
			},
		},
	}, nil
}
