// Package gateway is the core orchestrator: it enriches a trade intent,
// runs it through the safety → calendar → preflight → risk gate chain,
// persists an audit row for every outcome, and — on acceptance — delegates
// to the Paper OMS. It also owns the TAIFEX market-qty-cap split loop.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/calendar"
	"github.com/Minstyle11/tmf-autotrader/internal/config"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/metrics"
	"github.com/Minstyle11/tmf-autotrader/internal/oms"
	"github.com/Minstyle11/tmf-autotrader/internal/preflight"
	"github.com/Minstyle11/tmf-autotrader/internal/risk"
	"github.com/Minstyle11/tmf-autotrader/internal/safety"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
	"github.com/Minstyle11/tmf-autotrader/internal/taxonomy"
)

// Result is what PlaceOrder returns: the persisted order row and, when
// accepted and matched, any fills generated immediately.
type Result struct {
	Order   domain.Order
	Fills   []domain.Fill
	Accept  bool
	Reject  domain.RejectDecision
}

// Gateway wires the four pre-trade gates and the Paper OMS.
type Gateway struct {
	cfg           config.GatewayConfig
	safetyEng     *safety.Engine
	calGate       *calendar.Gate
	preGate       *preflight.Gate
	riskEng       *risk.Engine
	omsEngine     *oms.OMS
	state         *statestore.Store
	policy        taxonomy.Policy
	metricsReader *metrics.Reader
	log           *slog.Logger
}

// New wires a Gateway from its already-constructed collaborators.
// metricsReader may be nil, in which case the Risk Engine's market-quality
// checks evaluate against an absent market_metrics and follow whatever
// strict_require_market_metrics dictates.
func New(cfg config.GatewayConfig, safetyEng *safety.Engine, calGate *calendar.Gate, preGate *preflight.Gate, riskEng *risk.Engine, omsEngine *oms.OMS, state *statestore.Store, policy taxonomy.Policy, metricsReader *metrics.Reader, log *slog.Logger) *Gateway {
	if cfg.SplitLoopGuard == 0 {
		cfg.SplitLoopGuard = 20
	}
	return &Gateway{
		cfg: cfg, safetyEng: safetyEng, calGate: calGate, preGate: preGate,
		riskEng: riskEng, omsEngine: omsEngine, state: state, policy: policy,
		metricsReader: metricsReader,
		log:           log.With("component", "gateway"),
	}
}

// attachMarketMetrics populates intent.Meta["market_metrics"] from the
// Market Metrics Reader's latest snapshot for intent.Symbol (futures bars
// are keyed under asset class FOP), so the Risk
// Engine's spread/ATR/liquidity checks and ask/bid entry-price derivation
// have a snapshot to read. A missing reader or a missing snapshot leaves
// the intent unchanged — the Risk Engine treats an absent market_metrics
// key per its own strict_require_market_metrics setting.
func (g *Gateway) attachMarketMetrics(ctx context.Context, intent domain.Intent) domain.Intent {
	if g.metricsReader == nil {
		return intent
	}
	m, found, err := g.metricsReader.Get(ctx, "FOP", intent.Symbol)
	if err != nil {
		g.log.Error("market metrics lookup failed", "symbol", intent.Symbol, "error", err)
		return intent
	}
	if !found {
		return intent
	}
	snapshot := map[string]any{
		"bid":    m.Bid.InexactFloat64(),
		"ask":    m.Ask.InexactFloat64(),
		"spread": m.Spread.InexactFloat64(),
	}
	if m.ATR != nil {
		snapshot["atr"] = m.ATR.InexactFloat64()
	}
	snapshot["liquidity_score"] = m.LiquidityScore.InexactFloat64()
	intent.Meta["market_metrics"] = snapshot
	return intent
}

// enrich fills meta.intent with correlation id, causation id, provenance
// and stop spec, generating a correlation id when the caller didn't supply
// one. It never overwrites other caller-supplied meta fields.
func enrich(intent domain.Intent) domain.Intent {
	if intent.Meta == nil {
		intent.Meta = domain.Meta{}
	}
	if intent.CorrelationID == "" {
		intent.CorrelationID = uuid.NewString()
	}
	envelope := domain.Meta{
		"correlation_id": intent.CorrelationID,
		"causation_id":   intent.CausationID,
		"strategy_id":    intent.StrategyID,
		"signal_id":      intent.SignalID,
		"runner":         intent.Runner,
		"source_file":    intent.SourceFile,
	}
	if intent.StopPrice != nil {
		envelope["stop_price"] = intent.StopPrice.String()
	}
	intent.Meta["intent"] = envelope
	return intent
}

func deadlineExceeded(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// rejectEnvelope carries every gate verdict reached for a rejected intent,
// including the failing gate's own: safety_verdict once the Safety gate has
// run; preflight_verdict only once Safety passed; risk_verdict only once
// Preflight passed.
type rejectEnvelope struct {
	Safety    *domain.Verdict
	Calendar  *domain.Verdict
	Preflight *domain.Verdict
	Risk      *domain.Verdict
}

func rejectedOrder(intent domain.Intent, verdict domain.Verdict, decision domain.RejectDecision, stage string, env rejectEnvelope) domain.Order {
	meta := domain.Meta{
		"stage":           stage,
		"intent":          intent.Meta["intent"],
		"verdict":         verdict.AsMeta(),
		"decision":        decision.AsMeta(),
		"reject_decision": decision.AsMeta(),
	}
	if env.Safety != nil {
		meta["safety_verdict"] = env.Safety.AsMeta()
	}
	if env.Calendar != nil {
		meta["calendar_verdict"] = env.Calendar.AsMeta()
	}
	if env.Preflight != nil {
		meta["preflight_verdict"] = env.Preflight.AsMeta()
	}
	if env.Risk != nil {
		meta["risk_verdict"] = env.Risk.AsMeta()
	}
	return domain.Order{
		Ts:            time.Now().UTC(),
		BrokerOrderID: uuid.NewString(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		Price:         intent.Price,
		OrderType:     intent.OrderType,
		Status:        domain.StatusRejected,
		FilledQty:     decimal.Zero,
		VerdictCode:   verdict.Code,
		Domain:        decision.Domain,
		Action:        decision.Action,
		Meta:          meta,
	}
}

// applyMutator calls the Safety mutator implied by the taxonomy action, so a
// COOLDOWN/KILL-classified reject actually arms the corresponding state
// rather than merely being logged.
func (g *Gateway) applyMutator(ctx context.Context, decision domain.RejectDecision) {
	switch decision.Action {
	case domain.ActionCooldown:
		seconds := 60
		if v, ok := decision.Details["cooldown_seconds"].(int); ok {
			seconds = v
		}
		if err := g.safetyEng.RequestCooldown(ctx, seconds, decision.Code, decision.Reason, decision.Details); err != nil {
			g.log.Error("cooldown mutator failed", "error", err)
		}
	case domain.ActionKill:
		if err := g.safetyEng.RequestKill(ctx, decision.Code, decision.Reason, decision.Details); err != nil {
			g.log.Error("kill mutator failed", "error", err)
		}
	}
}

// PlaceOrder runs the full gate chain and, on acceptance, submits and
// matches the order through the Paper OMS.
func (g *Gateway) PlaceOrder(ctx context.Context, intent domain.Intent, now time.Time, referencePrice decimal.Decimal, availableLiquidity *decimal.Decimal) (Result, error) {
	intent = enrich(intent)
	if g.cfg.IntentDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.IntentDeadline)
		defer cancel()
	}

	if deadlineExceeded(ctx) {
		return g.rejectDeadline(ctx, intent, "safety", rejectEnvelope{})
	}

	safetyVerdict, err := g.safetyEng.CheckPreTrade(ctx, intent, now)
	if err != nil {
		return Result{}, fmt.Errorf("gateway: safety gate: %w", err)
	}
	if !safetyVerdict.OK {
		return g.rejectAndPersist(ctx, intent, safetyVerdict, "safety", rejectEnvelope{Safety: &safetyVerdict})
	}

	if deadlineExceeded(ctx) {
		return g.rejectDeadline(ctx, intent, "calendar", rejectEnvelope{Safety: &safetyVerdict})
	}
	calVerdict := g.calGate.Check(intent, now)
	if !calVerdict.OK {
		return g.rejectAndPersist(ctx, intent, calVerdict, "calendar", rejectEnvelope{Safety: &safetyVerdict, Calendar: &calVerdict})
	}

	if deadlineExceeded(ctx) {
		return g.rejectDeadline(ctx, intent, "preflight", rejectEnvelope{Safety: &safetyVerdict, Calendar: &calVerdict})
	}
	preVerdict := g.preGate.Check(intent, now)
	if !preVerdict.OK {
		decision := taxonomy.FromVerdict(preVerdict, g.policy)
		if decision.Action == domain.ActionSplit && preVerdict.Code == "EXEC_TAIFEX_MKT_QTY_LIMIT" {
			return g.runSplitLoop(ctx, intent, now, referencePrice, availableLiquidity, preVerdict, rejectEnvelope{Safety: &safetyVerdict, Calendar: &calVerdict})
		}
		g.applyMutator(ctx, decision)
		return g.persistReject(ctx, intent, preVerdict, decision, "preflight", rejectEnvelope{Safety: &safetyVerdict, Calendar: &calVerdict, Preflight: &preVerdict})
	}

	if deadlineExceeded(ctx) {
		return g.rejectDeadline(ctx, intent, "risk", rejectEnvelope{Safety: &safetyVerdict, Calendar: &calVerdict, Preflight: &preVerdict})
	}
	intent = g.attachMarketMetrics(ctx, intent)
	riskVerdict, err := g.riskEng.CheckPreTrade(ctx, intent, now)
	if err != nil {
		return Result{}, fmt.Errorf("gateway: risk gate: %w", err)
	}
	if !riskVerdict.OK {
		return g.rejectAndPersist(ctx, intent, riskVerdict, "risk", rejectEnvelope{Safety: &safetyVerdict, Calendar: &calVerdict, Preflight: &preVerdict, Risk: &riskVerdict})
	}

	return g.accept(ctx, intent, safetyVerdict, calVerdict, preVerdict, riskVerdict, referencePrice, availableLiquidity)
}

func (g *Gateway) rejectDeadline(ctx context.Context, intent domain.Intent, stage string, env rejectEnvelope) (Result, error) {
	verdict := domain.Verdict{OK: false, Code: "GATEWAY_DEADLINE_EXCEEDED", Reason: fmt.Sprintf("context deadline exceeded before %s gate", stage)}
	decision := taxonomy.FromVerdict(verdict, g.policy)
	ord := rejectedOrder(intent, verdict, decision, "deadline", env)
	// ctx is already done here; the reject row is written without its cancellation.
	id, err := g.state.InsertOrder(context.WithoutCancel(ctx), ord)
	if err != nil {
		return Result{}, err
	}
	ord.ID = id
	return Result{Order: ord, Reject: decision}, nil
}

func (g *Gateway) rejectAndPersist(ctx context.Context, intent domain.Intent, verdict domain.Verdict, stage string, env rejectEnvelope) (Result, error) {
	decision := taxonomy.FromVerdict(verdict, g.policy)
	g.applyMutator(ctx, decision)
	return g.persistReject(ctx, intent, verdict, decision, stage, env)
}

func (g *Gateway) persistReject(ctx context.Context, intent domain.Intent, verdict domain.Verdict, decision domain.RejectDecision, stage string, env rejectEnvelope) (Result, error) {
	ord := rejectedOrder(intent, verdict, decision, stage, env)
	id, err := g.state.InsertOrder(ctx, ord)
	if err != nil {
		return Result{}, err
	}
	ord.ID = id
	return Result{Order: ord, Reject: decision}, nil
}

func (g *Gateway) accept(ctx context.Context, intent domain.Intent, safetyV, calV, preV, riskV domain.Verdict, referencePrice decimal.Decimal, availableLiquidity *decimal.Decimal) (Result, error) {
	decision := domain.RejectDecision{OK: true, Code: "OK", Action: domain.ActionAllow, Severity: domain.SeverityLow, Reason: "accepted"}

	ord, err := g.omsEngine.SubmitOrder(ctx, intent.Symbol, intent.Side, intent.Qty, intent.OrderType, intent.Price, domain.Meta{
		"intent":          intent.Meta["intent"],
		"safety_verdict":  safetyV.AsMeta(),
		"calendar_verdict": calV.AsMeta(),
		"preflight_verdict": preV.AsMeta(),
		"risk_verdict":    riskV.AsMeta(),
		"decision":        decision.AsMeta(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("gateway: submit order: %w", err)
	}
	ord.VerdictCode = "OK"
	ord.Action = domain.ActionAllow

	fills, err := g.omsEngine.Match(ctx, ord, referencePrice, availableLiquidity, "gateway_accept")
	if err != nil {
		return Result{}, fmt.Errorf("gateway: match order: %w", err)
	}

	updated, found, err := g.state.GetOrderByBrokerID(ctx, ord.BrokerOrderID)
	if err == nil && found {
		ord = updated
	}

	return Result{Order: ord, Fills: fills, Accept: true, Reject: decision}, nil
}

// runSplitLoop breaks a MARKET order exceeding the TAIFEX quantity cap into
// a sequence of child orders, each resubmitted through the full gate chain.
// A RISK_QTY_LIMIT reject whose cap is tighter than the current child size
// triggers a retry at the tighter size without consuming remaining qty; any
// other reject terminates the whole split and returns that child's REJECTED
// result (no parent row is written).
func (g *Gateway) runSplitLoop(ctx context.Context, intent domain.Intent, now time.Time, referencePrice decimal.Decimal, availableLiquidity *decimal.Decimal, preVerdict domain.Verdict, env rejectEnvelope) (Result, error) {
	childSize := g.childSizeFromVerdict(preVerdict)
	remaining := intent.Qty
	parentID := fmt.Sprintf("SPLIT_%d", now.UnixNano())

	var childRefs []string
	var lastReject Result
	childCount := 0

	for remaining.GreaterThan(decimal.Zero) {
		childCount++
		if childCount > g.cfg.SplitLoopGuard {
			verdict := domain.Verdict{OK: false, Code: "EXEC_SPLIT_LOOP_GUARD", Reason: "split loop exceeded child count ceiling"}
			decision := taxonomy.FromVerdict(verdict, g.policy)
			ord := rejectedOrder(intent, verdict, decision, "split_loop", env)
			ord.Meta["split_parent_id"] = parentID
			ord.Meta["children"] = childRefs
			id, err := g.state.InsertOrder(ctx, ord)
			if err != nil {
				return Result{}, err
			}
			ord.ID = id
			return Result{Order: ord, Reject: decision}, nil
		}

		thisQty := childSize
		if thisQty.GreaterThan(remaining) {
			thisQty = remaining
		}
		childIntent := intent
		childIntent.Qty = thisQty
		childIntent.Meta = cloneMeta(intent.Meta)
		childIntent.Meta["split_parent_id"] = parentID

		res, err := g.PlaceOrder(ctx, childIntent, now, referencePrice, availableLiquidity)
		if err != nil {
			return Result{}, err
		}
		if res.Accept {
			childRefs = append(childRefs, res.Order.BrokerOrderID)
			remaining = remaining.Sub(thisQty)
			continue
		}

		lastReject = res
		if res.Order.VerdictCode == "RISK_QTY_LIMIT" {
			if cap, ok := riskQtyLimitCap(res.Order.Meta); ok && cap.LessThan(childSize) {
				childSize = cap
				childCount--
				continue
			}
		}
		return lastReject, nil
	}

	parentOrd := domain.Order{
		Ts:            now,
		BrokerOrderID: parentID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		OrderType:     intent.OrderType,
		Status:        domain.StatusSplitSubmitted,
		FilledQty:     intent.Qty,
		VerdictCode:   "OK_SPLIT",
		Domain:        domain.DomainExec,
		Action:        domain.ActionSplit,
		Meta:          domain.Meta{
			"children":            childRefs,
			"split_children":      childRefs,
			"split_parent_id":     parentID,
			"split_limit":         childSize.String(),
			"split_requested_qty": intent.Qty.String(),
			"intent":              intent.Meta["intent"],
		},
	}
	id, err := g.state.InsertOrder(ctx, parentOrd)
	if err != nil {
		return Result{}, err
	}
	parentOrd.ID = id
	return Result{Order: parentOrd, Accept: true}, nil
}

func (g *Gateway) childSizeFromVerdict(v domain.Verdict) decimal.Decimal {
	if v.Details != nil {
		if cap, ok := v.Details["cap"].(int); ok && cap > 0 {
			return decimal.NewFromInt(int64(cap))
		}
		if cap, ok := v.Details["cap"].(float64); ok && cap > 0 {
			return decimal.NewFromFloat(cap)
		}
	}
	return decimal.NewFromInt(10)
}

// riskQtyLimitCap extracts the Risk Engine's configured max-qty-per-order
// bound from a persisted RISK_QTY_LIMIT reject's verdict envelope.
func riskQtyLimitCap(meta domain.Meta) (decimal.Decimal, bool) {
	verdict, ok := meta["verdict"].(domain.Meta)
	if !ok {
		return decimal.Zero, false
	}
	details, ok := verdict["details"].(domain.Meta)
	if !ok {
		return decimal.Zero, false
	}
	max, ok := details["max"].(float64)
	if !ok || max <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(max), true
}

func cloneMeta(m domain.Meta) domain.Meta {
	out := make(domain.Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
