// Package domain holds the data types shared across the pre-trade pipeline:
// events, bars, orders, fills, trades, positions, safety state, and the
// verdict/reject shapes every gate returns. Nothing here touches storage or
// business rules directly — those live in the packages that consume these
// types (eventstore, statestore, safety, risk, preflight, oms, taxonomy).
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType selects the matching semantics used by the Paper OMS.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMWP    OrderType = "MWP"
)

// OrderStatus is the lifecycle status of an Order. Status only ever moves
// forward; it is never rewound.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusSplitSubmitted  OrderStatus = "SPLIT_SUBMITTED"
)

// PositionSide is LONG, SHORT, or "" (flat).
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = ""
)

// Domain classifies a reject code by its source subsystem.
type Domain string

const (
	DomainRisk    Domain = "RISK"
	DomainSafety  Domain = "SAFETY"
	DomainExec    Domain = "EXEC"
	DomainBroker  Domain = "BROKER"
	DomainUnknown Domain = "UNKNOWN"
)

// Severity is the taxonomy's assessment of how serious a reject is.
type Severity string

const (
	SeverityHigh Severity = "HIGH"
	SeverityMed  Severity = "MED"
	SeverityLow  Severity = "LOW"
)

// Action is what the reject taxonomy tells the Gateway to do next.
type Action string

const (
	ActionAllow    Action = "ALLOW"
	ActionReject   Action = "REJECT"
	ActionRetry    Action = "RETRY"
	ActionCooldown Action = "COOLDOWN"
	ActionKill     Action = "KILL"
	ActionSplit    Action = "SPLIT"
)

// Meta is the free-form audit envelope attached to orders, fills and
// verdicts. Keys are namespaced by convention (e.g. "reject_decision",
// "safety_verdict", "intent").
type Meta map[string]any

// Verdict is the sealed result every gate (safety, calendar, preflight,
// risk) returns. ok=false always carries a non-empty Code. Details holds
// the gate's supporting numbers (computed risk, thresholds used, etc.) for
// the audit trail.
type Verdict struct {
	OK      bool
	Code    string
	Reason  string
	Details Meta
}

// AsMeta renders a Verdict into the shape persisted in an order's meta
// envelope: {ok, code, reason, details}.
func (v Verdict) AsMeta() Meta {
	return Meta{
		"ok":      v.OK,
		"code":    v.Code,
		"reason":  v.Reason,
		"details": v.Details,
	}
}

// Event is an append-only row in the Event Store.
type Event struct {
	ID        int64
	Ts        time.Time
	Kind      string
	Payload   Meta
	Producer  string
	IngestTs  time.Time
}

// Bar is one minute of OHLCV for (asset class, symbol).
type Bar struct {
	TsMin      time.Time
	AssetClass string
	Symbol     string
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	NTrades    int64
	Source     string
}

// Order is one row of the order book's audit trail: every intent, accepted
// or rejected, produces exactly one Order row.
type Order struct {
	ID            int64
	Ts            time.Time
	BrokerOrderID string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Price         *decimal.Decimal
	OrderType     OrderType
	Status        OrderStatus
	FilledQty     decimal.Decimal
	VerdictCode   string
	Domain        Domain
	Action        Action
	Meta          Meta
}

// Fill is one execution against an accepted order.
type Fill struct {
	ID            int64
	Ts            time.Time
	BrokerOrderID string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	FeeNTD        decimal.Decimal
	TaxNTD        decimal.Decimal
	Meta          Meta
}

// Trade is an open or closed round-trip position.
type Trade struct {
	ID          int64
	OpenTs      time.Time
	CloseTs     *time.Time
	Symbol      string
	Side        PositionSide
	Qty         decimal.Decimal
	Entry       decimal.Decimal
	Exit        *decimal.Decimal
	PnLNTD      *decimal.Decimal
	PnLFraction *decimal.Decimal
	ReasonOpen  string
	ReasonClose string
	Meta        Meta
}

// Position is the single current row per symbol.
type Position struct {
	Symbol   string
	Side     PositionSide
	Qty      decimal.Decimal
	AvgPrice decimal.Decimal
	OpenTs   *time.Time
}

// IsFlat reports whether the position is closed out.
func (p Position) IsFlat() bool {
	return p.Qty.IsZero()
}

// Cooldown is the persisted `cooldown` key in Safety State.
// UntilEpoch == 0 means cleared.
type Cooldown struct {
	UntilEpoch int64
	Code       string
	Reason     string
	Details    Meta
}

// Active reports whether the cooldown is still in effect at t.
func (c Cooldown) Active(t time.Time) bool {
	return c.UntilEpoch > 0 && t.Unix() < c.UntilEpoch
}

// KillState is the persisted `kill` key in Safety State.
type KillState struct {
	Enabled bool
	Code    string
	Reason  string
	Details Meta
}

// HealthCheck is an append-only row consumed by the daily report.
type HealthCheck struct {
	ID      int64
	Ts      time.Time
	Name    string
	Kind    string
	Status  string
	Summary Meta
}

// Intent is a trade request submitted by a strategy runner to the Gateway.
// Only Symbol/Side/Qty/OrderType are mandatory; everything else is
// optional context the gates may use or require.
type Intent struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	OrderType     OrderType
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	ReduceOnly    bool
	Meta          Meta
	CorrelationID string
	CausationID   string
	StrategyID    string
	SignalID      string
	Runner        string
	SourceFile    string
}

// RejectDecision is the Reject Taxonomy's sealed output.
type RejectDecision struct {
	OK       bool
	Code     string
	Domain   Domain
	Severity Severity
	Action   Action
	Reason   string
	Details  Meta
}

// AsMeta renders a RejectDecision into its persisted meta shape.
func (d RejectDecision) AsMeta() Meta {
	return Meta{
		"ok":       d.OK,
		"code":     d.Code,
		"domain":   d.Domain,
		"severity": d.Severity,
		"action":   d.Action,
		"reason":   d.Reason,
		"details":  d.Details,
	}
}

// MarketMetrics is the Market Metrics Reader's output for a symbol.
type MarketMetrics struct {
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	Spread          decimal.Decimal
	ATR             *decimal.Decimal
	LiquidityScore  decimal.Decimal
	SourceEventID   int64
	SourceEventTs   time.Time
	ATRWindow       int
}
