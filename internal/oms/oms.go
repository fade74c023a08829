// Package oms implements the Paper OMS: order submission, reference-price
// matching, and the position/trade bookkeeping state machine (open, VWAP
// average, reduce, close, flip) driven by fills.
package oms

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Minstyle11/tmf-autotrader/internal/cost"
	"github.com/Minstyle11/tmf-autotrader/internal/domain"
	"github.com/Minstyle11/tmf-autotrader/internal/statestore"
)

// OMS is the Paper OMS. It carries no in-memory position cache between
// calls — every check re-reads positions/open trades from the State Store
// so the Gateway can restart mid-session without losing book state.
type OMS struct {
	state  *statestore.Store
	cost   *cost.Model
	pointV map[string]float64
}

// New builds an OMS. pointValueBySymbol provides the per-contract point
// value used in pnl computation (TMF=10, MXF=50, TXF=200 by default).
func New(state *statestore.Store, costModel *cost.Model, pointValueBySymbol map[string]float64) *OMS {
	if pointValueBySymbol == nil {
		pointValueBySymbol = map[string]float64{"TMF": 10.0, "MXF": 50.0, "TXF": 200.0}
	}
	return &OMS{state: state, cost: costModel, pointV: pointValueBySymbol}
}

func (o *OMS) pointValue(symbol string) decimal.Decimal {
	if v, ok := o.pointV[symbol]; ok {
		return decimal.NewFromFloat(v)
	}
	for base, v := range o.pointV {
		if len(symbol) >= len(base) && symbol[:len(base)] == base {
			return decimal.NewFromFloat(v)
		}
	}
	return decimal.NewFromFloat(1.0)
}

// SubmitOrder allocates a broker order id and persists a NEW order row.
func (o *OMS) SubmitOrder(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal, orderType domain.OrderType, price *decimal.Decimal, meta domain.Meta) (domain.Order, error) {
	ord := domain.Order{
		Ts:            time.Now().UTC(),
		BrokerOrderID: uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Price:         price,
		OrderType:     orderType,
		Status:        domain.StatusNew,
		FilledQty:     decimal.Zero,
		Meta:          meta,
	}
	if ord.Meta == nil {
		ord.Meta = domain.Meta{}
	}
	id, err := o.state.InsertOrder(ctx, ord)
	if err != nil {
		return domain.Order{}, err
	}
	ord.ID = id
	return ord, nil
}

// Match attempts to fill order against referencePrice, generating at most
// one Fill per call (the Gateway calls Match once per accepted intent; a
// LIMIT order left unfilled keeps its current status, NEW after SubmitOrder,
// for a later call).
func (o *OMS) Match(ctx context.Context, order domain.Order, referencePrice decimal.Decimal, availableLiquidity *decimal.Decimal, reason string) ([]domain.Fill, error) {
	remaining := order.Qty.Sub(order.FilledQty)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	canFill := false
	switch order.OrderType {
	case domain.OrderTypeMarket, domain.OrderTypeMWP:
		canFill = true
	case domain.OrderTypeLimit:
		if order.Price == nil {
			if err := o.state.UpdateOrderStatus(ctx, order.BrokerOrderID, domain.StatusRejected, order.FilledQty, nil); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if order.Side == domain.SideBuy && referencePrice.LessThanOrEqual(*order.Price) {
			canFill = true
		}
		if order.Side == domain.SideSell && referencePrice.GreaterThanOrEqual(*order.Price) {
			canFill = true
		}
	default:
		return nil, fmt.Errorf("oms: unsupported order type %q", order.OrderType)
	}
	if !canFill {
		return nil, nil
	}

	fillQty := remaining
	if availableLiquidity != nil && availableLiquidity.LessThan(remaining) {
		fillQty = *availableLiquidity
	}
	if fillQty.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	fee, tax, err := o.cost.PerSideCost(referencePrice, order.Symbol, fillQty)
	if err != nil {
		return nil, err
	}

	fill := domain.Fill{
		Ts:            time.Now().UTC(),
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           fillQty,
		Price:         referencePrice,
		FeeNTD:        fee,
		TaxNTD:        tax,
		Meta:          domain.Meta{"reason": reason, "order_meta": order.Meta},
	}

	var newStatus domain.OrderStatus
	newFilled := order.FilledQty.Add(fillQty)
	if newFilled.GreaterThanOrEqual(order.Qty) {
		newStatus = domain.StatusFilled
	} else {
		newStatus = domain.StatusPartiallyFilled
	}

	err = o.state.WithTx(ctx, func(tx *statestore.Tx) error {
		if _, err := tx.InsertFill(ctx, fill); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, order.BrokerOrderID, newStatus, newFilled, nil); err != nil {
			return err
		}
		return o.applyFillToPositionAndTrade(ctx, tx, fill)
	})
	if err != nil {
		return nil, err
	}

	return []domain.Fill{fill}, nil
}

// applyFillToPositionAndTrade runs the position/trade state machine for one
// fill: open, VWAP same-direction average, partial reduce, full close (with
// pnl), or close-then-flip-open-leftover.
func (o *OMS) applyFillToPositionAndTrade(ctx context.Context, tx *statestore.Tx, f domain.Fill) error {
	pointValue := o.pointValue(f.Symbol)

	pos, _, err := tx.GetPosition(ctx, f.Symbol)
	if err != nil {
		return err
	}

	signedQty := f.Qty
	if f.Side == domain.SideSell {
		signedQty = f.Qty.Neg()
	}

	reasonClose := "fill_close"
	if r, ok := f.Meta["reason"].(string); ok && r != "" {
		reasonClose = r
	}

	if pos.IsFlat() {
		newSide := domain.PositionLong
		if signedQty.IsNegative() {
			newSide = domain.PositionShort
		}
		openTs := f.Ts
		pos = domain.Position{Symbol: f.Symbol, Side: newSide, Qty: signedQty.Abs(), AvgPrice: f.Price, OpenTs: &openTs}
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		trade := domain.Trade{
			OpenTs:     f.Ts,
			Symbol:     f.Symbol,
			Side:       newSide,
			Qty:        pos.Qty,
			Entry:      pos.AvgPrice,
			ReasonOpen: "fill_open",
			Meta:       domain.Meta{"multiplier": pointValue.String(), "order_meta": f.Meta["order_meta"]},
		}
		_, err := tx.InsertTrade(ctx, trade)
		return err
	}

	sameDir := (pos.Side == domain.PositionLong && signedQty.IsPositive()) || (pos.Side == domain.PositionShort && signedQty.IsNegative())
	if sameDir {
		addQty := signedQty.Abs()
		newQty := pos.Qty.Add(addQty)
		pos.AvgPrice = pos.AvgPrice.Mul(pos.Qty).Add(f.Price.Mul(addQty)).Div(newQty)
		pos.Qty = newQty
		return tx.UpsertPosition(ctx, pos)
	}

	// Opposite direction: reduce, close, or close-then-flip.
	reduceQty := signedQty.Abs()
	if reduceQty.LessThan(pos.Qty) {
		pos.Qty = pos.Qty.Sub(reduceQty)
		return tx.UpsertPosition(ctx, pos)
	}

	openTrade, found, err := tx.GetOpenTrade(ctx, f.Symbol)
	if err != nil {
		return err
	}

	closedQty := pos.Qty
	entry := pos.AvgPrice
	exitPx := f.Price
	sign := decimal.NewFromInt(1)
	if pos.Side == domain.PositionShort {
		sign = decimal.NewFromInt(-1)
	}
	pnl := exitPx.Sub(entry).Mul(sign).Mul(closedQty).Mul(pointValue)
	var pnlFraction decimal.Decimal
	denom := entry.Mul(closedQty).Mul(pointValue)
	if denom.GreaterThan(decimal.Zero) {
		pnlFraction = pnl.Div(denom)
	}

	if found {
		if err := tx.CloseTrade(ctx, openTrade.ID, f.Ts, exitPx, pnl, pnlFraction, reasonClose); err != nil {
			return err
		}
	}

	leftover := reduceQty.Sub(closedQty)
	pos = domain.Position{Symbol: f.Symbol, Side: domain.PositionFlat, Qty: decimal.Zero, AvgPrice: decimal.Zero}
	if leftover.GreaterThan(decimal.Zero) {
		newSide := domain.PositionLong
		if signedQty.IsNegative() {
			newSide = domain.PositionShort
		}
		openTs := f.Ts
		pos = domain.Position{Symbol: f.Symbol, Side: newSide, Qty: leftover, AvgPrice: f.Price, OpenTs: &openTs}
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		trade := domain.Trade{
			OpenTs:     f.Ts,
			Symbol:     f.Symbol,
			Side:       newSide,
			Qty:        leftover,
			Entry:      f.Price,
			ReasonOpen: "fill_flip_open",
			Meta:       domain.Meta{"multiplier": pointValue.String(), "order_meta": f.Meta["order_meta"]},
		}
		_, err := tx.InsertTrade(ctx, trade)
		return err
	}

	return tx.UpsertPosition(ctx, pos)
}
