// Package cost computes per-contract transaction fees and tax, and
// round-trip cost totals for reporting. Money is represented with
// decimal.Decimal throughout to avoid floating-point drift across a
// session's worth of accumulated fees.
package cost

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Model is the Cost Model. Multiplier and fee are per-symbol; tax rate is
// a single global rate (one-sided transaction tax on equity futures).
type Model struct {
	TaxRate            decimal.Decimal
	FeePerSideBySymbol map[string]decimal.Decimal
	MultiplierBySymbol map[string]decimal.Decimal
}

// NewModel builds a Model from plain float64 config values.
func NewModel(taxRate float64, feePerSide, multiplier map[string]float64) *Model {
	m := &Model{
		TaxRate:            decimal.NewFromFloat(taxRate),
		FeePerSideBySymbol: make(map[string]decimal.Decimal, len(feePerSide)),
		MultiplierBySymbol: make(map[string]decimal.Decimal, len(multiplier)),
	}
	for k, v := range feePerSide {
		m.FeePerSideBySymbol[k] = decimal.NewFromFloat(v)
	}
	for k, v := range multiplier {
		m.MultiplierBySymbol[k] = decimal.NewFromFloat(v)
	}
	return m
}

// ErrUnknownSymbol is returned when no multiplier is configured for a symbol.
var ErrUnknownSymbol = fmt.Errorf("UNKNOWN_SYMBOL")

// ContractNotional = price * multiplier(symbol) * qty. Fails with
// ErrUnknownSymbol if the symbol's multiplier is not configured.
func (m *Model) ContractNotional(price decimal.Decimal, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	mult, ok := m.multiplierFor(symbol)
	if !ok {
		return decimal.Zero, ErrUnknownSymbol
	}
	return price.Mul(mult).Mul(qty), nil
}

// PerSideCost computes the fee and tax owed for one side (one fill) of a
// trade: fee = fee_per_side * qty; tax = notional * tax_rate.
func (m *Model) PerSideCost(price decimal.Decimal, symbol string, qty decimal.Decimal) (fee, tax decimal.Decimal, err error) {
	notional, err := m.ContractNotional(price, symbol, qty)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	feePerSide, ok := m.FeePerSideBySymbol[symbol]
	if !ok {
		feePerSide = decimal.Zero
	}
	fee = feePerSide.Mul(qty)
	tax = notional.Mul(m.TaxRate)
	return fee, tax, nil
}

// RoundTripCost = 2*(fee_per_side*qty) + 2*(notional*tax_rate). Used by
// reporting, not by the OMS (which applies per-side costs at each fill).
func (m *Model) RoundTripCost(price decimal.Decimal, symbol string, qty decimal.Decimal) (decimal.Decimal, error) {
	fee, tax, err := m.PerSideCost(price, symbol, qty)
	if err != nil {
		return decimal.Zero, err
	}
	two := decimal.NewFromInt(2)
	return fee.Mul(two).Add(tax.Mul(two)), nil
}

func (m *Model) multiplierFor(symbol string) (decimal.Decimal, bool) {
	if v, ok := m.MultiplierBySymbol[symbol]; ok {
		return v, true
	}
	// Rolling contract codes (e.g. TMFB6) carry the base symbol as a prefix.
	for base, v := range m.MultiplierBySymbol {
		if len(symbol) >= len(base) && symbol[:len(base)] == base {
			return v, true
		}
	}
	return decimal.Zero, false
}
