// Package correlation implements pre-trade exposure limits that account for
// correlation between instruments on the same base asset.
//
// BTC-USDT, BTC-PERP and BTCUSD all move together; a strategy long on all
// three carries one concentrated bet. Exposure is grouped by base asset and
// capped both per symbol and per group.
package correlation

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/instrument"
)

var (
	// ErrPerSymbolLimitExceeded is returned when a trade would push a single
	// symbol's net notional beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("correlation: per-symbol exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across symbols sharing a base asset beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// PositionLimiter enforces notional exposure limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerSymbol is the maximum absolute net notional in any one symbol.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute notional across all
	// symbols with the same base asset.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-symbol and
// correlated notional limits.
func NewPositionLimiter(maxPerSymbol, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerSymbol:  maxPerSymbol,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether a trade respects exposure limits.
//
// Parameters:
//   - symbol: instrument being traded
//   - exposureDelta: signed change in notional (+buy / −sell)
//   - exposures: symbol → current signed notional
//
// Trades that shrink the absolute exposure of the symbol are always allowed,
// so a breached book can still be unwound.
func (l *PositionLimiter) CheckLimit(
	symbol string,
	exposureDelta decimal.Decimal,
	exposures map[string]decimal.Decimal,
) error {
	current := exposures[symbol]
	next := current.Add(exposureDelta)
	if next.Abs().LessThanOrEqual(current.Abs()) {
		return nil
	}

	// 1. Per-symbol limit.
	if l.MaxPerSymbol.IsPositive() && next.Abs().GreaterThan(l.MaxPerSymbol) {
		return ErrPerSymbolLimitExceeded
	}

	// 2. Correlated exposure: sum |exposure| across symbols on the same base.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	base := instrument.BaseAsset(symbol)
	total := next.Abs()

	for other, exposure := range exposures {
		if other == symbol {
			continue // already counted via next above
		}
		if instrument.BaseAsset(other) == base {
			total = total.Add(exposure.Abs())
		}
	}

	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}

	return nil
}
