// Package ledger maintains cash balance and per-symbol positions.
//
// A Ledger is not safe for concurrent use. The engine owns it and serializes
// every call; nothing else mutates it.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/model"
)

var (
	// ErrInvalidFill is returned for fills with non-positive quantity or
	// price, or a negative fee.
	ErrInvalidFill = errors.New("ledger: invalid fill")

	// ErrPositionNotFlat is returned when removing a position that still
	// holds size.
	ErrPositionNotFlat = errors.New("ledger: position is not flat")
)

// Fill is one execution to apply.
type Fill struct {
	Symbol    string
	Side      model.Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// FillResult describes what a fill did to the ledger.
type FillResult struct {
	RealizedPnL    decimal.Decimal
	ClosedQuantity decimal.Decimal // size taken off the prior position
	Position       model.Position  // snapshot after the fill
	Balance        decimal.Decimal
}

// Closing reports whether the fill reduced, closed or flipped a position.
func (r FillResult) Closing() bool {
	return r.ClosedQuantity.IsPositive()
}

// Ledger tracks balance and positions.
type Ledger struct {
	initial   decimal.Decimal
	balance   decimal.Decimal
	positions map[string]*model.Position
}

// New creates a ledger funded with initial balance.
func New(initial decimal.Decimal) *Ledger {
	return &Ledger{
		initial:   initial,
		balance:   initial,
		positions: make(map[string]*model.Position),
	}
}

// ApplyFill applies an execution and returns the realized PnL.
//
//   - Opening/adding: entry becomes the volume-weighted average price.
//   - Reducing/closing: realized = closed × (price − entry) × sign(size).
//   - Flipping: the old size is closed in full and the residual opens at price.
//
// Buys debit notional + fee, sells credit notional − fee, and realized PnL is
// credited on either side. A buy whose notional + fee exceeds the balance is
// rejected with *model.InsufficientBalanceError and nothing changes.
func (l *Ledger) ApplyFill(f Fill) (FillResult, error) {
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() || f.Fee.IsNegative() {
		return FillResult{}, fmt.Errorf("%w: qty=%s price=%s fee=%s", ErrInvalidFill, f.Quantity, f.Price, f.Fee)
	}

	notional := f.Quantity.Mul(f.Price)
	if f.Side == model.SideBuy {
		required := notional.Add(f.Fee)
		if required.GreaterThan(l.balance) {
			return FillResult{}, &model.InsufficientBalanceError{Required: required, Available: l.balance}
		}
	}

	pos, ok := l.positions[f.Symbol]
	if !ok {
		pos = model.NewPosition(f.Symbol, f.Timestamp)
	}

	delta := f.Quantity.Mul(f.Side.Sign())
	realized := decimal.Zero
	closed := decimal.Zero

	switch {
	case pos.Size.IsZero() || pos.Size.Sign() == delta.Sign():
		// Opening or adding.
		oldAbs := pos.Size.Abs()
		newAbs := oldAbs.Add(f.Quantity)
		pos.EntryPrice = oldAbs.Mul(pos.EntryPrice).Add(notional).Div(newAbs)
		pos.Size = pos.Size.Add(delta)

	case delta.Abs().LessThanOrEqual(pos.Size.Abs()):
		// Reducing or closing.
		closed = delta.Abs()
		realized = closed.Mul(f.Price.Sub(pos.EntryPrice)).Mul(sign(pos.Size))
		pos.Size = pos.Size.Add(delta)
		if pos.Size.IsZero() {
			pos.EntryPrice = decimal.Zero
		}

	default:
		// Flipping.
		closed = pos.Size.Abs()
		realized = closed.Mul(f.Price.Sub(pos.EntryPrice)).Mul(sign(pos.Size))
		pos.Size = pos.Size.Add(delta)
		pos.EntryPrice = f.Price
	}

	if f.Side == model.SideBuy {
		l.balance = l.balance.Sub(notional).Sub(f.Fee)
	} else {
		l.balance = l.balance.Add(notional).Sub(f.Fee)
	}
	l.balance = l.balance.Add(realized)

	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Mark(f.Price, f.Timestamp)
	l.positions[f.Symbol] = pos

	return FillResult{
		RealizedPnL:    realized,
		ClosedQuantity: closed,
		Position:       pos.Clone(),
		Balance:        l.balance,
	}, nil
}

// ApplyFunding books a funding payment against an existing position.
func (l *Ledger) ApplyFunding(symbol string, amount decimal.Decimal, at time.Time) (model.Position, error) {
	pos, ok := l.positions[symbol]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", model.ErrPositionNotFound, symbol)
	}
	pos.FundingPnL = pos.FundingPnL.Add(amount)
	pos.UpdatedAt = at
	return pos.Clone(), nil
}

// Mark reprices the position for symbol, if there is one.
func (l *Ledger) Mark(symbol string, price decimal.Decimal, at time.Time) bool {
	pos, ok := l.positions[symbol]
	if !ok {
		return false
	}
	pos.Mark(price, at)
	return true
}

// RemovePosition deletes a flat position.
func (l *Ledger) RemovePosition(symbol string) error {
	pos, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPositionNotFound, symbol)
	}
	if !pos.IsFlat() {
		return fmt.Errorf("%w: %s size %s", ErrPositionNotFlat, symbol, pos.Size)
	}
	delete(l.positions, symbol)
	return nil
}

// Position returns a copy of the position for symbol.
func (l *Ledger) Position(symbol string) (model.Position, bool) {
	pos, ok := l.positions[symbol]
	if !ok {
		return model.Position{}, false
	}
	return pos.Clone(), true
}

// Positions returns copies of every position, sorted by symbol.
func (l *Ledger) Positions() []model.Position {
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Balance returns the cash balance.
func (l *Ledger) Balance() decimal.Decimal { return l.balance }

// InitialBalance returns the starting cash.
func (l *Ledger) InitialBalance() decimal.Decimal { return l.initial }

// Exposures returns signed mark-to-market notional per symbol.
func (l *Ledger) Exposures() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.positions))
	for s, p := range l.positions {
		if !p.IsFlat() {
			out[s] = p.MarketValue()
		}
	}
	return out
}

// Equity is cash plus marked position value plus accrued funding.
func (l *Ledger) Equity() decimal.Decimal {
	eq := l.balance
	for _, p := range l.positions {
		eq = eq.Add(p.MarketValue()).Add(p.FundingPnL)
	}
	return eq
}

// Totals sums PnL components across all positions.
func (l *Ledger) Totals() (realized, unrealized, funding decimal.Decimal) {
	for _, p := range l.positions {
		realized = realized.Add(p.RealizedPnL)
		unrealized = unrealized.Add(p.UnrealizedPnL)
		funding = funding.Add(p.FundingPnL)
	}
	return realized, unrealized, funding
}

func sign(v decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(v.Sign()))
}
