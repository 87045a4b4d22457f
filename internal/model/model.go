// Package model defines the core domain types shared across the execution engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketData is the latest quote snapshot for one symbol.
type MarketData struct {
	Symbol          string           `json:"symbol"`
	Price           decimal.Decimal  `json:"price"`
	Bid             decimal.Decimal  `json:"bid"`
	Ask             decimal.Decimal  `json:"ask"`
	Volume          decimal.Decimal  `json:"volume"`
	Timestamp       time.Time        `json:"timestamp"`
	FundingRate     *decimal.Decimal `json:"funding_rate,omitempty"`
	NextFundingTime *time.Time       `json:"next_funding_time,omitempty"`
}

// Position is the per-symbol holding maintained by the ledger.
// Size is signed: positive = long, negative = short.
type Position struct {
	Symbol           string            `json:"symbol"`
	Size             decimal.Decimal   `json:"size"`
	EntryPrice       decimal.Decimal   `json:"entry_price"`
	CurrentPrice     decimal.Decimal   `json:"current_price"`
	RealizedPnL      decimal.Decimal   `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal   `json:"unrealized_pnl"` // size × (current − entry)
	FundingPnL       decimal.Decimal   `json:"funding_pnl"`
	Leverage         decimal.Decimal   `json:"leverage"`
	LiquidationPrice *decimal.Decimal  `json:"liquidation_price,omitempty"`
	Margin           *decimal.Decimal  `json:"margin,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewPosition returns a flat position for symbol with leverage 1.
func NewPosition(symbol string, now time.Time) *Position {
	return &Position{
		Symbol:    symbol,
		Leverage:  decimal.NewFromInt(1),
		Metadata:  make(map[string]string),
		UpdatedAt: now,
	}
}

// Mark sets the current price and recomputes unrealized PnL from it.
func (p *Position) Mark(price decimal.Decimal, now time.Time) {
	p.CurrentPrice = price
	p.UnrealizedPnL = p.Size.Mul(price.Sub(p.EntryPrice))
	p.UpdatedAt = now
}

// IsFlat reports whether the position holds no size.
func (p *Position) IsFlat() bool {
	return p.Size.IsZero()
}

// MarketValue is the signed mark-to-market value of the holding.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Size.Mul(p.CurrentPrice)
}

// Notional is the absolute mark-to-market exposure.
func (p *Position) Notional() decimal.Decimal {
	return p.MarketValue().Abs()
}

// Clone returns a deep copy safe to hand out of the ledger.
func (p *Position) Clone() Position {
	c := *p
	if p.LiquidationPrice != nil {
		v := *p.LiquidationPrice
		c.LiquidationPrice = &v
	}
	if p.Margin != nil {
		v := *p.Margin
		c.Margin = &v
	}
	c.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		c.Metadata[k] = v
	}
	return c
}

// TradeLogEntry is an immutable record of a fill.
// Schema: {id, symbol, side, quantity, price, timestamp, fees, order_type, order_id, pnl?}
type TradeLogEntry struct {
	ID        string           `json:"id" db:"id"`
	Symbol    string           `json:"symbol" db:"symbol"`
	Side      Side             `json:"side" db:"side"`
	Quantity  decimal.Decimal  `json:"quantity" db:"quantity"`
	Price     decimal.Decimal  `json:"price" db:"price"`
	Timestamp time.Time        `json:"timestamp" db:"timestamp"`
	Fees      decimal.Decimal  `json:"fees" db:"fees"`
	OrderType OrderType        `json:"order_type" db:"order_type"`
	OrderID   string           `json:"order_id" db:"order_id"`
	PnL       *decimal.Decimal `json:"pnl,omitempty" db:"pnl"` // realized on closing fills
}

// PerformanceMetrics is the running account summary.
type PerformanceMetrics struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	Equity         decimal.Decimal `json:"equity"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	FundingPnL     decimal.Decimal `json:"funding_pnl"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	PeakBalance    decimal.Decimal `json:"peak_balance"`
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"` // percent, 0-100
	StartTime      time.Time       `json:"start_time"`
	LastUpdate     time.Time       `json:"last_update"`
}

// FundingPayment is a settled funding transfer on a perpetual position.
// Positive amounts are received, negative amounts are paid.
type FundingPayment struct {
	Symbol    string          `json:"symbol"`
	Rate      decimal.Decimal `json:"rate"`
	Size      decimal.Decimal `json:"size"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Signal is a strategy's current view on a symbol, exposed for reporting.
type Signal struct {
	Symbol    string          `json:"symbol"`
	Direction string          `json:"direction"` // "long", "short", "flat"
	Strength  decimal.Decimal `json:"strength"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// Rank orders levels from least to most severe.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertInfo:
		return 0
	case AlertWarning:
		return 1
	case AlertError:
		return 2
	case AlertCritical:
		return 3
	}
	return -1
}

// AlertMessage is one event routed through the alert pipeline.
type AlertMessage struct {
	ID        string     `json:"id"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Symbol    string     `json:"symbol,omitempty"`
	OrderID   string     `json:"order_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
