// Package slippage models the execution price of marketable orders.
//
// The slippage fraction applied to the touch price is
//
//	pct = base + (quantity / quoted_volume) × volume_impact + N(0, random_max/2)
//
// clamped to ±max. Buys pay ask × (1+pct), sells receive bid × (1−pct).
//
// All prices use shopspring/decimal. Only the gaussian noise term is drawn in
// float64 and converted to decimal immediately.
package slippage

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/atmx/execution-engine/internal/model"
)

var (
	// ErrInvalidConfig is returned when a slippage parameter is negative.
	ErrInvalidConfig = errors.New("slippage: parameters must be non-negative")

	// PriceScale is the number of decimal places for fill prices.
	PriceScale int32 = 8

	// PctScale is the number of decimal places kept on the slippage fraction.
	PctScale int32 = 10
)

// Config holds the slippage parameters. Percentages are fractions (0.0005 = 5 bps).
type Config struct {
	BasePct      decimal.Decimal
	VolumeImpact decimal.Decimal
	RandomMaxPct decimal.Decimal
	MaxPct       decimal.Decimal
	Latency      time.Duration
}

// DefaultConfig returns the stock paper-trading parameters.
func DefaultConfig() Config {
	return Config{
		BasePct:      decimal.NewFromFloat(0.0005),
		VolumeImpact: decimal.NewFromFloat(0.1),
		RandomMaxPct: decimal.NewFromFloat(0.001),
		MaxPct:       decimal.NewFromFloat(0.01),
		Latency:      500 * time.Millisecond,
	}
}

// Model computes slippage-adjusted fill prices. Safe for concurrent use.
type Model struct {
	cfg   Config
	mu    sync.Mutex
	noise distuv.Normal
}

// NewModel creates a model. A nil src seeds from the clock.
func NewModel(cfg Config, src rand.Source) (*Model, error) {
	for _, v := range []decimal.Decimal{cfg.BasePct, cfg.VolumeImpact, cfg.RandomMaxPct, cfg.MaxPct} {
		if v.IsNegative() {
			return nil, ErrInvalidConfig
		}
	}
	if cfg.Latency < 0 {
		return nil, ErrInvalidConfig
	}
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.NewPCG(seed, seed>>1)
	}
	return &Model{
		cfg: cfg,
		noise: distuv.Normal{
			Mu:    0,
			Sigma: cfg.RandomMaxPct.InexactFloat64() / 2,
			Src:   src,
		},
	}, nil
}

// Config returns the model parameters.
func (m *Model) Config() Config {
	return m.cfg
}

// Pct returns the slippage fraction for an order of qty against a quote
// showing volume. A zero volume contributes no impact term.
func (m *Model) Pct(qty, volume decimal.Decimal) decimal.Decimal {
	pct := m.cfg.BasePct
	if volume.IsPositive() {
		pct = pct.Add(qty.Div(volume).Mul(m.cfg.VolumeImpact))
	}
	if m.cfg.RandomMaxPct.IsPositive() {
		m.mu.Lock()
		n := m.noise.Rand()
		m.mu.Unlock()
		pct = pct.Add(decimal.NewFromFloat(n))
	}
	pct = pct.Round(PctScale)

	// Clamp to ±max.
	if m.cfg.MaxPct.IsPositive() {
		if pct.GreaterThan(m.cfg.MaxPct) {
			return m.cfg.MaxPct
		}
		if pct.LessThan(m.cfg.MaxPct.Neg()) {
			return m.cfg.MaxPct.Neg()
		}
	}
	return pct
}

// FillPrice returns the execution price for a marketable order and the
// slippage fraction applied. Buys fill off the ask, sells off the bid.
func (m *Model) FillPrice(side model.Side, qty decimal.Decimal, md model.MarketData) (decimal.Decimal, decimal.Decimal, error) {
	touch := md.Ask
	if side == model.SideSell {
		touch = md.Bid
	}
	if !touch.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: no %s-side quote for %s",
			model.ErrMarketDataNotAvailable, side, md.Symbol)
	}

	pct := m.Pct(qty, md.Volume)
	one := decimal.NewFromInt(1)
	factor := one.Add(pct)
	if side == model.SideSell {
		factor = one.Sub(pct)
	}
	return touch.Mul(factor).Round(PriceScale), pct, nil
}

// Liquidity distinguishes resting (maker) from aggressive (taker) fills.
type Liquidity string

const (
	Maker Liquidity = "maker"
	Taker Liquidity = "taker"
)

// FeeSchedule holds maker and taker rates as fractions of notional.
type FeeSchedule struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// DefaultFees returns 2 bps maker / 5 bps taker.
func DefaultFees() FeeSchedule {
	return FeeSchedule{
		Maker: decimal.NewFromFloat(0.0002),
		Taker: decimal.NewFromFloat(0.0005),
	}
}

// Fee returns the fee on notional for the given liquidity.
func (f FeeSchedule) Fee(notional decimal.Decimal, liq Liquidity) decimal.Decimal {
	rate := f.Taker
	if liq == Maker {
		rate = f.Maker
	}
	return notional.Abs().Mul(rate)
}
