// Package pnl derives running performance metrics from ledger state and fills.
package pnl

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Tracker accumulates PerformanceMetrics. Not safe for concurrent use; the
// engine updates it under its own lock after every fill and tick.
type Tracker struct {
	m model.PerformanceMetrics
}

// NewTracker starts tracking from the initial balance.
func NewTracker(initial decimal.Decimal, start time.Time) *Tracker {
	return &Tracker{m: model.PerformanceMetrics{
		InitialBalance: initial,
		CurrentBalance: initial,
		Equity:         initial,
		PeakBalance:    initial,
		StartTime:      start,
		LastUpdate:     start,
	}}
}

// RecordFill adds the fee and, for fills that closed size, counts the round
// trip as a win or loss.
func (t *Tracker) RecordFill(fee, realized decimal.Decimal, closing bool) {
	t.m.TotalFees = t.m.TotalFees.Add(fee)
	if !closing {
		return
	}
	t.m.TotalTrades++
	switch realized.Sign() {
	case 1:
		t.m.WinningTrades++
	case -1:
		t.m.LosingTrades++
	}
}

// Snapshot inputs taken from the ledger.
type Snapshot struct {
	Balance    decimal.Decimal
	Equity     decimal.Decimal
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
	Funding    decimal.Decimal
}

// Update refreshes balances and the peak/drawdown watermark from equity.
func (t *Tracker) Update(s Snapshot, now time.Time) {
	t.m.CurrentBalance = s.Balance
	t.m.Equity = s.Equity
	t.m.RealizedPnL = s.Realized
	t.m.UnrealizedPnL = s.Unrealized
	t.m.FundingPnL = s.Funding
	t.m.LastUpdate = now

	if s.Equity.GreaterThan(t.m.PeakBalance) {
		t.m.PeakBalance = s.Equity
	}
	drawdown := t.m.PeakBalance.Sub(s.Equity)
	if drawdown.GreaterThan(t.m.MaxDrawdown) {
		t.m.MaxDrawdown = drawdown
	}
	if t.m.PeakBalance.IsPositive() {
		pct := drawdown.Div(t.m.PeakBalance).Mul(hundred)
		if pct.GreaterThan(t.m.MaxDrawdownPct) {
			t.m.MaxDrawdownPct = pct
		}
	}
}

// Metrics returns a copy of the current metrics.
func (t *Tracker) Metrics() model.PerformanceMetrics {
	return t.m
}

// Report is the end-of-run summary handed to external report renderers.
type Report struct {
	Metrics             model.PerformanceMetrics `json:"metrics"`
	NetPnL              decimal.Decimal          `json:"net_pnl"`
	TotalReturnPct      decimal.Decimal          `json:"total_return_pct"`
	AnnualizedReturnPct decimal.Decimal          `json:"annualized_return_pct"`
	WinRatePct          decimal.Decimal          `json:"win_rate_pct"`
	DurationDays        decimal.Decimal          `json:"duration_days"`
	GeneratedAt         time.Time                `json:"generated_at"`
}

// Report summarizes performance as of now.
func (t *Tracker) Report(now time.Time) Report {
	m := t.m
	r := Report{
		Metrics:     m,
		NetPnL:      m.Equity.Sub(m.InitialBalance),
		GeneratedAt: now,
	}
	if m.InitialBalance.IsPositive() {
		r.TotalReturnPct = r.NetPnL.Div(m.InitialBalance).Mul(hundred).Round(4)
	}
	if m.TotalTrades > 0 {
		r.WinRatePct = decimal.NewFromInt(int64(m.WinningTrades)).
			Div(decimal.NewFromInt(int64(m.TotalTrades))).Mul(hundred).Round(4)
	}

	days := now.Sub(m.StartTime).Hours() / 24
	r.DurationDays = decimal.NewFromFloat(days).Round(4)
	if days > 0 {
		r.AnnualizedReturnPct = annualize(r.TotalReturnPct.InexactFloat64()/100, days)
	}
	return r
}

// annualize compounds a total return over days into a yearly rate, in percent.
func annualize(total, days float64) decimal.Decimal {
	growth := 1 + total
	if growth <= 0 {
		return hundred.Neg()
	}
	annual := math.Pow(growth, 365/days) - 1
	if math.IsInf(annual, 0) || math.IsNaN(annual) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(annual * 100).Round(4)
}
