package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/model"
	"github.com/atmx/execution-engine/internal/pnl"
)

// Positions returns every position, flat ones included, sorted by symbol.
func (e *Engine) Positions() []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Positions()
}

// Position returns the position for symbol.
func (e *Engine) Position(symbol string) (model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.ledger.Position(symbol)
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", model.ErrPositionNotFound, symbol)
	}
	return p, nil
}

// RemovePosition drops a flat position from the ledger.
func (e *Engine) RemovePosition(symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.RemovePosition(symbol)
}

// Balance returns the cash balance.
func (e *Engine) Balance() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance()
}

// Equity returns cash plus marked positions plus funding.
func (e *Engine) Equity() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Equity()
}

// ActiveOrders returns the resting orders in placement order.
func (e *Engine) ActiveOrders() []model.SimulatedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Active()
}

// OrderHistory returns finished orders from the store.
func (e *Engine) OrderHistory(ctx context.Context) ([]model.OrderResult, error) {
	return e.store.Orders(ctx)
}

// Trades returns the trade log, optionally for one symbol.
func (e *Engine) Trades(ctx context.Context, symbol string) ([]model.TradeLogEntry, error) {
	return e.store.Trades(ctx, symbol)
}

// Metrics returns the running performance metrics.
func (e *Engine) Metrics() model.PerformanceMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.Metrics()
}

// Report summarizes performance as of now.
func (e *Engine) Report() pnl.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.Report(e.now())
}

// EmergencyStopActive reports whether trading is halted.
func (e *Engine) EmergencyStopActive() bool {
	return e.stop.Active()
}

// EmergencyStopReason returns why and since when trading is halted.
func (e *Engine) EmergencyStopReason() (string, time.Time) {
	return e.stop.Reason()
}
