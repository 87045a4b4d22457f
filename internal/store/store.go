// Package store persists the trade log and order history. PostgreSQL is the
// source of truth, Redis is a read-through cache in front of it, and the
// in-memory store serves tests and paper sessions without a database.
package store

import (
	"context"
	"errors"

	"github.com/atmx/execution-engine/internal/model"
)

// ErrDuplicate is returned when a record id is appended twice.
var ErrDuplicate = errors.New("store: duplicate record")

// Store is append-only: trades and finished orders are never updated.
type Store interface {
	// AppendTrade records one fill.
	AppendTrade(ctx context.Context, t *model.TradeLogEntry) error

	// Trades returns fills oldest first. An empty symbol returns every fill.
	Trades(ctx context.Context, symbol string) ([]model.TradeLogEntry, error)

	// AppendOrder records an order that reached a terminal status.
	AppendOrder(ctx context.Context, o *model.OrderResult) error

	// Orders returns finished orders oldest first.
	Orders(ctx context.Context) ([]model.OrderResult, error)
}
