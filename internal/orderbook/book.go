// Package orderbook holds resting limit and stop orders and decides which of
// them a market-data tick triggers.
//
// The book never fills anything itself. Triggered orders are removed and
// handed back to the engine, which fills or rejects them; either way they
// have left the book.
package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/model"
)

var (
	ErrDuplicateOrder = errors.New("orderbook: duplicate order id")
	ErrOrderNotFound  = errors.New("orderbook: order not found")
	ErrNotResting     = errors.New("orderbook: market orders cannot rest")
)

// Trigger is a resting order whose condition a tick satisfied.
type Trigger struct {
	Order *model.SimulatedOrder
	// AtLimit is true when the order fills at its limit price as maker
	// liquidity. Otherwise it fills at the slippage price as taker.
	AtLimit bool
}

// Book is the active order book. Not safe for concurrent use; the engine
// serializes access.
type Book struct {
	orders map[string]*model.SimulatedOrder
	seq    []string // insertion order
}

// New creates an empty book.
func New() *Book {
	return &Book{orders: make(map[string]*model.SimulatedOrder)}
}

// Add places an order in the book.
func (b *Book) Add(o *model.SimulatedOrder) error {
	if o.Request.Type == model.OrderMarket {
		return ErrNotResting
	}
	id := o.ID()
	if _, ok := b.orders[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, id)
	}
	b.orders[id] = o
	b.seq = append(b.seq, id)
	return nil
}

// Remove takes an order out of the book.
func (b *Book) Remove(id string) (*model.SimulatedOrder, error) {
	o, ok := b.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	delete(b.orders, id)
	b.compact()
	return o, nil
}

// Drain removes and returns every order in insertion order.
func (b *Book) Drain() []*model.SimulatedOrder {
	out := make([]*model.SimulatedOrder, 0, len(b.orders))
	for _, id := range b.seq {
		if o, ok := b.orders[id]; ok {
			out = append(out, o)
		}
	}
	b.orders = make(map[string]*model.SimulatedOrder)
	b.seq = nil
	return out
}

// Evaluate checks every resting order on md.Symbol against the tick. Orders
// whose condition holds are removed and returned in insertion order.
// Stop-limit and take-profit-limit orders whose stop is crossed are armed and
// then evaluated as limits on the same tick.
func (b *Book) Evaluate(md model.MarketData) []Trigger {
	var out []Trigger
	for _, id := range b.seq {
		o, ok := b.orders[id]
		if !ok || o.Request.Symbol != md.Symbol {
			continue
		}
		fire, atLimit := evaluate(o, md)
		if !fire {
			continue
		}
		delete(b.orders, id)
		out = append(out, Trigger{Order: o, AtLimit: atLimit})
	}
	if len(out) > 0 {
		b.compact()
	}
	return out
}

// Expire removes GTD orders whose expiry is at or before now.
func (b *Book) Expire(now time.Time) []*model.SimulatedOrder {
	var out []*model.SimulatedOrder
	for _, id := range b.seq {
		o, ok := b.orders[id]
		if !ok || o.Request.TimeInForce != model.GTD || o.Request.ExpireAt == nil {
			continue
		}
		if !o.Request.ExpireAt.After(now) {
			delete(b.orders, id)
			out = append(out, o)
		}
	}
	if len(out) > 0 {
		b.compact()
	}
	return out
}

// Active returns copies of the resting orders in insertion order.
func (b *Book) Active() []model.SimulatedOrder {
	out := make([]model.SimulatedOrder, 0, len(b.orders))
	for _, id := range b.seq {
		if o, ok := b.orders[id]; ok {
			out = append(out, *o)
		}
	}
	return out
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }

func (b *Book) compact() {
	kept := b.seq[:0]
	for _, id := range b.seq {
		if _, ok := b.orders[id]; ok {
			kept = append(kept, id)
		}
	}
	b.seq = kept
}

func evaluate(o *model.SimulatedOrder, md model.MarketData) (fire bool, atLimit bool) {
	req := o.Request
	switch req.Type {
	case model.OrderLimit:
		return LimitMarketable(req.Side, *req.Price, md), true

	case model.OrderStopMarket:
		return StopTriggered(req.Side, *req.StopPrice, md.Price), false

	case model.OrderTakeProfitMarket:
		return TakeProfitTriggered(req.Side, *req.StopPrice, md.Price), false

	case model.OrderStopLimit, model.OrderTakeProfitLimit:
		if !o.Armed {
			crossed := StopTriggered(req.Side, *req.StopPrice, md.Price)
			if req.Type == model.OrderTakeProfitLimit {
				crossed = TakeProfitTriggered(req.Side, *req.StopPrice, md.Price)
			}
			if !crossed {
				return false, false
			}
			o.Armed = true
			o.UpdatedAt = md.Timestamp
		}
		return LimitMarketable(req.Side, *req.Price, md), true
	}
	return false, false
}

// LimitMarketable reports whether a limit at price can trade against md:
// buys when ask ≤ limit, sells when bid ≥ limit. A missing side never trades.
func LimitMarketable(side model.Side, limit decimal.Decimal, md model.MarketData) bool {
	if side == model.SideBuy {
		return md.Ask.IsPositive() && md.Ask.LessThanOrEqual(limit)
	}
	return md.Bid.IsPositive() && md.Bid.GreaterThanOrEqual(limit)
}

// StopTriggered reports whether a stop fires: buys when price ≥ stop, sells
// when price ≤ stop.
func StopTriggered(side model.Side, stop, price decimal.Decimal) bool {
	if side == model.SideBuy {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// TakeProfitTriggered is the mirror of StopTriggered: buys when price ≤ stop,
// sells when price ≥ stop.
func TakeProfitTriggered(side model.Side, stop, price decimal.Decimal) bool {
	if side == model.SideBuy {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}
