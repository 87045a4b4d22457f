package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and −1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) valid() bool { return s == SideBuy || s == SideSell }

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderMarket           OrderType = "MARKET"
	OrderLimit            OrderType = "LIMIT"
	OrderStopMarket       OrderType = "STOP_MARKET"
	OrderStopLimit        OrderType = "STOP_LIMIT"
	OrderTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTakeProfitLimit  OrderType = "TAKE_PROFIT_LIMIT"
)

// RequiresPrice reports whether the type belongs to the limit family.
func (t OrderType) RequiresPrice() bool {
	return t == OrderLimit || t == OrderStopLimit || t == OrderTakeProfitLimit
}

// RequiresStopPrice reports whether the type belongs to the stop family.
func (t OrderType) RequiresStopPrice() bool {
	return t == OrderStopMarket || t == OrderStopLimit ||
		t == OrderTakeProfitMarket || t == OrderTakeProfitLimit
}

func (t OrderType) valid() bool {
	switch t {
	case OrderMarket, OrderLimit, OrderStopMarket, OrderStopLimit,
		OrderTakeProfitMarket, OrderTakeProfitLimit:
		return true
	}
	return false
}

// TimeInForce controls how long a resting order stays in the book.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // good till cancelled
	IOC TimeInForce = "IOC" // immediate or cancel
	FOK TimeInForce = "FOK" // fill or kill
	GTD TimeInForce = "GTD" // good till date
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusCreated:         {StatusSubmitted, StatusRejected, StatusCancelled},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
}

// IsTerminal reports whether no transition can leave s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether s → to is a legal lifecycle step.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderRequest is what a strategy or operator submits.
type OrderRequest struct {
	Symbol        string            `json:"symbol"`
	Side          Side              `json:"side"`
	Type          OrderType         `json:"type"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         *decimal.Decimal  `json:"price,omitempty"`
	StopPrice     *decimal.Decimal  `json:"stop_price,omitempty"`
	ReduceOnly    bool              `json:"reduce_only"`
	TimeInForce   TimeInForce       `json:"time_in_force"`
	ExpireAt      *time.Time        `json:"expire_at,omitempty"` // GTD only
	ClientOrderID string            `json:"client_order_id,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
}

// NewMarketOrder builds a GTC market order.
func NewMarketOrder(symbol string, side Side, qty decimal.Decimal) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: side, Type: OrderMarket, Quantity: qty, TimeInForce: GTC}
}

// NewLimitOrder builds a GTC limit order.
func NewLimitOrder(symbol string, side Side, qty, price decimal.Decimal) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: side, Type: OrderLimit, Quantity: qty, Price: &price, TimeInForce: GTC}
}

// NewStopOrder builds a GTC stop-market order.
func NewStopOrder(symbol string, side Side, qty, stop decimal.Decimal) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: side, Type: OrderStopMarket, Quantity: qty, StopPrice: &stop, TimeInForce: GTC}
}

// Validate checks the request before it is accepted. Errors wrap ErrInvalidOrder.
func (o OrderRequest) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if !o.Side.valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	}
	if !o.Type.valid() {
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, o.Type)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: order quantity must be positive", ErrInvalidOrder)
	}
	if o.Type.RequiresPrice() {
		if o.Price == nil {
			return fmt.Errorf("%w: %s order requires a price", ErrInvalidOrder, o.Type)
		}
		if !o.Price.IsPositive() {
			return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
		}
	}
	if o.Type.RequiresStopPrice() {
		if o.StopPrice == nil {
			return fmt.Errorf("%w: %s order requires a stop price", ErrInvalidOrder, o.Type)
		}
		if !o.StopPrice.IsPositive() {
			return fmt.Errorf("%w: stop price must be positive", ErrInvalidOrder)
		}
	}
	switch o.TimeInForce {
	case "", GTC, IOC, FOK:
	case GTD:
		if o.ExpireAt == nil {
			return fmt.Errorf("%w: GTD order requires expire_at", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown time in force %q", ErrInvalidOrder, o.TimeInForce)
	}
	return nil
}

// SignedQuantity is +quantity for buys and −quantity for sells.
func (o OrderRequest) SignedQuantity() decimal.Decimal {
	return o.Quantity.Mul(o.Side.Sign())
}

// OrderResult carries an order's identity and its mutable fill state.
type OrderResult struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	Fees           decimal.Decimal `json:"fees"`
	Status         OrderStatus     `json:"status"`
	Error          string          `json:"error,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewOrderResult starts a result in the Created state.
func NewOrderResult(id string, req OrderRequest, now time.Time) OrderResult {
	return OrderResult{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Status:        StatusCreated,
		Timestamp:     now,
	}
}

// Transition moves the result to a new status if the lifecycle allows it.
func (r *OrderResult) Transition(to OrderStatus, now time.Time) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.Timestamp = now
	return nil
}

// ApplyFill records a fill and moves to Filled or PartiallyFilled.
func (r *OrderResult) ApplyFill(qty, price, fee decimal.Decimal, now time.Time) error {
	total := r.FilledQuantity.Add(qty)
	next := StatusFilled
	if total.LessThan(r.Quantity) {
		next = StatusPartiallyFilled
	}
	if err := r.Transition(next, now); err != nil {
		return err
	}
	notional := r.AveragePrice.Mul(r.FilledQuantity).Add(price.Mul(qty))
	r.FilledQuantity = total
	r.AveragePrice = notional.Div(total)
	r.Fees = r.Fees.Add(fee)
	return nil
}

// Reject ends the order as Rejected with the given reason.
func (r *OrderResult) Reject(reason string, now time.Time) error {
	if err := r.Transition(StatusRejected, now); err != nil {
		return err
	}
	r.Error = reason
	return nil
}

// SimulatedOrder is a resting order held by the active order book.
type SimulatedOrder struct {
	Request     OrderRequest    `json:"request"`
	Result      OrderResult     `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Latency     time.Duration   `json:"latency"`
	SlippagePct decimal.Decimal `json:"slippage_pct"`
	// Armed is set once a stop-limit or take-profit-limit has crossed its
	// stop price and now rests as a plain limit.
	Armed bool `json:"armed"`
}

// ID returns the order id.
func (o *SimulatedOrder) ID() string { return o.Result.OrderID }
