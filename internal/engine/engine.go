// Package engine is the execution simulator. It owns the position ledger,
// the active order book and the performance tracker, and serializes every
// mutation of them through one lock. Everything else (persistence, alerts,
// circuit-breaker bookkeeping) happens after the lock is released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/correlation"
	"github.com/atmx/execution-engine/internal/ledger"
	"github.com/atmx/execution-engine/internal/marketdata"
	"github.com/atmx/execution-engine/internal/metrics"
	"github.com/atmx/execution-engine/internal/model"
	"github.com/atmx/execution-engine/internal/orderbook"
	"github.com/atmx/execution-engine/internal/pnl"
	"github.com/atmx/execution-engine/internal/retry"
	"github.com/atmx/execution-engine/internal/safety"
	"github.com/atmx/execution-engine/internal/slippage"
	"github.com/atmx/execution-engine/internal/store"
)

// persistTimeout bounds trade log writes after a fill.
const persistTimeout = 5 * time.Second

// AlertSink receives engine alerts. The alert pipeline implements it.
type AlertSink interface {
	Send(level model.AlertLevel, message, symbol, orderID string)
}

// Config holds account parameters.
type Config struct {
	InitialBalance decimal.Decimal
	Fees           slippage.FeeSchedule
	// SubmitTimeout bounds the simulated exchange round trip. Zero means
	// only the caller's context applies.
	SubmitTimeout time.Duration
}

// Deps are the collaborators an Engine needs. Quotes, Slippage, Store,
// Breaker and Stop are required.
type Deps struct {
	Quotes   *marketdata.Cache
	Slippage *slippage.Model
	Store    store.Store
	Breaker  *safety.CircuitBreaker
	Stop     *safety.EmergencyStop
	Limiter  *correlation.PositionLimiter // optional
	Alerts   AlertSink                    // optional
	Retries  *retry.Scheduler             // optional
	Logger   *slog.Logger
	Clock    func() time.Time // defaults to time.Now
}

// Engine simulates order execution against cached market data.
type Engine struct {
	cfg     Config
	quotes  *marketdata.Cache
	slip    *slippage.Model
	store   store.Store
	breaker *safety.CircuitBreaker
	stop    *safety.EmergencyStop
	limiter *correlation.PositionLimiter
	alerts  AlertSink
	retries *retry.Scheduler
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	ledger      *ledger.Ledger
	book        *orderbook.Book
	tracker     *pnl.Tracker
	lastFunding map[string]time.Time
}

// New creates an engine funded with cfg.InitialBalance.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Quotes == nil || deps.Slippage == nil || deps.Store == nil || deps.Breaker == nil || deps.Stop == nil {
		return nil, errors.New("engine: quotes, slippage, store, breaker and stop are required")
	}
	if !cfg.InitialBalance.IsPositive() {
		return nil, fmt.Errorf("engine: initial balance must be positive, got %s", cfg.InitialBalance)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		cfg:         cfg,
		quotes:      deps.Quotes,
		slip:        deps.Slippage,
		store:       deps.Store,
		breaker:     deps.Breaker,
		stop:        deps.Stop,
		limiter:     deps.Limiter,
		alerts:      deps.Alerts,
		retries:     deps.Retries,
		logger:      logger.With(slog.String("component", "engine")),
		now:         now,
		ledger:      ledger.New(cfg.InitialBalance),
		book:        orderbook.New(),
		tracker:     pnl.NewTracker(cfg.InitialBalance, now()),
		lastFunding: make(map[string]time.Time),
	}
	e.breaker.ObserveAccountValue(cfg.InitialBalance)
	metrics.AccountEquity.Set(cfg.InitialBalance.InexactFloat64())
	return e, nil
}

// effects collects the side effects of one locked section so they can run
// after the lock is released.
type effects struct {
	trades   []model.TradeLogEntry
	orders   []model.OrderResult
	fills    []model.OrderResult
	outcomes []bool
	alerts   []model.AlertMessage
	payments []model.FundingPayment
}

func (fx *effects) alert(level model.AlertLevel, msg, symbol, orderID string) {
	fx.alerts = append(fx.alerts, model.AlertMessage{Level: level, Message: msg, Symbol: symbol, OrderID: orderID})
}

// finished records a terminal order.
func (fx *effects) finished(r model.OrderResult) {
	fx.orders = append(fx.orders, r)
	metrics.OrdersTotal.WithLabelValues(string(r.Type), string(r.Status)).Inc()
}

// Execute runs one order through the simulator. Market orders and marketable
// IOC/FOK limits fill immediately; other orders rest in the active order
// book with status Submitted. Every result other than an emergency-stop
// refusal is reported to the circuit breaker.
func (e *Engine) Execute(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	start := time.Now()
	defer func() {
		metrics.ExecutionLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	}()

	now := e.now()
	if req.TimeInForce == "" {
		req.TimeInForce = model.GTC
	}
	res := model.NewOrderResult(uuid.New().String(), req, now)

	if e.stop.Active() {
		return e.refuse(ctx, res, now)
	}

	if err := req.Validate(); err != nil {
		var fx effects
		e.reject(&fx, &res, err, now)
		fx.alert(model.AlertWarning, "Order validation failed: "+err.Error(), req.Symbol, res.OrderID)
		fx.outcomes = append(fx.outcomes, false)
		return res, e.failed(err, e.flush(ctx, &fx))
	}

	// A tripped breaker refuses before any work is done.
	if err := e.breaker.Check(); err != nil {
		var fx effects
		e.reject(&fx, &res, err, now)
		e.flush(ctx, &fx)
		return res, err
	}

	if err := e.simulateLatency(ctx); err != nil {
		var fx effects
		e.reject(&fx, &res, err, e.now())
		fx.alert(model.AlertError, "Order submission failed: "+err.Error(), req.Symbol, res.OrderID)
		fx.outcomes = append(fx.outcomes, false)
		return res, e.failed(err, e.flush(ctx, &fx))
	}

	// The stop may have been set while the order was in flight.
	if e.stop.Active() {
		return e.refuse(ctx, res, e.now())
	}

	var fx effects
	e.mu.Lock()
	err := e.placeLocked(&fx, &res, req, e.now())
	e.mu.Unlock()

	fx.outcomes = append(fx.outcomes, err == nil)
	if err != nil {
		fx.alert(model.AlertError, "Order execution failed: "+err.Error(), req.Symbol, res.OrderID)
	}
	tripErr := e.flush(ctx, &fx)
	if err != nil {
		return res, e.failed(err, tripErr)
	}
	return res, nil
}

// failed attaches the circuit breaker trip caused by a failed order, if any,
// so callers can match both the order error and ErrSafetyCircuitBreaker.
func (e *Engine) failed(err, tripErr error) error {
	if tripErr == nil {
		return err
	}
	e.logger.Warn("failed order tripped circuit breaker", "err", err, "trip", tripErr)
	return fmt.Errorf("%w; %w", err, tripErr)
}

// Submit executes req and, when the failure is transient, hands it to the
// retry scheduler.
func (e *Engine) Submit(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	res, err := e.Execute(ctx, req)
	if err != nil && e.retries != nil && model.IsRetryable(err) {
		if id := e.retries.Schedule(req, err); id != "" {
			e.logger.Info("order queued for retry", "order_id", res.OrderID, "retry_id", id, "err", err)
		}
	}
	return res, err
}

// refuse rejects an order because the emergency stop is set. The refusal is
// recorded in the order history but is not a breaker outcome.
func (e *Engine) refuse(ctx context.Context, res model.OrderResult, now time.Time) (model.OrderResult, error) {
	reason, _ := e.stop.Reason()
	err := fmt.Errorf("%w: %s", model.ErrEmergencyStop, reason)
	var fx effects
	e.reject(&fx, &res, err, now)
	_ = e.flush(ctx, &fx)
	return res, err
}

func (e *Engine) simulateLatency(ctx context.Context) error {
	latency := e.slip.Config().Latency
	if latency <= 0 {
		return ctx.Err()
	}
	wctx := ctx
	if e.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		defer cancel()
	}
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-wctx.Done():
		return fmt.Errorf("%w: submission interrupted after %s: %w", model.ErrOrderExecutionFailed, e.cfg.SubmitTimeout, wctx.Err())
	}
}

// placeLocked fills or rests a validated order. Must be called with e.mu held.
func (e *Engine) placeLocked(fx *effects, res *model.OrderResult, req model.OrderRequest, now time.Time) error {
	switch {
	case req.Type == model.OrderMarket:
		md, err := e.quotes.Get(req.Symbol)
		if err != nil {
			e.reject(fx, res, err, now)
			return err
		}
		price, pct, err := e.slip.FillPrice(req.Side, req.Quantity, md)
		if err != nil {
			e.reject(fx, res, err, now)
			return err
		}
		return e.fillLocked(fx, res, req, price, pct, slippage.Taker, now)

	case req.Type == model.OrderLimit && (req.TimeInForce == model.IOC || req.TimeInForce == model.FOK):
		md, err := e.quotes.Get(req.Symbol)
		if err != nil {
			e.reject(fx, res, err, now)
			return err
		}
		if !orderbook.LimitMarketable(req.Side, *req.Price, md) {
			_ = res.Transition(model.StatusSubmitted, now)
			_ = res.Transition(model.StatusCancelled, now)
			res.Error = fmt.Sprintf("%s limit at %s not marketable", req.TimeInForce, req.Price)
			fx.finished(*res)
			return nil
		}
		return e.fillLocked(fx, res, req, *req.Price, decimal.Zero, slippage.Taker, now)
	}

	ref := req.Price
	if ref == nil {
		ref = req.StopPrice
	}
	if err := e.preTradeLocked(req, *ref); err != nil {
		e.reject(fx, res, err, now)
		return err
	}
	if err := res.Transition(model.StatusSubmitted, now); err != nil {
		return err
	}
	o := &model.SimulatedOrder{
		Request:   req,
		Result:    *res,
		CreatedAt: now,
		UpdatedAt: now,
		Latency:   e.slip.Config().Latency,
	}
	if err := e.book.Add(o); err != nil {
		e.reject(fx, res, err, now)
		return fmt.Errorf("%w: %w", model.ErrOrderExecutionFailed, err)
	}
	metrics.ActiveOrders.Set(float64(e.book.Len()))
	metrics.OrdersTotal.WithLabelValues(string(res.Type), string(res.Status)).Inc()
	e.logger.Info("order resting", "order_id", res.OrderID, "symbol", req.Symbol, "type", req.Type, "side", req.Side)
	return nil
}

// preTradeLocked applies the reduce-only and exposure limit checks at price.
func (e *Engine) preTradeLocked(req model.OrderRequest, price decimal.Decimal) error {
	delta := req.SignedQuantity()
	if req.ReduceOnly {
		pos, ok := e.ledger.Position(req.Symbol)
		if !ok || pos.IsFlat() || pos.Size.Sign() == delta.Sign() || req.Quantity.GreaterThan(pos.Size.Abs()) {
			return fmt.Errorf("%w: reduce-only order would increase %s position", model.ErrOrderExecutionFailed, req.Symbol)
		}
	}
	if e.limiter != nil {
		if err := e.limiter.CheckLimit(req.Symbol, delta.Mul(price), e.ledger.Exposures()); err != nil {
			metrics.ExposureLimitRejections.Inc()
			return fmt.Errorf("%w: %w", model.ErrOrderExecutionFailed, err)
		}
	}
	return nil
}

// fillLocked applies a full fill of req at price. A ledger rejection leaves
// the result Rejected and nothing applied.
func (e *Engine) fillLocked(fx *effects, res *model.OrderResult, req model.OrderRequest, price, slipPct decimal.Decimal, liq slippage.Liquidity, now time.Time) error {
	if err := e.preTradeLocked(req, price); err != nil {
		e.reject(fx, res, err, now)
		return err
	}
	if res.Status == model.StatusCreated {
		if err := res.Transition(model.StatusSubmitted, now); err != nil {
			return err
		}
	}

	notional := req.Quantity.Mul(price)
	fee := e.cfg.Fees.Fee(notional, liq)
	fr, err := e.ledger.ApplyFill(ledger.Fill{
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     price,
		Fee:       fee,
		Timestamp: now,
	})
	if err != nil {
		e.reject(fx, res, err, now)
		return err
	}
	if err := res.ApplyFill(req.Quantity, price, fee, now); err != nil {
		return err
	}

	trade := model.TradeLogEntry{
		ID:        uuid.New().String(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     price,
		Timestamp: now,
		Fees:      fee,
		OrderType: req.Type,
		OrderID:   res.OrderID,
	}
	if fr.Closing() {
		realized := fr.RealizedPnL
		trade.PnL = &realized
	}
	e.tracker.RecordFill(fee, fr.RealizedPnL, fr.Closing())
	e.refreshLocked(now)

	fx.trades = append(fx.trades, trade)
	fx.fills = append(fx.fills, *res)
	fx.finished(*res)
	fx.alert(model.AlertInfo,
		fmt.Sprintf("Order filled: %s %s %s @ %s", req.Side, req.Quantity, req.Symbol, price),
		req.Symbol, res.OrderID)

	metrics.FillsTotal.WithLabelValues(string(req.Side), string(liq)).Inc()
	metrics.TradedNotional.WithLabelValues(req.Symbol, string(req.Side)).Add(notional.InexactFloat64())
	e.logger.Info("order filled",
		"order_id", res.OrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Quantity.String(),
		"price", price.String(),
		"fee", fee.String(),
		"slippage_pct", slipPct.String(),
		"realized_pnl", fr.RealizedPnL.String(),
		"balance", fr.Balance.String(),
	)
	return nil
}

// reject ends res as Rejected unless it already ended.
func (e *Engine) reject(fx *effects, res *model.OrderResult, cause error, now time.Time) {
	if res.Status.IsTerminal() {
		return
	}
	if err := res.Reject(cause.Error(), now); err != nil {
		e.logger.Error("reject order", "order_id", res.OrderID, "err", err)
		return
	}
	fx.finished(*res)
	e.logger.Warn("order rejected", "order_id", res.OrderID, "symbol", res.Symbol, "reason", cause.Error())
}

// refreshLocked recomputes performance metrics from the ledger.
func (e *Engine) refreshLocked(now time.Time) {
	realized, unrealized, funding := e.ledger.Totals()
	equity := e.ledger.Equity()
	e.tracker.Update(pnl.Snapshot{
		Balance:    e.ledger.Balance(),
		Equity:     equity,
		Realized:   realized,
		Unrealized: unrealized,
		Funding:    funding,
	}, now)
	metrics.AccountEquity.Set(equity.InexactFloat64())
}

// flush runs the deferred side effects of a locked section, then feeds the
// circuit breaker and evaluates it. It returns the breaker's error, if any.
//
// The ledger has already changed, so persistence ignores cancellation of ctx
// and is bounded by persistTimeout instead.
func (e *Engine) flush(ctx context.Context, fx *effects) error {
	if len(fx.trades) > 0 || len(fx.orders) > 0 {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		e.persist(pctx, fx)
		cancel()
	}
	if e.alerts != nil {
		for _, a := range fx.alerts {
			e.alerts.Send(a.Level, a.Message, a.Symbol, a.OrderID)
		}
	}
	for _, ok := range fx.outcomes {
		e.breaker.RecordOrderOutcome(ok)
	}

	e.mu.Lock()
	equity := e.ledger.Equity()
	positions := e.ledger.Positions()
	e.mu.Unlock()

	e.breaker.ObserveAccountValue(equity)
	e.breaker.ObservePositions(positions)
	return e.breaker.Check()
}

func (e *Engine) persist(ctx context.Context, fx *effects) {
	for i := range fx.trades {
		if err := e.store.AppendTrade(ctx, &fx.trades[i]); err != nil {
			e.logger.Error("persist trade", "trade_id", fx.trades[i].ID, "err", err)
		}
	}
	for i := range fx.orders {
		if err := e.store.AppendOrder(ctx, &fx.orders[i]); err != nil {
			e.logger.Error("persist order", "order_id", fx.orders[i].OrderID, "err", err)
		}
	}
}

// Cancel removes a resting order and returns it as Cancelled.
func (e *Engine) Cancel(ctx context.Context, orderID string) (model.OrderResult, error) {
	var fx effects
	e.mu.Lock()
	o, err := e.book.Remove(orderID)
	if err != nil {
		e.mu.Unlock()
		return model.OrderResult{}, fmt.Errorf("%w: %w", model.ErrOrderCancellationFailed, err)
	}
	res := e.cancelLocked(&fx, o, "cancelled by request", e.now())
	e.mu.Unlock()

	e.flush(ctx, &fx)
	return res, nil
}

// CancelAll cancels every resting order with reason.
func (e *Engine) CancelAll(ctx context.Context, reason string) []model.OrderResult {
	var fx effects
	e.mu.Lock()
	now := e.now()
	orders := e.book.Drain()
	out := make([]model.OrderResult, 0, len(orders))
	for _, o := range orders {
		out = append(out, e.cancelLocked(&fx, o, reason, now))
	}
	e.mu.Unlock()

	if len(out) > 0 {
		e.logger.Warn("cancelled resting orders", "count", len(out), "reason", reason)
		e.flush(ctx, &fx)
	}
	return out
}

func (e *Engine) cancelLocked(fx *effects, o *model.SimulatedOrder, reason string, now time.Time) model.OrderResult {
	if err := o.Result.Transition(model.StatusCancelled, now); err != nil {
		e.logger.Error("cancel order", "order_id", o.ID(), "err", err)
	}
	o.Result.Error = reason
	o.UpdatedAt = now
	fx.finished(o.Result)
	metrics.ActiveOrders.Set(float64(e.book.Len()))
	return o.Result
}

// OnMarketData ingests a tick: it updates the quote cache, marks positions,
// expires GTD orders, fills resting orders the tick triggers and settles
// funding. Resting orders are not triggered while the emergency stop is set.
// It returns the results of every order that left the book.
func (e *Engine) OnMarketData(ctx context.Context, md model.MarketData) ([]model.OrderResult, error) {
	fx, err := e.onTick(ctx, md)
	if err != nil {
		return nil, err
	}
	return fx.orders, nil
}

func (e *Engine) onTick(ctx context.Context, md model.MarketData) (*effects, error) {
	if err := e.quotes.Update(ctx, md); err != nil {
		return nil, err
	}
	e.breaker.ObservePrice(md.Symbol, md.Price, md.Timestamp)

	fx := &effects{}
	e.mu.Lock()
	now := e.now()
	e.ledger.Mark(md.Symbol, md.Price, now)

	for _, o := range e.book.Expire(now) {
		if err := o.Result.Transition(model.StatusExpired, now); err == nil {
			o.Result.Error = "order expired"
			fx.finished(o.Result)
		}
	}

	if !e.stop.Active() {
		for _, t := range e.book.Evaluate(md) {
			e.triggerLocked(fx, t, md, now)
		}
	}

	e.settleFundingLocked(fx, md, now)
	e.refreshLocked(now)
	metrics.ActiveOrders.Set(float64(e.book.Len()))
	e.mu.Unlock()

	e.flush(ctx, fx)
	return fx, nil
}

// triggerLocked fills an order released by the book. Limits fill at their
// limit price as maker; stops fill at the slippage price as taker.
func (e *Engine) triggerLocked(fx *effects, t orderbook.Trigger, md model.MarketData, now time.Time) {
	o := t.Order
	req := o.Request
	o.UpdatedAt = now

	var err error
	if t.AtLimit {
		err = e.fillLocked(fx, &o.Result, req, *req.Price, decimal.Zero, slippage.Maker, now)
	} else {
		var price, pct decimal.Decimal
		price, pct, err = e.slip.FillPrice(req.Side, req.Quantity, md)
		if err != nil {
			e.reject(fx, &o.Result, err, now)
		} else {
			o.SlippagePct = pct
			err = e.fillLocked(fx, &o.Result, req, price, pct, slippage.Taker, now)
		}
	}
	fx.outcomes = append(fx.outcomes, err == nil)
	if err != nil {
		fx.alert(model.AlertError, "Triggered order failed: "+err.Error(), req.Symbol, o.ID())
	}
}

// settleFundingLocked books a funding payment once per funding time, when
// the tick reports a rate and a funding time that has passed.
func (e *Engine) settleFundingLocked(fx *effects, md model.MarketData, now time.Time) {
	if md.FundingRate == nil || md.NextFundingTime == nil {
		return
	}
	at := *md.NextFundingTime
	if at.After(md.Timestamp) || e.lastFunding[md.Symbol].Equal(at) {
		return
	}
	pos, ok := e.ledger.Position(md.Symbol)
	if !ok || pos.IsFlat() {
		return
	}
	e.lastFunding[md.Symbol] = at
	amount := pos.Size.Mul(md.Price).Mul(*md.FundingRate).Neg()
	if _, err := e.ledger.ApplyFunding(md.Symbol, amount, now); err != nil {
		e.logger.Error("settle funding", "symbol", md.Symbol, "err", err)
		return
	}
	fx.payments = append(fx.payments, model.FundingPayment{
		Symbol:    md.Symbol,
		Rate:      *md.FundingRate,
		Size:      pos.Size,
		Amount:    amount,
		Timestamp: now,
	})
	e.logger.Info("funding settled", "symbol", md.Symbol, "rate", md.FundingRate.String(), "amount", amount.String())
}

// ApplyFunding books an explicit funding payment against a position.
func (e *Engine) ApplyFunding(ctx context.Context, symbol string, amount decimal.Decimal) (model.FundingPayment, error) {
	e.mu.Lock()
	now := e.now()
	pos, err := e.ledger.ApplyFunding(symbol, amount, now)
	if err != nil {
		e.mu.Unlock()
		return model.FundingPayment{}, err
	}
	e.refreshLocked(now)
	e.mu.Unlock()

	var fx effects
	e.flush(ctx, &fx)
	return model.FundingPayment{Symbol: symbol, Size: pos.Size, Amount: amount, Timestamp: now}, nil
}

// ActivateEmergencyStop halts trading, cancels every resting order and
// raises a Critical alert. It returns false if the stop was already set.
func (e *Engine) ActivateEmergencyStop(ctx context.Context, reason string) bool {
	if !e.stop.Activate(reason) {
		return false
	}
	e.logger.Error("emergency stop activated", "reason", reason)
	e.CancelAll(ctx, "emergency stop: "+reason)
	if e.alerts != nil {
		e.alerts.Send(model.AlertCritical, "Emergency stop activated: "+reason, "", "")
	}
	return true
}

// ClearEmergencyStop resumes trading and resets the circuit breaker. It
// returns false if the stop was not set.
func (e *Engine) ClearEmergencyStop() bool {
	if !e.stop.Clear() {
		return false
	}
	e.breaker.Reset()
	e.mu.Lock()
	equity := e.ledger.Equity()
	e.mu.Unlock()
	e.breaker.ObserveAccountValue(equity)

	e.logger.Warn("emergency stop cleared")
	if e.alerts != nil {
		e.alerts.Send(model.AlertWarning, "Emergency stop cleared, trading resumed", "", "")
	}
	return true
}

// Monitor evaluates the circuit breaker every interval and cancels resting
// orders once the emergency stop is set. It returns when ctx is done.
func (e *Engine) Monitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.checkSafety(ctx)
		}
	}
}

func (e *Engine) checkSafety(ctx context.Context) {
	e.mu.Lock()
	equity := e.ledger.Equity()
	positions := e.ledger.Positions()
	resting := e.book.Len()
	e.mu.Unlock()

	e.breaker.ObserveAccountValue(equity)
	e.breaker.ObservePositions(positions)
	if err := e.breaker.Check(); err != nil {
		e.logger.Debug("safety check failed", "err", err)
	}
	if e.stop.Active() && resting > 0 {
		reason, _ := e.stop.Reason()
		e.CancelAll(ctx, "emergency stop: "+reason)
	}
}
