package engine

import (
	"context"
	"fmt"

	"github.com/atmx/execution-engine/internal/model"
)

// Strategy is the decision logic driven by Run. The engine never looks
// inside it.
type Strategy interface {
	Name() string
	OnMarketData(ctx context.Context, md model.MarketData) ([]model.OrderRequest, error)
	OnOrderFill(ctx context.Context, result model.OrderResult) error
	OnFundingPayment(ctx context.Context, payment model.FundingPayment) error
	CurrentSignals() []model.Signal
}

// Run feeds ticks to the engine and the strategy until ticks is closed or
// ctx is done. Orders the strategy returns go through Submit, so transient
// failures are retried. Strategy errors raise an Error alert and do not stop
// the loop.
func (e *Engine) Run(ctx context.Context, s Strategy, ticks <-chan model.MarketData) error {
	logger := e.logger.With("strategy", s.Name())
	logger.Info("strategy started")
	defer logger.Info("strategy stopped")

	for {
		var md model.MarketData
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case md, ok = <-ticks:
			if !ok {
				return nil
			}
		}

		fx, err := e.onTick(ctx, md)
		if err != nil {
			logger.Warn("tick rejected", "symbol", md.Symbol, "err", err)
			continue
		}
		for _, r := range fx.fills {
			e.strategyErr(s, "on_order_fill", s.OnOrderFill(ctx, r))
		}
		for _, p := range fx.payments {
			e.strategyErr(s, "on_funding_payment", s.OnFundingPayment(ctx, p))
		}

		if e.stop.Active() {
			continue
		}
		orders, err := s.OnMarketData(ctx, md)
		if err != nil {
			e.strategyErr(s, "on_market_data", err)
			continue
		}
		for _, req := range orders {
			res, err := e.Submit(ctx, req)
			if err != nil {
				logger.Warn("strategy order failed", "symbol", req.Symbol, "order_id", res.OrderID, "err", err)
				continue
			}
			if res.Status == model.StatusFilled {
				e.strategyErr(s, "on_order_fill", s.OnOrderFill(ctx, res))
			}
		}
	}
}

func (e *Engine) strategyErr(s Strategy, hook string, err error) {
	if err == nil {
		return
	}
	err = fmt.Errorf("%w: %s %s: %v", model.ErrStrategy, s.Name(), hook, err)
	e.logger.Error("strategy error", "strategy", s.Name(), "hook", hook, "err", err)
	if e.alerts != nil {
		e.alerts.Send(model.AlertError, err.Error(), "", "")
	}
}
