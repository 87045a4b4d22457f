package orderbook

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func resting(id string, req model.OrderRequest) *model.SimulatedOrder {
	res := model.NewOrderResult(id, req, t0)
	res.Status = model.StatusSubmitted
	return &model.SimulatedOrder{Request: req, Result: res, CreatedAt: t0, UpdatedAt: t0}
}

func tick(symbol string, price, bid, ask float64) model.MarketData {
	return model.MarketData{Symbol: symbol, Price: d(price), Bid: d(bid), Ask: d(ask), Volume: d(100), Timestamp: t0}
}

func TestPredicates(t *testing.T) {
	md := tick("BTC", 50005, 50000, 50010)

	if LimitMarketable(model.SideBuy, d(49000), md) {
		t.Error("buy limit 49000 should not trade against ask 50010")
	}
	if !LimitMarketable(model.SideBuy, d(50010), md) {
		t.Error("buy limit at the ask should trade")
	}
	if !LimitMarketable(model.SideSell, d(50000), md) {
		t.Error("sell limit at the bid should trade")
	}
	if LimitMarketable(model.SideSell, d(50001), md) {
		t.Error("sell limit above bid should not trade")
	}
	if !StopTriggered(model.SideBuy, d(50000), d(50005)) || StopTriggered(model.SideBuy, d(51000), d(50005)) {
		t.Error("buy stop fires when price ≥ stop")
	}
	if !StopTriggered(model.SideSell, d(50005), d(50005)) || StopTriggered(model.SideSell, d(49000), d(50005)) {
		t.Error("sell stop fires when price ≤ stop")
	}
	if !TakeProfitTriggered(model.SideSell, d(50000), d(50005)) || TakeProfitTriggered(model.SideBuy, d(50000), d(50005)) {
		t.Error("take profit fires in the reverse direction of a stop")
	}
}

func TestEvaluate_LimitBuyScenario(t *testing.T) {
	b := New()
	if err := b.Add(resting("o1", model.NewLimitOrder("BTC", model.SideBuy, d(0.1), d(49000)))); err != nil {
		t.Fatal(err)
	}

	if got := b.Evaluate(tick("BTC", 50005, 50000, 50010)); len(got) != 0 {
		t.Fatalf("limit should stay resting, got %d triggers", len(got))
	}
	if b.Len() != 1 {
		t.Fatalf("book len = %d, want 1", b.Len())
	}

	got := b.Evaluate(tick("BTC", 48905, 48900, 48910))
	if len(got) != 1 || got[0].Order.ID() != "o1" || !got[0].AtLimit {
		t.Fatalf("expected o1 to trigger at limit, got %+v", got)
	}
	if b.Len() != 0 {
		t.Errorf("triggered order still resting")
	}
}

func TestEvaluate_OtherSymbolUntouched(t *testing.T) {
	b := New()
	_ = b.Add(resting("o1", model.NewLimitOrder("ETH", model.SideBuy, d(1), d(3000))))

	if got := b.Evaluate(tick("BTC", 1, 1, 1)); len(got) != 0 {
		t.Errorf("BTC tick triggered an ETH order")
	}
}

func TestEvaluate_StopMarket(t *testing.T) {
	b := New()
	_ = b.Add(resting("stop", model.NewStopOrder("BTC", model.SideSell, d(0.1), d(49000))))

	if got := b.Evaluate(tick("BTC", 49500, 49495, 49505)); len(got) != 0 {
		t.Fatal("stop fired early")
	}
	got := b.Evaluate(tick("BTC", 48990, 48985, 48995))
	if len(got) != 1 || got[0].AtLimit {
		t.Fatalf("expected stop to fire as taker, got %+v", got)
	}
}

func TestEvaluate_StopLimitArmsThenFills(t *testing.T) {
	b := New()
	req := model.OrderRequest{
		Symbol: "BTC", Side: model.SideBuy, Type: model.OrderStopLimit,
		Quantity: d(1), StopPrice: ptr(d(51000)), Price: ptr(d(50900)), TimeInForce: model.GTC,
	}
	o := resting("sl", req)
	_ = b.Add(o)

	// Price crosses the stop but the ask is above the limit: armed, resting.
	if got := b.Evaluate(tick("BTC", 51000, 50995, 51005)); len(got) != 0 {
		t.Fatal("stop-limit filled above its limit")
	}
	if !o.Armed {
		t.Fatal("stop-limit should be armed after crossing its stop")
	}

	// Price falls back below the stop; armed order now behaves as a limit.
	got := b.Evaluate(tick("BTC", 50890, 50885, 50895))
	if len(got) != 1 || !got[0].AtLimit {
		t.Fatalf("armed stop-limit should fill at limit, got %+v", got)
	}
}

func TestExpire(t *testing.T) {
	b := New()
	expiry := t0.Add(time.Minute)
	req := model.NewLimitOrder("BTC", model.SideBuy, d(1), d(1))
	req.TimeInForce = model.GTD
	req.ExpireAt = &expiry
	_ = b.Add(resting("gtd", req))
	_ = b.Add(resting("gtc", model.NewLimitOrder("BTC", model.SideBuy, d(1), d(1))))

	if got := b.Expire(t0); len(got) != 0 {
		t.Fatal("expired early")
	}
	got := b.Expire(expiry)
	if len(got) != 1 || got[0].ID() != "gtd" {
		t.Fatalf("expected gtd to expire, got %v", got)
	}
	if active := b.Active(); len(active) != 1 || active[0].ID() != "gtc" {
		t.Errorf("active = %v", active)
	}
}

func TestAddRemoveDrain(t *testing.T) {
	b := New()
	if err := b.Add(resting("m", model.NewMarketOrder("BTC", model.SideBuy, d(1)))); !errors.Is(err, ErrNotResting) {
		t.Errorf("expected ErrNotResting, got %v", err)
	}
	_ = b.Add(resting("a", model.NewLimitOrder("BTC", model.SideBuy, d(1), d(1))))
	if err := b.Add(resting("a", model.NewLimitOrder("BTC", model.SideBuy, d(1), d(1)))); !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("expected ErrDuplicateOrder, got %v", err)
	}
	_ = b.Add(resting("b", model.NewLimitOrder("ETH", model.SideSell, d(1), d(9999))))
	_ = b.Add(resting("c", model.NewLimitOrder("SOL", model.SideSell, d(1), d(9999))))

	if _, err := b.Remove("zzz"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := b.Remove("b"); err != nil {
		t.Fatal(err)
	}
	drained := b.Drain()
	if len(drained) != 2 || drained[0].ID() != "a" || drained[1].ID() != "c" {
		t.Errorf("drain order wrong: %v", drained)
	}
	if b.Len() != 0 {
		t.Error("book not empty after drain")
	}
}
