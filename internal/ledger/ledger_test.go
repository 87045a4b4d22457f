package ledger

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

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fill(side model.Side, qty, price, fee float64) Fill {
	return Fill{Symbol: "BTC", Side: side, Quantity: d(qty), Price: d(price), Fee: d(fee), Timestamp: t0}
}

func TestApplyFill_MarketBuyScenario(t *testing.T) {
	l := New(d(10000))

	res, err := l.ApplyFill(fill(model.SideBuy, 0.1, 50010, 2.5005))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.Balance().Equal(d(4996.4995)) {
		t.Errorf("balance = %s, want 4996.4995", l.Balance())
	}
	if !res.Position.Size.Equal(d(0.1)) || !res.Position.EntryPrice.Equal(d(50010)) {
		t.Errorf("position = %s @ %s, want 0.1 @ 50010", res.Position.Size, res.Position.EntryPrice)
	}
	if !res.RealizedPnL.IsZero() || res.Closing() {
		t.Errorf("opening fill realized %s", res.RealizedPnL)
	}
}

func TestApplyFill_AddingAveragesEntry(t *testing.T) {
	l := New(d(100000))
	mustFill(t, l, fill(model.SideBuy, 1, 100, 0))
	res := mustFill(t, l, fill(model.SideBuy, 3, 120, 0))

	if !res.Position.EntryPrice.Equal(d(115)) {
		t.Errorf("entry = %s, want 115", res.Position.EntryPrice)
	}
	if !res.Position.Size.Equal(d(4)) {
		t.Errorf("size = %s, want 4", res.Position.Size)
	}
}

func TestApplyFill_PartialReduceKeepsEntry(t *testing.T) {
	l := New(d(100000))
	mustFill(t, l, fill(model.SideBuy, 2, 100, 0))
	res := mustFill(t, l, fill(model.SideSell, 0.5, 110, 0))

	if !res.RealizedPnL.Equal(d(5)) {
		t.Errorf("realized = %s, want 5", res.RealizedPnL)
	}
	if !res.Position.EntryPrice.Equal(d(100)) {
		t.Errorf("entry moved on reduce: %s", res.Position.EntryPrice)
	}
	if !res.Position.Size.Equal(d(1.5)) {
		t.Errorf("size = %s, want 1.5", res.Position.Size)
	}
	if !res.Closing() {
		t.Error("reduce should count as closing")
	}
}

func TestApplyFill_FullCloseRetainsFlatPosition(t *testing.T) {
	l := New(d(100000))
	mustFill(t, l, fill(model.SideSell, 1, 200, 0))
	res := mustFill(t, l, fill(model.SideBuy, 1, 180, 0))

	// Short from 200 covered at 180.
	if !res.RealizedPnL.Equal(d(20)) {
		t.Errorf("realized = %s, want 20", res.RealizedPnL)
	}
	pos, ok := l.Position("BTC")
	if !ok {
		t.Fatal("flat position should be retained")
	}
	if !pos.Size.IsZero() || !pos.EntryPrice.IsZero() || !pos.UnrealizedPnL.IsZero() {
		t.Errorf("flat position = %+v", pos)
	}
	if err := l.RemovePosition("BTC"); err != nil {
		t.Errorf("removing flat position: %v", err)
	}
	if _, ok := l.Position("BTC"); ok {
		t.Error("position still present after removal")
	}
}

func TestApplyFill_Flip(t *testing.T) {
	l := New(d(100000))
	mustFill(t, l, fill(model.SideBuy, 2, 100, 0))
	res := mustFill(t, l, fill(model.SideSell, 3, 90, 0))

	if !res.RealizedPnL.Equal(d(-20)) {
		t.Errorf("realized = %s, want -20", res.RealizedPnL)
	}
	if !res.Position.Size.Equal(d(-1)) || !res.Position.EntryPrice.Equal(d(90)) {
		t.Errorf("flipped position = %s @ %s, want -1 @ 90", res.Position.Size, res.Position.EntryPrice)
	}
	if !res.ClosedQuantity.Equal(d(2)) {
		t.Errorf("closed = %s, want 2", res.ClosedQuantity)
	}
}

func TestApplyFill_InsufficientBalanceLeavesState(t *testing.T) {
	l := New(d(1000))
	_, err := l.ApplyFill(fill(model.SideBuy, 0.1, 50010, 2.5005))

	var ib *model.InsufficientBalanceError
	if !errors.As(err, &ib) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !ib.Required.Equal(d(5003.5005)) || !ib.Available.Equal(d(1000)) {
		t.Errorf("required/available = %s/%s", ib.Required, ib.Available)
	}
	if !l.Balance().Equal(d(1000)) {
		t.Errorf("balance changed to %s", l.Balance())
	}
	if _, ok := l.Position("BTC"); ok {
		t.Error("rejected fill created a position")
	}
}

func TestApplyFill_Invalid(t *testing.T) {
	l := New(d(1000))
	if _, err := l.ApplyFill(fill(model.SideBuy, 0, 100, 0)); !errors.Is(err, ErrInvalidFill) {
		t.Errorf("expected ErrInvalidFill, got %v", err)
	}
	if _, err := l.ApplyFill(fill(model.SideBuy, 1, 100, -1)); !errors.Is(err, ErrInvalidFill) {
		t.Errorf("expected ErrInvalidFill for negative fee, got %v", err)
	}
}

func TestApplyFill_BalanceConservationAndSize(t *testing.T) {
	initial := d(10000)
	l := New(initial)

	fills := []Fill{
		fill(model.SideBuy, 1, 100, 0.1),
		fill(model.SideBuy, 1, 110, 0.11),
		fill(model.SideSell, 3, 120, 0.36),
		fill(model.SideBuy, 1, 100, 0.1),
		fill(model.SideSell, 0.5, 130, 0.065),
		fill(model.SideBuy, 2, 125, 0.25),
	}

	var buys, sells, realized, fees, size decimal.Decimal
	for i, f := range fills {
		res := mustFill(t, l, f)
		notional := f.Quantity.Mul(f.Price)
		if f.Side == model.SideBuy {
			buys = buys.Add(notional)
		} else {
			sells = sells.Add(notional)
		}
		realized = realized.Add(res.RealizedPnL)
		fees = fees.Add(f.Fee)
		size = size.Add(f.Quantity.Mul(f.Side.Sign()))

		want := initial.Sub(buys).Add(sells).Add(realized).Sub(fees)
		if !l.Balance().Equal(want) {
			t.Fatalf("step %d: balance = %s, want %s", i, l.Balance(), want)
		}
		if !res.Position.Size.Equal(size) {
			t.Fatalf("step %d: size = %s, want %s", i, res.Position.Size, size)
		}
	}
}

func TestApplyFunding(t *testing.T) {
	l := New(d(10000))
	if _, err := l.ApplyFunding("BTC", d(1), t0); !errors.Is(err, model.ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}

	mustFill(t, l, fill(model.SideBuy, 0.1, 50000, 0))
	pos, err := l.ApplyFunding("BTC", d(-1.25), t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !pos.FundingPnL.Equal(d(-1.25)) {
		t.Errorf("funding = %s, want -1.25", pos.FundingPnL)
	}
	if !l.Balance().Equal(d(5000)) {
		t.Errorf("funding must not touch cash, balance = %s", l.Balance())
	}
}

func TestMarkAndEquity(t *testing.T) {
	l := New(d(10000))
	mustFill(t, l, fill(model.SideBuy, 0.1, 50000, 0))

	if !l.Mark("BTC", d(51000), t0) {
		t.Fatal("mark should find BTC")
	}
	if l.Mark("ETH", d(1), t0) {
		t.Error("mark on unknown symbol should report false")
	}
	pos, _ := l.Position("BTC")
	if !pos.UnrealizedPnL.Equal(d(100)) {
		t.Errorf("unrealized = %s, want 100", pos.UnrealizedPnL)
	}
	if !l.Equity().Equal(d(10100)) {
		t.Errorf("equity = %s, want 10100", l.Equity())
	}
	if exp := l.Exposures(); !exp["BTC"].Equal(d(5100)) {
		t.Errorf("exposure = %s, want 5100", exp["BTC"])
	}
	if err := l.RemovePosition("BTC"); !errors.Is(err, ErrPositionNotFlat) {
		t.Errorf("expected ErrPositionNotFlat, got %v", err)
	}
}

func mustFill(t *testing.T, l *Ledger, f Fill) FillResult {
	t.Helper()
	res, err := l.ApplyFill(f)
	if err != nil {
		t.Fatalf("ApplyFill(%+v): %v", f, err)
	}
	return res
}
