package correlation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), d(25000))

	if err := limiter.CheckLimit("BTC-USDT", d(5000), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerSymbolExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), d(25000))

	// Existing 9500 + new 1000 = 10500 > 10000.
	existing := map[string]decimal.Decimal{
		"BTC-USDT": d(9500),
	}

	if err := limiter.CheckLimit("BTC-USDT", d(1000), existing); err != ErrPerSymbolLimitExceeded {
		t.Errorf("expected ErrPerSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ShortSideCountsAbsolute(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), d(25000))

	existing := map[string]decimal.Decimal{
		"ETH-USDT": d(-9500),
	}

	if err := limiter.CheckLimit("ETH-USDT", d(-1000), existing); err != ErrPerSymbolLimitExceeded {
		t.Errorf("expected ErrPerSymbolLimitExceeded for short, got %v", err)
	}
}

func TestCheckLimit_ReducingAlwaysAllowed(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), d(25000))

	// Already over the limit; selling shrinks exposure and must pass.
	existing := map[string]decimal.Decimal{
		"BTC-USDT": d(12000),
	}

	if err := limiter.CheckLimit("BTC-USDT", d(-1000), existing); err != nil {
		t.Errorf("expected reducing trade to pass, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), d(25000))

	// BTC-USDT, BTC-PERP and BTCUSD share base BTC: 9000 + 9000 + 8000 > 25000.
	existing := map[string]decimal.Decimal{
		"BTC-PERP": d(9000),
		"BTCUSD":   d(-9000),
	}

	if err := limiter.CheckLimit("BTC-USDT", d(8000), existing); err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_UncorrelatedNotCounted(t *testing.T) {
	limiter := NewPositionLimiter(d(10000), d(25000))

	existing := map[string]decimal.Decimal{
		"ETH-USDT": d(9999),
		"SOL-USDT": d(9999),
		"BTC-PERP": d(9000),
	}

	if err := limiter.CheckLimit("BTC-USDT", d(9000), existing); err != nil {
		t.Errorf("different base assets should not count, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)

	if err := limiter.CheckLimit("BTC", d(1e9), nil); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}
