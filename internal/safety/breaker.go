package safety

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/metrics"
	"github.com/atmx/execution-engine/internal/model"
)

// Trip conditions, used as the metrics label and in the alert text.
const (
	ConditionConsecutiveFailures = "consecutive_failures"
	ConditionFailureRate         = "failure_rate"
	ConditionAccountDrawdown     = "account_drawdown"
	ConditionPositionDrawdown    = "position_drawdown"
	ConditionPriceDeviation      = "price_deviation"
	ConditionCriticalAlerts      = "critical_alerts"
)

// AlertSink receives the Critical alert raised on a trip.
type AlertSink interface {
	Send(level model.AlertLevel, message, symbol, orderID string)
}

// Config holds breaker thresholds. A zero threshold disables its check.
type Config struct {
	MaxConsecutiveFailures int
	MaxFailureRate         float64 // fraction of the window
	FailureRateWindow      int     // outcomes
	MaxAccountDrawdownPct  decimal.Decimal
	MaxPositionDrawdownPct decimal.Decimal
	MaxPriceDeviationPct   decimal.Decimal
	PriceDeviationWindow   time.Duration
	MaxCriticalAlerts      int
	CriticalAlertsWindow   int // most recent critical alerts kept
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 3,
		MaxFailureRate:         0.5,
		FailureRateWindow:      10,
		MaxAccountDrawdownPct:  decimal.NewFromFloat(0.10),
		MaxPositionDrawdownPct: decimal.NewFromFloat(0.15),
		MaxPriceDeviationPct:   decimal.NewFromFloat(0.05),
		PriceDeviationWindow:   60 * time.Second,
		MaxCriticalAlerts:      3,
		CriticalAlertsWindow:   10,
	}
}

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

// Status is a read-only view of breaker state.
type Status struct {
	Tripped             bool            `json:"tripped"`
	Condition           string          `json:"condition,omitempty"`
	Reason              string          `json:"reason,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	RecentOutcomes      int             `json:"recent_outcomes"`
	RecentFailures      int             `json:"recent_failures"`
	HighestAccountValue decimal.Decimal `json:"highest_account_value"`
	AccountValue        decimal.Decimal `json:"account_value"`
	CriticalAlerts      int             `json:"critical_alerts"`
	EmergencyStop       bool            `json:"emergency_stop"`
}

// CircuitBreaker watches order outcomes, account value, prices and critical
// alerts, and sets the emergency stop when any threshold is crossed. Once
// tripped it stays tripped until Reset.
type CircuitBreaker struct {
	cfg    Config
	stop   *EmergencyStop
	logger *slog.Logger

	mu          sync.Mutex
	sink        AlertSink
	consecutive int
	outcomes    []bool
	highest     decimal.Decimal
	current     decimal.Decimal
	haveAccount bool
	prices      map[string][]pricePoint
	positionHit string
	critical    []time.Time
	tripped     bool
	condition   string
	reason      string
}

// NewCircuitBreaker creates a breaker that sets stop when it trips.
func NewCircuitBreaker(cfg Config, stop *EmergencyStop, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg,
		stop:   stop,
		logger: logger.With(slog.String("component", "circuit_breaker")),
		prices: make(map[string][]pricePoint),
	}
}

// SetAlertSink wires the alert pipeline. The pipeline in turn feeds critical
// alerts back through RecordCriticalAlert, so the two are built separately
// and joined here.
func (b *CircuitBreaker) SetAlertSink(sink AlertSink) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
}

// RecordOrderOutcome counts a success or failure.
func (b *CircuitBreaker) RecordOrderOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.consecutive = 0
	} else {
		b.consecutive++
	}
	b.outcomes = append(b.outcomes, success)
	if w := b.cfg.FailureRateWindow; w > 0 && len(b.outcomes) > w {
		b.outcomes = b.outcomes[len(b.outcomes)-w:]
	}
}

// ObserveAccountValue records the current account value and its high-water mark.
func (b *CircuitBreaker) ObserveAccountValue(v decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = v
	if !b.haveAccount || v.GreaterThan(b.highest) {
		b.highest = v
	}
	b.haveAccount = true
}

// ObservePrice adds a price to the symbol's deviation window.
func (b *CircuitBreaker) ObservePrice(symbol string, price decimal.Decimal, at time.Time) {
	if !price.IsPositive() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pts := append(b.prices[symbol], pricePoint{at: at, price: price})
	cutoff := at.Add(-b.cfg.PriceDeviationWindow)
	i := 0
	for i < len(pts)-1 && pts[i].at.Before(cutoff) {
		i++
	}
	b.prices[symbol] = pts[i:]
}

// ObservePositions checks open positions against the per-position drawdown
// limit. The worst breach is kept for the next Check.
func (b *CircuitBreaker) ObservePositions(positions []model.Position) {
	limit := b.cfg.MaxPositionDrawdownPct
	hit := ""
	if limit.IsPositive() {
		for _, p := range positions {
			cost := p.Size.Abs().Mul(p.EntryPrice)
			if p.IsFlat() || !cost.IsPositive() || !p.UnrealizedPnL.IsNegative() {
				continue
			}
			loss := p.UnrealizedPnL.Neg().Div(cost)
			if loss.GreaterThanOrEqual(limit) {
				hit = fmt.Sprintf("%s position down %s%% (limit %s%%)",
					p.Symbol, pct(loss), pct(limit))
				break
			}
		}
	}
	b.mu.Lock()
	b.positionHit = hit
	b.mu.Unlock()
}

// RecordCriticalAlert adds a critical alert to the rolling window and
// evaluates the breaker.
func (b *CircuitBreaker) RecordCriticalAlert(at time.Time) error {
	b.mu.Lock()
	b.critical = append(b.critical, at)
	if w := b.cfg.CriticalAlertsWindow; w > 0 && len(b.critical) > w {
		b.critical = b.critical[len(b.critical)-w:]
	}
	b.mu.Unlock()
	return b.Check()
}

// Check evaluates every condition. On the first trip it sets the emergency
// stop, raises a Critical alert and returns an error wrapping
// model.ErrSafetyCircuitBreaker. Later calls return the same error without
// alerting again.
func (b *CircuitBreaker) Check() error {
	b.mu.Lock()
	if b.tripped {
		err := tripError(b.reason)
		b.mu.Unlock()
		return err
	}
	condition, reason := b.evaluate()
	if condition == "" {
		b.mu.Unlock()
		return nil
	}
	b.tripped = true
	b.condition = condition
	b.reason = reason
	sink := b.sink
	b.mu.Unlock()

	metrics.CircuitBreakerTrips.WithLabelValues(condition).Inc()
	b.logger.Error("circuit breaker tripped", "condition", condition, "reason", reason)
	b.stop.Activate(reason)
	if sink != nil {
		sink.Send(model.AlertCritical, "Safety circuit breaker triggered: "+reason, "", "")
	}
	return tripError(reason)
}

// evaluate must be called with b.mu held.
func (b *CircuitBreaker) evaluate() (string, string) {
	cfg := b.cfg

	if cfg.MaxConsecutiveFailures > 0 && b.consecutive >= cfg.MaxConsecutiveFailures {
		return ConditionConsecutiveFailures,
			fmt.Sprintf("%d consecutive failed orders (limit %d)", b.consecutive, cfg.MaxConsecutiveFailures)
	}

	if cfg.FailureRateWindow > 0 && cfg.MaxFailureRate > 0 && len(b.outcomes) >= cfg.FailureRateWindow {
		failures := 0
		for _, ok := range b.outcomes {
			if !ok {
				failures++
			}
		}
		rate := float64(failures) / float64(len(b.outcomes))
		if rate >= cfg.MaxFailureRate {
			return ConditionFailureRate,
				fmt.Sprintf("order failure rate %.0f%% over last %d orders (limit %.0f%%)",
					rate*100, len(b.outcomes), cfg.MaxFailureRate*100)
		}
	}

	if cfg.MaxAccountDrawdownPct.IsPositive() && b.haveAccount &&
		b.highest.IsPositive() && b.current.LessThan(b.highest) {
		dd := b.highest.Sub(b.current).Div(b.highest)
		if dd.GreaterThanOrEqual(cfg.MaxAccountDrawdownPct) {
			return ConditionAccountDrawdown,
				fmt.Sprintf("account drawdown %s%% from %s (limit %s%%)",
					pct(dd), b.highest.StringFixed(2), pct(cfg.MaxAccountDrawdownPct))
		}
	}

	if b.positionHit != "" {
		return ConditionPositionDrawdown, b.positionHit
	}

	if cfg.MaxPriceDeviationPct.IsPositive() {
		for symbol, pts := range b.prices {
			if len(pts) < 2 {
				continue
			}
			first, last := pts[0].price, pts[len(pts)-1].price
			dev := last.Sub(first).Abs().Div(first)
			if dev.GreaterThanOrEqual(cfg.MaxPriceDeviationPct) {
				return ConditionPriceDeviation,
					fmt.Sprintf("%s moved %s%% within %s (limit %s%%)",
						symbol, pct(dev), cfg.PriceDeviationWindow, pct(cfg.MaxPriceDeviationPct))
			}
		}
	}

	if cfg.MaxCriticalAlerts > 0 && len(b.critical) >= cfg.MaxCriticalAlerts {
		return ConditionCriticalAlerts,
			fmt.Sprintf("%d critical alerts in window (limit %d)", len(b.critical), cfg.MaxCriticalAlerts)
	}

	return "", ""
}

// Reset clears the trip and all counters. The account high-water mark
// restarts from the latest observed value.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.condition = ""
	b.reason = ""
	b.consecutive = 0
	b.outcomes = nil
	b.critical = nil
	b.positionHit = ""
	b.prices = make(map[string][]pricePoint)
	b.highest = b.current
}

// Status returns a snapshot of breaker state.
func (b *CircuitBreaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	failures := 0
	for _, ok := range b.outcomes {
		if !ok {
			failures++
		}
	}
	return Status{
		Tripped:             b.tripped,
		Condition:           b.condition,
		Reason:              b.reason,
		ConsecutiveFailures: b.consecutive,
		RecentOutcomes:      len(b.outcomes),
		RecentFailures:      failures,
		HighestAccountValue: b.highest,
		AccountValue:        b.current,
		CriticalAlerts:      len(b.critical),
		EmergencyStop:       b.stop.Active(),
	}
}

func tripError(reason string) error {
	return fmt.Errorf("%w: %s", model.ErrSafetyCircuitBreaker, reason)
}

func pct(frac decimal.Decimal) string {
	return frac.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
