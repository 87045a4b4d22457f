package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrMarketDataNotAvailable  = errors.New("model: market data not available")
	ErrOrderExecutionFailed    = errors.New("model: order execution failed")
	ErrPositionNotFound        = errors.New("model: position not found")
	ErrInsufficientBalance     = errors.New("model: insufficient balance")
	ErrSafetyCircuitBreaker    = errors.New("model: safety circuit breaker triggered")
	ErrEmergencyStop           = errors.New("model: emergency stop active")
	ErrOrderCancellationFailed = errors.New("model: order cancellation failed")
	ErrStrategy                = errors.New("model: strategy error")

	// ErrInvalidOrder is returned by OrderRequest.Validate.
	ErrInvalidOrder = errors.New("model: invalid order")

	// ErrInvalidTransition is returned when an order status change is not
	// allowed by the lifecycle.
	ErrInvalidTransition = errors.New("model: invalid order status transition")
)

// InsufficientBalanceError reports how much a buy needed versus what was
// available. It matches ErrInsufficientBalance under errors.Is.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: required %s, available %s", ErrInsufficientBalance, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

var transientMarkers = []string{
	"connection",
	"timeout",
	"rate limit",
	"try again",
	"temporary",
	"overloaded",
}

// IsRetryable reports whether a failed submission is worth retrying.
// Validation, balance, and safety errors are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrEmergencyStop),
		errors.Is(err, ErrSafetyCircuitBreaker),
		errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrInsufficientBalance):
		return false
	case errors.Is(err, ErrMarketDataNotAvailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
