package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrStaleData             = errors.New("stale market data")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrRiskLimitExceeded     = errors.New("risk limit exceeded")
	ErrOrderPlacement        = errors.New("order placement failed")
	ErrPartialFill           = errors.New("partial fill")
	ErrReconciliationFailure = errors.New("reconciliation failed")
	ErrExchangeUnavailable   = errors.New("exchange unavailable")
)

// StaleDataError is returned for snapshots that are too old or malformed.
type StaleDataError struct {
	Venue  VenueID
	Symbol Symbol
	Age    time.Duration
	Reason string
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale data from %s for %s: %s (age %s)", e.Venue, e.Symbol, e.Reason, e.Age)
}

func (e *StaleDataError) Is(target error) bool { return target == ErrStaleData }

// RiskCheck names a validator check.
type RiskCheck string

const (
	CheckCircuitBreaker RiskCheck = "circuit_breaker"
	CheckSymbolBlocked  RiskCheck = "symbol_blocked"
	CheckMinMargin      RiskCheck = "min_margin"
	CheckMinNotional    RiskCheck = "min_notional"
	CheckMinOrder       RiskCheck = "min_order"
	CheckMaxSpread      RiskCheck = "max_spread"
	CheckDepth          RiskCheck = "depth"
	CheckBalance        RiskCheck = "balance"
	CheckVenueHealth    RiskCheck = "venue_health"
	CheckExposure       RiskCheck = "exposure"
	CheckBudget         RiskCheck = "budget"
)

// RiskLimitError is a rejection by a specific risk check.
type RiskLimitError struct {
	Check  RiskCheck
	Detail string
}

func (e *RiskLimitError) Error() string {
	return fmt.Sprintf("risk check %s failed: %s", e.Check, e.Detail)
}

func (e *RiskLimitError) Is(target error) bool { return target == ErrRiskLimitExceeded }

// InsufficientBalanceError reports a missing balance on a venue.
type InsufficientBalanceError struct {
	Venue VenueID
	Asset string
	Have  decimal.Decimal
	Need  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s on %s: have %s need %s", e.Asset, e.Venue, e.Have, e.Need)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// OrderPlacementError is a venue rejection or timeout for one order.
type OrderPlacementError struct {
	Venue         VenueID
	ClientOrderID string
	Err           error
}

func (e *OrderPlacementError) Error() string {
	return fmt.Sprintf("order %s on %s: %v", e.ClientOrderID, e.Venue, e.Err)
}

func (e *OrderPlacementError) Is(target error) bool { return target == ErrOrderPlacement }

func (e *OrderPlacementError) Unwrap() error { return e.Err }

// PartialFillError carries the filled leg and the missing leg of an asymmetric execution.
type PartialFillError struct {
	ExecutionID string
	Filled      OrderOutcome
	Missing     OrderOutcome
}

func (e *PartialFillError) Error() string {
	return fmt.Sprintf("execution %s: %s leg filled %s on %s, other leg %s on %s",
		e.ExecutionID, e.Filled.Status, e.Filled.FilledAmount, e.Filled.Venue, e.Missing.Status, e.Missing.Venue)
}

func (e *PartialFillError) Is(target error) bool { return target == ErrPartialFill }

// ReconciliationFailureError means corrective trades failed after max attempts.
type ReconciliationFailureError struct {
	Symbol   Symbol
	Attempts int
	Err      error
}

func (e *ReconciliationFailureError) Error() string {
	return fmt.Sprintf("reconciliation of %s failed after %d attempts: %v", e.Symbol, e.Attempts, e.Err)
}

func (e *ReconciliationFailureError) Is(target error) bool { return target == ErrReconciliationFailure }

func (e *ReconciliationFailureError) Unwrap() error { return e.Err }

// ExchangeUnavailableError wraps transport failures to a venue.
type ExchangeUnavailableError struct {
	Venue VenueID
	Err   error
}

func (e *ExchangeUnavailableError) Error() string {
	return fmt.Sprintf("exchange %s unavailable: %v", e.Venue, e.Err)
}

func (e *ExchangeUnavailableError) Is(target error) bool { return target == ErrExchangeUnavailable }

func (e *ExchangeUnavailableError) Unwrap() error { return e.Err }
