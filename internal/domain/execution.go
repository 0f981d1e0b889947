package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionOutcome classifies the joint result of both legs.
type ExecutionOutcome string

const (
	OutcomeBothFilled     ExecutionOutcome = "both_filled"
	OutcomeBuyOnlyFilled  ExecutionOutcome = "buy_only_filled"
	OutcomeSellOnlyFilled ExecutionOutcome = "sell_only_filled"
	OutcomeBothFailed     ExecutionOutcome = "both_failed"
)

// NeedsReconciliation reports whether the outcome leaves an unhedged position.
func (o ExecutionOutcome) NeedsReconciliation() bool {
	return o == OutcomeBuyOnlyFilled || o == OutcomeSellOnlyFilled
}

// ExecutionState is the lifecycle state of an execution:
// Pending -> {BothFilled, BuyOnlyFilled, SellOnlyFilled, BothFailed} -> Reconciled | Closed.
type ExecutionState string

const (
	StatePending    ExecutionState = "pending"
	StateClassified ExecutionState = "classified"
	StateReconciled ExecutionState = "reconciled"
	StateClosed     ExecutionState = "closed"
)

// ClassifyLegs maps two leg outcomes to an ExecutionOutcome.
// A leg that is not definitively filled counts as missing; when neither leg
// filled cleanly the side holding more base decides which leg is treated as filled.
func ClassifyLegs(buy, sell OrderOutcome) ExecutionOutcome {
	buyOK := buy.Status == LegFilled
	sellOK := sell.Status == LegFilled

	switch {
	case buyOK && sellOK:
		return OutcomeBothFilled
	case buyOK:
		return OutcomeBuyOnlyFilled
	case sellOK:
		return OutcomeSellOnlyFilled
	}

	if buy.Status == LegFailed && sell.Status == LegFailed &&
		buy.FilledAmount.IsZero() && sell.FilledAmount.IsZero() {
		return OutcomeBothFailed
	}
	if sell.FilledAmount.GreaterThan(buy.FilledAmount) {
		return OutcomeSellOnlyFilled
	}
	return OutcomeBuyOnlyFilled
}

// ExecutionResult is emitted exactly once per execution attempt and not mutated after.
type ExecutionResult struct {
	ID             string           `json:"id"`
	Opportunity    SizedOpportunity `json:"opportunity"`
	Buy            OrderOutcome     `json:"buy"`
	Sell           OrderOutcome     `json:"sell"`
	Outcome        ExecutionOutcome `json:"outcome"`
	State          ExecutionState   `json:"state"`
	RealizedProfit decimal.Decimal  `json:"realized_profit"`
	Latency        time.Duration    `json:"latency"`
	Success        bool             `json:"success"`
	// Failure is a *PartialFillError or *OrderPlacementError for unsuccessful outcomes.
	Failure       error     `json:"-"`
	FailureReason string    `json:"failure_reason,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// NetBaseFilled is buy filled minus sell filled. Positive means we hold extra base.
func (r ExecutionResult) NetBaseFilled() decimal.Decimal {
	return r.Buy.FilledAmount.Sub(r.Sell.FilledAmount)
}

// RealizedProfit computes sell proceeds minus buy cost minus fees from actual fills.
// Fees not reported by the venue are modeled with the provided taker rates.
func RealizedProfit(buy, sell OrderOutcome, buyTaker, sellTaker decimal.Decimal) decimal.Decimal {
	cost := buy.FilledNotional()
	proceeds := sell.FilledNotional()

	buyFee := buy.Fee
	if buyFee.IsZero() {
		buyFee = cost.Mul(buyTaker)
	}
	sellFee := sell.Fee
	if sellFee.IsZero() {
		sellFee = proceeds.Mul(sellTaker)
	}

	return proceeds.Sub(cost).Sub(buyFee).Sub(sellFee)
}
