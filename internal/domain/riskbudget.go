package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// RiskCheckResult is the validator verdict for one opportunity.
type RiskCheckResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	// Err is the typed rejection error, nil when approved.
	Err                error           `json:"-"`
	MaxAllowedNotional decimal.Decimal `json:"max_allowed_notional"`
	CurrentExposure    decimal.Decimal `json:"current_exposure"`
	// Reservation identifies the exposure and budget held for an approved opportunity.
	Reservation string `json:"reservation,omitempty"`
}

// RiskBudget tracks quote capital allocated to open positions.
// Invariant: sum(Allocated) <= Total.
type RiskBudget struct {
	Total     decimal.Decimal
	allocated map[string]decimal.Decimal
	sum       decimal.Decimal
}

// NewRiskBudget returns an empty budget.
func NewRiskBudget(total decimal.Decimal) RiskBudget {
	return RiskBudget{
		Total:     total,
		allocated: make(map[string]decimal.Decimal),
		sum:       decimal.Zero,
	}
}

// Allocate reserves amount for positionID.
func (r *RiskBudget) Allocate(positionID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Errorf("allocation must be positive, got %s", amount)
	}
	if _, ok := r.allocated[positionID]; ok {
		return errors.Errorf("position %s already allocated", positionID)
	}
	if r.sum.Add(amount).GreaterThan(r.Total) {
		return errors.Errorf("budget exhausted: available %s, requested %s", r.Available(), amount)
	}
	r.allocated[positionID] = amount
	r.sum = r.sum.Add(amount)
	return nil
}

// Release frees the allocation of positionID and returns the released amount.
func (r *RiskBudget) Release(positionID string) decimal.Decimal {
	amount, ok := r.allocated[positionID]
	if !ok {
		return decimal.Zero
	}
	delete(r.allocated, positionID)
	r.sum = r.sum.Sub(amount)
	return amount
}

// Shrink lowers the allocation of positionID to amount. Growing is not allowed
// since it would bypass the capacity check. A non-positive amount releases it.
func (r *RiskBudget) Shrink(positionID string, amount decimal.Decimal) {
	current, ok := r.allocated[positionID]
	if !ok || amount.GreaterThanOrEqual(current) {
		return
	}
	if !amount.IsPositive() {
		r.Release(positionID)
		return
	}
	r.allocated[positionID] = amount
	r.sum = r.sum.Sub(current).Add(amount)
}

// Allocated returns the sum of all allocations.
func (r RiskBudget) Allocated() decimal.Decimal {
	return r.sum
}

// Available returns Total minus allocations, never negative.
func (r RiskBudget) Available() decimal.Decimal {
	return decimal.Max(decimal.Zero, r.Total.Sub(r.sum))
}

// Positions returns a copy of the allocations.
func (r RiskBudget) Positions() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(r.allocated))
	for k, v := range r.allocated {
		out[k] = v
	}
	return out
}
