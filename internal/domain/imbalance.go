package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ImbalanceStatus tracks a PositionImbalance through reconciliation.
type ImbalanceStatus string

const (
	ImbalanceOpen     ImbalanceStatus = "open"
	ImbalanceResolved ImbalanceStatus = "resolved"
	ImbalanceFailed   ImbalanceStatus = "failed"
	// ImbalanceDust was below the dust threshold and closed without a trade.
	ImbalanceDust ImbalanceStatus = "dust"
)

// PositionImbalance is an unhedged amount of an asset left by an asymmetric execution.
type PositionImbalance struct {
	ID          string  `json:"id"`
	ExecutionID string  `json:"execution_id"`
	Symbol      Symbol  `json:"symbol"`
	Asset       string  `json:"asset"`
	// Venue is where the successful leg executed.
	Venue VenueID `json:"venue"`
	// AlternateVenue is the other leg's venue, used after the first retry fails.
	AlternateVenue  VenueID         `json:"alternate_venue"`
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	ActualBalance   decimal.Decimal `json:"actual_balance"`
	// Amount is signed: positive means excess base to sell, negative means base to buy back.
	Amount decimal.Decimal `json:"amount"`
	// Corrected is the base amount already traded back, always non-negative.
	Corrected          decimal.Decimal `json:"corrected"`
	RefPrice           decimal.Decimal `json:"ref_price"`
	CorrectionRequired bool            `json:"correction_required"`
	Status             ImbalanceStatus `json:"status"`
	Attempts           int             `json:"attempts"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	LastError          string          `json:"last_error,omitempty"`
	// Drift marks imbalances found by the balance drift check rather than an execution.
	Drift bool `json:"drift,omitempty"`
	// UnresolvedExecution is set while a leg of the execution has an unknown
	// outcome; Amount is then only an estimate and nothing is traded.
	UnresolvedExecution *ExecutionResult `json:"unresolved_execution,omitempty"`
}

// Remaining is the signed amount still unhedged.
func (p PositionImbalance) Remaining() decimal.Decimal {
	if p.Amount.IsNegative() {
		return p.Amount.Add(p.Corrected)
	}
	return p.Amount.Sub(p.Corrected)
}

// Open reports whether the imbalance still needs corrective action.
func (p PositionImbalance) Open() bool {
	return p.Status == ImbalanceOpen
}

// CorrectiveSide returns the order side that closes the imbalance.
func (p PositionImbalance) CorrectiveSide() Side {
	if p.Amount.IsNegative() {
		return SideBuy
	}
	return SideSell
}
