package domain

import (
	"github.com/shopspring/decimal"
)

// FeeInfo holds fee rates for a venue/symbol. Rates are fractions, 0.001 = 0.1%.
type FeeInfo struct {
	MakerRate decimal.Decimal `json:"maker_rate"`
	TakerRate decimal.Decimal `json:"taker_rate"`
}

// MinOrderInfo is venue order size metadata. It changes rarely and is safe to cache.
type MinOrderInfo struct {
	Venue          VenueID         `json:"venue"`
	Symbol         Symbol          `json:"symbol"`
	MinQuoteAmount decimal.Decimal `json:"min_quote_amount"`
	MinBaseAmount  decimal.Decimal `json:"min_base_amount"`
	BasePrecision  int32           `json:"base_precision"`
	QuotePrecision int32           `json:"quote_precision"`
}

// StaticInfo is everything about a venue/symbol that may be cached.
type StaticInfo struct {
	FeeInfo
	MinOrderInfo
}

// Admits reports whether amount at price satisfies the venue minimums.
func (m MinOrderInfo) Admits(amount, price decimal.Decimal) bool {
	return m.AdmitsNotional(amount, amount.Mul(price))
}

// AdmitsNotional is Admits for an already known quote notional.
func (m MinOrderInfo) AdmitsNotional(amount, notional decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	if amount.LessThan(m.MinBaseAmount) {
		return false
	}
	return !notional.LessThan(m.MinQuoteAmount)
}
