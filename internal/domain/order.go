package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the narrow capability every venue adapter implements.
// The detection and execution core depends on nothing else.
type Exchange interface {
	Venue() VenueID
	FetchOrderBook(ctx context.Context, symbol Symbol, depth int) (OrderBookSnapshot, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderOutcome, error)
	// QueryOrder looks up an order by client order id. Unknown ids resolve to
	// a failed outcome with zero fill, not an error.
	QueryOrder(ctx context.Context, symbol Symbol, clientOrderID string) (OrderOutcome, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	Ping(ctx context.Context) error
}

// StaticInfoSource is implemented by venues that publish minimum order filters.
type StaticInfoSource interface {
	MinOrderInfo(ctx context.Context, symbol Symbol) (MinOrderInfo, error)
}

// OrderRequest is a market order in base units.
type OrderRequest struct {
	Symbol Symbol          `json:"symbol"`
	Side   Side            `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	// RefPrice is the expected execution price. Venues that size market buys in
	// quote units or need a protective limit derive it from here.
	RefPrice      decimal.Decimal `json:"ref_price"`
	ClientOrderID string          `json:"client_order_id"`
}

// LegStatus is the terminal state of a single order as far as we know it.
type LegStatus string

const (
	LegFilled  LegStatus = "filled"
	LegPartial LegStatus = "partial"
	LegFailed  LegStatus = "failed"
	// LegUnknown means the order may still execute at the venue.
	LegUnknown LegStatus = "unknown"
)

// OrderOutcome is what a venue reports for an order.
type OrderOutcome struct {
	Venue         VenueID         `json:"venue"`
	ClientOrderID string          `json:"client_order_id"`
	OrderID       string          `json:"order_id,omitempty"`
	Status        LegStatus       `json:"status"`
	FilledAmount  decimal.Decimal `json:"filled_amount"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	// FilledQuote is the exact quote amount traded as reported by the venue.
	FilledQuote decimal.Decimal `json:"filled_quote"`
	// Fee in quote units when the venue reports it; zero otherwise.
	Fee decimal.Decimal `json:"fee"`
}

// FilledNotional returns the quote amount traded. Venues that do not report
// it fall back to filled amount times average price.
func (o OrderOutcome) FilledNotional() decimal.Decimal {
	if !o.FilledQuote.IsZero() {
		return o.FilledQuote
	}
	return o.FilledAmount.Mul(o.AvgPrice)
}

// Settled reports whether the outcome can no longer change.
func (o OrderOutcome) Settled() bool {
	return o.Status == LegFilled || o.Status == LegFailed
}
