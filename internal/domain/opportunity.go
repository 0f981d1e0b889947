package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SizedOpportunity is a buy-on-one-venue, sell-on-another candidate for one size tier.
// It lives for a single cycle and is passed by value between stages.
type SizedOpportunity struct {
	Symbol    Symbol  `json:"symbol"`
	BuyVenue  VenueID `json:"buy_venue"`
	SellVenue VenueID `json:"sell_venue"`
	// BuyPrice and SellPrice are VWAP execution prices for Amount.
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	// BuyBestAsk and SellBestBid are top of book, used for the raw spread.
	BuyBestAsk  decimal.Decimal `json:"buy_best_ask"`
	SellBestBid decimal.Decimal `json:"sell_best_bid"`
	// Amount in base units.
	Amount decimal.Decimal `json:"amount"`
	// QuoteNotional is the quote spent on the buy leg.
	QuoteNotional decimal.Decimal `json:"quote_notional"`
	// SellNotional is the quote received on the sell leg.
	SellNotional decimal.Decimal `json:"sell_notional"`
	GrossProfit  decimal.Decimal `json:"gross_profit"`
	FeeCost      decimal.Decimal `json:"fee_cost"`
	NetProfit    decimal.Decimal `json:"net_profit"`
	NetSpreadPct decimal.Decimal `json:"net_spread_pct"`
	Confidence   decimal.Decimal `json:"confidence"`
	// BuyAsks and SellBids are copies of the relevant book sides for depth checks.
	BuyAsks    []PriceLevel `json:"-"`
	SellBids   []PriceLevel `json:"-"`
	DetectedAt time.Time    `json:"detected_at"`
}

// RawSpreadPct is (sell best bid - buy best ask) / buy best ask * 100.
func (o SizedOpportunity) RawSpreadPct() decimal.Decimal {
	if !o.BuyBestAsk.IsPositive() {
		return decimal.Zero
	}
	return o.SellBestBid.Sub(o.BuyBestAsk).Div(o.BuyBestAsk).Mul(decimal.NewFromInt(100))
}

// NetSpreadBps returns the net spread in basis points.
func (o SizedOpportunity) NetSpreadBps() decimal.Decimal {
	return o.NetSpreadPct.Mul(decimal.NewFromInt(100))
}
