package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// VenueID names a trading venue, e.g. "binance".
type VenueID string

// Side is an order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PriceLevel is a single order book level.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot is a point-in-time book for one symbol on one venue.
// Bids are sorted by price descending, asks ascending. Snapshots are built
// fresh for a single detection pass and never mutated afterwards.
type OrderBookSnapshot struct {
	Venue      VenueID      `json:"venue"`
	Symbol     Symbol       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	CapturedAt time.Time    `json:"captured_at"`
}

// Validate checks ordering, sizes and that the book is not crossed.
func (b OrderBookSnapshot) Validate() error {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return errors.New("empty book side")
	}
	for i, l := range b.Bids {
		if l.Size.IsNegative() || !l.Price.IsPositive() {
			return errors.Errorf("invalid bid level %d", i)
		}
		if i > 0 && l.Price.GreaterThan(b.Bids[i-1].Price) {
			return errors.Errorf("bids not sorted descending at level %d", i)
		}
	}
	for i, l := range b.Asks {
		if l.Size.IsNegative() || !l.Price.IsPositive() {
			return errors.Errorf("invalid ask level %d", i)
		}
		if i > 0 && l.Price.LessThan(b.Asks[i-1].Price) {
			return errors.Errorf("asks not sorted ascending at level %d", i)
		}
	}
	if !b.Bids[0].Price.LessThan(b.Asks[0].Price) {
		return errors.Errorf("crossed book: bid %s >= ask %s", b.Bids[0].Price, b.Asks[0].Price)
	}
	return nil
}

// BestBid returns the highest bid price or zero.
func (b OrderBookSnapshot) BestBid() decimal.Decimal {
	if len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask price or zero.
func (b OrderBookSnapshot) BestAsk() decimal.Decimal {
	if len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// Mid returns (best bid + best ask) / 2 or zero when a side is empty.
func (b OrderBookSnapshot) Mid() decimal.Decimal {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price.Add(b.Asks[0].Price).Div(decimal.NewFromInt(2))
}

// Fill is the result of walking one side of a book for a given amount.
type Fill struct {
	// VWAP is the volume weighted average price.
	VWAP decimal.Decimal
	// Notional is the exact quote amount, sum(size*price) over consumed levels.
	Notional decimal.Decimal
}

// WalkAsks simulates buying amount by consuming asks from the top.
// ok is false when the visible depth cannot fill the amount.
func (b OrderBookSnapshot) WalkAsks(amount decimal.Decimal) (Fill, bool) {
	return walk(b.Asks, amount)
}

// WalkBids simulates selling amount into the bids.
func (b OrderBookSnapshot) WalkBids(amount decimal.Decimal) (Fill, bool) {
	return walk(b.Bids, amount)
}

// TotalSize sums the sizes of the given levels.
func TotalSize(levels []PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Size)
	}
	return total
}

// DepthWithin sums level sizes whose price does not cross limit.
// For asks pass side=SideBuy (prices ≤ limit), for bids side=SideSell (prices ≥ limit).
func DepthWithin(levels []PriceLevel, side Side, limit decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		if side == SideBuy && l.Price.GreaterThan(limit) {
			break
		}
		if side == SideSell && l.Price.LessThan(limit) {
			break
		}
		total = total.Add(l.Size)
	}
	return total
}

func walk(levels []PriceLevel, amount decimal.Decimal) (Fill, bool) {
	if !amount.IsPositive() || len(levels) == 0 {
		return Fill{}, false
	}

	remaining := amount
	cost := decimal.Zero
	for _, l := range levels {
		if !l.Size.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, l.Size)
		cost = cost.Add(take.Mul(l.Price))
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			return Fill{VWAP: cost.Div(amount), Notional: cost}, true
		}
	}
	return Fill{}, false
}
