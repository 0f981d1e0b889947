package venue

import (
	"context"
	"strings"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

const bybitOrderPollInterval = 5 * time.Millisecond

// Bybit is a spot venue backed by the Bybit V5 API.
type Bybit struct {
	client         *bybit.Client
	venue          domain.VenueID
	quotePrecision int32
}

func NewBybit(client *bybit.Client, venue domain.VenueID, quotePrecision int32) *Bybit {
	if venue == "" {
		venue = "bybit"
	}
	if quotePrecision <= 0 {
		quotePrecision = 2
	}
	return &Bybit{client: client, venue: venue, quotePrecision: quotePrecision}
}

func (b *Bybit) Venue() domain.VenueID { return b.venue }

func (b *Bybit) FetchOrderBook(ctx context.Context, symbol domain.Symbol, depth int) (domain.OrderBookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	if depth <= 0 {
		depth = 20
	}
	res, err := b.client.V5().Market().GetOrderbook(bybit.V5GetOrderbookParam{
		Category: "spot",
		Symbol:   bybit.SymbolV5(symbol.Concat()),
		Limit:    &depth,
	})
	if err != nil {
		return domain.OrderBookSnapshot{}, errors.Wrap(err, "bybit orderbook")
	}

	book := domain.OrderBookSnapshot{
		Venue:      b.venue,
		Symbol:     symbol,
		Bids:       make([]domain.PriceLevel, 0, len(res.Result.Bids)),
		Asks:       make([]domain.PriceLevel, 0, len(res.Result.Asks)),
		CapturedAt: time.UnixMilli(res.Result.Timestamp),
	}
	for _, bid := range res.Result.Bids {
		l, err := parseLevel(bid.Price, bid.Quantity)
		if err != nil {
			return domain.OrderBookSnapshot{}, errors.Wrap(err, "bybit bid")
		}
		book.Bids = append(book.Bids, l)
	}
	for _, ask := range res.Result.Asks {
		l, err := parseLevel(ask.Price, ask.Quantity)
		if err != nil {
			return domain.OrderBookSnapshot{}, errors.Wrap(err, "bybit ask")
		}
		book.Asks = append(book.Asks, l)
	}
	return book, nil
}

// PlaceMarketOrder submits a spot market order and polls its status until it
// settles or ctx expires. Spot market buys are sized in quote on Bybit, so the
// buy quantity is RefPrice * Amount.
func (b *Bybit) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderOutcome{}, err
	}

	side := bybit.SideBuy
	qty := req.Amount.String()
	if req.Side == domain.SideSell {
		side = bybit.SideSell
	} else {
		if !req.RefPrice.IsPositive() {
			return domain.OrderOutcome{}, errors.New("bybit market buy requires a reference price")
		}
		qty = req.Amount.Mul(req.RefPrice).RoundFloor(b.quotePrecision).String()
	}

	linkID := req.ClientOrderID
	_, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    "spot",
		Symbol:      bybit.SymbolV5(req.Symbol.Concat()),
		Side:        side,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         qty,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "failed to create bybit order")
	}

	for {
		outcome, err := b.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
		if err == nil && outcome.Settled() && outcome.OrderID != "" {
			return outcome, nil
		}
		timer := time.NewTimer(bybitOrderPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.OrderOutcome{Venue: b.venue, ClientOrderID: req.ClientOrderID, Status: domain.LegUnknown}, nil
		case <-timer.C:
		}
	}
}

func (b *Bybit) QueryOrder(ctx context.Context, symbol domain.Symbol, clientOrderID string) (domain.OrderOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderOutcome{}, err
	}
	sym := bybit.SymbolV5(symbol.Concat())
	linkID := clientOrderID
	res, err := b.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category:    "spot",
		Symbol:      &sym,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "failed to query bybit order status")
	}

	outcome := domain.OrderOutcome{Venue: b.venue, ClientOrderID: clientOrderID, Status: domain.LegFailed}
	if len(res.Result.List) == 0 {
		return outcome, nil
	}
	o := res.Result.List[0]
	outcome.OrderID = o.OrderID

	if outcome.FilledAmount, err = decimalOrZero(o.CumExecQty); err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "parse bybit executed qty")
	}
	if outcome.AvgPrice, err = decimalOrZero(o.AvgPrice); err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "parse bybit avg price")
	}
	if outcome.FilledQuote, err = decimalOrZero(o.CumExecValue); err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "parse bybit executed value")
	}
	if outcome.Fee, err = decimalOrZero(o.CumExecFee); err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "parse bybit fee")
	}
	// spot buy fees are charged in base
	if symbolSideIsBuy(string(o.Side)) {
		outcome.Fee = outcome.Fee.Mul(outcome.AvgPrice)
	}

	switch string(o.OrderStatus) {
	case "Filled":
		outcome.Status = domain.LegFilled
	case "Cancelled", "Rejected", "Deactivated", "PartiallyFilledCanceled":
		outcome.Status = domain.LegFailed
		if outcome.FilledAmount.IsPositive() {
			outcome.Status = domain.LegPartial
		}
	default:
		outcome.Status = domain.LegUnknown
	}
	return outcome, nil
}

func (b *Bybit) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	res, err := b.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5UNIFIED, []bybit.Coin{bybit.Coin(asset)})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to get bybit wallet balance")
	}
	for _, account := range res.Result.List {
		for _, c := range account.Coin {
			if strings.EqualFold(string(c.Coin), asset) {
				return decimalOrZero(c.WalletBalance)
			}
		}
	}
	return decimal.Zero, nil
}

func (b *Bybit) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.client.NewTimeService().GetServerTime()
	return errors.Wrap(err, "bybit server time")
}

func symbolSideIsBuy(side string) bool {
	return strings.EqualFold(side, "Buy")
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
