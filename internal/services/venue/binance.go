package venue

import (
	"context"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

const binanceOrderNotFound = -2013

// Binance is a spot venue backed by the Binance REST API.
type Binance struct {
	client *binance.Client
	venue  domain.VenueID
}

func NewBinance(client *binance.Client, venue domain.VenueID) *Binance {
	if venue == "" {
		venue = "binance"
	}
	return &Binance{client: client, venue: venue}
}

func (b *Binance) Venue() domain.VenueID { return b.venue }

func (b *Binance) FetchOrderBook(ctx context.Context, symbol domain.Symbol, depth int) (domain.OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = 20
	}
	res, err := b.client.NewDepthService().Symbol(symbol.Concat()).Limit(depth).Do(ctx)
	if err != nil {
		return domain.OrderBookSnapshot{}, errors.Wrap(err, "binance depth")
	}

	book := domain.OrderBookSnapshot{
		Venue:      b.venue,
		Symbol:     symbol,
		Bids:       make([]domain.PriceLevel, 0, len(res.Bids)),
		Asks:       make([]domain.PriceLevel, 0, len(res.Asks)),
		CapturedAt: time.Now(),
	}
	for _, bid := range res.Bids {
		l, err := parseLevel(bid.Price, bid.Quantity)
		if err != nil {
			return domain.OrderBookSnapshot{}, errors.Wrap(err, "binance bid")
		}
		book.Bids = append(book.Bids, l)
	}
	for _, ask := range res.Asks {
		l, err := parseLevel(ask.Price, ask.Quantity)
		if err != nil {
			return domain.OrderBookSnapshot{}, errors.Wrap(err, "binance ask")
		}
		book.Asks = append(book.Asks, l)
	}
	return book, nil
}

func (b *Binance) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	side := binance.SideTypeBuy
	if req.Side == domain.SideSell {
		side = binance.SideTypeSell
	}

	res, err := b.client.NewCreateOrderService().Symbol(req.Symbol.Concat()).
		Side(side).Type(binance.OrderTypeMarket).
		Quantity(req.Amount.String()).
		NewClientOrderID(req.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "binance create order")
	}

	outcome, err := binanceOutcome(b.venue, req.ClientOrderID, res.OrderID, res.Status, res.ExecutedQuantity, res.CummulativeQuoteQuantity)
	if err != nil {
		return domain.OrderOutcome{}, err
	}

	fee := decimal.Zero
	for _, f := range res.Fills {
		if f == nil {
			continue
		}
		commission, err := decimal.NewFromString(f.Commission)
		if err != nil {
			continue
		}
		switch {
		case strings.EqualFold(f.CommissionAsset, req.Symbol.Quote):
			fee = fee.Add(commission)
		case strings.EqualFold(f.CommissionAsset, req.Symbol.Base):
			price, err := decimal.NewFromString(f.Price)
			if err == nil {
				fee = fee.Add(commission.Mul(price))
			}
		}
	}
	outcome.Fee = fee

	return outcome, nil
}

func (b *Binance) QueryOrder(ctx context.Context, symbol domain.Symbol, clientOrderID string) (domain.OrderOutcome, error) {
	order, err := b.client.NewGetOrderService().
		Symbol(symbol.Concat()).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Code == binanceOrderNotFound {
			return domain.OrderOutcome{Venue: b.venue, ClientOrderID: clientOrderID, Status: domain.LegFailed}, nil
		}
		return domain.OrderOutcome{}, errors.Wrap(err, "failed to query binance order status")
	}

	return binanceOutcome(b.venue, clientOrderID, order.OrderID, order.Status, order.ExecutedQuantity, order.CummulativeQuoteQuantity)
}

func (b *Binance) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to get binance account balance")
	}

	for _, balance := range account.Balances {
		if strings.EqualFold(balance.Asset, asset) {
			free, err := decimal.NewFromString(balance.Free)
			if err != nil {
				return decimal.Zero, errors.Wrap(err, "failed to parse balance")
			}
			return free, nil
		}
	}
	return decimal.Zero, nil
}

func (b *Binance) Ping(ctx context.Context) error {
	return errors.Wrap(b.client.NewPingService().Do(ctx), "binance ping")
}

// MinOrderInfo reads LOT_SIZE and NOTIONAL filters from exchange info.
func (b *Binance) MinOrderInfo(ctx context.Context, symbol domain.Symbol) (domain.MinOrderInfo, error) {
	info, err := b.client.NewExchangeInfoService().Symbol(symbol.Concat()).Do(ctx)
	if err != nil {
		return domain.MinOrderInfo{}, errors.Wrap(err, "binance exchange info")
	}
	if len(info.Symbols) == 0 {
		return domain.MinOrderInfo{}, errors.Errorf("binance has no symbol %s", symbol.Concat())
	}
	s := info.Symbols[0]

	out := domain.MinOrderInfo{
		Venue:          b.venue,
		Symbol:         symbol,
		MinQuoteAmount: decimal.Zero,
		MinBaseAmount:  decimal.Zero,
		BasePrecision:  int32(s.BaseAssetPrecision),
		QuotePrecision: int32(s.QuotePrecision),
	}
	if lot := s.LotSizeFilter(); lot != nil {
		if v, err := decimal.NewFromString(lot.MinQuantity); err == nil {
			out.MinBaseAmount = v
		}
		if step, err := decimal.NewFromString(lot.StepSize); err == nil && step.IsPositive() {
			out.BasePrecision = stepPrecision(step)
		}
	}
	if n := s.NotionalFilter(); n != nil {
		if v, err := decimal.NewFromString(n.MinNotional); err == nil {
			out.MinQuoteAmount = v
		}
	}
	return out, nil
}

func binanceOutcome(venue domain.VenueID, clientOrderID string, orderID int64, status binance.OrderStatusType, executed, quote string) (domain.OrderOutcome, error) {
	executedQty, err := decimal.NewFromString(executed)
	if err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "failed to parse executed quantity")
	}
	quoteQty := decimal.Zero
	if quote != "" {
		if quoteQty, err = decimal.NewFromString(quote); err != nil {
			return domain.OrderOutcome{}, errors.Wrap(err, "failed to parse quote quantity")
		}
	}

	outcome := domain.OrderOutcome{
		Venue:         venue,
		ClientOrderID: clientOrderID,
		OrderID:       decimal.NewFromInt(orderID).String(),
		FilledAmount:  executedQty,
		FilledQuote:   quoteQty,
	}
	if executedQty.IsPositive() {
		outcome.AvgPrice = quoteQty.Div(executedQty)
	}

	switch status {
	case binance.OrderStatusTypeFilled:
		outcome.Status = domain.LegFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		outcome.Status = domain.LegFailed
		if executedQty.IsPositive() {
			outcome.Status = domain.LegPartial
		}
	case binance.OrderStatusTypePartiallyFilled:
		outcome.Status = domain.LegUnknown
	default:
		outcome.Status = domain.LegUnknown
	}
	return outcome, nil
}

func parseLevel(price, size string) (domain.PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.PriceLevel{}, errors.Wrapf(err, "parse price %q", price)
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return domain.PriceLevel{}, errors.Wrapf(err, "parse size %q", size)
	}
	return domain.PriceLevel{Price: p, Size: s}, nil
}

// stepPrecision returns the number of decimal places in a step like 0.00100000.
func stepPrecision(step decimal.Decimal) int32 {
	s := step.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(s[i+1:], "0")))
}
