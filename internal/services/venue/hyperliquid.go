package venue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// hyperliquidSlippage bounds the IOC limit price used to emulate market orders.
const hyperliquidSlippage = 0.005

// Hyperliquid is a spot venue on the Hyperliquid L1. Coins are addressed by base asset.
type Hyperliquid struct {
	ex          *hyperliquid.Exchange
	info        *hyperliquid.Info
	accountAddr string
	venue       domain.VenueID
}

func NewHyperliquid(ex *hyperliquid.Exchange, accountAddr string, venue domain.VenueID) (*Hyperliquid, error) {
	if ex == nil {
		return nil, fmt.Errorf("hyperliquid exchange is nil")
	}
	if venue == "" {
		venue = "hyperliquid"
	}
	return &Hyperliquid{ex: ex, info: ex.Info(), accountAddr: accountAddr, venue: venue}, nil
}

func (h *Hyperliquid) Venue() domain.VenueID { return h.venue }

func (h *Hyperliquid) FetchOrderBook(ctx context.Context, symbol domain.Symbol, depth int) (domain.OrderBookSnapshot, error) {
	snap, err := h.info.L2Snapshot(ctx, symbol.Base)
	if err != nil {
		return domain.OrderBookSnapshot{}, errors.Wrap(err, "hyperliquid l2 snapshot")
	}
	if snap == nil || len(snap.Levels) < 2 {
		return domain.OrderBookSnapshot{}, errors.Errorf("hyperliquid returned no book for %s", symbol.Base)
	}

	book := domain.OrderBookSnapshot{
		Venue:      h.venue,
		Symbol:     symbol,
		CapturedAt: time.UnixMilli(snap.Time),
	}
	for i, side := range snap.Levels[:2] {
		for n, level := range side {
			if depth > 0 && n >= depth {
				break
			}
			l, err := parseLevel(fmt.Sprint(level.Px), fmt.Sprint(level.Sz))
			if err != nil {
				return domain.OrderBookSnapshot{}, errors.Wrap(err, "hyperliquid level")
			}
			if i == 0 {
				book.Bids = append(book.Bids, l)
			} else {
				book.Asks = append(book.Asks, l)
			}
		}
	}
	return book, nil
}

// PlaceMarketOrder sends an IOC limit order a small slippage away from mid.
// The order query does not report an average price, so fills are priced at RefPrice.
func (h *Hyperliquid) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	isBuy := req.Side == domain.SideBuy
	size, _ := req.Amount.Round(8).Float64()

	px, err := h.ex.SlippagePrice(ctx, req.Symbol.Base, isBuy, hyperliquidSlippage, nil)
	if err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "slippage price")
	}

	cloid := cloidFromID(req.ClientOrderID)
	order := hyperliquid.CreateOrderRequest{
		Coin:          req.Symbol.Base,
		IsBuy:         isBuy,
		Price:         px,
		Size:          size,
		ClientOrderID: &cloid,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc},
		},
	}
	if _, err := h.ex.Order(ctx, order, nil); err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "hyperliquid order")
	}

	outcome, err := h.QueryOrder(ctx, req.Symbol, req.ClientOrderID)
	if err != nil {
		// the IOC order was accepted, its fill is not known yet
		return domain.OrderOutcome{Venue: h.venue, ClientOrderID: req.ClientOrderID, Status: domain.LegUnknown}, nil
	}
	if outcome.AvgPrice.IsZero() && outcome.FilledAmount.IsPositive() {
		outcome.AvgPrice = req.RefPrice
	}
	return outcome, nil
}

func (h *Hyperliquid) QueryOrder(ctx context.Context, symbol domain.Symbol, clientOrderID string) (domain.OrderOutcome, error) {
	outcome := domain.OrderOutcome{Venue: h.venue, ClientOrderID: clientOrderID, Status: domain.LegFailed}
	if clientOrderID == "" {
		return outcome, nil
	}

	cloid := cloidFromID(clientOrderID)
	res, err := h.info.QueryOrderByCloid(ctx, h.accountAddr, cloid)
	if err != nil {
		return domain.OrderOutcome{}, errors.Wrap(err, "query order by cloid")
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return outcome, nil
	}

	outcome.OrderID = cloid
	switch res.Order.Status {
	case hyperliquid.OrderStatusValueFilled:
		outcome.Status = domain.LegFilled
		if res.Order.Order.OrigSz != "" {
			if sz, err := decimal.NewFromString(res.Order.Order.OrigSz); err == nil {
				outcome.FilledAmount = sz
			}
		}
	case hyperliquid.OrderStatusValueOpen:
		outcome.Status = domain.LegUnknown
	default:
		outcome.Status = domain.LegFailed
	}
	return outcome, nil
}

func (h *Hyperliquid) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	st, err := h.info.SpotUserState(ctx, h.accountAddr)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "get spot user state")
	}
	for _, b := range st.Balances {
		if strings.EqualFold(b.Coin, asset) {
			return decimal.NewFromString(b.Total)
		}
	}
	return decimal.Zero, nil
}

func (h *Hyperliquid) Ping(ctx context.Context) error {
	_, err := h.info.AllMids(ctx)
	return errors.Wrap(err, "hyperliquid all mids")
}

// cloidFromID maps a free form client id to a Hyperliquid cloid (0x + 32 hex chars).
func cloidFromID(id string) string {
	s := strings.TrimSpace(id)
	if s == "" {
		s = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	sum := sha256.Sum256([]byte(s))
	return "0x" + hex.EncodeToString(sum[:16])
}
