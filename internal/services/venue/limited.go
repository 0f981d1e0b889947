package venue

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// Limited wraps a venue with a client side request rate limit.
type Limited struct {
	inner   domain.Exchange
	limiter *rate.Limiter
}

// NewLimited allows rps requests per second with the given burst.
// A non-positive rps disables limiting.
func NewLimited(inner domain.Exchange, rps float64, burst int) *Limited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limit wait for %s", l.inner.Venue())
	}
	return nil
}

func (l *Limited) Venue() domain.VenueID { return l.inner.Venue() }

// Unwrap returns the wrapped venue.
func (l *Limited) Unwrap() domain.Exchange { return l.inner }

func (l *Limited) FetchOrderBook(ctx context.Context, symbol domain.Symbol, depth int) (domain.OrderBookSnapshot, error) {
	if err := l.wait(ctx); err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	return l.inner.FetchOrderBook(ctx, symbol, depth)
}

func (l *Limited) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	if err := l.wait(ctx); err != nil {
		return domain.OrderOutcome{}, err
	}
	return l.inner.PlaceMarketOrder(ctx, req)
}

func (l *Limited) QueryOrder(ctx context.Context, symbol domain.Symbol, clientOrderID string) (domain.OrderOutcome, error) {
	if err := l.wait(ctx); err != nil {
		return domain.OrderOutcome{}, err
	}
	return l.inner.QueryOrder(ctx, symbol, clientOrderID)
}

func (l *Limited) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := l.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return l.inner.GetBalance(ctx, asset)
}

func (l *Limited) Ping(ctx context.Context) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.inner.Ping(ctx)
}

// MinOrderInfo forwards to the wrapped venue when it publishes order filters.
func (l *Limited) MinOrderInfo(ctx context.Context, symbol domain.Symbol) (domain.MinOrderInfo, error) {
	src, ok := l.inner.(domain.StaticInfoSource)
	if !ok {
		return domain.MinOrderInfo{}, errors.Errorf("%s does not publish order filters", l.inner.Venue())
	}
	if err := l.wait(ctx); err != nil {
		return domain.MinOrderInfo{}, err
	}
	return src.MinOrderInfo(ctx, symbol)
}
