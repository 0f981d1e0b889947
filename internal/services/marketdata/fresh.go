// Package marketdata separates live trading data, which is never cached, from
// static venue metadata, which is.
package marketdata

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

const (
	defaultFreshness    = 2 * time.Second
	defaultFetchTimeout = 500 * time.Millisecond
	defaultDepth        = 20
)

// FreshMarketQuery is the only path to tradable market data and balances.
// Every call goes to the venue; nothing is retained between calls.
type FreshMarketQuery struct {
	venues    map[domain.VenueID]domain.Exchange
	health    *HealthMonitor
	freshness time.Duration
	timeout   time.Duration
	depth     int
	now       func() time.Time
}

// FreshOption configures a FreshMarketQuery.
type FreshOption func(*FreshMarketQuery)

// WithFreshness sets the maximum accepted snapshot age. Non-positive values keep the default.
func WithFreshness(d time.Duration) FreshOption {
	return func(q *FreshMarketQuery) {
		if d > 0 {
			q.freshness = d
		}
	}
}

// WithFetchTimeout bounds each venue call.
func WithFetchTimeout(d time.Duration) FreshOption {
	return func(q *FreshMarketQuery) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithDepth sets the number of book levels requested per side.
func WithDepth(n int) FreshOption {
	return func(q *FreshMarketQuery) {
		if n > 0 {
			q.depth = n
		}
	}
}

// WithNow overrides the clock used for freshness checks.
func WithNow(now func() time.Time) FreshOption {
	return func(q *FreshMarketQuery) { q.now = now }
}

func NewFreshMarketQuery(venues []domain.Exchange, health *HealthMonitor, opts ...FreshOption) *FreshMarketQuery {
	q := &FreshMarketQuery{
		venues:    make(map[domain.VenueID]domain.Exchange, len(venues)),
		health:    health,
		freshness: defaultFreshness,
		timeout:   defaultFetchTimeout,
		depth:     defaultDepth,
		now:       time.Now,
	}
	for _, v := range venues {
		q.venues[v.Venue()] = v
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.health == nil {
		q.health = NewHealthMonitor(0, q.now)
	}
	return q
}

// Venues returns venue ids in a stable order.
func (q *FreshMarketQuery) Venues() []domain.VenueID {
	ids := make([]domain.VenueID, 0, len(q.venues))
	for id := range q.venues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Exchange returns the adapter for venue.
func (q *FreshMarketQuery) Exchange(venue domain.VenueID) (domain.Exchange, bool) {
	ex, ok := q.venues[venue]
	return ex, ok
}

// Exchanges returns all adapters in venue order.
func (q *FreshMarketQuery) Exchanges() []domain.Exchange {
	out := make([]domain.Exchange, 0, len(q.venues))
	for _, id := range q.Venues() {
		out = append(out, q.venues[id])
	}
	return out
}

// Health exposes the monitor fed by this query path.
func (q *FreshMarketQuery) Health() *HealthMonitor {
	return q.health
}

// OrderBook fetches and validates a live snapshot.
func (q *FreshMarketQuery) OrderBook(ctx context.Context, venue domain.VenueID, symbol domain.Symbol) (domain.OrderBookSnapshot, error) {
	ex, ok := q.venues[venue]
	if !ok {
		return domain.OrderBookSnapshot{}, &domain.ExchangeUnavailableError{Venue: venue, Err: errors.New("venue not configured")}
	}

	fctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	book, err := ex.FetchOrderBook(fctx, symbol, q.depth)
	if err != nil {
		q.health.RecordFailure(venue, err)
		return domain.OrderBookSnapshot{}, &domain.ExchangeUnavailableError{Venue: venue, Err: err}
	}
	q.health.RecordSuccess(venue)

	age := q.now().Sub(book.CapturedAt)
	if age < 0 {
		age = 0
	}
	if book.CapturedAt.IsZero() || age > q.freshness {
		return domain.OrderBookSnapshot{}, &domain.StaleDataError{Venue: venue, Symbol: symbol, Age: age, Reason: "snapshot older than freshness bound"}
	}
	if err := book.Validate(); err != nil {
		return domain.OrderBookSnapshot{}, &domain.StaleDataError{Venue: venue, Symbol: symbol, Age: age, Reason: err.Error()}
	}
	book.Symbol = symbol
	book.Venue = venue
	return book, nil
}

// Balance returns the live free balance of asset on venue.
func (q *FreshMarketQuery) Balance(ctx context.Context, venue domain.VenueID, asset string) (decimal.Decimal, error) {
	ex, ok := q.venues[venue]
	if !ok {
		return decimal.Zero, &domain.ExchangeUnavailableError{Venue: venue, Err: errors.New("venue not configured")}
	}

	bctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	bal, err := ex.GetBalance(bctx, asset)
	if err != nil {
		q.health.RecordFailure(venue, err)
		return decimal.Zero, &domain.ExchangeUnavailableError{Venue: venue, Err: err}
	}
	q.health.RecordSuccess(venue)
	return bal, nil
}
