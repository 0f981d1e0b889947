package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// BookSource supplies order books for the simulated venue, e.g. a public live venue.
type BookSource interface {
	FetchOrderBook(ctx context.Context, symbol domain.Symbol, depth int) (domain.OrderBookSnapshot, error)
}

// Simulated is an in-memory paper trading venue. Market orders fill by walking
// the current book and are charged the taker fee in quote.
type Simulated struct {
	mu        sync.RWMutex
	venue     domain.VenueID
	logger    *zap.Logger
	wallet    map[string]decimal.Decimal
	books     map[domain.Symbol]domain.OrderBookSnapshot
	minOrders map[domain.Symbol]domain.MinOrderInfo
	orders    map[string]domain.OrderOutcome
	source    BookSource
	takerRate decimal.Decimal
	latency   time.Duration
	failNext  map[domain.Side]error
	down      bool
	now       func() time.Time
}

// SimulatedOption configures a Simulated venue.
type SimulatedOption func(*Simulated)

// WithBookSource makes the simulated venue read books from src instead of static books.
func WithBookSource(src BookSource) SimulatedOption {
	return func(s *Simulated) { s.source = src }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SimulatedOption {
	return func(s *Simulated) { s.now = now }
}

// WithTakerRate sets the fee charged on every fill.
func WithTakerRate(rate decimal.Decimal) SimulatedOption {
	return func(s *Simulated) { s.takerRate = rate }
}

// WithBalances seeds the wallet.
func WithBalances(balances map[string]decimal.Decimal) SimulatedOption {
	return func(s *Simulated) {
		for asset, amount := range balances {
			s.wallet[asset] = amount
		}
	}
}

// NewSimulated creates a simulated venue.
func NewSimulated(venue domain.VenueID, logger *zap.Logger, opts ...SimulatedOption) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Simulated{
		venue:     venue,
		logger:    logger.With(zap.String("venue", string(venue))),
		wallet:    make(map[string]decimal.Decimal),
		books:     make(map[domain.Symbol]domain.OrderBookSnapshot),
		minOrders: make(map[domain.Symbol]domain.MinOrderInfo),
		orders:    make(map[string]domain.OrderOutcome),
		failNext:  make(map[domain.Side]error),
		takerRate: decimal.Zero,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulated) Venue() domain.VenueID { return s.venue }

// SetOrderBook installs a static book for symbol.
func (s *Simulated) SetOrderBook(book domain.OrderBookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	book.Venue = s.venue
	s.books[book.Symbol] = book
}

// SetBalance overwrites a wallet balance.
func (s *Simulated) SetBalance(asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet[asset] = amount
}

// SetMinOrderInfo sets the published minimums for symbol.
func (s *Simulated) SetMinOrderInfo(info domain.MinOrderInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.Venue = s.venue
	s.minOrders[info.Symbol] = info
}

// SetLatency delays every order placement by d.
func (s *Simulated) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailNext makes the next order on side fail with err before reaching the book.
func (s *Simulated) FailNext(side domain.Side, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[side] = err
}

// SetDown toggles connectivity.
func (s *Simulated) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *Simulated) FetchOrderBook(ctx context.Context, symbol domain.Symbol, depth int) (domain.OrderBookSnapshot, error) {
	s.mu.RLock()
	down, src := s.down, s.source
	book, ok := s.books[symbol]
	s.mu.RUnlock()

	if down {
		return domain.OrderBookSnapshot{}, errors.Errorf("%s is down", s.venue)
	}
	if src != nil {
		live, err := src.FetchOrderBook(ctx, symbol, depth)
		if err != nil {
			return domain.OrderBookSnapshot{}, errors.Wrap(err, "simulated book source")
		}
		live.Venue = s.venue
		return live, nil
	}
	if !ok {
		return domain.OrderBookSnapshot{}, errors.Errorf("no book for %s on %s", symbol, s.venue)
	}
	if book.CapturedAt.IsZero() {
		book.CapturedAt = s.now()
	}
	return book, nil
}

func (s *Simulated) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderOutcome, error) {
	s.mu.Lock()
	latency := s.latency
	failErr := s.failNext[req.Side]
	delete(s.failNext, req.Side)
	down := s.down
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.OrderOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}
	if down {
		return domain.OrderOutcome{}, errors.Errorf("%s is down", s.venue)
	}
	if failErr != nil {
		return domain.OrderOutcome{}, failErr
	}
	if !req.Amount.IsPositive() {
		return domain.OrderOutcome{}, fmt.Errorf("order amount must be positive, got %s", req.Amount)
	}

	book, err := s.FetchOrderBook(ctx, req.Symbol, 0)
	if err != nil {
		return domain.OrderOutcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return existing, nil
	}

	levels := book.Asks
	if req.Side == domain.SideSell {
		levels = book.Bids
	}
	filled, notional := fillable(levels, req.Amount)
	if filled.IsZero() {
		return domain.OrderOutcome{}, errors.Errorf("no liquidity for %s %s on %s", req.Side, req.Symbol, s.venue)
	}
	fee := notional.Mul(s.takerRate)

	switch req.Side {
	case domain.SideBuy:
		need := notional.Add(fee)
		if s.wallet[req.Symbol.Quote].LessThan(need) {
			return domain.OrderOutcome{}, &domain.InsufficientBalanceError{
				Venue: s.venue, Asset: req.Symbol.Quote, Have: s.wallet[req.Symbol.Quote], Need: need,
			}
		}
		s.wallet[req.Symbol.Quote] = s.wallet[req.Symbol.Quote].Sub(need)
		s.wallet[req.Symbol.Base] = s.wallet[req.Symbol.Base].Add(filled)
	case domain.SideSell:
		if s.wallet[req.Symbol.Base].LessThan(filled) {
			return domain.OrderOutcome{}, &domain.InsufficientBalanceError{
				Venue: s.venue, Asset: req.Symbol.Base, Have: s.wallet[req.Symbol.Base], Need: filled,
			}
		}
		s.wallet[req.Symbol.Base] = s.wallet[req.Symbol.Base].Sub(filled)
		s.wallet[req.Symbol.Quote] = s.wallet[req.Symbol.Quote].Add(notional.Sub(fee))
	default:
		return domain.OrderOutcome{}, fmt.Errorf("unknown side: %s", req.Side)
	}

	status := domain.LegFilled
	if filled.LessThan(req.Amount) {
		status = domain.LegPartial
	}
	outcome := domain.OrderOutcome{
		Venue:         s.venue,
		ClientOrderID: req.ClientOrderID,
		OrderID:       fmt.Sprintf("%s-%d", s.venue, len(s.orders)+1),
		Status:        status,
		FilledAmount:  filled,
		AvgPrice:      notional.Div(filled),
		FilledQuote:   notional,
		Fee:           fee,
	}
	s.orders[req.ClientOrderID] = outcome

	s.logger.Debug("simulated fill",
		zap.String("side", string(req.Side)),
		zap.String("symbol", req.Symbol.String()),
		zap.String("filled", filled.String()),
		zap.String("avg_price", outcome.AvgPrice.String()))

	return outcome, nil
}

func (s *Simulated) QueryOrder(ctx context.Context, symbol domain.Symbol, clientOrderID string) (domain.OrderOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return domain.OrderOutcome{}, errors.Errorf("%s is down", s.venue)
	}
	if o, ok := s.orders[clientOrderID]; ok {
		return o, nil
	}
	return domain.OrderOutcome{Venue: s.venue, ClientOrderID: clientOrderID, Status: domain.LegFailed}, nil
}

func (s *Simulated) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return decimal.Zero, errors.Errorf("%s is down", s.venue)
	}
	return s.wallet[asset], nil
}

func (s *Simulated) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return errors.Errorf("%s is down", s.venue)
	}
	return nil
}

func (s *Simulated) MinOrderInfo(ctx context.Context, symbol domain.Symbol) (domain.MinOrderInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.minOrders[symbol]
	if !ok {
		return domain.MinOrderInfo{}, errors.Errorf("no min order info for %s on %s", symbol, s.venue)
	}
	return info, nil
}

// OrderCount returns the number of orders that reached the book.
func (s *Simulated) OrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// Orders returns a copy of all recorded orders.
func (s *Simulated) Orders() []domain.OrderOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OrderOutcome, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

// fillable walks levels and returns how much of amount fills and its quote notional.
func fillable(levels []domain.PriceLevel, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	remaining := amount
	notional := decimal.Zero
	for _, l := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, l.Size)
		notional = notional.Add(take.Mul(l.Price))
		remaining = remaining.Sub(take)
	}
	return amount.Sub(remaining), notional
}
