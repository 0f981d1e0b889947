package reconciler

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// BalanceKey identifies an asset held on a venue.
type BalanceKey struct {
	Venue domain.VenueID
	Asset string
}

// Ledger is the internal bookkeeping of what every venue balance should be.
// Only seeded balances are tracked; fills on anything else are ignored.
type Ledger struct {
	mu       sync.Mutex
	expected map[BalanceKey]decimal.Decimal
}

func NewLedger() *Ledger {
	return &Ledger{expected: make(map[BalanceKey]decimal.Decimal)}
}

// Balances reads live balances.
type Balances interface {
	Balance(ctx context.Context, venue domain.VenueID, asset string) (decimal.Decimal, error)
}

// Seed records the live balance of every asset of symbols on every venue.
func (l *Ledger) Seed(ctx context.Context, balances Balances, venues []domain.VenueID, symbols []domain.Symbol) error {
	for _, venue := range venues {
		for _, asset := range assetsOf(symbols) {
			bal, err := balances.Balance(ctx, venue, asset)
			if err != nil {
				return errors.Wrapf(err, "seed %s on %s", asset, venue)
			}
			l.Set(venue, asset, bal)
		}
	}
	return nil
}

func assetsOf(symbols []domain.Symbol) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range symbols {
		for _, a := range []string{s.Base, s.Quote} {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// Set overwrites the expected balance, used for seeding and for accepting drift.
func (l *Ledger) Set(venue domain.VenueID, asset string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expected[BalanceKey{Venue: venue, Asset: asset}] = amount
}

// Expected returns the expected balance and whether it is tracked.
func (l *Ledger) Expected(venue domain.VenueID, asset string) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.expected[BalanceKey{Venue: venue, Asset: asset}]
	return v, ok
}

// Keys returns tracked balances in a stable order.
func (l *Ledger) Keys() []BalanceKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]BalanceKey, 0, len(l.expected))
	for k := range l.expected {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Venue != keys[j].Venue {
			return keys[i].Venue < keys[j].Venue
		}
		return keys[i].Asset < keys[j].Asset
	})
	return keys
}

// ApplyFill moves expected balances by the effect of a fill. Fees are taken in quote.
func (l *Ledger) ApplyFill(symbol domain.Symbol, side domain.Side, fill domain.OrderOutcome) {
	if !fill.FilledAmount.IsPositive() {
		return
	}
	notional := fill.FilledNotional()

	l.mu.Lock()
	defer l.mu.Unlock()

	switch side {
	case domain.SideBuy:
		l.addLocked(fill.Venue, symbol.Base, fill.FilledAmount)
		l.addLocked(fill.Venue, symbol.Quote, notional.Add(fill.Fee).Neg())
	case domain.SideSell:
		l.addLocked(fill.Venue, symbol.Base, fill.FilledAmount.Neg())
		l.addLocked(fill.Venue, symbol.Quote, notional.Sub(fill.Fee))
	}
}

func (l *Ledger) addLocked(venue domain.VenueID, asset string, delta decimal.Decimal) {
	key := BalanceKey{Venue: venue, Asset: asset}
	if cur, ok := l.expected[key]; ok {
		l.expected[key] = cur.Add(delta)
	}
}

// Emit applies the fills of execution events, so the ledger can sit in the
// audit fan-out next to the other sinks.
func (l *Ledger) Emit(_ context.Context, e domain.Event) error {
	if e.Kind != domain.EventExecution || e.Execution == nil {
		return nil
	}
	r := e.Execution
	l.ApplyFill(r.Opportunity.Symbol, domain.SideBuy, r.Buy)
	l.ApplyFill(r.Opportunity.Symbol, domain.SideSell, r.Sell)
	return nil
}
