// Package detector finds cross-venue arbitrage candidates from live order books.
package detector

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

var (
	hundred         = decimal.NewFromInt(100)
	midEpsilon      = decimal.New(1, -12)
	depthWeight     = decimal.RequireFromString("0.6")
	skewWeight      = decimal.RequireFromString("0.4")
	fullDepthFactor = decimal.NewFromInt(5)
)

// MarketQuery is the fresh, uncached source of order books.
type MarketQuery interface {
	Venues() []domain.VenueID
	OrderBook(ctx context.Context, venue domain.VenueID, symbol domain.Symbol) (domain.OrderBookSnapshot, error)
}

// StaticInfo supplies fees and minimum order sizes.
type StaticInfo interface {
	Get(ctx context.Context, venue domain.VenueID, symbol domain.Symbol) (domain.StaticInfo, error)
}

// SymbolGate excludes symbols with an open imbalance or a suspension.
type SymbolGate interface {
	Blocked(symbol domain.Symbol) bool
}

// Config controls ladder sizing and quote sanity bounds.
type Config struct {
	// MaxNotional caps every ladder tier, in quote.
	MaxNotional decimal.Decimal
	// MinNotional is the ladder base when no venue publishes a minimum.
	MinNotional decimal.Decimal
	// Ladder multiplies the larger of the two venues' minimum notionals.
	Ladder []int64
	// MaxDeviationPct drops venues whose mid deviates from the cross-venue median by more than this.
	MaxDeviationPct decimal.Decimal
	// FetchConcurrency bounds concurrent book fetches, 0 means unbounded.
	FetchConcurrency int
}

func (c Config) withDefaults() Config {
	if len(c.Ladder) == 0 {
		c.Ladder = []int64{1, 2, 5, 10}
	}
	if !c.MaxDeviationPct.IsPositive() {
		c.MaxDeviationPct = decimal.NewFromInt(10)
	}
	if !c.MaxNotional.IsPositive() {
		c.MaxNotional = decimal.NewFromInt(50)
	}
	if !c.MinNotional.IsPositive() {
		c.MinNotional = decimal.NewFromInt(5)
	}
	return c
}

// Detector compares books across every ordered venue pair and sizes candidates.
type Detector struct {
	market MarketQuery
	static StaticInfo
	gate   SymbolGate
	cfg    Config
	logger *zap.Logger
}

func New(market MarketQuery, static StaticInfo, gate SymbolGate, cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		market: market,
		static: static,
		gate:   gate,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

type bookKey struct {
	symbol domain.Symbol
	venue  domain.VenueID
}

// Scan fetches books for all symbols on all venues concurrently and returns
// the best candidate per venue pair, sorted by net profit descending.
// Venue failures degrade coverage and are only logged.
func (d *Detector) Scan(ctx context.Context, symbols []domain.Symbol) ([]domain.SizedOpportunity, error) {
	active := make([]domain.Symbol, 0, len(symbols))
	for _, s := range symbols {
		if d.gate != nil && d.gate.Blocked(s) {
			d.logger.Debug("symbol excluded from scan", zap.String("symbol", s.String()))
			continue
		}
		active = append(active, s)
	}
	if len(active) == 0 {
		return nil, nil
	}

	venues := d.market.Venues()
	books := make(map[bookKey]domain.OrderBookSnapshot, len(active)*len(venues))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if d.cfg.FetchConcurrency > 0 {
		g.SetLimit(d.cfg.FetchConcurrency)
	}
	for _, symbol := range active {
		for _, venue := range venues {
			symbol, venue := symbol, venue
			g.Go(func() error {
				book, err := d.market.OrderBook(gctx, venue, symbol)
				if err != nil {
					d.logger.Warn("order book unavailable",
						zap.String("venue", string(venue)),
						zap.String("symbol", symbol.String()),
						zap.Error(err))
					return nil
				}
				mu.Lock()
				books[bookKey{symbol, venue}] = book
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []domain.SizedOpportunity
	for _, symbol := range active {
		snapshots := make([]domain.OrderBookSnapshot, 0, len(venues))
		for _, venue := range venues {
			if b, ok := books[bookKey{symbol, venue}]; ok {
				snapshots = append(snapshots, b)
			}
		}
		out = append(out, d.scanSymbol(ctx, symbol, snapshots)...)
	}

	sortOpportunities(out)
	return out, nil
}

// scanSymbol evaluates every ordered pair of usable snapshots for one symbol.
func (d *Detector) scanSymbol(ctx context.Context, symbol domain.Symbol, snapshots []domain.OrderBookSnapshot) []domain.SizedOpportunity {
	usable := d.usableBooks(symbol, snapshots)
	if len(usable) < 2 {
		d.logger.Debug("not enough usable venues",
			zap.String("symbol", symbol.String()),
			zap.Int("usable", len(usable)))
		return nil
	}

	var out []domain.SizedOpportunity
	for _, buy := range usable {
		for _, sell := range usable {
			if buy.Venue == sell.Venue {
				continue
			}
			tiers, err := d.evaluatePair(ctx, symbol, buy, sell)
			if err != nil {
				d.logger.Warn("venue pair skipped",
					zap.String("symbol", symbol.String()),
					zap.String("buy_venue", string(buy.Venue)),
					zap.String("sell_venue", string(sell.Venue)),
					zap.Error(err))
				continue
			}
			if best, ok := bestTier(tiers); ok {
				out = append(out, best)
			}
		}
	}
	return out
}

// usableBooks drops empty books, books with a non-positive mid and books whose
// mid is too far from the cross-venue median.
func (d *Detector) usableBooks(symbol domain.Symbol, snapshots []domain.OrderBookSnapshot) []domain.OrderBookSnapshot {
	candidates := make([]domain.OrderBookSnapshot, 0, len(snapshots))
	mids := make([]decimal.Decimal, 0, len(snapshots))
	for _, b := range snapshots {
		if len(b.Bids) == 0 || len(b.Asks) == 0 {
			continue
		}
		mid := b.Mid()
		if mid.LessThanOrEqual(midEpsilon) {
			continue
		}
		candidates = append(candidates, b)
		mids = append(mids, mid)
	}
	if len(candidates) < 2 {
		return candidates
	}

	median := medianOf(mids)
	usable := candidates[:0]
	for i, b := range candidates {
		deviation := mids[i].Sub(median).Abs().Div(median).Mul(hundred)
		if deviation.GreaterThan(d.cfg.MaxDeviationPct) {
			d.logger.Warn("quote deviates from cross-venue median",
				zap.String("symbol", symbol.String()),
				zap.String("venue", string(b.Venue)),
				zap.String("mid", mids[i].String()),
				zap.String("median", median.String()),
				zap.String("deviation_pct", deviation.StringFixed(2)))
			continue
		}
		usable = append(usable, b)
	}

	sort.Slice(usable, func(i, j int) bool { return usable[i].Venue < usable[j].Venue })
	return usable
}

// evaluatePair returns every profitable, admissible ladder tier for buying on
// buy and selling on sell.
func (d *Detector) evaluatePair(ctx context.Context, symbol domain.Symbol, buy, sell domain.OrderBookSnapshot) ([]domain.SizedOpportunity, error) {
	buyInfo, err := d.static.Get(ctx, buy.Venue, symbol)
	if err != nil {
		return nil, err
	}
	sellInfo, err := d.static.Get(ctx, sell.Venue, symbol)
	if err != nil {
		return nil, err
	}

	bestAsk := buy.BestAsk()
	bestBid := sell.BestBid()
	if !bestBid.GreaterThan(bestAsk) {
		return nil, nil
	}

	precision := buyInfo.BasePrecision
	if sellInfo.BasePrecision < precision {
		precision = sellInfo.BasePrecision
	}

	detectedAt := buy.CapturedAt
	if sell.CapturedAt.After(detectedAt) {
		detectedAt = sell.CapturedAt
	}

	var tiers []domain.SizedOpportunity
	for _, notional := range d.ladder(buyInfo, sellInfo) {
		amount := notional.Div(bestAsk).RoundFloor(precision)
		if !amount.IsPositive() {
			continue
		}

		buyFill, ok := buy.WalkAsks(amount)
		if !ok {
			continue
		}
		sellFill, ok := sell.WalkBids(amount)
		if !ok {
			continue
		}

		if !buyInfo.AdmitsNotional(amount, buyFill.Notional) || !sellInfo.AdmitsNotional(amount, sellFill.Notional) {
			continue
		}

		gross := sellFill.Notional.Sub(buyFill.Notional)
		fee := buyFill.Notional.Mul(buyInfo.TakerRate).Add(sellFill.Notional.Mul(sellInfo.TakerRate))
		net := gross.Sub(fee)
		if !net.IsPositive() {
			continue
		}

		tiers = append(tiers, domain.SizedOpportunity{
			Symbol:        symbol,
			BuyVenue:      buy.Venue,
			SellVenue:     sell.Venue,
			BuyPrice:      buyFill.VWAP,
			SellPrice:     sellFill.VWAP,
			BuyBestAsk:    bestAsk,
			SellBestBid:   bestBid,
			Amount:        amount,
			QuoteNotional: buyFill.Notional,
			SellNotional:  sellFill.Notional,
			GrossProfit:   gross,
			FeeCost:       fee,
			NetProfit:     net,
			NetSpreadPct:  net.Div(buyFill.Notional).Mul(hundred),
			Confidence:    confidence(buy, sell, amount, net),
			BuyAsks:       append([]domain.PriceLevel(nil), buy.Asks...),
			SellBids:      append([]domain.PriceLevel(nil), sell.Bids...),
			DetectedAt:    detectedAt,
		})
	}
	return tiers, nil
}

// ladder returns the deduplicated, capped notional tiers in ascending order.
func (d *Detector) ladder(buyInfo, sellInfo domain.StaticInfo) []decimal.Decimal {
	base := decimal.Max(buyInfo.MinQuoteAmount, sellInfo.MinQuoteAmount)
	if !base.IsPositive() {
		base = d.cfg.MinNotional
	}

	tiers := make([]decimal.Decimal, 0, len(d.cfg.Ladder))
	for _, m := range d.cfg.Ladder {
		if m <= 0 {
			continue
		}
		n := decimal.Min(base.Mul(decimal.NewFromInt(m)), d.cfg.MaxNotional)
		dup := false
		for _, t := range tiers {
			if t.Equal(n) {
				dup = true
				break
			}
		}
		if !dup {
			tiers = append(tiers, n)
		}
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].LessThan(tiers[j]) })
	return tiers
}

// bestTier picks the highest net profit, the smaller amount on ties.
func bestTier(tiers []domain.SizedOpportunity) (domain.SizedOpportunity, bool) {
	if len(tiers) == 0 {
		return domain.SizedOpportunity{}, false
	}
	best := tiers[0]
	for _, t := range tiers[1:] {
		if t.NetProfit.GreaterThan(best.NetProfit) ||
			(t.NetProfit.Equal(best.NetProfit) && t.Amount.LessThan(best.Amount)) {
			best = t
		}
	}
	return best, true
}

// confidence blends visible depth coverage with how much of the top of book
// edge survives slippage and fees. Result is in [0,1].
func confidence(buy, sell domain.OrderBookSnapshot, amount, net decimal.Decimal) decimal.Decimal {
	coverage := decimal.Min(domain.TotalSize(buy.Asks), domain.TotalSize(sell.Bids)).Div(amount)
	depthScore := clamp01(coverage.Div(fullDepthFactor))

	topEdge := sell.BestBid().Sub(buy.BestAsk()).Mul(amount)
	skewScore := decimal.Zero
	if topEdge.IsPositive() {
		skewScore = clamp01(net.Div(topEdge))
	}

	return clamp01(depthScore.Mul(depthWeight).Add(skewScore.Mul(skewWeight))).Round(4)
}

func clamp01(v decimal.Decimal) decimal.Decimal {
	return decimal.Min(decimal.NewFromInt(1), decimal.Max(decimal.Zero, v))
}

func medianOf(values []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}

func sortOpportunities(opps []domain.SizedOpportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if !a.NetProfit.Equal(b.NetProfit) {
			return a.NetProfit.GreaterThan(b.NetProfit)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol.String() < b.Symbol.String()
		}
		if a.BuyVenue != b.BuyVenue {
			return a.BuyVenue < b.BuyVenue
		}
		if a.SellVenue != b.SellVenue {
			return a.SellVenue < b.SellVenue
		}
		return a.Amount.LessThan(b.Amount)
	})
}
