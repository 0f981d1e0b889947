package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

const defaultStaticTTL = time.Hour

// VenueStatic is configured fee and minimum order data for a venue.
// Non-zero minimums and precisions override what the venue publishes.
type VenueStatic struct {
	Fee            domain.FeeInfo
	MinQuoteAmount decimal.Decimal
	MinBaseAmount  decimal.Decimal
	BasePrecision  int32
	QuotePrecision int32
}

type staticEntry struct {
	info    domain.StaticInfo
	expires time.Time
}

// CachedStaticInfo serves fee rates and minimum order info with a bounded TTL.
// It never holds prices, books or balances.
type CachedStaticInfo struct {
	mu      sync.RWMutex
	entries map[string]staticEntry
	group   singleflight.Group

	configured map[domain.VenueID]VenueStatic
	sources    map[domain.VenueID]domain.StaticInfoSource
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewCachedStaticInfo(configured map[domain.VenueID]VenueStatic, ttl time.Duration, logger *zap.Logger) *CachedStaticInfo {
	if ttl <= 0 {
		ttl = defaultStaticTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStaticInfo{
		entries:    make(map[string]staticEntry),
		configured: configured,
		sources:    make(map[domain.VenueID]domain.StaticInfoSource),
		ttl:        ttl,
		now:        time.Now,
		logger:     logger,
	}
}

// RegisterSource lets a venue publish its own order filters.
func (c *CachedStaticInfo) RegisterSource(venue domain.VenueID, src domain.StaticInfoSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[venue] = src
}

// SetClock overrides the time source, used for expiry.
func (c *CachedStaticInfo) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns fee and minimum order info for venue/symbol.
func (c *CachedStaticInfo) Get(ctx context.Context, venue domain.VenueID, symbol domain.Symbol) (domain.StaticInfo, error) {
	key := string(venue) + "|" + symbol.String()

	c.mu.RLock()
	entry, ok := c.entries[key]
	now := c.now()
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.info, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		info, err := c.load(ctx, venue, symbol)
		if err != nil {
			return domain.StaticInfo{}, err
		}
		c.mu.Lock()
		c.entries[key] = staticEntry{info: info, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return domain.StaticInfo{}, err
	}
	return v.(domain.StaticInfo), nil
}

// Invalidate drops the cached entry for venue/symbol.
func (c *CachedStaticInfo) Invalidate(venue domain.VenueID, symbol domain.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, string(venue)+"|"+symbol.String())
}

func (c *CachedStaticInfo) load(ctx context.Context, venue domain.VenueID, symbol domain.Symbol) (domain.StaticInfo, error) {
	conf, ok := c.configured[venue]
	if !ok {
		return domain.StaticInfo{}, errors.Errorf("no fee configuration for venue %s", venue)
	}

	orders := domain.MinOrderInfo{
		Venue:          venue,
		Symbol:         symbol,
		MinQuoteAmount: decimal.Zero,
		MinBaseAmount:  decimal.Zero,
	}

	c.mu.RLock()
	src := c.sources[venue]
	c.mu.RUnlock()
	if src != nil {
		published, err := src.MinOrderInfo(ctx, symbol)
		if err != nil {
			c.logger.Warn("venue order filters unavailable, using configured minimums",
				zap.String("venue", string(venue)),
				zap.String("symbol", symbol.String()),
				zap.Error(err))
		} else {
			orders = published
			orders.Venue = venue
			orders.Symbol = symbol
		}
	}

	if conf.MinQuoteAmount.IsPositive() {
		orders.MinQuoteAmount = conf.MinQuoteAmount
	}
	if conf.MinBaseAmount.IsPositive() {
		orders.MinBaseAmount = conf.MinBaseAmount
	}
	if conf.BasePrecision > 0 {
		orders.BasePrecision = conf.BasePrecision
	}
	if conf.QuotePrecision > 0 {
		orders.QuotePrecision = conf.QuotePrecision
	}
	if orders.BasePrecision <= 0 {
		orders.BasePrecision = 8
	}
	if orders.QuotePrecision <= 0 {
		orders.QuotePrecision = 8
	}

	return domain.StaticInfo{FeeInfo: conf.Fee, MinOrderInfo: orders}, nil
}
