package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
	"github.com/vadiminshakov/arbiter/internal/services/venue"
)

var btcusdt = domain.NewSymbol("BTC", "USDT")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newVenue(id domain.VenueID, captured time.Time) *venue.Simulated {
	v := venue.NewSimulated(id, zap.NewNop())
	v.SetOrderBook(domain.OrderBookSnapshot{
		Symbol:     btcusdt,
		Bids:       []domain.PriceLevel{{Price: dec("99"), Size: dec("1")}},
		Asks:       []domain.PriceLevel{{Price: dec("100"), Size: dec("1")}},
		CapturedAt: captured,
	})
	v.SetBalance("USDT", dec("500"))
	return v
}

func TestFreshMarketQuery_OrderBook(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	fresh := newVenue("a", now.Add(-100*time.Millisecond))
	stale := newVenue("b", now.Add(-10*time.Second))
	down := newVenue("c", now)
	down.SetDown(true)

	health := NewHealthMonitor(time.Minute, clock)
	q := NewFreshMarketQuery([]domain.Exchange{fresh, stale, down}, health,
		WithNow(clock), WithFreshness(time.Second), WithFetchTimeout(50*time.Millisecond))

	assert.Equal(t, []domain.VenueID{"a", "b", "c"}, q.Venues())

	book, err := q.OrderBook(context.Background(), "a", btcusdt)
	require.NoError(t, err)
	assert.True(t, book.BestAsk().Equal(dec("100")))
	assert.True(t, health.Healthy("a"))

	_, err = q.OrderBook(context.Background(), "b", btcusdt)
	var staleErr *domain.StaleDataError
	require.ErrorAs(t, err, &staleErr)
	assert.ErrorIs(t, err, domain.ErrStaleData)
	assert.Equal(t, 10*time.Second, staleErr.Age)

	_, err = q.OrderBook(context.Background(), "c", btcusdt)
	assert.ErrorIs(t, err, domain.ErrExchangeUnavailable)
	assert.False(t, health.Healthy("c"))

	_, err = q.OrderBook(context.Background(), "missing", btcusdt)
	assert.ErrorIs(t, err, domain.ErrExchangeUnavailable)
}

func TestFreshMarketQuery_RejectsCrossedBook(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := venue.NewSimulated("x", nil)
	v.SetOrderBook(domain.OrderBookSnapshot{
		Symbol:     btcusdt,
		Bids:       []domain.PriceLevel{{Price: dec("101"), Size: dec("1")}},
		Asks:       []domain.PriceLevel{{Price: dec("100"), Size: dec("1")}},
		CapturedAt: now,
	})
	q := NewFreshMarketQuery([]domain.Exchange{v}, nil, WithNow(func() time.Time { return now }))

	_, err := q.OrderBook(context.Background(), "x", btcusdt)
	assert.ErrorIs(t, err, domain.ErrStaleData)
}

func TestFreshMarketQuery_BalanceIsNeverCached(t *testing.T) {
	v := newVenue("a", time.Now())
	q := NewFreshMarketQuery([]domain.Exchange{v}, nil)

	bal, err := q.Balance(context.Background(), "a", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("500")))

	v.SetBalance("USDT", dec("10"))
	bal, err = q.Balance(context.Background(), "a", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10")))
}

func TestHealthMonitor(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := NewHealthMonitor(time.Second, func() time.Time { return now })

	assert.False(t, h.Healthy("a"), "never seen venue is not healthy")

	h.RecordSuccess("a")
	assert.True(t, h.Healthy("a"))

	now = now.Add(2 * time.Second)
	assert.False(t, h.Healthy("a"), "success outside the window")

	h.RecordSuccess("a")
	now = now.Add(time.Millisecond)
	h.RecordFailure("a", errors.New("timeout"))
	assert.False(t, h.Healthy("a"))

	snap := h.Snapshot()
	assert.Equal(t, "timeout", snap["a"].LastError)
	assert.False(t, snap["a"].Healthy)
}

func TestHealthMonitor_Probe(t *testing.T) {
	up := newVenue("up", time.Now())
	down := newVenue("down", time.Now())
	down.SetDown(true)

	h := NewHealthMonitor(time.Minute, nil)
	h.Probe(context.Background(), []domain.Exchange{up, down}, 10*time.Millisecond, zap.NewNop())

	assert.True(t, h.Healthy("up"))
	assert.False(t, h.Healthy("down"))
}

type countingSource struct {
	calls atomic.Int32
	info  domain.MinOrderInfo
	err   error
}

func (c *countingSource) MinOrderInfo(ctx context.Context, symbol domain.Symbol) (domain.MinOrderInfo, error) {
	c.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return c.info, c.err
}

func TestCachedStaticInfo(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	configured := map[domain.VenueID]VenueStatic{
		"binance": {Fee: domain.FeeInfo{TakerRate: dec("0.001")}, QuotePrecision: 2},
		"bybit":   {Fee: domain.FeeInfo{TakerRate: dec("0.002")}, MinQuoteAmount: dec("5")},
	}
	cache := NewCachedStaticInfo(configured, time.Hour, zap.NewNop())
	cache.SetClock(clock)

	src := &countingSource{info: domain.MinOrderInfo{MinQuoteAmount: dec("10"), MinBaseAmount: dec("0.0001"), BasePrecision: 5}}
	cache.RegisterSource("binance", src)

	t.Run("merges published filters with configuration", func(t *testing.T) {
		info, err := cache.Get(context.Background(), "binance", btcusdt)
		require.NoError(t, err)
		assert.True(t, info.TakerRate.Equal(dec("0.001")))
		assert.True(t, info.MinQuoteAmount.Equal(dec("10")))
		assert.Equal(t, int32(5), info.BasePrecision)
		assert.Equal(t, int32(2), info.QuotePrecision)
		assert.Equal(t, domain.VenueID("binance"), info.Venue)
		assert.Equal(t, btcusdt, info.Symbol)
	})

	t.Run("cached within ttl", func(t *testing.T) {
		_, err := cache.Get(context.Background(), "binance", btcusdt)
		require.NoError(t, err)
		assert.Equal(t, int32(1), src.calls.Load())
	})

	t.Run("reloaded after ttl", func(t *testing.T) {
		mu.Lock()
		now = now.Add(time.Hour + time.Second)
		mu.Unlock()
		_, err := cache.Get(context.Background(), "binance", btcusdt)
		require.NoError(t, err)
		assert.Equal(t, int32(2), src.calls.Load())
	})

	t.Run("configured only venue", func(t *testing.T) {
		info, err := cache.Get(context.Background(), "bybit", btcusdt)
		require.NoError(t, err)
		assert.True(t, info.MinQuoteAmount.Equal(dec("5")))
		assert.Equal(t, int32(8), info.BasePrecision)
	})

	t.Run("unknown venue", func(t *testing.T) {
		_, err := cache.Get(context.Background(), "kraken", btcusdt)
		assert.Error(t, err)
	})

	t.Run("concurrent misses load once", func(t *testing.T) {
		cache.Invalidate("binance", btcusdt)
		before := src.calls.Load()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := cache.Get(context.Background(), "binance", btcusdt)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, src.calls.Load()-before, int32(2))
	})

	t.Run("source failure falls back to configuration", func(t *testing.T) {
		failing := &countingSource{err: errors.New("exchange info down")}
		cache.RegisterSource("bybit", failing)
		cache.Invalidate("bybit", btcusdt)

		info, err := cache.Get(context.Background(), "bybit", btcusdt)
		require.NoError(t, err)
		assert.True(t, info.MinQuoteAmount.Equal(dec("5")))
	})
}
