package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lvl(price, size string) PriceLevel {
	return PriceLevel{Price: d(price), Size: d(size)}
}

func testBook() OrderBookSnapshot {
	return OrderBookSnapshot{
		Venue:      "binance",
		Symbol:     NewSymbol("BTC", "USDT"),
		Bids:       []PriceLevel{lvl("99", "1"), lvl("98", "2"), lvl("97", "5")},
		Asks:       []PriceLevel{lvl("100", "1"), lvl("101", "2"), lvl("105", "5")},
		CapturedAt: time.Unix(1700000000, 0),
	}
}

func TestOrderBookSnapshot_Validate(t *testing.T) {
	book := testBook()
	require.NoError(t, book.Validate())

	crossed := testBook()
	crossed.Bids = []PriceLevel{lvl("100", "1")}
	assert.Error(t, crossed.Validate())

	unsorted := testBook()
	unsorted.Asks = []PriceLevel{lvl("101", "1"), lvl("100", "1")}
	assert.Error(t, unsorted.Validate())

	negative := testBook()
	negative.Bids = []PriceLevel{lvl("99", "-1")}
	assert.Error(t, negative.Validate())

	empty := testBook()
	empty.Asks = nil
	assert.Error(t, empty.Validate())
}

func TestOrderBookSnapshot_Walk(t *testing.T) {
	book := testBook()

	t.Run("top level only", func(t *testing.T) {
		fill, ok := book.WalkAsks(d("0.5"))
		require.True(t, ok)
		assert.True(t, fill.VWAP.Equal(d("100")), fill.VWAP.String())
		assert.True(t, fill.Notional.Equal(d("50")), fill.Notional.String())
	})

	t.Run("walks into depth", func(t *testing.T) {
		// 1 @ 100 + 2 @ 101 = 302 for 3 units
		fill, ok := book.WalkAsks(d("3"))
		require.True(t, ok)
		assert.True(t, fill.Notional.Equal(d("302")))
		assert.True(t, fill.VWAP.Equal(d("302").Div(d("3"))))
	})

	t.Run("sells into bids", func(t *testing.T) {
		// 1 @ 99 + 1 @ 98
		fill, ok := book.WalkBids(d("2"))
		require.True(t, ok)
		assert.True(t, fill.Notional.Equal(d("197")))
		assert.True(t, fill.VWAP.Equal(d("98.5")))
	})

	t.Run("insufficient depth", func(t *testing.T) {
		_, ok := book.WalkAsks(d("9"))
		assert.False(t, ok)
	})

	t.Run("zero amount", func(t *testing.T) {
		_, ok := book.WalkBids(decimal.Zero)
		assert.False(t, ok)
	})
}

func TestOrderBookSnapshot_Prices(t *testing.T) {
	book := testBook()
	assert.True(t, book.BestBid().Equal(d("99")))
	assert.True(t, book.BestAsk().Equal(d("100")))
	assert.True(t, book.Mid().Equal(d("99.5")))

	assert.True(t, DepthWithin(book.Asks, SideBuy, d("101")).Equal(d("3")))
	assert.True(t, DepthWithin(book.Bids, SideSell, d("98")).Equal(d("3")))
	assert.True(t, TotalSize(book.Asks).Equal(d("8")))
}
