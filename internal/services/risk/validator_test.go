package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
	"github.com/vadiminshakov/arbiter/internal/services/marketdata"
)

var btcusdt = domain.NewSymbol("BTC", "USDT")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeBalances struct {
	mu  sync.Mutex
	m   map[string]decimal.Decimal
	err error
}

func newFakeBalances() *fakeBalances {
	return &fakeBalances{m: map[string]decimal.Decimal{
		"a:USDT": d("1000"),
		"b:BTC":  d("10"),
	}}
}

func (f *fakeBalances) set(venue domain.VenueID, asset string, v decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[string(venue)+":"+asset] = v
}

func (f *fakeBalances) Balance(_ context.Context, venue domain.VenueID, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.m[string(venue)+":"+asset], nil
}

type fakeHealth map[domain.VenueID]bool

func (h fakeHealth) Healthy(v domain.VenueID) bool { return h[v] }

type countingObserver struct{ n atomic.Int32 }

func (c *countingObserver) RiskRejected(domain.RiskCheck) { c.n.Add(1) }

type fixture struct {
	validator *Validator
	balances  *fakeBalances
	health    fakeHealth
	exposure  *ExposureTable
	budget    *BudgetTracker
}

func newFixture(t *testing.T, mutate func(*Limits, map[domain.VenueID]marketdata.VenueStatic, *BudgetConfig)) fixture {
	t.Helper()
	limits := Limits{
		MinMarginBps:  d("50"),
		MinTradeValue: d("10"),
		MaxSpreadPct:  d("5"),
		MaxImpactBps:  d("50"),
	}
	static := map[domain.VenueID]marketdata.VenueStatic{
		"a": {Fee: domain.FeeInfo{TakerRate: d("0.0002")}, MinQuoteAmount: d("10")},
		"b": {Fee: domain.FeeInfo{TakerRate: d("0.002")}, MinQuoteAmount: d("10")},
	}
	budgetCfg := BudgetConfig{Total: d("1000"), MinTradeValue: d("10"), MaxDailyLoss: d("50"), MaxReconciliationFailures: 3}
	if mutate != nil {
		mutate(&limits, static, &budgetCfg)
	}

	f := fixture{
		balances: newFakeBalances(),
		health:   fakeHealth{"a": true, "b": true},
		exposure: NewExposureTable(d("150")),
		budget:   NewBudgetTracker(budgetCfg, nil, zap.NewNop()),
	}
	cache := marketdata.NewCachedStaticInfo(static, time.Hour, zap.NewNop())
	f.validator = NewValidator(cache, f.balances, f.health, f.exposure, f.budget, limits, zap.NewNop())
	return f
}

// profitableOpportunity is what a detector produces for ask 100 on a and bid 101.5 on b.
func profitableOpportunity() domain.SizedOpportunity {
	return domain.SizedOpportunity{
		Symbol:        btcusdt,
		BuyVenue:      "a",
		SellVenue:     "b",
		BuyPrice:      d("100"),
		SellPrice:     d("101.5"),
		BuyBestAsk:    d("100"),
		SellBestBid:   d("101.5"),
		Amount:        d("1"),
		QuoteNotional: d("100"),
		SellNotional:  d("101.5"),
		GrossProfit:   d("1.5"),
		FeeCost:       d("0.223"),
		NetProfit:     d("1.277"),
		NetSpreadPct:  d("1.277"),
		BuyAsks:       []domain.PriceLevel{{Price: d("100"), Size: d("1")}, {Price: d("100.2"), Size: d("3")}},
		SellBids:      []domain.PriceLevel{{Price: d("101.5"), Size: d("1")}, {Price: d("101.3"), Size: d("3")}},
	}
}

func TestValidate_ProfitableAfterTakerFeesApproved(t *testing.T) {
	f := newFixture(t, nil)

	res := f.validator.Validate(context.Background(), profitableOpportunity())
	require.True(t, res.Approved, res.Reason)
	assert.NoError(t, res.Err)
	assert.NotEmpty(t, res.Reservation)
	assert.True(t, res.CurrentExposure.IsZero())
	assert.True(t, res.MaxAllowedNotional.Equal(d("150")))

	assert.True(t, f.exposure.Exposure(btcusdt).Equal(d("100")))
	assert.True(t, f.budget.Available().Equal(d("900")))
}

func TestValidate_StaleRawSpreadRejected(t *testing.T) {
	f := newFixture(t, nil)

	opp := profitableOpportunity()
	opp.SellBestBid = d("160")
	opp.SellPrice = d("160")
	opp.SellNotional = d("160")
	opp.GrossProfit = d("60")
	opp.NetProfit = d("59.6")
	opp.NetSpreadPct = d("59.6")
	opp.SellBids = []domain.PriceLevel{{Price: d("160"), Size: d("5")}}
	require.True(t, opp.RawSpreadPct().Equal(d("60")))

	res := f.validator.Validate(context.Background(), opp)
	assert.False(t, res.Approved)
	assert.ErrorIs(t, res.Err, domain.ErrRiskLimitExceeded)
	var rl *domain.RiskLimitError
	require.ErrorAs(t, res.Err, &rl)
	assert.Equal(t, domain.CheckMaxSpread, rl.Check)

	assert.True(t, f.exposure.Exposure(btcusdt).IsZero())
	assert.True(t, f.budget.Available().Equal(d("1000")))
}

func TestValidate_ConcurrentSameSymbolOverLimit(t *testing.T) {
	f := newFixture(t, nil)

	const workers = 8
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		approved atomic.Int32
		exposure atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res := f.validator.Validate(context.Background(), profitableOpportunity())
			if res.Approved {
				approved.Add(1)
				return
			}
			var rl *domain.RiskLimitError
			if errors.As(res.Err, &rl) && rl.Check == domain.CheckExposure {
				exposure.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), approved.Load(), "combined notional 200 exceeds limit 150")
	assert.Equal(t, int32(workers-1), exposure.Load())
	assert.True(t, f.exposure.Exposure(btcusdt).Equal(d("100")))
	assert.True(t, f.budget.Snapshot().Allocated.Equal(d("100")))
}

func TestValidate_BudgetNeverOverAllocated(t *testing.T) {
	f := newFixture(t, func(_ *Limits, _ map[domain.VenueID]marketdata.VenueStatic, b *BudgetConfig) {
		b.Total = d("250")
	})

	symbols := []string{"BTC", "ETH", "SOL", "XRP", "ADA", "DOT", "LTC", "BNB", "TRX", "AVAX"}
	for _, base := range symbols {
		f.balances.set("b", base, d("10"))
	}

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		approved atomic.Int32
	)
	for _, base := range symbols {
		opp := profitableOpportunity()
		opp.Symbol = domain.NewSymbol(base, "USDT")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if f.validator.Validate(context.Background(), opp).Approved {
				approved.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	snap := f.budget.Snapshot()
	assert.Equal(t, int32(2), approved.Load())
	assert.True(t, snap.Allocated.LessThanOrEqual(snap.Total))
	assert.True(t, snap.Allocated.Equal(d("200")))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Limits, map[domain.VenueID]marketdata.VenueStatic, *BudgetConfig)
		setup  func(f fixture, opp *domain.SizedOpportunity)
		check  domain.RiskCheck
		target error
	}{
		{
			name: "margin below threshold",
			mutate: func(l *Limits, _ map[domain.VenueID]marketdata.VenueStatic, _ *BudgetConfig) {
				l.MinMarginBps = d("200")
			},
			check:  domain.CheckMinMargin,
			target: domain.ErrRiskLimitExceeded,
		},
		{
			name: "notional below floor",
			mutate: func(l *Limits, _ map[domain.VenueID]marketdata.VenueStatic, _ *BudgetConfig) {
				l.MinTradeValue = d("200")
			},
			check:  domain.CheckMinNotional,
			target: domain.ErrRiskLimitExceeded,
		},
		{
			name: "amount below sell venue minimum",
			mutate: func(_ *Limits, s map[domain.VenueID]marketdata.VenueStatic, _ *BudgetConfig) {
				s["b"] = marketdata.VenueStatic{MinQuoteAmount: d("150")}
			},
			check:  domain.CheckMinOrder,
			target: domain.ErrRiskLimitExceeded,
		},
		{
			name: "amount below buy venue base minimum",
			mutate: func(_ *Limits, s map[domain.VenueID]marketdata.VenueStatic, _ *BudgetConfig) {
				s["a"] = marketdata.VenueStatic{MinBaseAmount: d("2")}
			},
			check:  domain.CheckMinOrder,
			target: domain.ErrRiskLimitExceeded,
		},
		{
			name: "thin asks within impact budget",
			setup: func(_ fixture, opp *domain.SizedOpportunity) {
				opp.BuyAsks = []domain.PriceLevel{{Price: d("100"), Size: d("0.5")}, {Price: d("105"), Size: d("10")}}
			},
			check:  domain.CheckDepth,
			target: domain.ErrRiskLimitExceeded,
		},
		{
			name: "thin bids within impact budget",
			setup: func(_ fixture, opp *domain.SizedOpportunity) {
				opp.SellBids = []domain.PriceLevel{{Price: d("101.5"), Size: d("0.2")}}
			},
			check:  domain.CheckDepth,
			target: domain.ErrRiskLimitExceeded,
		},
		{
			name: "quote balance does not cover notional plus fee",
			setup: func(f fixture, _ *domain.SizedOpportunity) {
				f.balances.set("a", "USDT", d("100.01"))
			},
			check:  domain.CheckBalance,
			target: domain.ErrInsufficientBalance,
		},
		{
			name: "base balance on sell venue",
			setup: func(f fixture, _ *domain.SizedOpportunity) {
				f.balances.set("b", "BTC", d("0.5"))
			},
			check:  domain.CheckBalance,
			target: domain.ErrInsufficientBalance,
		},
		{
			name: "unhealthy sell venue",
			setup: func(f fixture, _ *domain.SizedOpportunity) {
				f.health["b"] = false
			},
			check:  domain.CheckVenueHealth,
			target: domain.ErrRiskLimitExceeded,
		},
		{
			name: "symbol held by open imbalance",
			setup: func(f fixture, _ *domain.SizedOpportunity) {
				f.exposure.Hold(btcusdt, "imbalance-1")
			},
			check:  domain.CheckSymbolBlocked,
			target: domain.ErrRiskLimitExceeded,
		},
		{
			name: "circuit breaker open",
			setup: func(f fixture, _ *domain.SizedOpportunity) {
				f.budget.Trip("operator")
			},
			check:  domain.CheckCircuitBreaker,
			target: domain.ErrRiskLimitExceeded,
		},
		{
			name: "budget smaller than notional",
			mutate: func(_ *Limits, _ map[domain.VenueID]marketdata.VenueStatic, b *BudgetConfig) {
				b.Total = d("50")
			},
			check:  domain.CheckBudget,
			target: domain.ErrRiskLimitExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			obs := &countingObserver{}
			f.validator.SetObserver(obs)
			opp := profitableOpportunity()
			if tt.setup != nil {
				tt.setup(f, &opp)
			}

			res := f.validator.Validate(context.Background(), opp)
			require.False(t, res.Approved)
			assert.NotEmpty(t, res.Reason)
			assert.Empty(t, res.Reservation)
			assert.ErrorIs(t, res.Err, tt.target)
			assert.Equal(t, tt.check, checkOf(res.Err))
			assert.Equal(t, int32(1), obs.n.Load())

			assert.True(t, f.exposure.Exposure(btcusdt).IsZero(), "rejection must not reserve exposure")
			assert.True(t, f.budget.Snapshot().Allocated.IsZero(), "rejection must not allocate budget")
		})
	}
}

func TestValidate_BalanceQueryFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.balances.err = &domain.ExchangeUnavailableError{Venue: "a", Err: errors.New("timeout")}

	res := f.validator.Validate(context.Background(), profitableOpportunity())
	assert.False(t, res.Approved)
	assert.ErrorIs(t, res.Err, domain.ErrExchangeUnavailable)
}

func TestValidate_NeverApprovesBelowMinimum(t *testing.T) {
	f := newFixture(t, func(_ *Limits, s map[domain.VenueID]marketdata.VenueStatic, _ *BudgetConfig) {
		s["a"] = marketdata.VenueStatic{Fee: domain.FeeInfo{TakerRate: d("0.0002")}, MinBaseAmount: d("0.5"), MinQuoteAmount: d("50")}
		s["b"] = marketdata.VenueStatic{Fee: domain.FeeInfo{TakerRate: d("0.002")}, MinBaseAmount: d("0.4"), MinQuoteAmount: d("60")}
	})

	for _, amount := range []string{"0.1", "0.3", "0.45", "0.55", "0.6", "1"} {
		opp := profitableOpportunity()
		opp.Amount = d(amount)
		opp.QuoteNotional = opp.Amount.Mul(d("100"))
		opp.SellNotional = opp.Amount.Mul(d("101.5"))

		res := f.validator.Validate(context.Background(), opp)
		belowMin := opp.Amount.LessThan(d("0.5")) || opp.QuoteNotional.LessThan(d("50")) || opp.SellNotional.LessThan(d("60"))
		if belowMin {
			assert.False(t, res.Approved, "amount %s", amount)
			continue
		}
		assert.True(t, res.Approved, "amount %s: %s", amount, res.Reason)
		f.validator.Release(opp.Symbol, res.Reservation)
	}
}

func TestValidator_SettleAndRelease(t *testing.T) {
	f := newFixture(t, nil)
	res := f.validator.Validate(context.Background(), profitableOpportunity())
	require.True(t, res.Approved)

	f.validator.Settle(btcusdt, res.Reservation, d("40"))
	assert.True(t, f.exposure.Exposure(btcusdt).Equal(d("40")))
	assert.True(t, f.budget.Snapshot().Allocated.Equal(d("40")))

	f.validator.Release(btcusdt, res.Reservation)
	assert.True(t, f.exposure.Exposure(btcusdt).IsZero())
	assert.True(t, f.budget.Snapshot().Allocated.IsZero())

	res = f.validator.Validate(context.Background(), profitableOpportunity())
	require.True(t, res.Approved)
	f.validator.Settle(btcusdt, res.Reservation, decimal.Zero)
	assert.True(t, f.exposure.Exposure(btcusdt).IsZero())
	assert.True(t, f.budget.Available().Equal(d("1000")))
}
