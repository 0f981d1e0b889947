package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
	"github.com/vadiminshakov/arbiter/internal/events"
	"github.com/vadiminshakov/arbiter/internal/services/marketdata"
	"github.com/vadiminshakov/arbiter/internal/services/risk"
	"github.com/vadiminshakov/arbiter/internal/services/venue"
)

var btcusdt = domain.NewSymbol("BTC", "USDT")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	a, b       *venue.Simulated
	exposure   *risk.ExposureTable
	budget     *risk.BudgetTracker
	recorder   *events.Recorder
	journal    *Journal
	ledger     *Ledger
	reconciler *Reconciler
}

func newFixture(t *testing.T, journalDir string) fixture {
	t.Helper()
	if journalDir == "" {
		journalDir = t.TempDir()
	}

	a := venue.NewSimulated("a", zap.NewNop(), venue.WithTakerRate(d("0.0002")))
	a.SetOrderBook(domain.OrderBookSnapshot{
		Symbol: btcusdt,
		Bids:   []domain.PriceLevel{{Price: d("99.9"), Size: d("5")}},
		Asks:   []domain.PriceLevel{{Price: d("100"), Size: d("5")}},
	})
	a.SetBalance("BTC", d("1"))
	a.SetBalance("USDT", d("900"))

	b := venue.NewSimulated("b", zap.NewNop(), venue.WithTakerRate(d("0.002")))
	b.SetOrderBook(domain.OrderBookSnapshot{
		Symbol: btcusdt,
		Bids:   []domain.PriceLevel{{Price: d("101.5"), Size: d("1")}, {Price: d("101.3"), Size: d("3")}},
		Asks:   []domain.PriceLevel{{Price: d("101.6"), Size: d("5")}},
	})
	b.SetBalance("BTC", d("5"))
	b.SetBalance("USDT", d("500"))

	market := marketdata.NewFreshMarketQuery([]domain.Exchange{a, b}, nil)
	static := marketdata.NewCachedStaticInfo(map[domain.VenueID]marketdata.VenueStatic{
		"a": {Fee: domain.FeeInfo{TakerRate: d("0.0002")}, MinQuoteAmount: d("10")},
		"b": {Fee: domain.FeeInfo{TakerRate: d("0.002")}, MinQuoteAmount: d("10")},
	}, time.Hour, zap.NewNop())

	journal, err := OpenJournal(journalDir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	f := fixture{
		a:        a,
		b:        b,
		exposure: risk.NewExposureTable(d("150")),
		budget:   risk.NewBudgetTracker(risk.BudgetConfig{Total: d("1000"), MaxReconciliationFailures: 3}, nil, zap.NewNop()),
		recorder: &events.Recorder{},
		journal:  journal,
		ledger:   NewLedger(),
	}
	f.reconciler = New(Deps{
		Market:       market,
		Static:       static,
		Guard:        f.exposure,
		Reservations: f.exposure,
		Budget:       f.budget,
		Journal:      journal,
		Ledger:       f.ledger,
		Emitter:      f.recorder,
		Symbols:      []domain.Symbol{btcusdt},
	}, Config{
		MaxAttempts: 4,
		BaseTimeout: 100 * time.Millisecond,
		TimeoutStep: 50 * time.Millisecond,
		Backoff:     time.Millisecond,
	}, zap.NewNop())
	return f
}

func opportunity() domain.SizedOpportunity {
	return domain.SizedOpportunity{
		Symbol:        btcusdt,
		BuyVenue:      "a",
		SellVenue:     "b",
		BuyPrice:      d("100"),
		SellPrice:     d("101.5"),
		Amount:        d("1"),
		QuoteNotional: d("100"),
	}
}

// buyOnly: the buy filled 1 at 100 and the sell timed out.
func buyOnly(id string) domain.ExecutionResult {
	return domain.ExecutionResult{
		ID:          id,
		Opportunity: opportunity(),
		Buy: domain.OrderOutcome{Venue: "a", ClientOrderID: id + "-buy", Status: domain.LegFilled,
			FilledAmount: d("1"), AvgPrice: d("100"), Fee: d("0.02")},
		Sell:    domain.OrderOutcome{Venue: "b", ClientOrderID: id + "-sell", Status: domain.LegUnknown},
		Outcome: domain.OutcomeBuyOnlyFilled,
	}
}

func TestReconcile_SellsOnFilledVenue(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.exposure.Reserve(btcusdt, "exec-1", d("100"))
	require.NoError(t, err)

	imb, err := f.reconciler.Reconcile(context.Background(), buyOnly("exec-1"))
	require.NoError(t, err)
	require.NotNil(t, imb)

	assert.Equal(t, domain.ImbalanceResolved, imb.Status)
	assert.Equal(t, "BTC", imb.Asset)
	assert.True(t, imb.Amount.Equal(d("1")))
	assert.True(t, imb.Corrected.Equal(d("1")))
	assert.True(t, imb.Remaining().IsZero())
	assert.Equal(t, domain.SideSell, imb.CorrectiveSide())
	assert.Equal(t, domain.VenueID("a"), imb.Venue)
	assert.Equal(t, domain.VenueID("b"), imb.AlternateVenue)
	assert.Equal(t, 1, imb.Attempts)

	orders := f.a.Orders()
	require.Len(t, orders, 1, "one corrective sell of 1 unit on the venue that filled")
	assert.Equal(t, imb.ID+"-fix-1", orders[0].ClientOrderID)
	assert.True(t, orders[0].FilledAmount.Equal(d("1")))
	assert.Zero(t, f.b.OrderCount())

	assert.False(t, f.exposure.Blocked(btcusdt))
	assert.True(t, f.exposure.Exposure(btcusdt).IsZero(), "reservation released once hedged")
	assert.Empty(t, f.reconciler.Pending())

	assert.Len(t, f.recorder.OfKind(domain.EventImbalanceOpened), 1)
	resolved := f.recorder.OfKind(domain.EventImbalanceResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, imb.ID, resolved[0].Imbalance.ID)

	// sold at 99.9 against a reference of 100, fee 99.9 * 0.0002
	assert.True(t, f.budget.Snapshot().DailyPnL.Equal(d("-0.11998")), f.budget.Snapshot().DailyPnL.String())
}

func TestReconcile_FallsBackToAlternateVenue(t *testing.T) {
	f := newFixture(t, "")
	f.a.SetDown(true)

	imb, err := f.reconciler.Reconcile(context.Background(), buyOnly("exec-2"))
	require.NoError(t, err)

	assert.Equal(t, domain.ImbalanceResolved, imb.Status)
	assert.Equal(t, 3, imb.Attempts, "two attempts on the filled venue, then the alternate")

	orders := f.b.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, imb.ID+"-fix-3", orders[0].ClientOrderID)
	assert.True(t, orders[0].AvgPrice.Equal(d("101.5")))
	assert.Zero(t, f.a.OrderCount())
}

func TestReconcile_FailureSuspendsSymbol(t *testing.T) {
	f := newFixture(t, "")
	f.a.SetDown(true)
	f.b.SetDown(true)
	_, err := f.exposure.Reserve(btcusdt, "exec-3", d("100"))
	require.NoError(t, err)

	res := buyOnly("exec-3")
	res.Sell.Status = domain.LegFailed

	imb, err := f.reconciler.Reconcile(context.Background(), res)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReconciliationFailure)

	var failure *domain.ReconciliationFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 4, failure.Attempts)
	assert.Equal(t, btcusdt, failure.Symbol)

	require.NotNil(t, imb)
	assert.Equal(t, domain.ImbalanceFailed, imb.Status)
	assert.NotEmpty(t, imb.LastError)
	assert.True(t, f.exposure.Suspended(btcusdt))
	assert.True(t, f.exposure.Blocked(btcusdt))
	assert.True(t, f.exposure.Exposure(btcusdt).Equal(d("100")), "unhedged notional stays reserved")
	assert.Equal(t, 1, f.budget.Snapshot().ReconciliationFailures)

	alerts := f.recorder.OfKind(domain.EventOperatorAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Alert.Severity)
	assert.Empty(t, f.recorder.OfKind(domain.EventImbalanceResolved))

	// operator brings the venue back and retriggers
	f.a.SetDown(false)
	imb, err = f.reconciler.ReconcileByID(context.Background(), "exec-3")
	require.NoError(t, err)
	assert.Equal(t, domain.ImbalanceResolved, imb.Status)
	assert.True(t, f.exposure.Exposure(btcusdt).IsZero())
	assert.True(t, f.exposure.Suspended(btcusdt), "only an operator lifts a suspension")

	again, err := f.reconciler.ReconcileByID(context.Background(), "exec-3")
	require.NoError(t, err)
	assert.Equal(t, domain.ImbalanceResolved, again.Status)
	assert.Len(t, f.a.Orders(), 1, "a resolved imbalance is not traded twice")

	_, err = f.reconciler.ReconcileByID(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconcile_UnresolvedLegIsNotTraded(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.exposure.Reserve(btcusdt, "exec-8", d("100"))
	require.NoError(t, err)

	// the sell may have filled on b but b cannot be asked
	f.b.SetDown(true)

	imb, err := f.reconciler.Reconcile(context.Background(), buyOnly("exec-8"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReconciliationFailure)
	assert.Contains(t, err.Error(), "exec-8-sell")

	require.NotNil(t, imb)
	assert.Equal(t, domain.ImbalanceFailed, imb.Status)
	require.NotNil(t, imb.UnresolvedExecution)
	assert.Equal(t, "exec-8", imb.UnresolvedExecution.ID)
	assert.Zero(t, f.a.OrderCount(), "no corrective trade while the sell leg is unknown")
	assert.Zero(t, f.b.OrderCount())

	assert.True(t, f.exposure.Suspended(btcusdt))
	assert.True(t, f.exposure.Exposure(btcusdt).Equal(d("100")))
	assert.Equal(t, 1, f.budget.Snapshot().ReconciliationFailures)
	alerts := f.recorder.OfKind(domain.EventOperatorAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Alert.Severity)

	// b is back and reports the sell never arrived
	f.b.SetDown(false)
	imb, err = f.reconciler.ReconcileByID(context.Background(), "exec-8")
	require.NoError(t, err)
	assert.Equal(t, domain.ImbalanceResolved, imb.Status)
	assert.Nil(t, imb.UnresolvedExecution)
	require.Len(t, f.a.Orders(), 1)
	assert.Equal(t, imb.ID+"-fix-1", f.a.Orders()[0].ClientOrderID)
	assert.True(t, f.exposure.Exposure(btcusdt).IsZero())
}

// workingOrders reports every queried order as still working.
type workingOrders struct {
	*venue.Simulated
}

func (w workingOrders) QueryOrder(_ context.Context, _ domain.Symbol, clientOrderID string) (domain.OrderOutcome, error) {
	return domain.OrderOutcome{Venue: w.Venue(), ClientOrderID: clientOrderID, Status: domain.LegUnknown}, nil
}

func TestReconcile_StillWorkingLegIsNotTraded(t *testing.T) {
	f := newFixture(t, "")
	deps := f.reconciler.Deps
	deps.Market = marketdata.NewFreshMarketQuery([]domain.Exchange{f.a, workingOrders{f.b}}, nil)
	rec := New(deps, f.reconciler.cfg, zap.NewNop())

	imb, err := rec.Reconcile(context.Background(), buyOnly("exec-13"))
	require.ErrorIs(t, err, domain.ErrReconciliationFailure)
	assert.Equal(t, domain.ImbalanceFailed, imb.Status)
	assert.NotNil(t, imb.UnresolvedExecution)
	assert.Zero(t, f.a.OrderCount(), "a working sell may still fill, nothing is corrected")
	assert.Zero(t, f.b.OrderCount())
	assert.True(t, f.exposure.Suspended(btcusdt))
}

func TestReconcile_UnresolvedLegThatFilledClosesOnRetrigger(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.b.PlaceMarketOrder(context.Background(), domain.OrderRequest{
		Symbol: btcusdt, Side: domain.SideSell, Amount: d("1"), ClientOrderID: "exec-9-sell",
	})
	require.NoError(t, err)
	f.b.SetDown(true)

	_, err = f.reconciler.Reconcile(context.Background(), buyOnly("exec-9"))
	require.ErrorIs(t, err, domain.ErrReconciliationFailure)

	f.b.SetDown(false)
	imb, err := f.reconciler.ReconcileByID(context.Background(), "exec-9")
	require.NoError(t, err)
	assert.Equal(t, domain.ImbalanceDust, imb.Status)
	assert.Zero(t, f.a.OrderCount(), "a sell that filled late needs no correction")
	assert.Equal(t, 1, f.b.OrderCount())
}

func TestReconcile_BalanceShortfallOnLastVenueStopsRetrying(t *testing.T) {
	f := newFixture(t, "")
	f.a.SetBalance("USDT", d("0"))
	f.b.SetBalance("USDT", d("0"))
	res := domain.ExecutionResult{
		ID:          "exec-10",
		Opportunity: opportunity(),
		Buy:         domain.OrderOutcome{Venue: "a", ClientOrderID: "exec-10-buy", Status: domain.LegFailed},
		Sell: domain.OrderOutcome{Venue: "b", ClientOrderID: "exec-10-sell", Status: domain.LegFilled,
			FilledAmount: d("1"), AvgPrice: d("101.5")},
		Outcome: domain.OutcomeSellOnlyFilled,
	}

	imb, err := f.reconciler.Reconcile(context.Background(), res)
	require.ErrorIs(t, err, domain.ErrReconciliationFailure)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	var failure *domain.ReconciliationFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 3, failure.Attempts, "two attempts on b, one on a, no retry of the shortfall on a")
	assert.Equal(t, 3, imb.Attempts)
	assert.Zero(t, f.a.OrderCount())
	assert.Zero(t, f.b.OrderCount())
	assert.True(t, f.exposure.Suspended(btcusdt))
}

func TestSubmit_HoldsSymbolUntilRunCorrects(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.exposure.Reserve(btcusdt, "exec-11", d("100"))
	require.NoError(t, err)

	f.reconciler.Submit(buyOnly("exec-11"))
	f.reconciler.Submit(domain.ExecutionResult{ID: "symmetric", Outcome: domain.OutcomeBothFilled})
	assert.True(t, f.exposure.Blocked(btcusdt), "held before any venue is asked")
	assert.Equal(t, 1, f.reconciler.Queued())
	assert.Zero(t, f.a.OrderCount())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.reconciler.Run(ctx) }()

	require.Eventually(t, func() bool { return !f.exposure.Blocked(btcusdt) }, 2*time.Second, 5*time.Millisecond)
	imb, ok := f.journal.ByExecution("exec-11")
	require.True(t, ok)
	assert.Equal(t, domain.ImbalanceResolved, imb.Status)
	assert.Equal(t, 1, f.a.OrderCount())
	assert.Zero(t, f.reconciler.Queued())

	cancel()
	require.NoError(t, <-done)
}

func TestRun_FinishesQueuedWorkOnShutdown(t *testing.T) {
	f := newFixture(t, "")
	f.reconciler.Submit(buyOnly("exec-12"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.reconciler.Run(ctx))

	imb, ok := f.journal.ByExecution("exec-12")
	require.True(t, ok)
	assert.Equal(t, domain.ImbalanceResolved, imb.Status)
	assert.False(t, f.exposure.Blocked(btcusdt))
}

func TestReconcile_DustClosesWithoutTrade(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.exposure.Reserve(btcusdt, "exec-4", d("100"))
	require.NoError(t, err)

	res := buyOnly("exec-4")
	res.Sell = domain.OrderOutcome{Venue: "b", ClientOrderID: "exec-4-sell", Status: domain.LegPartial,
		FilledAmount: d("0.999995"), AvgPrice: d("101.5")}

	imb, err := f.reconciler.Reconcile(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, domain.ImbalanceDust, imb.Status)
	assert.False(t, imb.CorrectionRequired)
	assert.Zero(t, f.a.OrderCount())
	assert.Zero(t, f.b.OrderCount())
	assert.False(t, f.exposure.Blocked(btcusdt))
	assert.True(t, f.exposure.Exposure(btcusdt).IsZero())
	assert.Empty(t, f.recorder.OfKind(domain.EventImbalanceOpened))
}

func TestReconcile_UnknownLegThatFilled(t *testing.T) {
	f := newFixture(t, "")

	// the sell reached b after the leg deadline
	_, err := f.b.PlaceMarketOrder(context.Background(), domain.OrderRequest{
		Symbol: btcusdt, Side: domain.SideSell, Amount: d("1"), ClientOrderID: "exec-5-sell",
	})
	require.NoError(t, err)

	imb, err := f.reconciler.Reconcile(context.Background(), buyOnly("exec-5"))
	require.NoError(t, err)
	assert.Equal(t, domain.ImbalanceDust, imb.Status)
	assert.Zero(t, f.a.OrderCount())
	assert.Equal(t, 1, f.b.OrderCount())
	assert.True(t, f.budget.Snapshot().DailyPnL.Equal(d("1.277")), "the late fill completes the arbitrage")
}

func TestReconcile_SellOnlyBuysBack(t *testing.T) {
	f := newFixture(t, "")
	res := domain.ExecutionResult{
		ID:          "exec-6",
		Opportunity: opportunity(),
		Buy:         domain.OrderOutcome{Venue: "a", ClientOrderID: "exec-6-buy", Status: domain.LegFailed},
		Sell: domain.OrderOutcome{Venue: "b", ClientOrderID: "exec-6-sell", Status: domain.LegFilled,
			FilledAmount: d("1"), AvgPrice: d("101.5"), Fee: d("0.203")},
		Outcome: domain.OutcomeSellOnlyFilled,
	}

	imb, err := f.reconciler.Reconcile(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, domain.ImbalanceResolved, imb.Status)
	assert.True(t, imb.Amount.Equal(d("-1")))
	assert.Equal(t, domain.SideBuy, imb.CorrectiveSide())
	assert.Equal(t, domain.VenueID("b"), imb.Venue)

	orders := f.b.Orders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].AvgPrice.Equal(d("101.6")))
	// bought back at 101.6 against 101.5, fee 101.6 * 0.002
	assert.True(t, f.budget.Snapshot().DailyPnL.Equal(d("-0.3032")), f.budget.Snapshot().DailyPnL.String())
}

func TestReconcile_IgnoresSymmetricOutcomes(t *testing.T) {
	f := newFixture(t, "")
	imb, err := f.reconciler.Reconcile(context.Background(), domain.ExecutionResult{ID: "x", Outcome: domain.OutcomeBothFailed})
	assert.NoError(t, err)
	assert.Nil(t, imb)
}

func TestJournal_ReplayAndRecover(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1700000000, 0)

	j, err := OpenJournal(dir, nil)
	require.NoError(t, err)
	open := domain.PositionImbalance{
		ID: "imb-open", ExecutionID: "exec-7", Symbol: btcusdt, Asset: "BTC",
		Venue: "a", AlternateVenue: "b", Amount: d("1"), Corrected: decimal.Zero, RefPrice: d("100"),
		CorrectionRequired: true, Status: domain.ImbalanceOpen, CreatedAt: now,
	}
	require.NoError(t, j.Put(open))
	done := open
	done.ID, done.ExecutionID, done.Status, done.CreatedAt = "imb-done", "exec-8", domain.ImbalanceResolved, now.Add(time.Second)
	require.NoError(t, j.Put(done))
	open.Attempts = 2
	require.NoError(t, j.Put(open))
	require.NoError(t, j.Close())

	f := newFixture(t, dir)
	pending := f.reconciler.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "imb-open", pending[0].ID)
	assert.Equal(t, 2, pending[0].Attempts, "latest record wins")
	assert.Len(t, f.journal.All(), 2)

	require.NoError(t, f.reconciler.Recover(context.Background()))
	assert.Empty(t, f.reconciler.Pending())
	assert.False(t, f.exposure.Blocked(btcusdt))

	orders := f.a.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "imb-open-fix-3", orders[0].ClientOrderID)
}

func TestCheckDrift(t *testing.T) {
	f := newFixture(t, "")
	f.ledger.Set("a", "BTC", d("1"))
	f.ledger.Set("a", "USDT", d("900"))
	f.ledger.Set("b", "BTC", d("5"))

	f.a.SetBalance("BTC", d("1.5"))
	f.a.SetBalance("USDT", d("800"))
	f.b.SetBalance("BTC", d("5.05"))

	drifts, err := f.reconciler.CheckDrift(context.Background())
	require.NoError(t, err)
	require.Len(t, drifts, 3)

	assert.Equal(t, domain.VenueID("a"), drifts[0].Venue)
	assert.Equal(t, "BTC", drifts[0].Asset)
	assert.Equal(t, DriftCorrected, drifts[0].Action)
	assert.True(t, drifts[0].Delta().Equal(d("0.5")))

	bal, err := f.a.GetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("1")), "drift traded back to the ledger")
	expected, _ := f.ledger.Expected("a", "BTC")
	assert.True(t, expected.Equal(d("1")))

	assert.Equal(t, "USDT", drifts[1].Asset)
	assert.Equal(t, DriftAlerted, drifts[1].Action, "quote drift is never traded")

	// 0.05 BTC at 101.55 is below the 10 USDT minimum
	assert.Equal(t, domain.VenueID("b"), drifts[2].Venue)
	assert.Equal(t, DriftAlerted, drifts[2].Action)
	expected, _ = f.ledger.Expected("b", "BTC")
	assert.True(t, expected.Equal(d("5.05")), "alerted drift is accepted")

	assert.Len(t, f.recorder.OfKind(domain.EventOperatorAlert), 2)
	assert.Len(t, f.recorder.OfKind(domain.EventImbalanceResolved), 1)
	assert.True(t, f.budget.Snapshot().DailyPnL.IsZero(), "drift corrections are not arbitrage P&L")

	drifts, err = f.reconciler.CheckDrift(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestCheckDrift_SkipsHeldSymbols(t *testing.T) {
	f := newFixture(t, "")
	f.ledger.Set("a", "BTC", d("1"))
	f.a.SetBalance("BTC", d("2"))
	f.exposure.Hold(btcusdt, "imb-x")

	drifts, err := f.reconciler.CheckDrift(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifts)
	assert.Zero(t, f.a.OrderCount())
}

func TestLedger(t *testing.T) {
	l := NewLedger()
	l.Set("a", "BTC", d("0"))
	l.Set("a", "USDT", d("1000"))
	l.Set("b", "BTC", d("2"))
	l.Set("b", "USDT", d("0"))

	res := buyOnly("exec-9")
	res.Sell = domain.OrderOutcome{Venue: "b", Status: domain.LegFilled, FilledAmount: d("1"), AvgPrice: d("101.5"), Fee: d("0.203")}
	require.NoError(t, l.Emit(context.Background(), domain.NewExecutionEvent(res, time.Now())))
	require.NoError(t, l.Emit(context.Background(), domain.NewAlertEvent(domain.OperatorAlert{}, time.Now())))

	v, _ := l.Expected("a", "BTC")
	assert.True(t, v.Equal(d("1")))
	v, _ = l.Expected("a", "USDT")
	assert.True(t, v.Equal(d("899.98")))
	v, _ = l.Expected("b", "BTC")
	assert.True(t, v.Equal(d("1")))
	v, _ = l.Expected("b", "USDT")
	assert.True(t, v.Equal(d("101.297")))

	_, ok := l.Expected("c", "BTC")
	assert.False(t, ok)
	assert.Len(t, l.Keys(), 4)
}

func TestLedger_Seed(t *testing.T) {
	f := newFixture(t, "")
	market := marketdata.NewFreshMarketQuery([]domain.Exchange{f.a, f.b}, nil)

	require.NoError(t, f.ledger.Seed(context.Background(), market, []domain.VenueID{"a", "b"}, []domain.Symbol{btcusdt}))
	v, ok := f.ledger.Expected("b", "BTC")
	require.True(t, ok)
	assert.True(t, v.Equal(d("5")))
	assert.Len(t, f.ledger.Keys(), 4)
}
