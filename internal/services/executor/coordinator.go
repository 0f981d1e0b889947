// Package executor places both legs of an approved opportunity concurrently and
// classifies the joint outcome.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

const defaultLegTimeout = 50 * time.Millisecond

// Validator approves opportunities and owns the reservations they hold.
type Validator interface {
	Validate(ctx context.Context, opp domain.SizedOpportunity) domain.RiskCheckResult
	Settle(symbol domain.Symbol, reservation string, keep decimal.Decimal)
	Release(symbol domain.Symbol, reservation string)
}

// Venues resolves venue ids to adapters.
type Venues interface {
	Exchange(venue domain.VenueID) (domain.Exchange, bool)
}

// StaticInfo supplies taker rates for profit modeling.
type StaticInfo interface {
	Get(ctx context.Context, venue domain.VenueID, symbol domain.Symbol) (domain.StaticInfo, error)
}

// Reconciler takes asymmetric executions for correction. Submit must not block
// on venues and must hold the symbol before it returns.
type Reconciler interface {
	Submit(result domain.ExecutionResult)
}

// Emitter receives the audit stream.
type Emitter interface {
	Emit(ctx context.Context, e domain.Event) error
}

// PnL receives realized profit of completed executions.
type PnL interface {
	RecordPnL(realized decimal.Decimal)
}

// Metrics records execution outcomes.
type Metrics interface {
	ExecutionCompleted(result domain.ExecutionResult)
}

// Coordinator executes approved opportunities. It never retries an order.
type Coordinator struct {
	validator  Validator
	venues     Venues
	static     StaticInfo
	reconciler Reconciler
	emitter    Emitter
	pnl        PnL
	metrics    Metrics
	legTimeout time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLegTimeout sets the hard deadline shared by both legs.
func WithLegTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.legTimeout = d }
}

// WithMetrics records every classified execution.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPnL forwards realized profit, typically to the budget tracker.
func WithPnL(p PnL) Option {
	return func(c *Coordinator) { c.pnl = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(validator Validator, venues Venues, static StaticInfo, reconciler Reconciler, emitter Emitter, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		validator:  validator,
		venues:     venues,
		static:     static,
		reconciler: reconciler,
		emitter:    emitter,
		legTimeout: defaultLegTimeout,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type legResult struct {
	outcome domain.OrderOutcome
	err     error
}

// Execute validates opp and, if approved, places both legs concurrently under a
// single deadline. A rejection is returned as an error and nothing is emitted.
// Every executed attempt emits exactly one execution event; asymmetric outcomes
// are handed to the reconciler and are not errors.
func (c *Coordinator) Execute(ctx context.Context, opp domain.SizedOpportunity) (domain.ExecutionResult, error) {
	check := c.validator.Validate(ctx, opp)
	if !check.Approved {
		return domain.ExecutionResult{}, check.Err
	}
	id := check.Reservation

	buyEx, okBuy := c.venues.Exchange(opp.BuyVenue)
	sellEx, okSell := c.venues.Exchange(opp.SellVenue)
	if !okBuy || !okSell {
		c.validator.Release(opp.Symbol, id)
		return domain.ExecutionResult{}, errors.Errorf("venue not configured for %s -> %s", opp.BuyVenue, opp.SellVenue)
	}

	logger := c.logger.With(
		zap.String("execution_id", id),
		zap.String("symbol", opp.Symbol.String()),
		zap.String("buy_venue", string(opp.BuyVenue)),
		zap.String("sell_venue", string(opp.SellVenue)),
		zap.String("amount", opp.Amount.String()))

	buyReq := domain.OrderRequest{
		Symbol:        opp.Symbol,
		Side:          domain.SideBuy,
		Amount:        opp.Amount,
		RefPrice:      opp.BuyPrice,
		ClientOrderID: id + "-buy",
	}
	sellReq := domain.OrderRequest{
		Symbol:        opp.Symbol,
		Side:          domain.SideSell,
		Amount:        opp.Amount,
		RefPrice:      opp.SellPrice,
		ClientOrderID: id + "-sell",
	}

	started := c.now()
	buy, sell := c.placeLegs(ctx, buyEx, buyReq, sellEx, sellReq)
	latency := c.now().Sub(started)

	result := domain.ExecutionResult{
		ID:          id,
		Opportunity: opp,
		Buy:         buy.outcome,
		Sell:        sell.outcome,
		Outcome:     domain.ClassifyLegs(buy.outcome, sell.outcome),
		State:       domain.StateClassified,
		Latency:     latency,
		StartedAt:   started,
	}

	switch result.Outcome {
	case domain.OutcomeBothFilled:
		buyTaker, sellTaker := c.takerRates(ctx, opp)
		result.RealizedProfit = domain.RealizedProfit(buy.outcome, sell.outcome, buyTaker, sellTaker)
		result.Success = true
		result.State = domain.StateClosed
		c.validator.Settle(opp.Symbol, id, decimal.Zero)
		if c.pnl != nil {
			c.pnl.RecordPnL(result.RealizedProfit)
		}
		logger.Info("execution filled",
			zap.String("realized_profit", result.RealizedProfit.String()),
			zap.String("planned_profit", opp.NetProfit.String()),
			zap.Duration("latency", latency))

	case domain.OutcomeBothFailed:
		result.State = domain.StateClosed
		result.Failure = legFailure(buy, sell, buyReq, sellReq, opp)
		result.FailureReason = result.Failure.Error()
		c.validator.Settle(opp.Symbol, id, decimal.Zero)
		logger.Warn("both legs failed", zap.Error(result.Failure))

	default:
		filled, missing := buy.outcome, sell.outcome
		if result.Outcome == domain.OutcomeSellOnlyFilled {
			filled, missing = sell.outcome, buy.outcome
		}
		partial := &domain.PartialFillError{ExecutionID: id, Filled: filled, Missing: missing}
		result.Failure = partial
		result.FailureReason = partial.Error()
		c.validator.Settle(opp.Symbol, id, atRisk(result))
		logger.Warn("asymmetric execution, reconciling",
			zap.String("outcome", string(result.Outcome)),
			zap.String("buy_status", string(buy.outcome.Status)),
			zap.String("sell_status", string(sell.outcome.Status)),
			zap.String("net_base", result.NetBaseFilled().String()),
			zap.Error(partial))
	}

	if err := c.emitter.Emit(ctx, domain.NewExecutionEvent(result, c.now())); err != nil {
		logger.Error("failed to emit execution result", zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.ExecutionCompleted(result)
	}

	if result.Outcome.NeedsReconciliation() && c.reconciler != nil {
		c.reconciler.Submit(result)
	}

	return result, nil
}

// placeLegs submits both orders at once and waits for both or the deadline.
// A leg still in flight at the deadline is reported as unknown.
func (c *Coordinator) placeLegs(ctx context.Context, buyEx domain.Exchange, buyReq domain.OrderRequest, sellEx domain.Exchange, sellReq domain.OrderRequest) (legResult, legResult) {
	legCtx, cancel := context.WithTimeout(ctx, c.legTimeout)
	defer cancel()

	buyCh := make(chan legResult, 1)
	sellCh := make(chan legResult, 1)
	go place(legCtx, buyEx, buyReq, buyCh)
	go place(legCtx, sellEx, sellReq, sellCh)

	var buy, sell *legResult
	for buy == nil || sell == nil {
		select {
		case r := <-buyCh:
			buy = &r
		case r := <-sellCh:
			sell = &r
		case <-legCtx.Done():
			if buy == nil {
				buy = &legResult{err: legCtx.Err()}
			}
			if sell == nil {
				sell = &legResult{err: legCtx.Err()}
			}
		}
	}

	return normalize(buyEx.Venue(), buyReq, *buy), normalize(sellEx.Venue(), sellReq, *sell)
}

func place(ctx context.Context, ex domain.Exchange, req domain.OrderRequest, out chan<- legResult) {
	o, err := ex.PlaceMarketOrder(ctx, req)
	out <- legResult{outcome: o, err: err}
}

// normalize fills in identity fields and maps errors to a leg status. Context
// errors are ambiguous because the order may have reached the venue.
func normalize(venue domain.VenueID, req domain.OrderRequest, r legResult) legResult {
	r.outcome.Venue = venue
	r.outcome.ClientOrderID = req.ClientOrderID
	if r.err == nil {
		if r.outcome.Status == "" {
			r.outcome.Status = domain.LegUnknown
		}
		return r
	}

	if errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled) {
		r.outcome.Status = domain.LegUnknown
	} else {
		r.outcome.Status = domain.LegFailed
	}
	r.err = &domain.OrderPlacementError{Venue: venue, ClientOrderID: req.ClientOrderID, Err: r.err}
	return r
}

func legFailure(buy, sell legResult, buyReq, sellReq domain.OrderRequest, opp domain.SizedOpportunity) error {
	var msgs []string
	var first error
	for _, l := range []struct {
		r   legResult
		req domain.OrderRequest
		v   domain.VenueID
	}{{buy, buyReq, opp.BuyVenue}, {sell, sellReq, opp.SellVenue}} {
		err := l.r.err
		if err == nil {
			err = &domain.OrderPlacementError{Venue: l.v, ClientOrderID: l.req.ClientOrderID, Err: errors.Errorf("order %s", l.r.outcome.Status)}
		}
		if first == nil {
			first = err
		}
		msgs = append(msgs, err.Error())
	}
	return errors.Wrap(first, strings.Join(msgs, "; "))
}

// atRisk is the notional still exposed after an asymmetric execution. An
// unknown leg may still fill, so the full planned notional stays reserved.
func atRisk(r domain.ExecutionResult) decimal.Decimal {
	if r.Buy.Status == domain.LegUnknown || r.Sell.Status == domain.LegUnknown {
		return r.Opportunity.QuoteNotional
	}
	return r.NetBaseFilled().Abs().Mul(r.Opportunity.BuyPrice)
}

func (c *Coordinator) takerRates(ctx context.Context, opp domain.SizedOpportunity) (decimal.Decimal, decimal.Decimal) {
	buyTaker, sellTaker := decimal.Zero, decimal.Zero
	if info, err := c.static.Get(ctx, opp.BuyVenue, opp.Symbol); err == nil {
		buyTaker = info.TakerRate
	}
	if info, err := c.static.Get(ctx, opp.SellVenue, opp.Symbol); err == nil {
		sellTaker = info.TakerRate
	}
	return buyTaker, sellTaker
}
