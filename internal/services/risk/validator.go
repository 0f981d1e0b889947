// Package risk gates opportunities before execution and owns the only
// long-lived mutable state of the pipeline: the per-symbol exposure table and
// the global risk budget.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

var (
	one                   = decimal.NewFromInt(1)
	bpsPerUnit            = decimal.NewFromInt(10000)
	defaultBalanceTimeout = 250 * time.Millisecond
)

// StaticInfo supplies fees and minimum order sizes.
type StaticInfo interface {
	Get(ctx context.Context, venue domain.VenueID, symbol domain.Symbol) (domain.StaticInfo, error)
}

// Balances returns live balances. Implementations must not cache.
type Balances interface {
	Balance(ctx context.Context, venue domain.VenueID, asset string) (decimal.Decimal, error)
}

// Health reports venue connectivity.
type Health interface {
	Healthy(venue domain.VenueID) bool
}

// RejectionObserver is told about every rejected candidate.
type RejectionObserver interface {
	RiskRejected(check domain.RiskCheck)
}

// Limits are the thresholds applied by the validator.
type Limits struct {
	// MinMarginBps is the minimum net spread in basis points.
	MinMarginBps decimal.Decimal
	// MinTradeValue is the notional floor in quote.
	MinTradeValue decimal.Decimal
	// MaxSpreadPct is the ceiling on the raw top of book spread.
	MaxSpreadPct decimal.Decimal
	// MaxImpactBps bounds how far from top of book the depth may be taken.
	MaxImpactBps decimal.Decimal
	// BalanceTimeout bounds the live balance queries.
	BalanceTimeout time.Duration
}

// Validator runs the pre-trade checks in cheapest-first order and reserves
// exposure and budget for approved candidates.
type Validator struct {
	static   StaticInfo
	balances Balances
	health   Health
	exposure *ExposureTable
	budget   *BudgetTracker
	limits   Limits
	logger   *zap.Logger
	observer RejectionObserver
}

func NewValidator(static StaticInfo, balances Balances, health Health, exposure *ExposureTable, budget *BudgetTracker, limits Limits, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.BalanceTimeout <= 0 {
		limits.BalanceTimeout = defaultBalanceTimeout
	}
	return &Validator{
		static:   static,
		balances: balances,
		health:   health,
		exposure: exposure,
		budget:   budget,
		limits:   limits,
		logger:   logger,
	}
}

// SetObserver registers a rejection observer.
func (v *Validator) SetObserver(o RejectionObserver) {
	v.observer = o
}

// Exposure returns the table the validator reserves against.
func (v *Validator) Exposure() *ExposureTable { return v.exposure }

// Budget returns the tracker the validator allocates from.
func (v *Validator) Budget() *BudgetTracker { return v.budget }

// Validate checks opp and, when every check passes, atomically reserves its
// notional. Rejections leave no trace in the exposure table or the budget.
func (v *Validator) Validate(ctx context.Context, opp domain.SizedOpportunity) domain.RiskCheckResult {
	notional := opp.QuoteNotional

	if halted, reason := v.budget.Halted(); halted {
		return v.reject(opp, &domain.RiskLimitError{Check: domain.CheckCircuitBreaker, Detail: reason})
	}
	if v.exposure.Blocked(opp.Symbol) {
		return v.reject(opp, &domain.RiskLimitError{Check: domain.CheckSymbolBlocked, Detail: "open imbalance or suspension on " + opp.Symbol.String()})
	}

	// (a) margin
	if bps := opp.NetSpreadBps(); bps.LessThan(v.limits.MinMarginBps) {
		return v.reject(opp, &domain.RiskLimitError{
			Check:  domain.CheckMinMargin,
			Detail: fmt.Sprintf("net spread %s bps below %s bps", bps.StringFixed(2), v.limits.MinMarginBps),
		})
	}

	// (b) notional floor and venue minimums
	if notional.LessThan(v.limits.MinTradeValue) {
		return v.reject(opp, &domain.RiskLimitError{
			Check:  domain.CheckMinNotional,
			Detail: fmt.Sprintf("notional %s below floor %s", notional, v.limits.MinTradeValue),
		})
	}
	buyInfo, err := v.static.Get(ctx, opp.BuyVenue, opp.Symbol)
	if err != nil {
		return v.reject(opp, &domain.RiskLimitError{Check: domain.CheckMinOrder, Detail: err.Error()})
	}
	sellInfo, err := v.static.Get(ctx, opp.SellVenue, opp.Symbol)
	if err != nil {
		return v.reject(opp, &domain.RiskLimitError{Check: domain.CheckMinOrder, Detail: err.Error()})
	}
	sellNotional := opp.SellNotional
	if sellNotional.IsZero() {
		sellNotional = opp.Amount.Mul(opp.SellPrice)
	}
	if !buyInfo.AdmitsNotional(opp.Amount, notional) {
		return v.reject(opp, &domain.RiskLimitError{
			Check:  domain.CheckMinOrder,
			Detail: fmt.Sprintf("amount %s below %s minimum", opp.Amount, opp.BuyVenue),
		})
	}
	if !sellInfo.AdmitsNotional(opp.Amount, sellNotional) {
		return v.reject(opp, &domain.RiskLimitError{
			Check:  domain.CheckMinOrder,
			Detail: fmt.Sprintf("amount %s below %s minimum", opp.Amount, opp.SellVenue),
		})
	}

	// (c) raw spread ceiling
	if raw := opp.RawSpreadPct(); v.limits.MaxSpreadPct.IsPositive() && raw.GreaterThan(v.limits.MaxSpreadPct) {
		return v.reject(opp, &domain.RiskLimitError{
			Check:  domain.CheckMaxSpread,
			Detail: fmt.Sprintf("raw spread %s%% above ceiling %s%%, quotes likely stale", raw.StringFixed(2), v.limits.MaxSpreadPct),
		})
	}

	// (d) depth within price impact
	if err := v.checkDepth(opp); err != nil {
		return v.reject(opp, err)
	}

	// (e) live balances
	if err := v.checkBalances(ctx, opp, buyInfo.TakerRate); err != nil {
		return v.reject(opp, err)
	}

	// (f) venue health
	for _, venue := range []domain.VenueID{opp.BuyVenue, opp.SellVenue} {
		if !v.health.Healthy(venue) {
			return v.reject(opp, &domain.RiskLimitError{Check: domain.CheckVenueHealth, Detail: string(venue) + " unhealthy"})
		}
	}

	// (g) exposure and budget, reserved atomically
	reservation := uuid.NewString()
	current, err := v.exposure.Reserve(opp.Symbol, reservation, notional)
	if err != nil {
		return v.reject(opp, err)
	}
	available := v.budget.Available()
	if err := v.budget.Allocate(reservation, notional); err != nil {
		v.exposure.Release(opp.Symbol, reservation)
		return v.reject(opp, err)
	}

	return domain.RiskCheckResult{
		Approved:           true,
		MaxAllowedNotional: decimal.Min(v.exposure.Limit().Sub(current), available),
		CurrentExposure:    current,
		Reservation:        reservation,
	}
}

func (v *Validator) checkDepth(opp domain.SizedOpportunity) error {
	impact := v.limits.MaxImpactBps.Div(bpsPerUnit)

	askLimit := opp.BuyBestAsk.Mul(one.Add(impact))
	if have := domain.DepthWithin(opp.BuyAsks, domain.SideBuy, askLimit); have.LessThan(opp.Amount) {
		return &domain.RiskLimitError{
			Check:  domain.CheckDepth,
			Detail: fmt.Sprintf("%s asks within %s hold %s, need %s", opp.BuyVenue, askLimit, have, opp.Amount),
		}
	}

	bidLimit := opp.SellBestBid.Mul(one.Sub(impact))
	if have := domain.DepthWithin(opp.SellBids, domain.SideSell, bidLimit); have.LessThan(opp.Amount) {
		return &domain.RiskLimitError{
			Check:  domain.CheckDepth,
			Detail: fmt.Sprintf("%s bids within %s hold %s, need %s", opp.SellVenue, bidLimit, have, opp.Amount),
		}
	}
	return nil
}

func (v *Validator) checkBalances(ctx context.Context, opp domain.SizedOpportunity, buyTaker decimal.Decimal) error {
	bctx, cancel := context.WithTimeout(ctx, v.limits.BalanceTimeout)
	defer cancel()

	var quote, base decimal.Decimal
	g, gctx := errgroup.WithContext(bctx)
	g.Go(func() error {
		var err error
		quote, err = v.balances.Balance(gctx, opp.BuyVenue, opp.Symbol.Quote)
		return err
	})
	g.Go(func() error {
		var err error
		base, err = v.balances.Balance(gctx, opp.SellVenue, opp.Symbol.Base)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	needQuote := opp.QuoteNotional.Mul(one.Add(buyTaker))
	if quote.LessThan(needQuote) {
		return &domain.InsufficientBalanceError{Venue: opp.BuyVenue, Asset: opp.Symbol.Quote, Have: quote, Need: needQuote}
	}
	if base.LessThan(opp.Amount) {
		return &domain.InsufficientBalanceError{Venue: opp.SellVenue, Asset: opp.Symbol.Base, Have: base, Need: opp.Amount}
	}
	return nil
}

// Settle is called by the coordinator once both legs resolved. keep is the
// notional still at risk, zero when the execution is flat.
func (v *Validator) Settle(symbol domain.Symbol, reservation string, keep decimal.Decimal) {
	v.exposure.Settle(symbol, reservation, keep)
	v.budget.Shrink(reservation, keep)
}

// Release frees everything reserved under reservation.
func (v *Validator) Release(symbol domain.Symbol, reservation string) {
	v.exposure.Release(symbol, reservation)
	v.budget.Release(reservation)
}

func (v *Validator) reject(opp domain.SizedOpportunity, err error) domain.RiskCheckResult {
	check := checkOf(err)
	if v.observer != nil {
		v.observer.RiskRejected(check)
	}
	v.logger.Debug("opportunity rejected",
		zap.String("symbol", opp.Symbol.String()),
		zap.String("buy_venue", string(opp.BuyVenue)),
		zap.String("sell_venue", string(opp.SellVenue)),
		zap.String("check", string(check)),
		zap.Error(err))

	return domain.RiskCheckResult{
		Approved:           false,
		Reason:             err.Error(),
		Err:                err,
		MaxAllowedNotional: decimal.Max(decimal.Zero, v.exposure.Limit().Sub(v.exposure.Exposure(opp.Symbol))),
		CurrentExposure:    v.exposure.Exposure(opp.Symbol),
	}
}

func checkOf(err error) domain.RiskCheck {
	if e, ok := err.(*domain.RiskLimitError); ok {
		return e.Check
	}
	return domain.CheckBalance
}
