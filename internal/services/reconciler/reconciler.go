// Package reconciler closes unhedged positions left by asymmetric executions
// and watches venue balances for drift against internal bookkeeping.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/arbiter/internal/domain"
	"github.com/vadiminshakov/arbiter/pkg/retrier"
)

var (
	ErrNotFound   = errors.New("imbalance not found")
	ErrInProgress = errors.New("reconciliation already in progress")
)

// Market is the live view of venues, books and balances.
type Market interface {
	Exchange(venue domain.VenueID) (domain.Exchange, bool)
	OrderBook(ctx context.Context, venue domain.VenueID, symbol domain.Symbol) (domain.OrderBookSnapshot, error)
	Balance(ctx context.Context, venue domain.VenueID, asset string) (decimal.Decimal, error)
}

// StaticInfo supplies precision, minimums and fees.
type StaticInfo interface {
	Get(ctx context.Context, venue domain.VenueID, symbol domain.Symbol) (domain.StaticInfo, error)
}

// SymbolGuard keeps symbols with open imbalances out of new approvals.
type SymbolGuard interface {
	Hold(symbol domain.Symbol, holder string)
	ReleaseHold(symbol domain.Symbol, holder string)
	Suspend(symbol domain.Symbol, reason string)
	Blocked(symbol domain.Symbol) bool
}

// Reservations frees the exposure an execution still holds.
type Reservations interface {
	Release(symbol domain.Symbol, reservation string)
}

// Budget receives corrective P&L and failure counts.
type Budget interface {
	RecordPnL(realized decimal.Decimal)
	RecordReconciliationFailure()
}

type Emitter interface {
	Emit(ctx context.Context, e domain.Event) error
}

type Metrics interface {
	ImbalanceOpened()
	ImbalanceClosed(status domain.ImbalanceStatus)
}

// Config bounds corrective trading.
type Config struct {
	MaxAttempts int
	// attempt n times out after BaseTimeout + TimeoutStep*(n-1)
	BaseTimeout time.Duration
	TimeoutStep time.Duration
	Backoff     time.Duration
	// Dust is the base amount below which an imbalance closes without a trade.
	Dust decimal.Decimal
	// QuoteDust is the quote drift tolerated before alerting.
	QuoteDust decimal.Decimal
	// Workers bounds corrections running at once from the Submit queue.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 2 * time.Second
	}
	if c.TimeoutStep < 0 {
		c.TimeoutStep = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 250 * time.Millisecond
	}
	if c.Dust.IsZero() {
		c.Dust = decimal.New(1, -5)
	}
	if c.QuoteDust.IsZero() {
		c.QuoteDust = decimal.NewFromInt(1)
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Deps are the collaborators of a Reconciler. Metrics and Ledger are optional.
type Deps struct {
	Market       Market
	Static       StaticInfo
	Guard        SymbolGuard
	Reservations Reservations
	Budget       Budget
	Journal      *Journal
	Ledger       *Ledger
	Emitter      Emitter
	Metrics      Metrics
	Symbols      []domain.Symbol
}

// Reconciler is the PositionReconciler. Corrective trades for one execution
// never run concurrently.
type Reconciler struct {
	Deps
	cfg      Config
	attempts *retrier.Retrier
	queries  *retrier.Retrier
	now      func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]bool

	queueMu sync.Mutex
	queue   []domain.ExecutionResult
	wake    chan struct{}
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Reconciler{
		Deps: deps,
		cfg:  cfg,
		attempts: retrier.New(
			retrier.WithMaxAttempts(cfg.MaxAttempts),
			retrier.WithInitialInterval(cfg.Backoff),
			retrier.WithMaxInterval(8*cfg.Backoff),
			retrier.WithAttemptTimeout(cfg.BaseTimeout, cfg.TimeoutStep),
		),
		queries: retrier.New(
			retrier.WithMaxAttempts(3),
			retrier.WithInitialInterval(cfg.Backoff),
			retrier.WithAttemptTimeout(cfg.BaseTimeout, 0),
		),
		now:    time.Now,
		logger: logger,
		active: make(map[string]bool),
		wake:   make(chan struct{}, 1),
	}
}

// SetClock overrides the time source.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

func (r *Reconciler) begin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[key] {
		return false
	}
	r.active[key] = true
	return true
}

func (r *Reconciler) end(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}

// Submit holds the symbol of an asymmetric execution and queues it for Run.
// It never waits on a venue, so the symbol is blocked by the time it returns.
func (r *Reconciler) Submit(result domain.ExecutionResult) {
	if !result.Outcome.NeedsReconciliation() {
		return
	}
	r.Guard.Hold(result.Opportunity.Symbol, result.ID)

	r.queueMu.Lock()
	r.queue = append(r.queue, result)
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Queued returns the number of submitted executions not yet picked up by Run.
func (r *Reconciler) Queued() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.queue)
}

func (r *Reconciler) takeQueued() []domain.ExecutionResult {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	out := r.queue
	r.queue = nil
	return out
}

// Run reconciles submitted executions until ctx is done. Corrections already
// queued or in flight at shutdown are finished before it returns.
func (r *Reconciler) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)

	dispatch := func() {
		for _, result := range r.takeQueued() {
			g.Go(func() error {
				r.process(work, result)
				return nil
			})
		}
	}

	for {
		dispatch()
		select {
		case <-ctx.Done():
			dispatch()
			return g.Wait()
		case <-r.wake:
		}
	}
}

func (r *Reconciler) process(ctx context.Context, result domain.ExecutionResult) {
	defer r.Guard.ReleaseHold(result.Opportunity.Symbol, result.ID)
	if _, err := r.Reconcile(ctx, result); err != nil {
		r.logger.Error("reconciliation failed",
			zap.String("execution_id", result.ID),
			zap.String("symbol", result.Opportunity.Symbol.String()),
			zap.Error(err))
	}
}

// Reconcile computes the imbalance left by an asymmetric execution and trades
// it back. The symbol is held for the whole correction. It returns a
// *domain.ReconciliationFailureError when every attempt failed.
func (r *Reconciler) Reconcile(ctx context.Context, result domain.ExecutionResult) (*domain.PositionImbalance, error) {
	if !result.Outcome.NeedsReconciliation() {
		return nil, nil
	}
	if !r.begin(result.ID) {
		return nil, ErrInProgress
	}
	defer r.end(result.ID)

	if existing, ok := r.Journal.ByExecution(result.ID); ok {
		if !existing.Open() {
			return &existing, nil
		}
		r.Guard.Hold(existing.Symbol, existing.ID)
		return r.correct(ctx, existing, result.ID)
	}

	buy, sell := r.resolveLegs(ctx, result)
	imb := r.newImbalance(result, buy, sell)
	return r.settle(ctx, imb, result, buy, sell)
}

// settle closes an imbalance below dust or trades it back. Nothing is traded
// while a leg outcome is still unknown.
func (r *Reconciler) settle(ctx context.Context, imb domain.PositionImbalance, result domain.ExecutionResult, buy, sell domain.OrderOutcome) (*domain.PositionImbalance, error) {
	if ids := unresolvedOrders(buy, sell); len(ids) > 0 {
		exec := result
		imb.UnresolvedExecution = &exec
		r.open(ctx, imb)
		return r.fail(ctx, imb, 0, errors.Errorf("outcome of orders %s unknown", strings.Join(ids, ", ")))
	}
	imb.UnresolvedExecution = nil

	logger := r.logger.With(
		zap.String("imbalance_id", imb.ID),
		zap.String("execution_id", result.ID),
		zap.String("symbol", imb.Symbol.String()),
		zap.String("amount", imb.Amount.String()))

	if !imb.CorrectionRequired {
		imb.Status = domain.ImbalanceDust
		if domain.ClassifyLegs(buy, sell) == domain.OutcomeBothFilled {
			buyTaker, sellTaker := r.takerRates(ctx, result.Opportunity)
			r.Budget.RecordPnL(domain.RealizedProfit(buy, sell, buyTaker, sellTaker))
		}
		r.put(imb)
		r.Reservations.Release(imb.Symbol, result.ID)
		r.emit(ctx, domain.NewImbalanceEvent(domain.EventImbalanceResolved, imb, r.now()))
		logger.Info("imbalance below dust, closed without trading")
		return &imb, nil
	}

	r.open(ctx, imb)
	logger.Warn("imbalance opened",
		zap.String("corrective_side", string(imb.CorrectiveSide())),
		zap.String("venue", string(imb.Venue)),
		zap.String("alternate_venue", string(imb.AlternateVenue)))

	return r.correct(ctx, imb, result.ID)
}

// ReconcileByID retriggers reconciliation of the imbalance of an execution,
// including ones that already failed.
func (r *Reconciler) ReconcileByID(ctx context.Context, executionID string) (*domain.PositionImbalance, error) {
	imb, ok := r.Journal.ByExecution(executionID)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "execution %s", executionID)
	}
	if imb.Status == domain.ImbalanceResolved || imb.Status == domain.ImbalanceDust {
		return &imb, nil
	}
	if !r.begin(executionID) {
		return nil, ErrInProgress
	}
	defer r.end(executionID)

	if imb.UnresolvedExecution != nil {
		result := *imb.UnresolvedExecution
		buy, sell := r.resolveLegs(ctx, result)
		fresh := r.newImbalance(result, buy, sell)
		fresh.ID = imb.ID
		fresh.CreatedAt = imb.CreatedAt
		r.logger.Info("reconciliation retriggered, resolving legs",
			zap.String("execution_id", executionID),
			zap.String("imbalance_id", imb.ID))
		return r.settle(ctx, fresh, result, buy, sell)
	}

	if imb.Status == domain.ImbalanceFailed {
		imb.Status = domain.ImbalanceOpen
		imb.LastError = ""
		r.open(ctx, imb)
	} else {
		r.Guard.Hold(imb.Symbol, imb.ID)
	}

	r.logger.Info("reconciliation retriggered",
		zap.String("execution_id", executionID),
		zap.String("imbalance_id", imb.ID))
	return r.correct(ctx, imb, executionID)
}

// Pending lists open imbalances, including those replayed from the journal.
func (r *Reconciler) Pending() []domain.PositionImbalance {
	return r.Journal.Pending()
}

// Recover holds every symbol with an open imbalance and resumes correcting it.
func (r *Reconciler) Recover(ctx context.Context) error {
	pending := r.Journal.Pending()
	for _, imb := range pending {
		r.Guard.Hold(imb.Symbol, imb.ID)
	}

	var failed int
	for _, imb := range pending {
		var err error
		if imb.ExecutionID != "" {
			_, err = r.ReconcileByID(ctx, imb.ExecutionID)
		} else {
			_, err = r.correct(ctx, imb, "")
		}
		if err != nil {
			failed++
			r.logger.Error("failed to recover imbalance", zap.String("imbalance_id", imb.ID), zap.Error(err))
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d pending imbalances not recovered", failed, len(pending))
	}
	return nil
}

// resolveLegs asks the venue about legs whose outcome is unknown. A leg that
// still cannot be resolved is returned as unknown.
func (r *Reconciler) resolveLegs(ctx context.Context, result domain.ExecutionResult) (domain.OrderOutcome, domain.OrderOutcome) {
	symbol := result.Opportunity.Symbol
	resolve := func(leg domain.OrderOutcome, side domain.Side) domain.OrderOutcome {
		if leg.Status != domain.LegUnknown {
			return leg
		}
		ex, ok := r.Market.Exchange(leg.Venue)
		if !ok {
			return leg
		}

		var got domain.OrderOutcome
		err := r.queries.Do(ctx, func(qctx context.Context) error {
			o, err := ex.QueryOrder(qctx, symbol, leg.ClientOrderID)
			if err != nil {
				return err
			}
			if o.Status == domain.LegUnknown {
				return errors.Errorf("order %s still unresolved", leg.ClientOrderID)
			}
			got = o
			return nil
		})
		if err != nil {
			r.logger.Warn("unknown leg could not be resolved",
				zap.String("execution_id", result.ID),
				zap.String("client_order_id", leg.ClientOrderID),
				zap.Error(err))
			return leg
		}

		got.Venue = leg.Venue
		got.ClientOrderID = leg.ClientOrderID
		if r.Ledger != nil && leg.FilledAmount.IsZero() {
			r.Ledger.ApplyFill(symbol, side, got)
		}
		r.logger.Info("unknown leg resolved",
			zap.String("client_order_id", leg.ClientOrderID),
			zap.String("status", string(got.Status)),
			zap.String("filled", got.FilledAmount.String()))
		return got
	}

	return resolve(result.Buy, domain.SideBuy), resolve(result.Sell, domain.SideSell)
}

func unresolvedOrders(legs ...domain.OrderOutcome) []string {
	var ids []string
	for _, leg := range legs {
		if leg.Status == domain.LegUnknown {
			ids = append(ids, leg.ClientOrderID)
		}
	}
	return ids
}

func (r *Reconciler) newImbalance(result domain.ExecutionResult, buy, sell domain.OrderOutcome) domain.PositionImbalance {
	opp := result.Opportunity
	net := buy.FilledAmount.Sub(sell.FilledAmount)
	now := r.now()

	imb := domain.PositionImbalance{
		ID:          uuid.NewString(),
		ExecutionID: result.ID,
		Symbol:      opp.Symbol,
		Asset:       opp.Symbol.Base,
		Amount:      net,
		Corrected:   decimal.Zero,
		Status:      domain.ImbalanceOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	imb.CorrectionRequired = net.Abs().GreaterThan(r.cfg.Dust)

	if net.IsNegative() {
		imb.Venue, imb.AlternateVenue = opp.SellVenue, opp.BuyVenue
		imb.RefPrice = priceOr(sell.AvgPrice, opp.SellPrice)
	} else {
		imb.Venue, imb.AlternateVenue = opp.BuyVenue, opp.SellVenue
		imb.RefPrice = priceOr(buy.AvgPrice, opp.BuyPrice)
	}

	imb.ActualBalance = net
	imb.ExpectedBalance = decimal.Zero
	if r.Ledger != nil {
		if held, ok := r.Ledger.Expected(imb.Venue, imb.Asset); ok {
			imb.ActualBalance = held
			imb.ExpectedBalance = held.Sub(net)
		}
	}
	return imb
}

func priceOr(p, fallback decimal.Decimal) decimal.Decimal {
	if p.IsPositive() {
		return p
	}
	return fallback
}

func (r *Reconciler) open(ctx context.Context, imb domain.PositionImbalance) {
	r.Guard.Hold(imb.Symbol, imb.ID)
	r.put(imb)
	r.emit(ctx, domain.NewImbalanceEvent(domain.EventImbalanceOpened, imb, r.now()))
	if r.Metrics != nil {
		r.Metrics.ImbalanceOpened()
	}
}

// correct trades the imbalance back: the first two attempts on the venue of
// the successful leg, the rest on the alternate venue.
func (r *Reconciler) correct(ctx context.Context, imb domain.PositionImbalance, reservation string) (*domain.PositionImbalance, error) {
	logger := r.logger.With(zap.String("imbalance_id", imb.ID), zap.String("symbol", imb.Symbol.String()))

	var attempts int
	err := r.attempts.DoAttempt(ctx, func(actx context.Context, attempt int) error {
		attempts = attempt
		remaining := imb.Remaining()
		if remaining.Abs().LessThanOrEqual(r.cfg.Dust) {
			return nil
		}

		venueID := imb.Venue
		if attempt > 2 && imb.AlternateVenue != "" {
			venueID = imb.AlternateVenue
		}
		// no other venue is left to try after this one
		lastVenue := attempt > 2 || imb.AlternateVenue == ""
		ex, ok := r.Market.Exchange(venueID)
		if !ok {
			err := errors.Errorf("venue %s not configured", venueID)
			if lastVenue {
				return retrier.Permanent(err)
			}
			return err
		}

		amount := r.tradable(ctx, venueID, imb.Symbol, remaining.Abs())
		if !amount.IsPositive() {
			return nil
		}

		imb.Attempts++
		side := imb.CorrectiveSide()
		req := domain.OrderRequest{
			Symbol:        imb.Symbol,
			Side:          side,
			Amount:        amount,
			RefPrice:      imb.RefPrice,
			ClientOrderID: fmt.Sprintf("%s-fix-%d", imb.ID, imb.Attempts),
		}

		fill, placeErr := ex.PlaceMarketOrder(actx, req)
		if placeErr != nil {
			// the order may have reached the venue before the error
			qctx, cancel := context.WithTimeout(ctx, r.cfg.BaseTimeout)
			queried, qerr := ex.QueryOrder(qctx, imb.Symbol, req.ClientOrderID)
			cancel()
			if qerr != nil || !queried.FilledAmount.IsPositive() {
				imb.LastError = placeErr.Error()
				imb.UpdatedAt = r.now()
				r.put(imb)
				logger.Warn("corrective order failed",
					zap.Int("attempt", attempt),
					zap.String("venue", string(venueID)),
					zap.Error(placeErr))
				if lastVenue && errors.Is(placeErr, domain.ErrInsufficientBalance) {
					return retrier.Permanent(placeErr)
				}
				return placeErr
			}
			fill = queried
		}
		fill.Venue = venueID

		r.applyCorrection(ctx, &imb, side, fill)
		logger.Info("corrective order filled",
			zap.Int("attempt", attempt),
			zap.String("venue", string(venueID)),
			zap.String("side", string(side)),
			zap.String("filled", fill.FilledAmount.String()),
			zap.String("avg_price", fill.AvgPrice.String()))

		if left := imb.Remaining().Abs(); left.GreaterThan(r.cfg.Dust) {
			return errors.Errorf("corrective order left %s unhedged", left)
		}
		return nil
	})

	if err == nil {
		imb.Status = domain.ImbalanceResolved
		imb.LastError = ""
		imb.UpdatedAt = r.now()
		r.put(imb)
		r.Guard.ReleaseHold(imb.Symbol, imb.ID)
		if reservation != "" {
			r.Reservations.Release(imb.Symbol, reservation)
		}
		r.emit(ctx, domain.NewImbalanceEvent(domain.EventImbalanceResolved, imb, r.now()))
		if r.Metrics != nil {
			r.Metrics.ImbalanceClosed(domain.ImbalanceResolved)
		}
		logger.Info("imbalance resolved", zap.Int("attempts", imb.Attempts), zap.String("corrected", imb.Corrected.String()))
		return &imb, nil
	}

	return r.fail(ctx, imb, attempts, err)
}

// fail leaves the imbalance for an operator: the symbol is suspended and its
// exposure stays reserved.
func (r *Reconciler) fail(ctx context.Context, imb domain.PositionImbalance, attempts int, err error) (*domain.PositionImbalance, error) {
	logger := r.logger.With(zap.String("imbalance_id", imb.ID), zap.String("symbol", imb.Symbol.String()))
	failure := &domain.ReconciliationFailureError{Symbol: imb.Symbol, Attempts: attempts, Err: err}
	imb.Status = domain.ImbalanceFailed
	imb.LastError = err.Error()
	imb.UpdatedAt = r.now()
	r.put(imb)

	r.Guard.Suspend(imb.Symbol, failure.Error())
	r.Guard.ReleaseHold(imb.Symbol, imb.ID)
	r.Budget.RecordReconciliationFailure()
	r.emit(ctx, domain.NewAlertEvent(domain.OperatorAlert{
		Severity: domain.SeverityCritical,
		Symbol:   imb.Symbol,
		Venue:    imb.Venue,
		Asset:    imb.Asset,
		Message: fmt.Sprintf("reconciliation of imbalance %s failed, %s %s still unhedged, symbol suspended: %v",
			imb.ID, imb.Remaining().Abs(), imb.Asset, err),
	}, r.now()))
	if r.Metrics != nil {
		r.Metrics.ImbalanceClosed(domain.ImbalanceFailed)
	}
	logger.Error("reconciliation failed, symbol suspended", zap.Int("attempts", attempts), zap.Error(err))
	return &imb, failure
}

// tradable rounds amount down to the venue base precision.
func (r *Reconciler) tradable(ctx context.Context, venue domain.VenueID, symbol domain.Symbol, amount decimal.Decimal) decimal.Decimal {
	info, err := r.Static.Get(ctx, venue, symbol)
	if err != nil || info.BasePrecision <= 0 {
		return amount
	}
	return amount.Truncate(info.BasePrecision)
}

func (r *Reconciler) applyCorrection(ctx context.Context, imb *domain.PositionImbalance, side domain.Side, fill domain.OrderOutcome) {
	imb.Corrected = decimal.Min(imb.Corrected.Add(fill.FilledAmount), imb.Amount.Abs())
	imb.UpdatedAt = r.now()
	r.put(*imb)

	// drift corrections move actual balances back to the ledger
	if imb.Drift {
		return
	}
	if r.Ledger != nil {
		r.Ledger.ApplyFill(imb.Symbol, side, fill)
	}

	fee := fill.Fee
	if fee.IsZero() {
		if info, err := r.Static.Get(ctx, fill.Venue, imb.Symbol); err == nil {
			fee = fill.FilledNotional().Mul(info.TakerRate)
		}
	}
	// difference against trading the same amount at the planned price
	slip := fill.FilledNotional().Sub(fill.FilledAmount.Mul(imb.RefPrice))
	if side == domain.SideBuy {
		slip = slip.Neg()
	}
	r.Budget.RecordPnL(slip.Sub(fee))
}

func (r *Reconciler) takerRates(ctx context.Context, opp domain.SizedOpportunity) (decimal.Decimal, decimal.Decimal) {
	buyTaker, sellTaker := decimal.Zero, decimal.Zero
	if info, err := r.Static.Get(ctx, opp.BuyVenue, opp.Symbol); err == nil {
		buyTaker = info.TakerRate
	}
	if info, err := r.Static.Get(ctx, opp.SellVenue, opp.Symbol); err == nil {
		sellTaker = info.TakerRate
	}
	return buyTaker, sellTaker
}

func (r *Reconciler) put(imb domain.PositionImbalance) {
	if err := r.Journal.Put(imb); err != nil {
		r.logger.Error("failed to journal imbalance", zap.String("imbalance_id", imb.ID), zap.Error(err))
	}
}

func (r *Reconciler) emit(ctx context.Context, e domain.Event) {
	if r.Emitter == nil {
		return
	}
	if err := r.Emitter.Emit(ctx, e); err != nil {
		r.logger.Error("failed to emit event", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
