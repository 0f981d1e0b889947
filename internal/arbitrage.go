package internal

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/arbiter/internal/domain"
	"github.com/vadiminshakov/arbiter/internal/services/reconciler"
)

type scanner interface {
	Scan(ctx context.Context, symbols []domain.Symbol) ([]domain.SizedOpportunity, error)
}

type opportunityExecutor interface {
	Execute(ctx context.Context, opp domain.SizedOpportunity) (domain.ExecutionResult, error)
}

type breaker interface {
	ResetIfNewDay(now time.Time) bool
	Halted() (bool, string)
}

type driftChecker interface {
	CheckDrift(ctx context.Context) ([]reconciler.Drift, error)
}

type cycleMetrics interface {
	OpportunitiesDetected(n int)
	CycleCompleted(d time.Duration)
}

// BotConfig paces the detection loop.
type BotConfig struct {
	Symbols       []domain.Symbol
	PollInterval  time.Duration
	CycleDeadline time.Duration
	DriftInterval time.Duration
}

// CycleReport summarises one detection cycle.
type CycleReport struct {
	Halted     bool
	Candidates int
	Rejected   int
	Executions []domain.ExecutionResult
}

// ArbitrageBot runs the detect, validate, execute loop and the periodic drift check.
type ArbitrageBot struct {
	scanner  scanner
	executor opportunityExecutor
	breaker  breaker
	drift    driftChecker
	metrics  cycleMetrics
	cfg      BotConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewArbitrageBot creates the run loop. drift and metrics may be nil.
func NewArbitrageBot(s scanner, e opportunityExecutor, b breaker, drift driftChecker, metrics cycleMetrics, cfg BotConfig, logger *zap.Logger) *ArbitrageBot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = 200 * time.Millisecond
	}
	return &ArbitrageBot{
		scanner:  s,
		executor: e,
		breaker:  b,
		drift:    drift,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// Run executes cycles until ctx is cancelled.
func (b *ArbitrageBot) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	var driftC <-chan time.Time
	if b.drift != nil && b.cfg.DriftInterval > 0 {
		driftTicker := time.NewTicker(b.cfg.DriftInterval)
		defer driftTicker.Stop()
		driftC = driftTicker.C
	}

	b.logger.Info("Starting arbitrage loop",
		zap.Int("symbols", len(b.cfg.Symbols)),
		zap.Duration("poll_interval", b.cfg.PollInterval),
		zap.Duration("cycle_deadline", b.cfg.CycleDeadline))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Context done, stopping arbitrage loop")
			return ctx.Err()
		case <-ticker.C:
			report := b.Cycle(ctx)
			if len(report.Executions) > 0 {
				b.logger.Info("cycle executed opportunities",
					zap.Int("candidates", report.Candidates),
					zap.Int("rejected", report.Rejected),
					zap.Int("executions", len(report.Executions)))
			}
		case <-driftC:
			b.checkDrift(ctx)
		}
	}
}

// Cycle runs one detection pass under the cycle deadline. Symbols are handled
// in parallel; within a symbol candidates are tried in descending net profit
// until one is executed or all are rejected.
func (b *ArbitrageBot) Cycle(ctx context.Context) CycleReport {
	start := b.now()
	defer func() {
		if b.metrics != nil {
			b.metrics.CycleCompleted(b.now().Sub(start))
		}
	}()

	if b.breaker.ResetIfNewDay(start) {
		b.logger.Info("daily risk budget reset")
	}
	if halted, reason := b.breaker.Halted(); halted {
		b.logger.Debug("circuit breaker open, skipping cycle", zap.String("reason", reason))
		return CycleReport{Halted: true}
	}

	cycleCtx, cancel := context.WithTimeout(ctx, b.cfg.CycleDeadline)
	defer cancel()

	opps, err := b.scanner.Scan(cycleCtx, b.cfg.Symbols)
	if err != nil {
		b.logger.Warn("scan failed", zap.Error(err))
		return CycleReport{}
	}
	if b.metrics != nil {
		b.metrics.OpportunitiesDetected(len(opps))
	}

	groups, order := groupBySymbol(opps)
	results := make([]symbolResult, len(order))

	g, gctx := errgroup.WithContext(cycleCtx)
	for i, symbol := range order {
		g.Go(func() error {
			results[i] = b.executeSymbol(gctx, groups[symbol])
			return nil
		})
	}
	_ = g.Wait()

	report := CycleReport{Candidates: len(opps)}
	for _, r := range results {
		report.Rejected += r.rejected
		if r.executed != nil {
			report.Executions = append(report.Executions, *r.executed)
		}
	}
	return report
}

type symbolResult struct {
	rejected int
	executed *domain.ExecutionResult
}

func (b *ArbitrageBot) executeSymbol(ctx context.Context, candidates []domain.SizedOpportunity) symbolResult {
	var res symbolResult
	for _, opp := range candidates {
		if ctx.Err() != nil {
			return res
		}

		result, err := b.executor.Execute(ctx, opp)
		if result.ID == "" {
			// rejected before any order was placed
			res.rejected++
			b.logger.Debug("candidate rejected",
				zap.String("symbol", opp.Symbol.String()),
				zap.String("buy_venue", string(opp.BuyVenue)),
				zap.String("sell_venue", string(opp.SellVenue)),
				zap.Error(err))
			continue
		}

		if err != nil {
			b.logger.Warn("execution did not complete",
				zap.String("execution_id", result.ID),
				zap.String("outcome", string(result.Outcome)),
				zap.Error(err))
		}
		res.executed = &result
		return res
	}
	return res
}

func (b *ArbitrageBot) checkDrift(ctx context.Context) {
	drifts, err := b.drift.CheckDrift(ctx)
	if err != nil {
		b.logger.Warn("drift check interrupted", zap.Error(err))
	}
	for _, d := range drifts {
		b.logger.Warn("balance drift handled",
			zap.String("venue", string(d.Venue)),
			zap.String("asset", d.Asset),
			zap.String("delta", d.Delta().String()),
			zap.String("action", string(d.Action)))
	}
}

// groupBySymbol keeps the incoming order within each symbol and the order of first appearance across symbols.
func groupBySymbol(opps []domain.SizedOpportunity) (map[domain.Symbol][]domain.SizedOpportunity, []domain.Symbol) {
	groups := make(map[domain.Symbol][]domain.SizedOpportunity)
	var order []domain.Symbol
	for _, opp := range opps {
		if _, ok := groups[opp.Symbol]; !ok {
			order = append(order, opp.Symbol)
		}
		groups[opp.Symbol] = append(groups[opp.Symbol], opp)
	}
	return groups, order
}
