package internal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/arbiter/config"
	"github.com/vadiminshakov/arbiter/internal/domain"
	"github.com/vadiminshakov/arbiter/internal/events"
	"github.com/vadiminshakov/arbiter/internal/metrics"
	"github.com/vadiminshakov/arbiter/internal/services/detector"
	"github.com/vadiminshakov/arbiter/internal/services/executor"
	"github.com/vadiminshakov/arbiter/internal/services/marketdata"
	"github.com/vadiminshakov/arbiter/internal/services/reconciler"
	"github.com/vadiminshakov/arbiter/internal/services/risk"
	"github.com/vadiminshakov/arbiter/internal/services/venue"
	"github.com/vadiminshakov/arbiter/internal/storage/auditlog"
	"github.com/vadiminshakov/arbiter/internal/web"
)

const healthProbeInterval = 10 * time.Second

// App is the assembled arbitrage service.
type App struct {
	Market      *marketdata.FreshMarketQuery
	Static      *marketdata.CachedStaticInfo
	Exposure    *risk.ExposureTable
	Budget      *risk.BudgetTracker
	Validator   *risk.Validator
	Detector    *detector.Detector
	Coordinator *executor.Coordinator
	Reconciler  *reconciler.Reconciler
	Ledger      *reconciler.Ledger
	Journal     *reconciler.Journal
	Audit       *auditlog.WALStore
	Broadcaster *events.Broadcaster
	Metrics     *metrics.Recorder
	Bot         *ArbitrageBot
	Server      *web.Server

	conf    config.Config
	venues  []domain.Exchange
	closers []func() error
	logger  *zap.Logger
}

// NewApp wires every component around the given venues.
func NewApp(ctx context.Context, conf config.Config, venues []domain.Exchange, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{conf: conf, venues: venues, logger: logger}

	statics := make(map[domain.VenueID]marketdata.VenueStatic, len(conf.Venues))
	for _, v := range conf.Venues {
		statics[v.ID] = marketdata.VenueStatic{
			Fee:            domain.FeeInfo{MakerRate: v.MakerFee, TakerRate: v.TakerFee},
			MinQuoteAmount: v.MinQuoteAmount,
			MinBaseAmount:  v.MinBaseAmount,
			BasePrecision:  v.BasePrecision,
			QuotePrecision: v.QuotePrecision,
		}
	}

	app.Metrics = metrics.New()
	health := marketdata.NewHealthMonitor(conf.Detector.HealthWindow, nil)
	app.Market = marketdata.NewFreshMarketQuery(venues, health,
		marketdata.WithFreshness(conf.Detector.Freshness),
		marketdata.WithFetchTimeout(conf.Detector.FetchTimeout),
		marketdata.WithDepth(conf.Detector.Depth),
	)
	app.Static = marketdata.NewCachedStaticInfo(statics, conf.Detector.StaticTTL, logger.Named("static"))
	for _, ex := range venues {
		if src, ok := staticSource(ex); ok {
			app.Static.RegisterSource(ex.Venue(), src)
		}
	}

	app.Exposure = risk.NewExposureTable(conf.Risk.PerSymbolLimit)
	app.Budget = risk.NewBudgetTracker(risk.BudgetConfig{
		Total:                     conf.Risk.TotalBudget,
		MaxDailyLoss:              conf.Risk.MaxDailyLoss,
		MinTradeValue:             conf.Risk.MinTradeValue,
		MaxReconciliationFailures: conf.Risk.MaxReconciliationFailures,
	}, nil, logger.Named("budget"))
	app.Budget.SetObserver(app.Metrics)

	app.Validator = risk.NewValidator(app.Static, app.Market, health, app.Exposure, app.Budget, risk.Limits{
		MinMarginBps:   conf.Risk.MinMarginBps,
		MinTradeValue:  conf.Risk.MinTradeValue,
		MaxSpreadPct:   conf.Risk.MaxSpreadPct,
		MaxImpactBps:   conf.Risk.MaxImpactBps,
		BalanceTimeout: conf.Risk.BalanceTimeout,
	}, logger.Named("risk"))
	app.Validator.SetObserver(app.Metrics)

	app.Broadcaster = events.NewBroadcaster(256)
	audit, err := auditlog.NewWALStore(conf.AuditDir, app.Broadcaster)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}
	app.Audit = audit
	app.closers = append(app.closers, audit.Close)

	journal, err := reconciler.OpenJournal(conf.Reconciler.JournalDir, logger.Named("journal"))
	if err != nil {
		app.Close()
		return nil, errors.Wrap(err, "open imbalance journal")
	}
	app.Journal = journal
	app.closers = append(app.closers, journal.Close)

	app.Ledger = reconciler.NewLedger()
	sinks := events.Fanout{audit, app.Ledger}
	if conf.Redis.Enabled() {
		rdb, err := events.DialRedis(ctx, conf.Redis.Addr, conf.Redis.Password, conf.Redis.DB)
		if err != nil {
			app.Close()
			return nil, errors.Wrap(err, "connect redis")
		}
		app.closers = append(app.closers, rdb.Close)
		sinks = append(sinks, events.NewRedisStream(rdb, conf.Redis.Stream, conf.Redis.MaxLen))
	}
	emitter := emitLogger{sinks: sinks, logger: logger.Named("audit")}

	app.Reconciler = reconciler.New(reconciler.Deps{
		Market:       app.Market,
		Static:       app.Static,
		Guard:        app.Exposure,
		Reservations: app.Validator,
		Budget:       app.Budget,
		Journal:      journal,
		Ledger:       app.Ledger,
		Emitter:      emitter,
		Metrics:      app.Metrics,
		Symbols:      conf.Symbols,
	}, reconciler.Config{
		MaxAttempts: conf.Reconciler.MaxAttempts,
		BaseTimeout: conf.Reconciler.BaseTimeout,
		TimeoutStep: conf.Reconciler.TimeoutStep,
		Backoff:     conf.Reconciler.Backoff,
		Dust:        conf.Reconciler.Dust,
		QuoteDust:   conf.Reconciler.QuoteDust,
		Workers:     conf.Reconciler.Workers,
	}, logger.Named("reconciler"))

	app.Coordinator = executor.New(app.Validator, app.Market, app.Static, app.Reconciler, emitter, logger.Named("executor"),
		executor.WithLegTimeout(conf.Execution.LegTimeout),
		executor.WithMetrics(app.Metrics),
		executor.WithPnL(app.Budget),
	)

	app.Detector = detector.New(app.Market, app.Static, app.Exposure, detector.Config{
		MaxNotional:     conf.Detector.MaxNotional,
		MinNotional:     conf.Detector.MinNotional,
		Ladder:          conf.Detector.Ladder,
		MaxDeviationPct: conf.Detector.MaxDeviationPct,
	}, logger.Named("detector"))

	app.Bot = NewArbitrageBot(app.Detector, app.Coordinator, app.Budget, app.Reconciler, app.Metrics, BotConfig{
		Symbols:       conf.Symbols,
		PollInterval:  conf.Execution.PollInterval,
		CycleDeadline: conf.Execution.CycleDeadline,
		DriftInterval: conf.Reconciler.DriftInterval,
	}, logger.Named("bot"))

	app.Server = web.NewServer(conf.HTTPAddr, web.Backend{
		Audit:      audit,
		Stream:     app.Broadcaster,
		Budget:     app.Budget,
		Exposure:   app.Exposure,
		Health:     health,
		Reconciler: app.Reconciler,
		Metrics:    app.Metrics.Handler(),
	}, logger.Named("web"))

	return app, nil
}

// Start seeds the balance ledger, probes venues and resumes imbalances left
// open by a previous run.
func (a *App) Start(ctx context.Context) error {
	a.Market.Health().Probe(ctx, a.venues, a.probeTimeout(), a.logger)

	if err := a.Ledger.Seed(ctx, a.Market, a.Market.Venues(), a.conf.Symbols); err != nil {
		return errors.Wrap(err, "seed balance ledger")
	}

	if pending := a.Reconciler.Pending(); len(pending) > 0 {
		a.logger.Warn("resuming open imbalances from journal", zap.Int("count", len(pending)))
		if err := a.Reconciler.Recover(ctx); err != nil {
			// affected symbols stay suspended, the rest can trade
			a.logger.Error("journal recovery incomplete", zap.Error(err))
		}
	}
	return nil
}

// Run starts the service and blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Start(gctx)
	})
	g.Go(func() error {
		a.probeHealth(gctx)
		return nil
	})
	g.Go(func() error {
		return a.Reconciler.Run(gctx)
	})
	g.Go(func() error {
		err := a.Bot.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func (a *App) probeHealth(ctx context.Context) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Market.Health().Probe(ctx, a.venues, a.probeTimeout(), a.logger)
		}
	}
}

func (a *App) probeTimeout() time.Duration {
	if a.conf.Detector.FetchTimeout > 0 {
		return a.conf.Detector.FetchTimeout
	}
	return time.Second
}

// Close releases stores and connections in reverse order of creation.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// staticSource finds the order filter source behind a rate limited venue.
func staticSource(ex domain.Exchange) (domain.StaticInfoSource, bool) {
	if l, ok := ex.(*venue.Limited); ok {
		if _, publishes := l.Unwrap().(domain.StaticInfoSource); !publishes {
			return nil, false
		}
		return l, true
	}
	src, ok := ex.(domain.StaticInfoSource)
	return src, ok
}

// emitLogger logs sink failures instead of failing the pipeline stage that emitted.
type emitLogger struct {
	sinks  events.Fanout
	logger *zap.Logger
}

func (e emitLogger) Emit(ctx context.Context, ev domain.Event) error {
	if err := e.sinks.Emit(ctx, ev); err != nil {
		e.logger.Error("audit sink failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return err
	}
	return nil
}
