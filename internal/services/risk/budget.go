package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// BudgetConfig sets the global limits enforced by the BudgetTracker.
type BudgetConfig struct {
	Total                     decimal.Decimal
	MaxDailyLoss              decimal.Decimal
	MinTradeValue             decimal.Decimal
	MaxReconciliationFailures int
}

// BudgetSnapshot is the state reported on the admin surface.
type BudgetSnapshot struct {
	Total                  decimal.Decimal            `json:"total"`
	Allocated              decimal.Decimal            `json:"allocated"`
	Available              decimal.Decimal            `json:"available"`
	Positions              map[string]decimal.Decimal `json:"positions"`
	DailyPnL               decimal.Decimal            `json:"daily_pnl"`
	ReconciliationFailures int                        `json:"reconciliation_failures"`
	Halted                 bool                       `json:"halted"`
	HaltReason             string                     `json:"halt_reason,omitempty"`
	Day                    string                     `json:"day"`
}

// BreakerObserver is notified when the circuit breaker changes state.
type BreakerObserver interface {
	BreakerChanged(open bool)
}

// BudgetTracker owns the RiskBudget, daily P&L and the circuit breaker.
type BudgetTracker struct {
	mu       sync.Mutex
	budget   domain.RiskBudget
	cfg      BudgetConfig
	dailyPnL decimal.Decimal
	failures int
	day      string
	tripped  string
	manual   bool
	now      func() time.Time
	logger   *zap.Logger
	observer BreakerObserver
}

func NewBudgetTracker(cfg BudgetConfig, now func() time.Time, logger *zap.Logger) *BudgetTracker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BudgetTracker{
		budget: domain.NewRiskBudget(cfg.Total),
		cfg:    cfg,
		now:    now,
		day:    dayOf(now()),
		logger: logger,
	}
}

// SetObserver registers a breaker observer, typically metrics.
func (b *BudgetTracker) SetObserver(o BreakerObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Allocate reserves notional for id.
func (b *BudgetTracker) Allocate(id string, notional decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.budget.Allocate(id, notional); err != nil {
		return &domain.RiskLimitError{Check: domain.CheckBudget, Detail: err.Error()}
	}
	return nil
}

// Shrink lowers the allocation of id to keep.
func (b *BudgetTracker) Shrink(id string, keep decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.budget.Shrink(id, keep)
}

// Release frees the allocation of id.
func (b *BudgetTracker) Release(id string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.budget.Release(id)
}

// Available returns the unallocated budget.
func (b *BudgetTracker) Available() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.budget.Available()
}

// RecordPnL adds realized profit or loss to the daily total and trips the
// breaker once the loss reaches the daily limit.
func (b *BudgetTracker) RecordPnL(realized decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailyPnL = b.dailyPnL.Add(realized)
	if b.cfg.MaxDailyLoss.IsPositive() && b.dailyPnL.Neg().GreaterThanOrEqual(b.cfg.MaxDailyLoss) {
		b.tripLocked("daily loss " + b.dailyPnL.Neg().String() + " reached limit " + b.cfg.MaxDailyLoss.String())
	}
}

// RecordReconciliationFailure counts a failed reconciliation toward the breaker.
func (b *BudgetTracker) RecordReconciliationFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.cfg.MaxReconciliationFailures > 0 && b.failures >= b.cfg.MaxReconciliationFailures {
		b.tripLocked("reconciliation failures reached limit")
	}
}

// Trip opens the breaker manually. Manual trips survive the daily reset.
func (b *BudgetTracker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manual = true
	b.tripLocked(reason)
}

// Reset closes the breaker, including a manual trip.
func (b *BudgetTracker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manual = false
	b.failures = 0
	b.clearLocked()
}

// ResetIfNewDay clears daily P&L, failure count and an automatic trip when the
// UTC day changed. It reports whether a reset happened.
func (b *BudgetTracker) ResetIfNewDay(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	today := dayOf(now)
	if today == b.day {
		return false
	}
	b.day = today
	b.dailyPnL = decimal.Zero
	b.failures = 0
	if !b.manual {
		b.clearLocked()
	}
	b.logger.Info("risk budget daily reset", zap.String("day", today))
	return true
}

// Halted reports whether trading must stop globally and why.
func (b *BudgetTracker) Halted() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.haltedLocked()
}

func (b *BudgetTracker) haltedLocked() (bool, string) {
	if b.tripped != "" {
		return true, b.tripped
	}
	if b.cfg.MinTradeValue.IsPositive() && b.budget.Available().LessThan(b.cfg.MinTradeValue) {
		return true, "budget exhausted: available " + b.budget.Available().String()
	}
	return false, ""
}

func (b *BudgetTracker) tripLocked(reason string) {
	if b.tripped != "" {
		return
	}
	b.tripped = reason
	b.logger.Error("circuit breaker tripped", zap.String("reason", reason))
	if b.observer != nil {
		b.observer.BreakerChanged(true)
	}
}

func (b *BudgetTracker) clearLocked() {
	if b.tripped == "" {
		return
	}
	b.tripped = ""
	b.logger.Info("circuit breaker reset")
	if b.observer != nil {
		b.observer.BreakerChanged(false)
	}
}

func (b *BudgetTracker) Snapshot() BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	halted, reason := b.haltedLocked()
	return BudgetSnapshot{
		Total:                  b.budget.Total,
		Allocated:              b.budget.Allocated(),
		Available:              b.budget.Available(),
		Positions:              b.budget.Positions(),
		DailyPnL:               b.dailyPnL,
		ReconciliationFailures: b.failures,
		Halted:                 halted,
		HaltReason:             reason,
		Day:                    b.day,
	}
}
