package risk

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

type symbolState struct {
	mu           sync.Mutex
	reservations map[string]decimal.Decimal
	exposure     decimal.Decimal
	holds        map[string]struct{}
	suspended    string
}

// SymbolExposure is a point in time view of one symbol.
type SymbolExposure struct {
	Symbol     domain.Symbol   `json:"symbol"`
	Exposure   decimal.Decimal `json:"exposure"`
	Holds      []string        `json:"holds,omitempty"`
	Suspended  bool            `json:"suspended"`
	SuspendMsg string          `json:"suspend_reason,omitempty"`
}

// ExposureTable is the per-symbol position table. Each symbol has its own lock so
// checks on unrelated symbols never contend.
type ExposureTable struct {
	mu      sync.RWMutex
	symbols map[domain.Symbol]*symbolState
	limit   decimal.Decimal
}

func NewExposureTable(perSymbolLimit decimal.Decimal) *ExposureTable {
	return &ExposureTable{
		symbols: make(map[domain.Symbol]*symbolState),
		limit:   perSymbolLimit,
	}
}

func (t *ExposureTable) state(symbol domain.Symbol) *symbolState {
	t.mu.RLock()
	st, ok := t.symbols[symbol]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{
		reservations: make(map[string]decimal.Decimal),
		holds:        make(map[string]struct{}),
	}
	t.symbols[symbol] = st
	return st
}

// Limit returns the per-symbol notional limit.
func (t *ExposureTable) Limit() decimal.Decimal {
	return t.limit
}

// Reserve adds notional under id if the symbol stays within its limit.
// It returns the exposure before the reservation.
func (t *ExposureTable) Reserve(symbol domain.Symbol, id string, notional decimal.Decimal) (decimal.Decimal, error) {
	st := t.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	current := st.exposure
	if _, dup := st.reservations[id]; dup {
		return current, &domain.RiskLimitError{Check: domain.CheckExposure, Detail: "duplicate reservation " + id}
	}
	if current.Add(notional).GreaterThan(t.limit) {
		return current, &domain.RiskLimitError{
			Check:  domain.CheckExposure,
			Detail: "exposure " + current.String() + " + " + notional.String() + " exceeds limit " + t.limit.String(),
		}
	}
	st.reservations[id] = notional
	st.exposure = current.Add(notional)
	return current, nil
}

// Settle replaces the reservation under id with keep, the notional still at risk.
// A zero keep drops the reservation.
func (t *ExposureTable) Settle(symbol domain.Symbol, id string, keep decimal.Decimal) {
	st := t.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	prev, ok := st.reservations[id]
	if !ok {
		return
	}
	st.exposure = st.exposure.Sub(prev)
	if keep.IsPositive() {
		st.reservations[id] = keep
		st.exposure = st.exposure.Add(keep)
		return
	}
	delete(st.reservations, id)
}

// Release drops the reservation under id.
func (t *ExposureTable) Release(symbol domain.Symbol, id string) {
	t.Settle(symbol, id, decimal.Zero)
}

// Exposure returns the reserved notional of symbol.
func (t *ExposureTable) Exposure(symbol domain.Symbol) decimal.Decimal {
	st := t.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exposure
}

// Hold marks symbol as having an open imbalance owned by holder.
func (t *ExposureTable) Hold(symbol domain.Symbol, holder string) {
	st := t.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.holds[holder] = struct{}{}
}

// ReleaseHold removes the advisory hold of holder.
func (t *ExposureTable) ReleaseHold(symbol domain.Symbol, holder string) {
	st := t.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.holds, holder)
}

// Suspend stops all automated trading on symbol until Resume.
func (t *ExposureTable) Suspend(symbol domain.Symbol, reason string) {
	st := t.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if reason == "" {
		reason = "suspended"
	}
	st.suspended = reason
}

// Resume clears a suspension. It reports whether the symbol was suspended.
func (t *ExposureTable) Resume(symbol domain.Symbol) bool {
	st := t.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	was := st.suspended != ""
	st.suspended = ""
	return was
}

// Suspended reports whether symbol is suspended.
func (t *ExposureTable) Suspended(symbol domain.Symbol) bool {
	st := t.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.suspended != ""
}

// Blocked reports whether symbol is held by an open imbalance or suspended.
func (t *ExposureTable) Blocked(symbol domain.Symbol) bool {
	st := t.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.suspended != "" || len(st.holds) > 0
}

// Snapshot returns all known symbols sorted by name.
func (t *ExposureTable) Snapshot() []SymbolExposure {
	t.mu.RLock()
	symbols := make([]domain.Symbol, 0, len(t.symbols))
	for s := range t.symbols {
		symbols = append(symbols, s)
	}
	t.mu.RUnlock()
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].String() < symbols[j].String() })

	out := make([]SymbolExposure, 0, len(symbols))
	for _, s := range symbols {
		st := t.state(s)
		st.mu.Lock()
		view := SymbolExposure{
			Symbol:     s,
			Exposure:   st.exposure,
			Suspended:  st.suspended != "",
			SuspendMsg: st.suspended,
		}
		for h := range st.holds {
			view.Holds = append(view.Holds, h)
		}
		st.mu.Unlock()
		sort.Strings(view.Holds)
		out = append(out, view)
	}
	return out
}
