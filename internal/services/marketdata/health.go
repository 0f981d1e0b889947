package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// VenueHealth is the last known connectivity state of a venue.
type VenueHealth struct {
	LastSuccess time.Time `json:"last_success"`
	LastFailure time.Time `json:"last_failure"`
	LastError   string    `json:"last_error,omitempty"`
	Healthy     bool      `json:"healthy"`
}

// HealthMonitor records the outcome of venue calls. A venue is healthy when its
// most recent call succeeded within the staleness window.
type HealthMonitor struct {
	mu     sync.RWMutex
	state  map[domain.VenueID]VenueHealth
	window time.Duration
	now    func() time.Time
}

func NewHealthMonitor(window time.Duration, now func() time.Time) *HealthMonitor {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &HealthMonitor{
		state:  make(map[domain.VenueID]VenueHealth),
		window: window,
		now:    now,
	}
}

func (h *HealthMonitor) RecordSuccess(venue domain.VenueID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state[venue]
	st.LastSuccess = h.now()
	h.state[venue] = st
}

func (h *HealthMonitor) RecordFailure(venue domain.VenueID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state[venue]
	st.LastFailure = h.now()
	if err != nil {
		st.LastError = err.Error()
	}
	h.state[venue] = st
}

// Healthy reports whether venue answered successfully and recently.
func (h *HealthMonitor) Healthy(venue domain.VenueID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthyLocked(h.state[venue])
}

func (h *HealthMonitor) healthyLocked(st VenueHealth) bool {
	if st.LastSuccess.IsZero() || st.LastFailure.After(st.LastSuccess) {
		return false
	}
	return h.now().Sub(st.LastSuccess) <= h.window
}

// Snapshot returns the state of all venues seen so far.
func (h *HealthMonitor) Snapshot() map[domain.VenueID]VenueHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[domain.VenueID]VenueHealth, len(h.state))
	for v, st := range h.state {
		st.Healthy = h.healthyLocked(st)
		out[v] = st
	}
	return out
}

// Probe pings every venue concurrently and records the results.
func (h *HealthMonitor) Probe(ctx context.Context, venues []domain.Exchange, timeout time.Duration, logger *zap.Logger) {
	var wg sync.WaitGroup
	for _, ex := range venues {
		wg.Add(1)
		go func(ex domain.Exchange) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := ex.Ping(pctx); err != nil {
				h.RecordFailure(ex.Venue(), err)
				if logger != nil {
					logger.Warn("venue ping failed", zap.String("venue", string(ex.Venue())), zap.Error(err))
				}
				return
			}
			h.RecordSuccess(ex.Venue())
		}(ex)
	}
	wg.Wait()
}
