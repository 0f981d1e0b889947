// Package web serves the operator surface: status, the audit event stream,
// manual reconciliation and suspension clearing.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/arbiter/internal/domain"
	"github.com/vadiminshakov/arbiter/internal/services/marketdata"
	"github.com/vadiminshakov/arbiter/internal/services/reconciler"
	"github.com/vadiminshakov/arbiter/internal/services/risk"
)

const (
	heartbeatInterval  = 30 * time.Second
	reconcileTimeout   = 2 * time.Minute
	shutdownTimeout    = 5 * time.Second
	readHeaderDeadline = 5 * time.Second
)

type auditReader interface {
	EventsAfter(index uint64) ([]domain.EventRecord, error)
}

type eventSubscriber interface {
	Subscribe() chan domain.EventRecord
	Unsubscribe(ch chan domain.EventRecord)
}

type budgetControl interface {
	Snapshot() risk.BudgetSnapshot
	Trip(reason string)
	Reset()
}

type exposureControl interface {
	Snapshot() []risk.SymbolExposure
	Resume(symbol domain.Symbol) bool
}

type healthReader interface {
	Snapshot() map[domain.VenueID]marketdata.VenueHealth
}

type reconcileTrigger interface {
	ReconcileByID(ctx context.Context, executionID string) (*domain.PositionImbalance, error)
	Pending() []domain.PositionImbalance
}

// Backend is what the server reads and controls. Nil members disable their endpoints.
type Backend struct {
	Audit      auditReader
	Stream     eventSubscriber
	Budget     budgetControl
	Exposure   exposureControl
	Health     healthReader
	Reconciler reconcileTrigger
	Metrics    http.Handler
}

// Server exposes the admin HTTP endpoints and the SSE audit stream.
type Server struct {
	Addr string
	Backend
	logger *zap.Logger
}

// NewServer creates a new admin server instance.
func NewServer(addr string, backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Addr: addr, Backend: backend, logger: logger}
}

// Status is the body of GET /status.
type Status struct {
	Budget     risk.BudgetSnapshot                       `json:"budget"`
	Exposure   []risk.SymbolExposure                     `json:"exposure"`
	Venues     map[domain.VenueID]marketdata.VenueHealth `json:"venues"`
	Imbalances []domain.PositionImbalance                `json:"imbalances"`
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events/stream", s.handleEventStream)
	mux.HandleFunc("POST /reconcile/{id}", s.handleReconcile)
	mux.HandleFunc("POST /symbols/{symbol}/resume", s.handleResume)
	mux.HandleFunc("POST /breaker/halt", s.handleHalt)
	mux.HandleFunc("POST /breaker/reset", s.handleReset)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderDeadline,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("admin server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var st Status
	if s.Budget != nil {
		st.Budget = s.Budget.Snapshot()
	}
	if s.Exposure != nil {
		st.Exposure = s.Exposure.Snapshot()
	}
	if s.Health != nil {
		st.Venues = s.Health.Snapshot()
	}
	if s.Reconciler != nil {
		st.Imbalances = s.Reconciler.Pending()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.Reconciler == nil {
		http.Error(w, "reconciler not configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")

	// the retrigger outlives a dropped client connection
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), reconcileTimeout)
	defer cancel()

	imb, err := s.Reconciler.ReconcileByID(ctx, id)
	switch {
	case errors.Is(err, reconciler.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, reconciler.ErrInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, domain.ErrReconciliationFailure):
		s.logger.Warn("manual reconciliation failed", zap.String("execution_id", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, struct {
			Error     string                    `json:"error"`
			Imbalance *domain.PositionImbalance `json:"imbalance,omitempty"`
		}{Error: err.Error(), Imbalance: imb})
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Info("manual reconciliation finished",
		zap.String("execution_id", id),
		zap.String("status", string(imb.Status)))
	writeJSON(w, http.StatusOK, imb)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.Exposure == nil {
		http.Error(w, "exposure table not configured", http.StatusServiceUnavailable)
		return
	}
	symbol, err := domain.ParseSymbol(r.PathValue("symbol"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resumed := s.Exposure.Resume(symbol)
	s.logger.Info("symbol resume requested", zap.String("symbol", symbol.String()), zap.Bool("was_suspended", resumed))
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol.String(), "resumed": resumed})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if s.Budget == nil {
		http.Error(w, "budget not configured", http.StatusServiceUnavailable)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual halt"
	}
	s.Budget.Trip(reason)
	s.logger.Warn("circuit breaker tripped by operator", zap.String("reason", reason))
	writeJSON(w, http.StatusOK, s.Budget.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if s.Budget == nil {
		http.Error(w, "budget not configured", http.StatusServiceUnavailable)
		return
	}
	s.Budget.Reset()
	s.logger.Info("circuit breaker reset by operator")
	writeJSON(w, http.StatusOK, s.Budget.Snapshot())
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		http.Error(w, "audit log not configured", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// subscribe before the backlog so nothing written in between is lost
	var live chan domain.EventRecord
	if s.Stream != nil {
		live = s.Stream.Subscribe()
		defer s.Stream.Unsubscribe(live)
	}

	lastIndex := parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	backlog, err := s.Audit.EventsAfter(lastIndex)
	if err != nil {
		http.Error(w, "failed to load audit events", http.StatusInternalServerError)
		s.logger.Error("audit stream initial load", zap.Error(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(record domain.EventRecord) error {
		if record.Index <= lastIndex {
			return nil
		}
		payload, err := json.Marshal(record.Event)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "id: %d\n", record.Index)
		fmt.Fprintf(w, "event: %s\n", record.Event.Kind)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		lastIndex = record.Index
		return nil
	}

	for _, record := range backlog {
		if err := send(record); err != nil {
			s.logger.Error("audit stream encode", zap.Error(err))
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case record, ok := <-live:
			if !ok {
				return
			}
			if err := send(record); err != nil {
				s.logger.Error("audit stream encode", zap.Error(err))
			}
		}
	}
}

func parseLastEventID(header, query string) uint64 {
	for _, raw := range []string{header, query} {
		if raw == "" {
			continue
		}
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
