// Package events carries the audit stream of executions, imbalances and
// operator alerts to its sinks.
package events

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/arbiter/internal/domain"
)

// Emitter accepts audit events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, e domain.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e domain.Event) error

func (f EmitterFunc) Emit(ctx context.Context, e domain.Event) error { return f(ctx, e) }

// Fanout delivers every event to all sinks. A failing sink does not stop the others.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, e domain.Event) error {
	var failed []string
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, e); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("emit %s: %s", e.Kind, strings.Join(failed, "; "))
	}
	return nil
}

// Recorder keeps emitted events in memory. Used by the paper trading mode and tests.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *Recorder) Emit(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// OfKind returns the emitted events of kind.
func (r *Recorder) OfKind(kind domain.EventKind) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
