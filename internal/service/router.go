package service

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sirenorder/point-service/internal/event"
	"github.com/sirenorder/point-service/internal/metrics"
)

// HandlerFunc handles one decoded event.
type HandlerFunc func(ctx context.Context, ev event.Event) (Outcome, error)

// On adapts a typed handler to a HandlerFunc.
func On[T event.Event](fn func(ctx context.Context, ev T) (Outcome, error)) HandlerFunc {
	return func(ctx context.Context, ev event.Event) (Outcome, error) {
		typed, ok := ev.(T)
		if !ok {
			var zero T
			return OutcomeFailed, fmt.Errorf("handler for %T received %T", zero, ev)
		}
		return fn(ctx, typed)
	}
}

// Router dispatches events to the handler registered for their type tag.
type Router struct {
	handlers map[string]HandlerFunc
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewRouter(logger *zap.SugaredLogger, m *metrics.Metrics) *Router {
	return &Router{handlers: map[string]HandlerFunc{}, log: logger, metrics: m}
}

// Register binds fn to eventType. Registering a type twice panics.
func (r *Router) Register(eventType string, fn HandlerFunc) {
	if _, exists := r.handlers[eventType]; exists {
		panic(fmt.Sprintf("duplicate handler for event %s", eventType))
	}
	r.handlers[eventType] = fn
}

// unknownTypeLabel is the metrics label of every unregistered tag.
const unknownTypeLabel = "unknown"

// Dispatch runs the handler for ev. Types without a handler are ignored.
func (r *Router) Dispatch(ctx context.Context, ev event.Event) (Outcome, error) {
	fn, ok := r.handlers[ev.Type()]
	if !ok {
		r.log.Debugw("no handler for event", "eventType", ev.Type(), "eventId", ev.ID())
		r.metrics.Event(unknownTypeLabel, string(OutcomeUnhandled))
		return OutcomeUnhandled, nil
	}
	outcome, err := fn(ctx, ev)
	if err != nil {
		outcome = OutcomeFailed
	}
	r.metrics.Event(ev.Type(), string(outcome))
	return outcome, err
}

// Types lists the registered event types in order.
func (r *Router) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
