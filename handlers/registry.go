// Package handlers routes validated world events to the handler that owns
// their type, and provides the built-in world mutation handlers.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/trickstertwo/xworld"
	"github.com/trickstertwo/xworld/world"
)

var (
	ErrDuplicateHandler = errors.New("handlers: event type already registered")
	ErrInvalidHandler   = errors.New("handlers: handler must be non-nil with a non-empty type")
)

// Registry maps event types to exactly one handler. Unknown types are not
// an error: Dispatch reports matched=false.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]xworld.Handler
}

var _ xworld.Dispatcher = (*Registry)(nil)

// NewRegistry returns a registry holding hs. It panics on a duplicate type,
// which is a wiring mistake.
func NewRegistry(hs ...xworld.Handler) *Registry {
	r := &Registry{handlers: make(map[string]xworld.Handler)}
	for _, h := range hs {
		r.MustRegister(h)
	}
	return r
}

func (r *Registry) Register(h xworld.Handler) error {
	if h == nil || h.Type() == "" {
		return ErrInvalidHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Type()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

func (r *Registry) MustRegister(h xworld.Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for an event type.
func (r *Registry) Lookup(eventType string) (xworld.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch invokes the handler registered for env.Type. A handler panic is
// returned as an error wrapping xworld.ErrHandlerPanic.
func (r *Registry) Dispatch(ctx context.Context, env *xworld.WorldEventEnvelope) (outcome xworld.Outcome, matched bool, err error) {
	if env == nil {
		return "", false, xworld.ErrNilEnvelope
	}
	h, ok := r.Lookup(env.Type)
	if !ok {
		return "", false, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			outcome, matched = xworld.OutcomeError, true
			err = fmt.Errorf("%w: %s: %v", xworld.ErrHandlerPanic, env.Type, rec)
		}
	}()
	outcome, err = h.Handle(ctx, env)
	return outcome, true, err
}

// Defaults returns the built-in handlers wired to the given stores.
func Defaults(exits world.ExitRepository, layers world.LayerRepository, q xworld.Quarantine) []xworld.Handler {
	return []xworld.Handler{
		NewExitCreateHandler(exits, q),
		NewLocationFireHandler(layers, q),
		NewNPCTickHandler(q),
	}
}
