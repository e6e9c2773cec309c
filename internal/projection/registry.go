package projection

import (
	"context"
	"fmt"
	"sync"

	"projector/internal/domain"
)

// Outcome is the explicit result of applying one event to a projection.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeSkipped
	OutcomeFaulted
)

// HandlerFunc applies one enhanced event to a read model.
type HandlerFunc func(ctx context.Context, ev *domain.DomainEvent) (Outcome, error)

// HandlerRegistry maps event type names to handler funcs. It is built once
// at consumer registration time so the hot dispatch path never reflects
// over payload types.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

func (r *HandlerRegistry) Register(eventType string, fn HandlerFunc) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if fn == nil {
		return fmt.Errorf("handler for %q is nil", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[eventType]; ok {
		return fmt.Errorf("handler for %q already registered", eventType)
	}
	r.handlers[eventType] = fn
	return nil
}

func (r *HandlerRegistry) Lookup(eventType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[eventType]
	return fn, ok
}

// UpcastFunc rewrites an event of a superseded schema into its current
// shape. It may return the input unchanged.
type UpcastFunc func(ev *domain.DomainEvent) *domain.DomainEvent

// UpcasterRegistry holds event upcasters as constructed state owned by the
// engine, not process-wide globals. Applied during enhancement.
type UpcasterRegistry struct {
	mu        sync.RWMutex
	upcasters map[string]UpcastFunc
}

// maxUpcastHops bounds chained upcasts (v1 -> v2 -> v3) so a mapping cycle
// cannot hang the enhancement stage.
const maxUpcastHops = 8

func NewUpcasterRegistry() *UpcasterRegistry {
	return &UpcasterRegistry{upcasters: make(map[string]UpcastFunc)}
}

func (r *UpcasterRegistry) Register(eventType string, fn UpcastFunc) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if fn == nil {
		return fmt.Errorf("upcaster for %q is nil", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.upcasters[eventType]; ok {
		return fmt.Errorf("upcaster for %q already registered", eventType)
	}
	r.upcasters[eventType] = fn
	return nil
}

// Apply upcasts ev through registered mappings until none matches.
func (r *UpcasterRegistry) Apply(ev *domain.DomainEvent) *domain.DomainEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 0; i < maxUpcastHops; i++ {
		fn, ok := r.upcasters[ev.Type]
		if !ok {
			return ev
		}
		next := fn(ev)
		if next == nil || next == ev {
			return ev
		}
		ev = next
	}
	return ev
}
