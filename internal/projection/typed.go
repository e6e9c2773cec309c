package projection

import (
	"context"
	"fmt"

	"projector/internal/domain"
)

// TypedProjection is a Consumer built on a HandlerRegistry: each event in a
// changeset is routed to the handler registered for its type. Events with
// no handler are skipped, a faulted outcome stops the consumer.
type TypedProjection struct {
	name        string
	slot        string
	signature   string
	streamTypes []string

	handlers    *HandlerRegistry
	fullProject func(ctx context.Context, stream domain.StreamID) error
}

func NewTypedProjection(name, slot, signature string, streamTypes []string) *TypedProjection {
	return &TypedProjection{
		name:        name,
		slot:        slot,
		signature:   signature,
		streamTypes: streamTypes,
		handlers:    NewHandlerRegistry(),
	}
}

// On registers the handler for one event type.
func (p *TypedProjection) On(eventType string, fn HandlerFunc) error {
	return p.handlers.Register(eventType, fn)
}

// OnFullProject sets the from-scratch rebuild used during catch-up. A
// projection without one cannot be assigned to the catch-up poller.
func (p *TypedProjection) OnFullProject(fn func(ctx context.Context, stream domain.StreamID) error) {
	p.fullProject = fn
}

func (p *TypedProjection) Name() string          { return p.name }
func (p *TypedProjection) Slot() string          { return p.slot }
func (p *TypedProjection) Signature() string     { return p.signature }
func (p *TypedProjection) StreamTypes() []string { return p.streamTypes }

func (p *TypedProjection) Handle(ctx context.Context, position int64, changeset *domain.Changeset, stream domain.StreamID) (*domain.HandleResult, error) {
	if changeset == nil {
		return nil, nil
	}
	applied := 0
	for _, ev := range changeset.Events {
		fn, ok := p.handlers.Lookup(ev.Type)
		if !ok {
			continue
		}
		outcome, err := fn(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("apply %s at %d: %w", ev.Type, position, err)
		}
		switch outcome {
		case OutcomeApplied:
			applied++
		case OutcomeSkipped:
		case OutcomeFaulted:
			return nil, fmt.Errorf("handler for %s reported fault at %d", ev.Type, position)
		default:
			return nil, fmt.Errorf("handler for %s returned unknown outcome %d", ev.Type, outcome)
		}
	}
	if applied == 0 {
		return nil, nil
	}
	return &domain.HandleResult{Created: changeset.AggregateVersion == 1}, nil
}

func (p *TypedProjection) FullProject(ctx context.Context, stream domain.StreamID) error {
	if p.fullProject == nil {
		return fmt.Errorf("projection %s has no full-project implementation", p.name)
	}
	return p.fullProject(ctx, stream)
}
