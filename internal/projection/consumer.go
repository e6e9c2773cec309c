// Package projection implements the commit-poller, dispatch fan-out and
// checkpoint-tracking core of the projection engine.
package projection

import (
	"context"

	"projector/internal/domain"
)

// Consumer is one read-model projector fed by the dispatch pipeline.
//
// Handle processes a single changeset and returns what it did, or nil when
// nothing relevant happened; returning an error permanently faults the
// consumer for this process lifetime. FullProject rebuilds one stream's
// projection from scratch and is only used by the catch-up poller.
type Consumer interface {
	Name() string
	Slot() string
	Signature() string
	StreamTypes() []string

	Handle(ctx context.Context, position int64, changeset *domain.Changeset, stream domain.StreamID) (*domain.HandleResult, error)
	FullProject(ctx context.Context, stream domain.StreamID) error
}

// Registration binds a consumer to its checkpoint identity and poller
// assignment. Built once at setup and immutable thereafter.
type Registration struct {
	Name        string
	Slot        string
	Signature   string
	StreamTypes []string
	PollerID    int
}

// Poller ids. The steady-state poller feeds consumers near the log head;
// the catch-up poller replays history for far-behind consumers.
const (
	SteadyPollerID  = 0
	CatchupPollerID = 1
)

func registrationFor(c Consumer, pollerID int) Registration {
	return Registration{
		Name:        c.Name(),
		Slot:        c.Slot(),
		Signature:   c.Signature(),
		StreamTypes: c.StreamTypes(),
		PollerID:    pollerID,
	}
}

func interestedIn(types []string, stream domain.StreamID) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == stream.Type {
			return true
		}
	}
	return false
}
