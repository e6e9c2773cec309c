package projection

import (
	"projector/internal/domain"

	"github.com/google/uuid"
)

// Enhancer stamps commit-scoped fields onto every event of a commit payload
// before dispatch: merged headers, commit id and timestamp, aggregate
// version and the checkpoint token (the commit position). This is the one
// sanctioned mutation of a commit; a non-zero checkpoint token marks an
// event as already enhanced and it is never restamped.
type Enhancer struct {
	upcasters *UpcasterRegistry
}

func NewEnhancer(upcasters *UpcasterRegistry) *Enhancer {
	if upcasters == nil {
		upcasters = NewUpcasterRegistry()
	}
	return &Enhancer{upcasters: upcasters}
}

func (e *Enhancer) Enhance(c *domain.Commit) {
	if c == nil || c.Payload == nil {
		return
	}
	commitID := c.CommitID
	if commitID == "" {
		commitID = uuid.NewString()
		c.CommitID = commitID
	}
	stream := domain.ParseStreamID(c.PartitionID)
	for i, ev := range c.Payload.Events {
		if ev == nil || ev.CheckpointToken != 0 {
			continue
		}
		ev = e.upcasters.Apply(ev)
		c.Payload.Events[i] = ev

		ctxMap := make(map[string]string, len(c.Payload.Headers)+len(ev.Context))
		for k, v := range c.Payload.Headers {
			ctxMap[k] = v
		}
		// event-local headers win over commit-level ones
		for k, v := range ev.Context {
			ctxMap[k] = v
		}
		ev.Context = ctxMap
		ev.AggregateID = stream.Key
		ev.CommitID = commitID
		ev.CommitStamp = c.Timestamp
		ev.Version = c.Payload.AggregateVersion
		ev.CheckpointToken = c.Position
	}
}
