package projection

import (
	"testing"
	"time"

	"projector/internal/domain"
)

func TestEnhancerStampsCommitFields(t *testing.T) {
	stamp := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := &domain.Commit{
		Position:    42,
		PartitionID: "order/1",
		CommitID:    "commit-1",
		Timestamp:   stamp,
		Payload: &domain.Changeset{
			AggregateVersion: 3,
			Headers:          map[string]string{"tenant": "acme", "source": "api"},
			Events: []*domain.DomainEvent{
				{Type: "OrderShipped", Payload: []byte(`{}`), Context: map[string]string{"source": "import"}},
			},
		},
	}

	NewEnhancer(nil).Enhance(c)

	ev := c.Payload.Events[0]
	if ev.CheckpointToken != 42 {
		t.Fatalf("checkpoint token = %d", ev.CheckpointToken)
	}
	if ev.AggregateID != "1" || ev.CommitID != "commit-1" || ev.Version != 3 {
		t.Fatalf("commit fields not stamped: %+v", ev)
	}
	if !ev.CommitStamp.Equal(stamp) {
		t.Fatalf("commit stamp = %v", ev.CommitStamp)
	}
	if ev.Context["tenant"] != "acme" {
		t.Fatalf("commit header not merged: %v", ev.Context)
	}
	// an event-local value shadows the commit-level one
	if ev.Context["source"] != "import" {
		t.Fatalf("event context overwritten: %v", ev.Context)
	}
}

func TestEnhancerIsIdempotent(t *testing.T) {
	c := &domain.Commit{
		Position:    7,
		PartitionID: "order/1",
		Payload: &domain.Changeset{
			Headers: map[string]string{"a": "1"},
			Events:  []*domain.DomainEvent{{Type: "OrderPlaced", Payload: []byte(`{}`)}},
		},
	}
	e := NewEnhancer(nil)
	e.Enhance(c)

	ev := c.Payload.Events[0]
	firstCommitID := ev.CommitID
	ev.Context["a"] = "mutated-downstream"

	e.Enhance(c)
	if ev.CommitID != firstCommitID {
		t.Fatal("commit id restamped on second pass")
	}
	if ev.Context["a"] != "mutated-downstream" {
		t.Fatal("already-enhanced event was rebuilt")
	}
}

func TestEnhancerGeneratesCommitIDWhenMissing(t *testing.T) {
	c := &domain.Commit{
		Position:    1,
		PartitionID: "order/1",
		Payload: &domain.Changeset{
			Events: []*domain.DomainEvent{
				{Type: "OrderPlaced", Payload: []byte(`{}`)},
				{Type: "OrderPaid", Payload: []byte(`{}`)},
			},
		},
	}
	NewEnhancer(nil).Enhance(c)

	if c.CommitID == "" {
		t.Fatal("missing commit id not generated")
	}
	evs := c.Payload.Events
	if evs[0].CommitID != c.CommitID || evs[1].CommitID != c.CommitID {
		t.Fatalf("events disagree on commit id: %q vs %q", evs[0].CommitID, evs[1].CommitID)
	}
}

func TestEnhancerAppliesUpcastersBeforeStamping(t *testing.T) {
	ups := NewUpcasterRegistry()
	err := ups.Register("OrderPlacedV1", func(ev *domain.DomainEvent) *domain.DomainEvent {
		return &domain.DomainEvent{Type: "OrderPlacedV2", Payload: ev.Payload, Context: ev.Context}
	})
	if err != nil {
		t.Fatal(err)
	}

	c := &domain.Commit{
		Position:    5,
		PartitionID: "order/9",
		Payload: &domain.Changeset{
			Events: []*domain.DomainEvent{{Type: "OrderPlacedV1", Payload: []byte(`{}`)}},
		},
	}
	NewEnhancer(ups).Enhance(c)

	ev := c.Payload.Events[0]
	if ev.Type != "OrderPlacedV2" {
		t.Fatalf("event not upcast: %s", ev.Type)
	}
	if ev.CheckpointToken != 5 || ev.AggregateID != "9" {
		t.Fatalf("upcast result not stamped: %+v", ev)
	}
}

func TestEnhancerIgnoresHeartbeats(t *testing.T) {
	e := NewEnhancer(nil)
	e.Enhance(nil)
	e.Enhance(&domain.Commit{Position: 1, PartitionID: "system/heartbeat"})
}

func TestUpcasterRegistryChainsAndStops(t *testing.T) {
	ups := NewUpcasterRegistry()
	if err := ups.Register("v1", func(ev *domain.DomainEvent) *domain.DomainEvent {
		return &domain.DomainEvent{Type: "v2", Payload: ev.Payload}
	}); err != nil {
		t.Fatal(err)
	}
	if err := ups.Register("v2", func(ev *domain.DomainEvent) *domain.DomainEvent {
		return &domain.DomainEvent{Type: "v3", Payload: ev.Payload}
	}); err != nil {
		t.Fatal(err)
	}

	out := ups.Apply(&domain.DomainEvent{Type: "v1"})
	if out.Type != "v3" {
		t.Fatalf("chained upcast ended at %s", out.Type)
	}
}

func TestUpcasterRegistryCycleIsBounded(t *testing.T) {
	ups := NewUpcasterRegistry()
	if err := ups.Register("ping", func(ev *domain.DomainEvent) *domain.DomainEvent {
		return &domain.DomainEvent{Type: "pong"}
	}); err != nil {
		t.Fatal(err)
	}
	if err := ups.Register("pong", func(ev *domain.DomainEvent) *domain.DomainEvent {
		return &domain.DomainEvent{Type: "ping"}
	}); err != nil {
		t.Fatal(err)
	}

	// must terminate; which side of the cycle it lands on is unspecified
	out := ups.Apply(&domain.DomainEvent{Type: "ping"})
	if out.Type != "ping" && out.Type != "pong" {
		t.Fatalf("unexpected type %s", out.Type)
	}
}

func TestUpcasterRegistryRejectsDuplicates(t *testing.T) {
	ups := NewUpcasterRegistry()
	id := func(ev *domain.DomainEvent) *domain.DomainEvent { return ev }
	if err := ups.Register("v1", id); err != nil {
		t.Fatal(err)
	}
	if err := ups.Register("v1", id); err == nil {
		t.Fatal("duplicate upcaster accepted")
	}
	if err := ups.Register("", id); err == nil {
		t.Fatal("empty event type accepted")
	}
}
