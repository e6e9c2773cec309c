package domain

import (
	"strings"
	"time"
)

// Commit is one durably appended unit of the log: a strictly increasing
// position plus zero-or-one changeset. Positions are unique but gap-tolerant
// (concurrent writers may leave holes that fill in later, or never).
type Commit struct {
	Position    int64
	PartitionID string
	CommitID    string
	Timestamp   time.Time
	Payload     *Changeset
}

// Empty reports whether the commit carries no events (heartbeat commit).
func (c Commit) Empty() bool {
	return c.Payload == nil || len(c.Payload.Events) == 0
}

// Changeset is the ordered list of domain events produced by a single
// aggregate state transition, plus commit-level headers.
type Changeset struct {
	Events           []*DomainEvent
	Headers          map[string]string
	AggregateVersion int64
}

// DomainEvent is a single state-change fact inside a commit payload.
//
// AggregateID, CommitID, CommitStamp, Version, Context and CheckpointToken
// are stamped exactly once by the enhancer before dispatch; a zero
// CheckpointToken marks an event as not yet enhanced.
type DomainEvent struct {
	Type    string
	Payload []byte

	AggregateID     string
	CommitID        string
	CommitStamp     time.Time
	Version         int64
	Context         map[string]string
	CheckpointToken int64
}

// StreamID identifies the originating stream of a commit: an aggregate type
// plus an instance key. The log encodes it as "type/key" in the commit's
// partition id.
type StreamID struct {
	Type string
	Key  string
}

func (s StreamID) String() string {
	return s.Type + "/" + s.Key
}

// ParseStreamID splits a partition id of the form "type/key". A partition id
// without a separator yields an empty type, which never matches a consumer's
// declared stream types.
func ParseStreamID(partitionID string) StreamID {
	typ, key, ok := strings.Cut(partitionID, "/")
	if !ok {
		return StreamID{Key: partitionID}
	}
	return StreamID{Type: typ, Key: key}
}

// Checkpoint is the durable bookmark of dispatch progress for one consumer.
// Value is the last position dispatched; Current is the last position
// durably applied (nil until the first flush completes). Current never
// exceeds Value.
type Checkpoint struct {
	ID        string
	Value     int64
	Current   *int64
	Slot      string
	Signature string
}

// HandleResult tells the dispatcher what a consumer did with a changeset.
// A nil result means nothing relevant happened.
type HandleResult struct {
	Created bool
}
