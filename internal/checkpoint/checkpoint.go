// Package checkpoint defines the durable checkpoint store contract and an
// in-memory implementation. One record per consumer plus a VERSION sentinel
// tracking the store's own schema version.
package checkpoint

import (
	"context"
	"errors"

	"projector/internal/domain"
)

// SchemaVersion is the checkpoint store layout this code understands. A
// store reporting a higher version blocks startup.
const SchemaVersion = 1

// VersionSentinelID is the reserved checkpoint id holding the store schema
// version. It never corresponds to a consumer.
const VersionSentinelID = "VERSION"

var ErrReservedID = errors.New("checkpoint id is reserved")

// Store persists one checkpoint per consumer. Implementations must make
// Save/SaveBatch atomic per record; callers serialize flushes themselves.
type Store interface {
	Load(ctx context.Context, id string) (domain.Checkpoint, bool, error)
	Save(ctx context.Context, cp domain.Checkpoint) error
	SaveBatch(ctx context.Context, cps []domain.Checkpoint) error
	All(ctx context.Context) ([]domain.Checkpoint, error)

	// Version returns the stored schema version, or 0 when the sentinel is
	// absent (fresh store). Init writes the sentinel for a fresh store.
	Version(ctx context.Context) (int, error)
	Init(ctx context.Context) error
}
