// Package commitlog defines the read contract against the durable commit
// log and provides an in-memory implementation for tests and local runs.
// Durable adapters live in the sqlite and postgres subpackages.
package commitlog

import (
	"context"
	"errors"

	"projector/internal/domain"
)

// ErrClosed is returned by reads against a closed log. Pollers treat it as
// a no-op rather than an error.
var ErrClosed = errors.New("commit log closed")

// Log is the read-side contract of the commit log. ReadFrom returns up to
// limit commits with position >= from, in ascending position order.
// Transient gaps (not-yet-visible concurrent writes) are expected; the
// sequencer downstream deals with them.
type Log interface {
	ReadFrom(ctx context.Context, from int64, limit int) ([]domain.Commit, error)
}

// Head optionally exposes the highest appended position, used for lag
// reporting. Adapters that cannot answer cheaply may omit it.
type Head interface {
	Head(ctx context.Context) (int64, error)
}
