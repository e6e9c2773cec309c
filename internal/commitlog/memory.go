package commitlog

import (
	"context"
	"sync"
	"time"

	"projector/internal/domain"

	"github.com/google/uuid"
)

// MemoryLog is an in-memory commit log for tests and local development.
type MemoryLog struct {
	mu      sync.RWMutex
	commits []domain.Commit
	next    int64
	closed  bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{next: 1}
}

// Append adds one commit for the given stream and returns its position.
func (l *MemoryLog) Append(streamID domain.StreamID, changeset *domain.Changeset) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := l.next
	l.next++
	l.commits = append(l.commits, domain.Commit{
		Position:    pos,
		PartitionID: streamID.String(),
		CommitID:    uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Payload:     changeset,
	})
	return pos
}

// Skip burns n positions without appending, leaving a permanent hole. Tests
// use it to model a concurrent writer whose commit never became visible.
func (l *MemoryLog) Skip(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next += n
}

func (l *MemoryLog) ReadFrom(_ context.Context, from int64, limit int) ([]domain.Commit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	var out []domain.Commit
	for _, c := range l.commits {
		if c.Position < from {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) Head(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	if len(l.commits) == 0 {
		return 0, nil
	}
	return l.commits[len(l.commits)-1].Position, nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
