package checkpoint

import (
	"context"
	"sort"
	"sync"

	"projector/internal/domain"
)

// MemoryStore keeps checkpoints in process memory. Suitable for tests; a
// crash loses all progress and every consumer replays from zero.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]domain.Checkpoint
	version int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]domain.Checkpoint)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (domain.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	return cp, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, cp domain.Checkpoint) error {
	if cp.ID == VersionSentinelID {
		return ErrReservedID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[cp.ID] = cloneCheckpoint(cp)
	return nil
}

func (s *MemoryStore) SaveBatch(ctx context.Context, cps []domain.Checkpoint) error {
	for _, cp := range cps {
		if err := s.Save(ctx, cp); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) All(_ context.Context) ([]domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Checkpoint, 0, len(s.byID))
	for _, cp := range s.byID {
		out = append(out, cloneCheckpoint(cp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Version(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == 0 {
		s.version = SchemaVersion
	}
	return nil
}

func cloneCheckpoint(cp domain.Checkpoint) domain.Checkpoint {
	if cp.Current != nil {
		v := *cp.Current
		cp.Current = &v
	}
	return cp
}
