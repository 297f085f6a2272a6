package queue

import "sync"

// Snapshot is the persisted queue state: every non-cleaned job plus the
// dead-letter ring.
type Snapshot struct {
	Jobs []Job `json:"jobs"`
	Dead []Job `json:"dead"`
}

// Store persists queue snapshots across restarts. Load returning (nil, nil)
// means no prior state.
type Store interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
}

// MemoryStore keeps the last snapshot in memory; state does not survive a
// process restart. Suitable for tests and single-shot runs.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

func (s *MemoryStore) Save(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	return nil
}
