package outbound

import (
	"fmt"
	"sync"

	"github.com/shilomagen/shula-sub000/internal/fsstore"
)

// CorrelationStore records which native message ID belongs to which
// outbound correlation ID, so later acks and reactions on that message can
// be traced back to the send that asked for consent.
type CorrelationStore interface {
	Put(nativeMessageID, correlationID string) error
	Get(nativeMessageID string) (string, bool)
}

// FileCorrelationStore persists the correlation map as a single JSON file,
// rewritten atomically on every put. Loading is lazy and happens once.
type FileCorrelationStore struct {
	path string

	mu      sync.Mutex
	entries map[string]string
	loaded  bool
}

func NewFileCorrelationStore(path string) *FileCorrelationStore {
	return &FileCorrelationStore{path: path}
}

func (s *FileCorrelationStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	entries := map[string]string{}
	if _, err := fsstore.ReadJSON(s.path, &entries); err != nil {
		return fmt.Errorf("outbound: load correlations: %w", err)
	}
	s.entries = entries
	s.loaded = true
	return nil
}

func (s *FileCorrelationStore) Put(nativeMessageID, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.entries[nativeMessageID] = correlationID
	if err := fsstore.WriteJSONAtomic(s.path, s.entries); err != nil {
		return fmt.Errorf("outbound: persist correlations: %w", err)
	}
	return nil
}

func (s *FileCorrelationStore) Get(nativeMessageID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return "", false
	}
	id, ok := s.entries[nativeMessageID]
	return id, ok
}
