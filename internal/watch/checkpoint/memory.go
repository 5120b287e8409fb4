package checkpoint

import (
	"context"
	"sync"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

// MemoryStore keeps checkpoints in process memory. Intended for tests and
// local development; all checkpoints are lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]changestream.ResumeToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]changestream.ResumeToken)}
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, key string) (changestream.ResumeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[key]
	if !ok || len(token) == 0 {
		return nil, nil
	}

	copied := make(changestream.ResumeToken, len(token))
	copy(copied, token)
	return copied, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, key string, token changestream.ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(changestream.ResumeToken, len(token))
	copy(copied, token)
	s.tokens[key] = copied
	return nil
}

// Clear removes all checkpoints.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]changestream.ResumeToken)
}

// Delete removes a single checkpoint.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}
