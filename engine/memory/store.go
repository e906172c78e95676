package memory

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrConversationNotFound marks a read on a run id with no persisted state.
	ErrConversationNotFound = errors.New("conversation not found")

	errEmptySummary = errors.New("summarizer returned empty summary")
)

// Store persists ConversationState per run id.
type Store interface {
	// Load returns the state for a run id, or ErrConversationNotFound.
	Load(ctx context.Context, runID string) (*ConversationState, error)
	// Save replaces the state for a run id.
	Save(ctx context.Context, runID string, state *ConversationState) error
	// Delete removes the state for a run id. Deleting a missing id is not an
	// error.
	Delete(ctx context.Context, runID string) error
}

// InMemoryStore keeps conversation state in process. Suited to tests and
// single-node deployments.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string]*ConversationState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]*ConversationState)}
}

func (s *InMemoryStore) Load(_ context.Context, runID string) (*ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[runID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return state.Clone(), nil
}

func (s *InMemoryStore) Save(_ context.Context, runID string, state *ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[runID] = state.Clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, runID)
	return nil
}
