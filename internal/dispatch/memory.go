package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanshi/internal/model"
)

// MemoryMessages is an in-process MessageStore.
type MemoryMessages struct {
	mu       sync.RWMutex
	messages []model.Message
}

// NewMemoryMessages creates an empty store.
func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{}
}

// SaveMessage appends m.
func (s *MemoryMessages) SaveMessage(_ context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

// LoadHistory returns the last limit messages matching key, oldest first.
func (s *MemoryMessages) LoadHistory(_ context.Context, key model.ConversationKey, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.UserID != key.UserID || !m.Involves(key.AgentID) {
			continue
		}
		if key.TurnID != uuid.Nil && m.TurnID != key.TurnID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// All returns a copy of every stored message in insertion order.
func (s *MemoryMessages) All() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), s.messages...)
}
