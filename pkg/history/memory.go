package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used when no MySQL DSN is
// configured. Conversations do not survive restarts.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message // conversation id -> ordered turns
	feedback      map[string]*Feedback // message id -> feedback
	messageIndex  map[string]bool      // known message ids
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		feedback:      make(map[string]*Feedback),
		messageIndex:  make(map[string]bool),
	}
}

// CreateConversation starts a new session.
func (s *MemoryStore) CreateConversation(_ context.Context, userID string) (*Conversation, error) {
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return conv, nil
}

// GetConversation returns a conversation and its messages.
func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, []Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	msgs := append([]Message(nil), s.messages[id]...)
	copied := *conv
	return &copied, msgs, nil
}

// AppendMessage adds a turn to an existing conversation.
func (s *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	s.messageIndex[msg.ID] = true
	return nil
}

// RecentMessages returns the latest messages, oldest first.
func (s *MemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

// RecordFeedback stores feedback for a known message.
func (s *MemoryStore) RecordFeedback(_ context.Context, fb *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.messageIndex[fb.MessageID] {
		return ErrNotFound
	}
	copied := *fb
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	s.feedback[fb.MessageID] = &copied
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
