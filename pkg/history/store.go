// Package history persists chat conversations, messages, and answer
// feedback. A MySQL store backs production; an in-memory store serves
// tests and single-node development without a database.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// Conversation is one chat session.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one turn of a conversation. Assistant turns carry the
// citations and confidence of the answer they delivered.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user or assistant
	Content        string    `json:"content"`
	CitationsJSON  string    `json:"citations_json,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Feedback records whether an answer helped.
type Feedback struct {
	MessageID string    `json:"message_id"`
	Helpful   bool      `json:"helpful"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the conversation persistence interface.
type Store interface {
	// CreateConversation starts a new session for an optional user.
	CreateConversation(ctx context.Context, userID string) (*Conversation, error)

	// GetConversation returns a conversation and its messages oldest
	// first, or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, []Message, error)

	// AppendMessage adds a turn to an existing conversation.
	AppendMessage(ctx context.Context, msg *Message) error

	// RecentMessages returns up to limit latest messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// RecordFeedback stores feedback for a message, or ErrNotFound when
	// the message does not exist.
	RecordFeedback(ctx context.Context, fb *Feedback) error

	// Close releases store resources.
	Close() error
}
