package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore persists conversations in MySQL.
type MySQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         CHAR(36) PRIMARY KEY,
		user_id    VARCHAR(128),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              CHAR(36) PRIMARY KEY,
		conversation_id CHAR(36) NOT NULL,
		role            VARCHAR(16) NOT NULL,
		content         TEXT NOT NULL,
		citations       JSON NULL,
		confidence      DOUBLE DEFAULT 0,
		created_at      TIMESTAMP(6) DEFAULT CURRENT_TIMESTAMP(6),
		INDEX idx_messages_conversation (conversation_id, created_at),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS feedback (
		message_id CHAR(36) PRIMARY KEY,
		helpful    BOOLEAN NOT NULL,
		comment    TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	)`,
}

// NewMySQLStore connects to MySQL, verifies the connection, and creates
// the schema when missing. The DSN must enable parseTime.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql store requires a DSN")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	store := &MySQLStore{
		db:     db,
		logger: slog.Default().With("component", "history-mysql"),
	}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

// CreateConversation starts a new session.
func (s *MySQLStore) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, user_id, created_at) VALUES (?, ?, ?)",
		conv.ID, nullable(conv.UserID), conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a conversation with all its messages.
func (s *MySQLStore) GetConversation(ctx context.Context, id string) (*Conversation, []Message, error) {
	conv := &Conversation{}
	var userID sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, created_at FROM conversations WHERE id = ?", id,
	).Scan(&conv.ID, &userID, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.UserID = userID.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, COALESCE(citations, ''), confidence, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg := Message{ConversationID: id}
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.CitationsJSON, &msg.Confidence, &msg.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return conv, messages, nil
}

// AppendMessage adds a turn to a conversation.
func (s *MySQLStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("message requires a conversation id")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, citations, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, nullable(msg.CitationsJSON), msg.Confidence, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// RecentMessages returns the latest messages, oldest first.
func (s *MySQLStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, COALESCE(citations, ''), confidence, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg := Message{ConversationID: conversationID}
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.CitationsJSON, &msg.Confidence, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// RecordFeedback upserts feedback for a message.
func (s *MySQLStore) RecordFeedback(ctx context.Context, fb *Feedback) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM messages WHERE id = ?", fb.MessageID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback (message_id, helpful, comment) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE helpful = VALUES(helpful), comment = VALUES(comment)`,
		fb.MessageID, fb.Helpful, nullable(fb.Comment),
	)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}

// Close closes the database pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
