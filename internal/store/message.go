package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents one stored chat message.
type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	Model            *string   `json:"model,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// MessageStore provides operations on the messages table.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append inserts a message at the end of a conversation.
func (s *MessageStore) Append(ctx context.Context, conversationID string, role Role, content string, model *string, promptTokens, completionTokens int) (*Message, error) {
	now := time.Now().UTC()
	msg := &Message{
		ID:               uuid.New().String(),
		ConversationID:   conversationID,
		Role:             role,
		Content:          content,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CreatedAt:        now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, model, prompt_tokens, completion_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Model,
		msg.PromptTokens, msg.CompletionTokens, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListByConversation retrieves all messages of a conversation in order.
func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, model, prompt_tokens, completion_tokens, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteByConversation clears the turn history of a conversation.
func (s *MessageStore) DeleteByConversation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func scanMessage(sc scanner) (*Message, error) {
	var m Message
	var role string
	var model sql.NullString
	var createdAt string

	err := sc.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &model,
		&m.PromptTokens, &m.CompletionTokens, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.Role = Role(role)
	if model.Valid {
		v := model.String
		m.Model = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	return &m, nil
}
