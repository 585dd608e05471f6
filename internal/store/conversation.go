package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Conversation represents a stored conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Persona   *string   `json:"persona,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore provides CRUD operations on the conversations table.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates a new ConversationStore.
func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// DB returns the underlying database connection.
func (s *ConversationStore) DB() *sql.DB {
	return s.db
}

// Create inserts a new conversation with an empty title.
func (s *ConversationStore) Create(ctx context.Context, persona *string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.New().String(),
		Persona:   persona,
		UpdatedAt: now,
		CreatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, persona, updated_at, created_at) VALUES (?, '', ?, ?, ?)`,
		conv.ID, conv.Persona, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// GetByID retrieves a conversation by its ID.
func (s *ConversationStore) GetByID(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, persona, updated_at, created_at FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conv, err
}

// List retrieves all conversations, most recently updated first.
func (s *ConversationStore) List(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, persona, updated_at, created_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Rename updates a conversation's title.
func (s *ConversationStore) Rename(ctx context.Context, id, title string) error {
	return s.setTitle(ctx, id, title)
}

// SetTitleIfEmpty records a generated title only when no title has been set,
// so a user-chosen name is never clobbered by best-effort generation.
func (s *ConversationStore) SetTitleIfEmpty(ctx context.Context, id, title string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND title = ''`,
		title, now, id)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	return nil
}

// Delete removes a conversation and, via foreign keys, its messages and facts.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch bumps updated_at so the conversation sorts to the top of the list.
func (s *ConversationStore) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) setTitle(ctx context.Context, id, title string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, now, id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (*Conversation, error) {
	var c Conversation
	var persona sql.NullString
	var updatedAt, createdAt string

	if err := sc.Scan(&c.ID, &c.Title, &persona, &updatedAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	if persona.Valid {
		v := persona.String
		c.Persona = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		c.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		c.CreatedAt = t
	}
	return &c, nil
}
