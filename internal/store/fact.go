package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FactScope controls how long a remembered fact stays relevant.
type FactScope string

const (
	// ScopeConversation facts only inform the conversation they came from.
	ScopeConversation FactScope = "conversation"
	// ScopePermanent facts inform every future conversation.
	ScopePermanent FactScope = "permanent"
)

// Fact is a user-confirmed memory entry.
type Fact struct {
	ID             string    `json:"id"`
	ConversationID *string   `json:"conversation_id,omitempty"`
	Content        string    `json:"content"`
	Category       string    `json:"category"`
	Scope          FactScope `json:"scope"`
	CreatedAt      time.Time `json:"created_at"`
}

// FactStore provides operations on the facts table.
type FactStore struct {
	db *sql.DB
}

// NewFactStore creates a new FactStore.
func NewFactStore(db *sql.DB) *FactStore {
	return &FactStore{db: db}
}

// Save records a confirmed fact. Permanent facts carry no conversation link
// so deleting the conversation does not delete the memory.
func (s *FactStore) Save(ctx context.Context, conversationID, content, category string, scope FactScope) (*Fact, error) {
	if scope != ScopeConversation && scope != ScopePermanent {
		return nil, fmt.Errorf("invalid fact scope %q", scope)
	}
	now := time.Now().UTC()
	fact := &Fact{
		ID:        uuid.New().String(),
		Content:   content,
		Category:  category,
		Scope:     scope,
		CreatedAt: now,
	}
	if scope == ScopeConversation {
		fact.ConversationID = &conversationID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (id, conversation_id, content, category, scope, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.ConversationID, fact.Content, fact.Category, string(fact.Scope),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert fact: %w", err)
	}
	return fact, nil
}

// ListForConversation returns permanent facts plus facts scoped to the given
// conversation, oldest first.
func (s *FactStore) ListForConversation(ctx context.Context, conversationID string) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, content, category, scope, created_at FROM facts
		 WHERE scope = ? OR conversation_id = ? ORDER BY created_at ASC`,
		string(ScopePermanent), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func scanFact(sc scanner) (*Fact, error) {
	var f Fact
	var convID sql.NullString
	var scope, createdAt string

	if err := sc.Scan(&f.ID, &convID, &f.Content, &f.Category, &scope, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan fact: %w", err)
	}

	if convID.Valid {
		v := convID.String
		f.ConversationID = &v
	}
	f.Scope = FactScope(scope)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		f.CreatedAt = t
	}
	return &f, nil
}
