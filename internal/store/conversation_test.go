package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/parleyhq/parley/internal/storage"
)

func openTestDB(t *testing.T) *ConversationStore {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "parley.db")
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewConversationStore(db)
}

func TestConversationCreateAndRename(t *testing.T) {
	ctx := context.Background()
	convs := openTestDB(t)

	persona := "pirate"
	conv, err := convs.Create(ctx, &persona)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if conv.Title != "" {
		t.Fatalf("new conversation title = %q, want empty", conv.Title)
	}

	if err := convs.Rename(ctx, conv.ID, "Sea shanties"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	got, err := convs.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Title != "Sea shanties" {
		t.Fatalf("title = %q, want %q", got.Title, "Sea shanties")
	}
	if got.Persona == nil || *got.Persona != "pirate" {
		t.Fatalf("persona = %v, want pirate", got.Persona)
	}
}

func TestConversationSetTitleIfEmpty(t *testing.T) {
	ctx := context.Background()
	convs := openTestDB(t)

	conv, err := convs.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if err := convs.SetTitleIfEmpty(ctx, conv.ID, "Generated"); err != nil {
		t.Fatalf("set title if empty: %v", err)
	}
	if err := convs.SetTitleIfEmpty(ctx, conv.ID, "Clobbered"); err != nil {
		t.Fatalf("second set title if empty: %v", err)
	}

	got, err := convs.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Title != "Generated" {
		t.Fatalf("title = %q, want first generated title to stick", got.Title)
	}
}

func TestConversationDeleteCascades(t *testing.T) {
	ctx := context.Background()
	convs := openTestDB(t)
	msgs := NewMessageStore(convs.DB())

	conv, err := convs.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := msgs.Append(ctx, conv.ID, RoleUser, "hello", nil, 0, 0); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := convs.Delete(ctx, conv.ID); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}

	if _, err := convs.GetByID(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
	remaining, err := msgs.ListByConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list messages after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected cascade delete of messages, got %d", len(remaining))
	}
}

func TestConversationRenameMissing(t *testing.T) {
	ctx := context.Background()
	convs := openTestDB(t)

	if err := convs.Rename(ctx, "no-such-id", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rename missing = %v, want ErrNotFound", err)
	}
	if err := convs.Delete(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing = %v, want ErrNotFound", err)
	}
}
