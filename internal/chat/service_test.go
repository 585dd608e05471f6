package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/store"
)

// scriptedModel streams fixed fragments and answers Generate with a fixed
// title. streamErr, when set, fails the stream after the scripted fragments.
type scriptedModel struct {
	fragments []*schema.Message
	title     string
	streamErr error
}

func (m *scriptedModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if m.title == "" {
		return nil, errors.New("no scripted title")
	}
	return schema.AssistantMessage(m.title, nil), nil
}

func (m *scriptedModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](len(m.fragments) + 1)
	go func() {
		defer sw.Close()
		for _, f := range m.fragments {
			sw.Send(f, nil)
		}
		if m.streamErr != nil {
			sw.Send(nil, m.streamErr)
		}
	}()
	return sr, nil
}

// recordingEmitter collects emitted events for assertions.
type recordingEmitter struct {
	events []protocol.Event
	failAt int // emit index that returns an error; -1 disables
}

func (r *recordingEmitter) Emit(ev protocol.Event) error {
	if r.failAt >= 0 && len(r.events) == r.failAt {
		return io.ErrClosedPipe
	}
	r.events = append(r.events, ev)
	return nil
}

func newTestService(t *testing.T, m model.BaseChatModel) (*Service, *store.ConversationStore) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	convs := store.NewConversationStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(m, convs, store.NewMessageStore(db), store.NewFactStore(db),
		config.ChatConfig{TurnTimeout: 10 * time.Second, TitleTimeout: 5 * time.Second},
		"test-model", logger)
	return svc, convs
}

func TestRunTurnEmitsOrderedSequence(t *testing.T) {
	m := &scriptedModel{
		fragments: []*schema.Message{
			schema.AssistantMessage("Hi", nil),
			{
				Role:    schema.Assistant,
				Content: " there",
				ResponseMeta: &schema.ResponseMeta{
					Usage: &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14},
				},
			},
		},
		title: "Greeting",
	}
	svc, _ := newTestService(t, m)

	em := &recordingEmitter{failAt: -1}
	if err := svc.RunTurn(context.Background(), TurnRequest{Message: "Hello"}, em); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	if len(em.events) != 5 {
		t.Fatalf("got %d events, want status+2 deltas+result+title: %#v", len(em.events), em.events)
	}
	if _, ok := em.events[0].(protocol.Status); !ok {
		t.Fatalf("first event = %#v, want Status", em.events[0])
	}
	d1, ok1 := em.events[1].(protocol.Delta)
	d2, ok2 := em.events[2].(protocol.Delta)
	if !ok1 || !ok2 || d1.Text != "Hi" || d2.Text != " there" {
		t.Fatalf("deltas = %#v, %#v", em.events[1], em.events[2])
	}
	res, ok := em.events[3].(protocol.Result)
	if !ok {
		t.Fatalf("terminal event = %#v, want Result", em.events[3])
	}
	if res.Answer != "Hi there" {
		t.Fatalf("answer = %q, want %q", res.Answer, "Hi there")
	}
	if res.ConversationID == "" {
		t.Fatalf("result carries no conversation id")
	}
	if res.Usage == nil || res.Usage.TotalTokens != 14 {
		t.Fatalf("usage = %#v", res.Usage)
	}
	title, ok := em.events[4].(protocol.Title)
	if !ok || title.Title != "Greeting" {
		t.Fatalf("title event = %#v", em.events[4])
	}
}

func TestRunTurnPersistsExchange(t *testing.T) {
	m := &scriptedModel{
		fragments: []*schema.Message{schema.AssistantMessage("42", nil)},
		title:     "Answer",
	}
	svc, convs := newTestService(t, m)

	em := &recordingEmitter{failAt: -1}
	if err := svc.RunTurn(context.Background(), TurnRequest{Message: "meaning of life?"}, em); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	var convID string
	for _, ev := range em.events {
		if res, ok := ev.(protocol.Result); ok {
			convID = res.ConversationID
		}
	}

	msgs, err := store.NewMessageStore(convs.DB()).ListByConversation(context.Background(), convID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want user+assistant", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Fatalf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "42" {
		t.Fatalf("assistant content = %q", msgs[1].Content)
	}

	conv, err := convs.GetByID(context.Background(), convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Title != "Answer" {
		t.Fatalf("generated title = %q", conv.Title)
	}
}

func TestRunTurnModelFailureEmitsTerminalError(t *testing.T) {
	m := &scriptedModel{
		fragments: []*schema.Message{schema.AssistantMessage("par", nil)},
		streamErr: errors.New("upstream quota exceeded"),
	}
	svc, _ := newTestService(t, m)

	em := &recordingEmitter{failAt: -1}
	if err := svc.RunTurn(context.Background(), TurnRequest{Message: "hi"}, em); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	last := em.events[len(em.events)-1]
	if _, ok := last.(protocol.Error); !ok {
		t.Fatalf("last event = %#v, want Error", last)
	}
	// No title may follow a terminal error.
	for _, ev := range em.events {
		if _, ok := ev.(protocol.Title); ok {
			t.Fatalf("title emitted after failed turn")
		}
	}
}

func TestRunTurnRememberIntentEmitsProposal(t *testing.T) {
	m := &scriptedModel{
		fragments: []*schema.Message{schema.AssistantMessage("Noted.", nil)},
		title:     "Memory",
	}
	svc, _ := newTestService(t, m)

	em := &recordingEmitter{failAt: -1}
	err := svc.RunTurn(context.Background(), TurnRequest{Message: "Please remember that I like green tea"}, em)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}

	var proposal *protocol.ToolExecuted
	for _, ev := range em.events {
		if te, ok := ev.(protocol.ToolExecuted); ok {
			proposal = &te
		}
	}
	if proposal == nil {
		t.Fatalf("no tool_executed event emitted: %#v", em.events)
	}
	if proposal.Tool != protocol.ToolProposeToRemember {
		t.Fatalf("tool = %q", proposal.Tool)
	}
	if proposal.Fact != "I like green tea" || proposal.Category != "preference" {
		t.Fatalf("proposal = %#v", proposal)
	}
}

func TestRunTurnDeadClientStopsWithoutErrorEvent(t *testing.T) {
	m := &scriptedModel{
		fragments: []*schema.Message{
			schema.AssistantMessage("a", nil),
			schema.AssistantMessage("b", nil),
		},
	}
	svc, _ := newTestService(t, m)

	em := &recordingEmitter{failAt: 2} // status + first delta succeed
	err := svc.RunTurn(context.Background(), TurnRequest{Message: "hi"}, em)
	if err == nil {
		t.Fatalf("expected write failure to propagate")
	}
	for _, ev := range em.events {
		if _, ok := ev.(protocol.Error); ok {
			t.Fatalf("error event emitted to a dead connection")
		}
	}
}

func TestResetClearsHistory(t *testing.T) {
	m := &scriptedModel{
		fragments: []*schema.Message{schema.AssistantMessage("ok", nil)},
		title:     "T",
	}
	svc, convs := newTestService(t, m)
	ctx := context.Background()

	em := &recordingEmitter{failAt: -1}
	if err := svc.RunTurn(ctx, TurnRequest{Message: "hello"}, em); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	var convID string
	for _, ev := range em.events {
		if res, ok := ev.(protocol.Result); ok {
			convID = res.ConversationID
		}
	}

	if err := svc.Reset(ctx, convID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	msgs, err := store.NewMessageStore(convs.DB()).ListByConversation(ctx, convID)
	if err != nil {
		t.Fatalf("list after reset: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("history not cleared, %d messages remain", len(msgs))
	}

	if err := svc.Reset(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("reset missing = %v, want ErrNotFound", err)
	}
}
