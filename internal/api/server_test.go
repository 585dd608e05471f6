package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/store"
)

// cannedModel streams fixed fragments; Generate answers with a fixed title.
type cannedModel struct {
	fragments []string
	title     string
}

func (m *cannedModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(m.title, nil), nil
}

func (m *cannedModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](len(m.fragments))
	go func() {
		defer sw.Close()
		for _, f := range m.fragments {
			sw.Send(schema.AssistantMessage(f, nil), nil)
		}
	}()
	return sr, nil
}

func newTestServer(t *testing.T, enforce bool) (*Server, http.Handler) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	convs := store.NewConversationStore(db)
	msgs := store.NewMessageStore(db)
	facts := store.NewFactStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := &cannedModel{fragments: []string{"Hello", " world"}, title: "Greeting"}
	svc := chat.NewService(m, convs, msgs, facts,
		config.ChatConfig{TurnTimeout: 10 * time.Second, TitleTimeout: 5 * time.Second},
		"test-model", logger)

	srv := New(Config{
		Listen:         "127.0.0.1:0",
		CSRFEnforce:    enforce,
		StreamPadBytes: 2048,
		Provider:       "anthropic",
	}, convs, msgs, facts, svc, logger)

	return srv, srv.setupRoutes()
}

func postJSON(t *testing.T, h http.Handler, path string, body any, mut ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	for _, f := range mut {
		f(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCSRFGuardRejectsWithoutToken(t *testing.T) {
	_, h := newTestServer(t, true)

	rec := postJSON(t, h, "/v1/estimate", EstimateRequest{Message: "hi"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body: %v", err)
	}
	if resp.Error == "" {
		t.Fatalf("empty error message")
	}
}

func TestCSRFTokenFlowAndReuse(t *testing.T) {
	_, h := newTestServer(t, true)

	// First fetch establishes the session and mints a token.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/csrf", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf status = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	var session *http.Cookie
	for _, c := range cookies {
		if c.Name == sessionCookie {
			session = c
		}
	}
	if session == nil {
		t.Fatalf("no session cookie set")
	}
	var tok CSRFTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil || tok.Token == "" {
		t.Fatalf("token response: %v %q", err, tok.Token)
	}

	// Same session gets the same token back.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/v1/csrf", nil)
	req2.AddCookie(session)
	h.ServeHTTP(rec2, req2)
	var tok2 CSRFTokenResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &tok2); err != nil {
		t.Fatalf("second token response: %v", err)
	}
	if tok2.Token != tok.Token {
		t.Fatalf("token changed between fetches")
	}

	// The token unlocks mutating endpoints.
	rec3 := postJSON(t, h, "/v1/estimate", EstimateRequest{Message: "hi"}, func(r *http.Request) {
		r.AddCookie(session)
		r.Header.Set(protocol.CSRFHeader, tok.Token)
	})
	if rec3.Code != http.StatusOK {
		t.Fatalf("estimate with token = %d: %s", rec3.Code, rec3.Body.String())
	}

	// A wrong token does not.
	rec4 := postJSON(t, h, "/v1/estimate", EstimateRequest{Message: "hi"}, func(r *http.Request) {
		r.AddCookie(session)
		r.Header.Set(protocol.CSRFHeader, "bogus")
	})
	if rec4.Code != http.StatusForbidden {
		t.Fatalf("estimate with bogus token = %d", rec4.Code)
	}
}

func TestCSRFGuardDisabledPassesThrough(t *testing.T) {
	_, h := newTestServer(t, false)

	rec := postJSON(t, h, "/v1/estimate", EstimateRequest{Message: "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with enforcement off", rec.Code)
	}
}

func TestChatEndpointStreamsNDJSON(t *testing.T) {
	_, h := newTestServer(t, false)

	rec := postJSON(t, h, "/v1/chat", ChatRequest{Message: "Say hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != protocol.ContentType {
		t.Fatalf("content type = %q", got)
	}

	var dec protocol.LineDecoder
	cls := protocol.NewClassifier(nil)
	var events []protocol.Event
	for _, line := range dec.Feed(rec.Body.Bytes()) {
		if ev, ok := cls.Classify(line); ok {
			events = append(events, ev)
		}
	}

	if len(events) < 3 {
		t.Fatalf("got %d events: %#v", len(events), events)
	}
	if _, ok := events[0].(protocol.Status); !ok {
		t.Fatalf("first event = %#v, want Status", events[0])
	}

	var answer string
	var result *protocol.Result
	for _, ev := range events {
		switch v := ev.(type) {
		case protocol.Delta:
			answer += v.Text
		case protocol.Result:
			r := v
			result = &r
		}
	}
	if result == nil {
		t.Fatalf("no terminal result event")
	}
	if result.Answer != "Hello world" || answer != result.Answer {
		t.Fatalf("answer = %q, accumulated = %q", result.Answer, answer)
	}
	if result.ConversationID == "" {
		t.Fatalf("result carries no conversation id")
	}
}

func TestChatEndpointRejectsEmptyMessage(t *testing.T) {
	_, h := newTestServer(t, false)

	rec := postJSON(t, h, "/v1/chat", ChatRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	srv, h := newTestServer(t, false)
	ctx := context.Background()

	// Empty list is an array, not null.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if got := bytes.TrimSpace(rec.Body.Bytes()); !bytes.Equal(got, []byte("[]")) {
		t.Fatalf("empty list = %s", got)
	}

	conv, err := srv.conversations.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	// Rename.
	buf, _ := json.Marshal(RenameRequest{Title: "Travel plans"})
	req := httptest.NewRequest(http.MethodPatch, "/v1/conversations/"+conv.ID, bytes.NewReader(buf))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("rename status = %d: %s", rec.Code, rec.Body.String())
	}
	got, err := srv.conversations.GetByID(ctx, conv.ID)
	if err != nil || got.Title != "Travel plans" {
		t.Fatalf("renamed conversation = %#v, %v", got, err)
	}

	// Messages of an unknown conversation.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/nope/messages", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("messages of missing conversation = %d", rec.Code)
	}

	// Delete, then delete again.
	req = httptest.NewRequest(http.MethodDelete, "/v1/conversations/"+conv.ID, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodDelete, "/v1/conversations/"+conv.ID, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestResetEndpoint(t *testing.T) {
	srv, h := newTestServer(t, false)
	ctx := context.Background()

	conv, err := srv.conversations.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := srv.messages.Append(ctx, conv.ID, store.RoleUser, "hi", nil, 0, 0); err != nil {
		t.Fatalf("append message: %v", err)
	}

	rec := postJSON(t, h, "/v1/reset", ResetRequest{ConversationID: conv.ID})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d: %s", rec.Code, rec.Body.String())
	}
	msgs, err := srv.messages.ListByConversation(ctx, conv.ID)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("history after reset = %d messages, %v", len(msgs), err)
	}

	rec = postJSON(t, h, "/v1/reset", ResetRequest{ConversationID: "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("reset missing = %d", rec.Code)
	}
}

func TestMemoryConfirmStoresFact(t *testing.T) {
	srv, h := newTestServer(t, false)
	ctx := context.Background()

	conv, err := srv.conversations.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	rec := postJSON(t, h, "/v1/memory/confirm", MemoryResolveRequest{
		ConversationID: conv.ID,
		Fact:           "I like green tea",
		Category:       "preference",
		Scope:          string(store.ScopeConversation),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("confirm status = %d: %s", rec.Code, rec.Body.String())
	}

	facts, err := srv.facts.ListForConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "I like green tea" {
		t.Fatalf("stored facts = %#v", facts)
	}

	// Invalid scope is rejected and stores nothing.
	rec = postJSON(t, h, "/v1/memory/confirm", MemoryResolveRequest{
		ConversationID: conv.ID,
		Fact:           "x",
		Scope:          "forever",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid scope status = %d", rec.Code)
	}
}

func TestMemoryRejectStoresNothing(t *testing.T) {
	srv, h := newTestServer(t, false)
	ctx := context.Background()

	conv, err := srv.conversations.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	rec := postJSON(t, h, "/v1/memory/reject", MemoryResolveRequest{
		ConversationID: conv.ID,
		Fact:           "I like green tea",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reject status = %d", rec.Code)
	}
	facts, err := srv.facts.ListForConversation(ctx, conv.ID)
	if err != nil || len(facts) != 0 {
		t.Fatalf("facts after reject = %#v, %v", facts, err)
	}
}
