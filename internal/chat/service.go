// Package chat executes one conversational turn: it persists the exchange,
// drives the LLM stream and translates its fragments into protocol events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/store"
)

// Emitter frames and flushes one protocol event per call. The HTTP layer
// provides the NDJSON implementation; tests substitute a recorder.
type Emitter interface {
	Emit(ev protocol.Event) error
}

// TurnRequest is one user submission.
type TurnRequest struct {
	Message        string
	ConversationID string // empty starts a new conversation
	Persona        string
	Debug          bool
}

// Service runs chat turns against the configured model and stores.
type Service struct {
	chatModel     model.BaseChatModel
	conversations *store.ConversationStore
	messages      *store.MessageStore
	facts         *store.FactStore
	cfg           config.ChatConfig
	modelName     string
	logger        *slog.Logger
}

// NewService creates a chat Service.
func NewService(chatModel model.BaseChatModel, conversations *store.ConversationStore, messages *store.MessageStore, facts *store.FactStore, cfg config.ChatConfig, modelName string, logger *slog.Logger) *Service {
	return &Service{
		chatModel:     chatModel,
		conversations: conversations,
		messages:      messages,
		facts:         facts,
		cfg:           cfg,
		modelName:     modelName,
		logger:        logger,
	}
}

// RunTurn executes one turn and writes its events to em. The emitted
// sequence is always status* (delta | tool_executed)* then exactly one of
// result or error, optionally followed by one title event. RunTurn itself
// only returns an error for emit failures (a dead client connection);
// model and storage failures terminate the stream with an error event.
func (s *Service) RunTurn(ctx context.Context, req TurnRequest, em Emitter) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	conv, err := s.resolveConversation(ctx, req)
	if err != nil {
		s.logger.Error("resolve conversation failed", "error", err)
		return em.Emit(protocol.Error{Message: "conversation not found"})
	}

	if _, err := s.messages.Append(ctx, conv.ID, store.RoleUser, req.Message, nil, 0, 0); err != nil {
		s.logger.Error("persist user message failed", "conversation_id", conv.ID, "error", err)
		return em.Emit(protocol.Error{Message: "failed to store message"})
	}

	if err := em.Emit(protocol.Status{Message: "thinking", Step: "generate"}); err != nil {
		return err
	}

	// The proposal is a side channel: it must not interrupt delta emission,
	// so it is surfaced before the model output starts.
	if fact, category, ok := detectRememberIntent(req.Message); ok {
		ev := protocol.ToolExecuted{Tool: protocol.ToolProposeToRemember, Fact: fact, Category: category}
		if err := em.Emit(ev); err != nil {
			return err
		}
	}

	input, err := s.buildInput(ctx, conv)
	if err != nil {
		s.logger.Error("build model input failed", "conversation_id", conv.ID, "error", err)
		return em.Emit(protocol.Error{Message: "failed to load conversation history"})
	}

	answer, usage, err := s.streamAnswer(ctx, input, em)
	if err != nil {
		if emitErr := s.emitTerminalError(ctx, em, err); emitErr != nil {
			return emitErr
		}
		return nil
	}

	modelName := s.modelName
	if _, err := s.messages.Append(ctx, conv.ID, store.RoleAssistant, answer, &modelName, usage.PromptTokens, usage.CompletionTokens); err != nil {
		// The answer already streamed; losing the row is worth a log, not a
		// failed turn.
		s.logger.Error("persist assistant message failed", "conversation_id", conv.ID, "error", err)
	}
	if err := s.conversations.Touch(ctx, conv.ID); err != nil {
		s.logger.Warn("touch conversation failed", "conversation_id", conv.ID, "error", err)
	}

	result := protocol.Result{
		Answer:         answer,
		ConversationID: conv.ID,
		Model:          s.modelName,
	}
	if req.Debug {
		result.DebugID = uuid.New().String()
	}
	if usage.TotalTokens > 0 {
		u := usage
		result.Usage = &u
	}
	if err := em.Emit(result); err != nil {
		return err
	}

	s.emitTitle(conv, req.Message, answer, em)
	return nil
}

// streamAnswer pumps the model stream, emitting one delta per fragment, and
// returns the accumulated answer.
func (s *Service) streamAnswer(ctx context.Context, input []*schema.Message, em Emitter) (string, protocol.Usage, error) {
	var answer strings.Builder
	var usage protocol.Usage

	sr, err := s.chatModel.Stream(ctx, input)
	if err != nil {
		return "", usage, fmt.Errorf("open model stream: %w", err)
	}
	defer sr.Close()

	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", usage, fmt.Errorf("model stream: %w", err)
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			usage.PromptTokens = msg.ResponseMeta.Usage.PromptTokens
			usage.CompletionTokens = msg.ResponseMeta.Usage.CompletionTokens
			usage.TotalTokens = msg.ResponseMeta.Usage.TotalTokens
		}
		if msg.Content == "" {
			continue
		}
		answer.WriteString(msg.Content)
		if err := em.Emit(protocol.Delta{Text: msg.Content}); err != nil {
			return "", usage, emitFailure{err}
		}
	}
	return answer.String(), usage, nil
}

// emitFailure wraps a transport write error so RunTurn can tell it apart
// from model failures: there is no point emitting an error event to a
// connection that can no longer be written.
type emitFailure struct{ err error }

func (e emitFailure) Error() string { return e.err.Error() }
func (e emitFailure) Unwrap() error { return e.err }

func (s *Service) emitTerminalError(ctx context.Context, em Emitter, err error) error {
	var ef emitFailure
	if errors.As(err, &ef) {
		return ef.err
	}
	s.logger.Error("turn failed", "error", err)
	msg := "The assistant failed to produce a response."
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = "The response took too long and was cancelled."
	}
	return em.Emit(protocol.Error{Message: msg})
}

func (s *Service) resolveConversation(ctx context.Context, req TurnRequest) (*store.Conversation, error) {
	if req.ConversationID != "" {
		return s.conversations.GetByID(ctx, req.ConversationID)
	}
	var persona *string
	if req.Persona != "" {
		persona = &req.Persona
	}
	return s.conversations.Create(ctx, persona)
}

// buildInput assembles the system prompt (persona and remembered facts) and
// the stored history, which already ends with the just-persisted user message.
func (s *Service) buildInput(ctx context.Context, conv *store.Conversation) ([]*schema.Message, error) {
	var sys strings.Builder
	sys.WriteString("You are a helpful assistant.")
	if conv.Persona != nil && *conv.Persona != "" {
		fmt.Fprintf(&sys, " Adopt this persona: %s.", *conv.Persona)
	}

	facts, err := s.facts.ListForConversation(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	if len(facts) > 0 {
		sys.WriteString("\n\nKnown facts about the user:\n")
		for _, f := range facts {
			fmt.Fprintf(&sys, "- %s\n", f.Content)
		}
	}

	history, err := s.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	input := make([]*schema.Message, 0, len(history)+1)
	input = append(input, schema.SystemMessage(sys.String()))
	for _, m := range history {
		switch m.Role {
		case store.RoleUser:
			input = append(input, schema.UserMessage(m.Content))
		case store.RoleAssistant:
			input = append(input, schema.AssistantMessage(m.Content, nil))
		}
	}
	return input, nil
}

// emitTitle generates a short label for new conversations. Best-effort: any
// failure is logged and the turn still counts as succeeded.
func (s *Service) emitTitle(conv *store.Conversation, userMessage, answer string, em Emitter) {
	if conv.Title != "" {
		return
	}

	// The turn context may already be near its deadline; the title gets its
	// own budget and must not inherit a cancelled parent.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TitleTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Write a short title (at most 8 words) for a conversation that starts with this exchange. Reply with the title only.\n\nUser: %s\nAssistant: %s",
		clip(userMessage, 500), clip(answer, 500))
	msg, err := s.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		s.logger.Warn("title generation failed", "conversation_id", conv.ID, "error", err)
		return
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(msg.Content), `"`))
	if title == "" {
		return
	}
	if err := s.conversations.SetTitleIfEmpty(ctx, conv.ID, title); err != nil {
		s.logger.Warn("store title failed", "conversation_id", conv.ID, "error", err)
		return
	}
	if err := em.Emit(protocol.Title{Title: title}); err != nil {
		s.logger.Debug("emit title failed", "conversation_id", conv.ID, "error", err)
	}
}

// Reset clears the stored turn history of a conversation.
func (s *Service) Reset(ctx context.Context, conversationID string) error {
	if _, err := s.conversations.GetByID(ctx, conversationID); err != nil {
		return err
	}
	return s.messages.DeleteByConversation(ctx, conversationID)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
