package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/protocol"
)

// ErrUnauthorized is returned when the server answers 401 or 403; the caller
// should reacquire credentials (the cached token is already invalidated).
var ErrUnauthorized = errors.New("unauthorized")

// DefaultStreamTimeout bounds one chat turn from submission to terminal event.
const DefaultStreamTimeout = 30 * time.Second

const maxErrorBody = 512

// Client talks to a parley server: the streaming chat endpoint plus the
// companion REST surface. One Client holds one session (cookie jar and
// anti-forgery token cache).
type Client struct {
	baseURL       string
	http          *http.Client
	tokens        *TokenProvider
	streamTimeout time.Duration
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithStreamTimeout overrides the per-turn deadline.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Client) { c.streamTimeout = d }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Client for the server at baseURL. tokenSeed, when non-empty,
// is used as the anti-forgery token instead of fetching one.
func New(baseURL, tokenSeed string, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{Jar: jar},
		streamTimeout: DefaultStreamTimeout,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		c.http.Jar = jar
	}
	c.tokens = NewTokenProvider(c.baseURL, tokenSeed, c.http, c.logger)
	return c, nil
}

// SendOptions are the optional knobs on a submission.
type SendOptions struct {
	Persona string
	Debug   bool
}

type chatRequest struct {
	Message        string      `json:"message"`
	ConversationID *string     `json:"conversation_id"`
	Options        chatOptions `json:"options"`
	Debug          bool        `json:"debug"`
}

type chatOptions struct {
	Persona *string `json:"persona"`
	Debug   bool    `json:"debug"`
}

// Send submits one message and drives the returned Turn to termination,
// dispatching every classified event to h in arrival order. It always
// returns a terminated Turn; the error mirrors transport-level failures that
// already surfaced through the handler as a failure state.
func (c *Client) Send(ctx context.Context, message, conversationID string, opts SendOptions, h TurnHandler) (*Turn, error) {
	turn := NewTurn(conversationID, h, c.logger)

	// The deadline covers the whole exchange and is released on every exit
	// path, so a naturally completed stream never gets a late timeout.
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	body := chatRequest{Message: message, Debug: opts.Debug}
	if conversationID != "" {
		body.ConversationID = &conversationID
	}
	if opts.Persona != "" {
		body.Options.Persona = &opts.Persona
	}
	body.Options.Debug = opts.Debug

	payload, err := json.Marshal(body)
	if err != nil {
		return turn, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat", bytes.NewReader(payload))
	if err != nil {
		return turn, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.tokens.EnsureToken(ctx); tok != "" {
		req.Header.Set(protocol.CSRFHeader, tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			turn.FinishTimeout()
			return turn, fmt.Errorf("chat request: %w", err)
		}
		turn.Apply(protocol.Error{Message: classifyTransportError(err)})
		return turn, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.tokens.Invalidate()
		turn.Apply(protocol.Error{Message: "Not authorized. Please sign in again."})
		return turn, fmt.Errorf("chat request: %w", ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := c.errorFromResponse(resp)
		turn.Apply(protocol.Error{Message: err.Error()})
		return turn, err
	}

	c.pump(ctx, resp.Body, turn)
	return turn, nil
}

// pump runs the read loop: transport chunks through the line decoder and
// classifier into the turn, strictly in arrival order.
func (c *Client) pump(ctx context.Context, body io.Reader, turn *Turn) {
	var dec protocol.LineDecoder
	cls := protocol.NewClassifier(c.logger)
	buf := make([]byte, 4096)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				if ev, ok := cls.Classify(line); ok {
					turn.Apply(ev)
				}
			}
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			// Streams are not guaranteed to end with a trailing newline.
			if line, ok := dec.Flush(); ok {
				if ev, ok := cls.Classify(line); ok {
					turn.Apply(ev)
				}
			}
			turn.FinishSilent()
			return
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			turn.FinishTimeout()
			return
		}
		c.logger.Warn("stream read failed", "error", err)
		turn.FinishSilent()
		return
	}
}

// classifyTransportError maps known network failure signatures to an
// actionable hint; anything unrecognized gets the generic message.
func classifyTransportError(err error) string {
	msg := err.Error()
	for _, sig := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"dial tcp",
	} {
		if strings.Contains(msg, sig) {
			return "Could not reach the server. Check your connection."
		}
	}
	return "The server failed to respond."
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one stored transcript entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Estimate is the server's pre-submission cost projection.
type Estimate struct {
	PromptTokens  int     `json:"prompt_tokens"`
	HistoryTokens int     `json:"history_tokens"`
	EstimatedUSD  float64 `json:"estimated_usd"`
	Model         string  `json:"model"`
}

// Conversations lists all conversations, most recently updated first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := c.doJSON(ctx, http.MethodGet, "/v1/conversations", nil, &out)
	return out, err
}

// Messages fetches the transcript of one conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	err := c.doJSON(ctx, http.MethodGet, "/v1/conversations/"+conversationID+"/messages", nil, &out)
	return out, err
}

// Rename sets a conversation's title.
func (c *Client) Rename(ctx context.Context, conversationID, title string) error {
	body := map[string]string{"title": title}
	return c.doJSON(ctx, http.MethodPatch, "/v1/conversations/"+conversationID, body, nil)
}

// Delete removes a conversation and its history.
func (c *Client) Delete(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/conversations/"+conversationID, nil, nil)
}

// Estimate projects the prompt cost of sending message in a conversation.
func (c *Client) Estimate(ctx context.Context, conversationID, message string) (*Estimate, error) {
	body := map[string]string{"message": message}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	var out Estimate
	if err := c.doJSON(ctx, http.MethodPost, "/v1/estimate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset clears the stored history of a conversation.
func (c *Client) Reset(ctx context.Context, conversationID string) error {
	body := map[string]string{"conversation_id": conversationID}
	return c.doJSON(ctx, http.MethodPost, "/v1/reset", body, nil)
}

// ConfirmMemory accepts a fact proposal with the chosen scope, which is
// either "conversation" or "permanent".
func (c *Client) ConfirmMemory(ctx context.Context, conversationID string, p Proposal, scope string) error {
	body := map[string]string{
		"conversation_id": conversationID,
		"fact":            p.Fact,
		"category":        p.Category,
		"scope":           scope,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/memory/confirm", body, nil)
}

// RejectMemory declines a fact proposal. Callers treat failure as non-fatal;
// the affordance is dismissed either way.
func (c *Client) RejectMemory(ctx context.Context, conversationID string, p Proposal) error {
	body := map[string]string{
		"conversation_id": conversationID,
		"fact":            p.Fact,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/memory/reject", body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		if tok := c.tokens.EnsureToken(ctx); tok != "" {
			req.Header.Set(protocol.CSRFHeader, tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.tokens.Invalidate()
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFromResponse(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// errorFromResponse extracts a short human-readable message from a failure
// response. The body read is bounded so a large HTML error page never lands
// in the UI.
func (c *Client) errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, body.Error)
		}
		if body.Message != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, body.Message)
		}
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		return fmt.Errorf("server error (%d)", resp.StatusCode)
	}
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, text)
}
