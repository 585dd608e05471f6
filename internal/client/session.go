// Package client consumes the NDJSON chat stream: it owns the per-turn state
// machine, the anti-forgery token cache and the HTTP calls around both.
package client

import (
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/internal/protocol"
)

// TurnState is the lifecycle of one submission.
type TurnState int

const (
	StateIdle TurnState = iota
	StateLoading
	StateStreaming
	StateTerminated
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Outcome says how a turn terminated.
type Outcome int

const (
	// OutcomeResult is normal completion with an authoritative answer.
	OutcomeResult Outcome = iota
	// OutcomeError is an application-level terminal error from the server.
	OutcomeError
	// OutcomeTimeout is the client-side deadline firing first.
	OutcomeTimeout
	// OutcomeSilent is the stream ending with no terminal event at all.
	OutcomeSilent
)

// Proposal is a remember-this fact offered on the side channel.
type Proposal struct {
	Fact     string
	Category string
}

// TurnHandler receives UI-visible transitions of one turn. Calls arrive in
// event order on the goroutine running the read loop; implementations that
// hand off to another goroutine (a TUI program, say) own that handoff.
type TurnHandler interface {
	// StatusChanged updates the transient progress label.
	StatusChanged(message, step string)
	// AnswerChanged delivers the full accumulated answer after each fragment.
	// The first call stands in for creating the response bubble.
	AnswerChanged(text string)
	// ProposalOffered presents a fact proposal. A new call replaces any
	// unresolved earlier proposal rather than stacking.
	ProposalOffered(p Proposal)
	// ConversationEstablished is raised once per newly learned conversation
	// id, never repeated for an id that is already current.
	ConversationEstablished(id string)
	// TitleChanged delivers a best-effort conversation label.
	TitleChanged(title string)
	// Finished is called exactly once. For OutcomeResult, answer is the final
	// text; otherwise failure carries the message to show instead.
	Finished(outcome Outcome, answer, failure string)
}

const (
	failureNoResponse = "The server closed the stream without a response."
	failureTimeout    = "The request timed out before a response arrived."
)

// Turn is the dispatcher for one submission. It owns all mutable state of the
// exchange; nothing else may touch the accumulated text, and once terminated
// no event of any kind mutates it again.
type Turn struct {
	state          TurnState
	accumulated    strings.Builder
	bubbleCreated  bool
	conversationID string
	hasProposal    bool
	handler        TurnHandler
	logger         *slog.Logger

	outcome Outcome
	answer  string
	failure string
}

// NewTurn starts a turn in the Loading state, as submission implies the
// thinking indicator is already up. conversationID may be empty for a fresh
// conversation; the result event supplies it then.
func NewTurn(conversationID string, h TurnHandler, logger *slog.Logger) *Turn {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Turn{
		state:          StateLoading,
		conversationID: conversationID,
		handler:        h,
		logger:         logger,
	}
}

// State returns the current lifecycle state.
func (t *Turn) State() TurnState { return t.state }

// Terminated reports whether a terminal transition already happened.
func (t *Turn) Terminated() bool { return t.state == StateTerminated }

// ConversationID returns the current conversation id, which may have been
// reconciled from a result event.
func (t *Turn) ConversationID() string { return t.conversationID }

// Answer returns the final answer once terminated with OutcomeResult.
func (t *Turn) Answer() string { return t.answer }

// Outcome returns how the turn ended; only meaningful once Terminated.
func (t *Turn) Outcome() Outcome { return t.outcome }

// Failure returns the user-facing failure message for non-result outcomes.
func (t *Turn) Failure() string { return t.failure }

// Apply dispatches one classified event. Events arriving after termination
// are logged and ignored.
func (t *Turn) Apply(ev protocol.Event) {
	if t.state == StateTerminated {
		// The title legitimately follows the terminal result; it touches only
		// side-channel state, never the answer. Everything else is late.
		if e, ok := ev.(protocol.Title); ok && t.outcome == OutcomeResult && t.conversationID != "" {
			t.handler.TitleChanged(e.Title)
			return
		}
		t.logger.Debug("event after termination ignored", "event", eventName(ev))
		return
	}

	switch e := ev.(type) {
	case protocol.Status:
		t.handler.StatusChanged(e.Message, e.Step)
	case protocol.Delta:
		t.applyDelta(e)
	case protocol.ToolExecuted:
		t.applyToolExecuted(e)
	case protocol.Result:
		t.applyResult(e)
	case protocol.Title:
		// A title without an established conversation has nothing to attach to.
		if t.conversationID != "" {
			t.handler.TitleChanged(e.Title)
		} else {
			t.logger.Debug("title before conversation id ignored")
		}
	case protocol.Error:
		t.terminate(OutcomeError, "", e.Message)
	case protocol.Unknown:
		t.logger.Debug("unknown event type ignored", "type", e.Type)
	}
}

func (t *Turn) applyDelta(e protocol.Delta) {
	t.state = StateStreaming
	t.bubbleCreated = true
	t.accumulated.WriteString(e.Text)
	t.handler.AnswerChanged(t.accumulated.String())
}

func (t *Turn) applyToolExecuted(e protocol.ToolExecuted) {
	if e.Tool != protocol.ToolProposeToRemember {
		t.logger.Debug("unhandled tool notification", "tool", e.Tool)
		return
	}
	if t.hasProposal {
		t.logger.Debug("replacing unresolved fact proposal")
	}
	t.hasProposal = true
	t.handler.ProposalOffered(Proposal{Fact: e.Fact, Category: e.Category})
}

func (t *Turn) applyResult(e protocol.Result) {
	answer := e.Answer
	if answer == "" && t.bubbleCreated {
		// A result without an answer after streamed deltas keeps the last
		// incremental render as authoritative.
		answer = t.accumulated.String()
	}

	if e.ConversationID != "" && e.ConversationID != t.conversationID {
		t.conversationID = e.ConversationID
		t.handler.ConversationEstablished(e.ConversationID)
	}

	t.terminate(OutcomeResult, answer, "")
}

// FinishSilent terminates a turn whose stream ended with no terminal event.
// The absence of a terminal signal is a failure, never implicit success.
func (t *Turn) FinishSilent() {
	if t.state == StateTerminated {
		return
	}
	t.logger.Warn("stream ended without terminal event", "state", t.state.String())
	t.terminate(OutcomeSilent, "", failureNoResponse)
}

// FinishTimeout terminates a turn whose deadline fired. A no-op when the
// stream already terminated, so a completed turn is never double-terminated.
func (t *Turn) FinishTimeout() {
	if t.state == StateTerminated {
		return
	}
	t.terminate(OutcomeTimeout, "", failureTimeout)
}

func (t *Turn) terminate(outcome Outcome, answer, failure string) {
	t.state = StateTerminated
	t.outcome = outcome
	t.answer = answer
	t.failure = failure
	t.handler.Finished(outcome, answer, failure)
}

func eventName(ev protocol.Event) string {
	switch ev.(type) {
	case protocol.Status:
		return protocol.TypeStatus
	case protocol.Delta:
		return protocol.TypeDelta
	case protocol.ToolExecuted:
		return protocol.TypeToolExecuted
	case protocol.Result:
		return protocol.TypeResult
	case protocol.Title:
		return protocol.TypeTitle
	case protocol.Error:
		return protocol.TypeError
	default:
		return "unknown"
	}
}
