// Package protocol defines the NDJSON stream contract shared by the server
// emitter and the client parser: one JSON object per line, each carrying a
// "type" field that selects the payload shape.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Wire values for the "type" field.
const (
	TypeStatus       = "status"
	TypeDelta        = "delta"
	TypeToolExecuted = "tool_executed"
	TypeResult       = "result"
	TypeTitle        = "title"
	TypeError        = "error"
)

// ToolProposeToRemember is the tool_executed kind carrying a fact proposal.
const ToolProposeToRemember = "propose_to_remember"

// CSRFHeader carries the anti-forgery token on every mutating request. The
// name is shared by the token endpoint and the submission endpoint and must
// stay stable across both.
const CSRFHeader = "X-CSRF-Token"

// ContentType is the stream's content type: one JSON object per line.
const ContentType = "application/x-ndjson"

// Event is a sealed interface over the stream event kinds. The unexported
// marker method prevents external implementations, so a type switch over the
// concrete types below (plus Unknown) covers every value a Decode can return.
type Event interface {
	eventType() string
}

// Status is human-readable progress, shown while the answer is pending.
type Status struct {
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

// Delta is an incremental fragment of the answer text, append-only.
type Delta struct {
	Text string `json:"text"`
}

// ToolExecuted is a side-channel notification. It carries no answer text.
// For ToolProposeToRemember, Fact and Category describe the proposal.
type ToolExecuted struct {
	Tool     string `json:"tool"`
	Fact     string `json:"fact,omitempty"`
	Category string `json:"category,omitempty"`
}

// Usage is the token accounting attached to a Result.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the terminal success event. Answer is the authoritative final
// text; a client must prefer it over its own accumulated deltas when present.
type Result struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id,omitempty"`
	DebugID        string `json:"debug_id,omitempty"`
	Usage          *Usage `json:"usage,omitempty"`
	Model          string `json:"model,omitempty"`
}

// Title is a best-effort conversation label, emitted after the terminal event.
type Title struct {
	Title string `json:"title"`
}

// Error is the terminal failure event.
type Error struct {
	Message string `json:"message"`
}

// Unknown preserves an event whose type this build does not recognize.
// Consumers must treat it as a no-op so new server event kinds degrade
// gracefully instead of breaking old clients.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Status) eventType() string       { return TypeStatus }
func (Delta) eventType() string        { return TypeDelta }
func (ToolExecuted) eventType() string { return TypeToolExecuted }
func (Result) eventType() string       { return TypeResult }
func (Title) eventType() string        { return TypeTitle }
func (Error) eventType() string        { return TypeError }
func (u Unknown) eventType() string    { return u.Type }

var (
	_ Event = Status{}
	_ Event = Delta{}
	_ Event = ToolExecuted{}
	_ Event = Result{}
	_ Event = Title{}
	_ Event = Error{}
	_ Event = Unknown{}
)

// envelope is the minimal frame every valid line must satisfy.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrMissingType reports a parsed object that lacks the "type" field.
type ErrMissingType struct {
	Raw string
}

func (e *ErrMissingType) Error() string {
	return "event object has no type field"
}

// Decode parses one line into an Event. The line must be a single JSON
// object with a "type" field; an unknown type yields Unknown, never an error.
// An error payload may be either a bare string or an object with "message".
func Decode(line []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	if env.Type == "" {
		return nil, &ErrMissingType{Raw: string(line)}
	}

	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	switch env.Type {
	case TypeStatus:
		var ev Status
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("parse status payload: %w", err)
		}
		return ev, nil
	case TypeDelta:
		var ev Delta
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("parse delta payload: %w", err)
		}
		return ev, nil
	case TypeToolExecuted:
		var ev ToolExecuted
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("parse tool_executed payload: %w", err)
		}
		return ev, nil
	case TypeResult:
		var ev Result
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("parse result payload: %w", err)
		}
		return ev, nil
	case TypeTitle:
		var ev Title
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("parse title payload: %w", err)
		}
		return ev, nil
	case TypeError:
		return decodeError(payload)
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), line...)}, nil
	}
}

func decodeError(payload json.RawMessage) (Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var msg string
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("parse error payload: %w", err)
		}
		return Error{Message: msg}, nil
	}
	var ev Error
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("parse error payload: %w", err)
	}
	return ev, nil
}

// Marshal serializes an event to exactly one line of JSON without the
// trailing newline. Invalid UTF-8 in string fields is replaced rather than
// rejected so a bad fragment can never wedge the stream.
func Marshal(ev Event) ([]byte, error) {
	frame := struct {
		Type    string `json:"type"`
		Payload Event  `json:"payload"`
	}{Type: ev.eventType(), Payload: sanitize(ev)}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", frame.Type, err)
	}
	// encoding/json never emits raw newlines inside a compact object, but the
	// framing invariant is load-bearing, so keep the guard.
	if bytes.ContainsRune(data, '\n') {
		return nil, fmt.Errorf("marshal %s event: embedded newline", frame.Type)
	}
	return data, nil
}

func sanitize(ev Event) Event {
	switch v := ev.(type) {
	case Status:
		v.Message = strings.ToValidUTF8(v.Message, "�")
		v.Step = strings.ToValidUTF8(v.Step, "�")
		return v
	case Delta:
		v.Text = strings.ToValidUTF8(v.Text, "�")
		return v
	case Result:
		v.Answer = strings.ToValidUTF8(v.Answer, "�")
		return v
	case Title:
		v.Title = strings.ToValidUTF8(v.Title, "�")
		return v
	case Error:
		v.Message = strings.ToValidUTF8(v.Message, "�")
		return v
	default:
		return ev
	}
}
