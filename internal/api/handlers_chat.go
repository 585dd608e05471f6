package api

import (
	"encoding/json"
	"net/http"

	"github.com/parleyhq/parley/internal/chat"
)

// ChatOptions are the optional knobs on a chat submission.
type ChatOptions struct {
	Persona string `json:"persona,omitempty"`
	Debug   bool   `json:"debug,omitempty"`
}

// ChatRequest is the JSON body for POST /v1/chat. Debug may be set either at
// the top level or inside options; either form enables it.
type ChatRequest struct {
	Message        string      `json:"message"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Options        ChatOptions `json:"options"`
	Debug          bool        `json:"debug,omitempty"`
}

// handleChat handles POST /v1/chat: it switches the response into NDJSON
// streaming mode and hands the turn to the chat service. Once the stream is
// primed there is no way to change the status code, so all request
// validation happens before the EventWriter is created.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ew, err := NewEventWriter(w, s.config.StreamPadBytes)
	if err != nil {
		s.logger.Error("stream setup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	turn := chat.TurnRequest{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Persona:        req.Options.Persona,
		Debug:          req.Debug || req.Options.Debug,
	}
	if err := s.chat.RunTurn(r.Context(), turn, ew); err != nil {
		// The connection is gone; the turn's own error handling already ran.
		s.logger.Debug("chat stream aborted", "error", err)
	}
}
