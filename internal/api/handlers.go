package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parleyhq/parley/internal/store"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// RenameRequest is the JSON body for PATCH /v1/conversations/{id}.
type RenameRequest struct {
	Title string `json:"title"`
}

// EstimateRequest is the JSON body for POST /v1/estimate.
type EstimateRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ResetRequest is the JSON body for POST /v1/reset.
type ResetRequest struct {
	ConversationID string `json:"conversation_id"`
}

// MemoryResolveRequest is the JSON body for the memory confirm endpoint.
type MemoryResolveRequest struct {
	ConversationID string `json:"conversation_id"`
	Fact           string `json:"fact"`
	Category       string `json:"category,omitempty"`
	Scope          string `json:"scope"` // "conversation" or "permanent"
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListConversations handles GET /v1/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.conversations.List(r.Context())
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

// handleListMessages handles GET /v1/conversations/{conversation_id}/messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversation_id")
	if _, err := s.conversations.GetByID(r.Context(), convID); err != nil {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	msgs, err := s.messages.ListByConversation(r.Context(), convID)
	if err != nil {
		s.logger.Error("list messages failed", "conversation_id", convID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// handleRenameConversation handles PATCH /v1/conversations/{conversation_id}.
func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversation_id")

	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.conversations.Rename(r.Context(), convID, req.Title); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("rename failed", "conversation_id", convID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to rename conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteConversation handles DELETE /v1/conversations/{conversation_id}.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversation_id")

	if err := s.conversations.Delete(r.Context(), convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("delete failed", "conversation_id", convID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEstimate handles POST /v1/estimate.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	est, err := s.chat.EstimateCost(r.Context(), req.ConversationID, req.Message, s.config.Provider)
	if err != nil {
		s.logger.Error("estimate failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to estimate cost")
		return
	}
	respondJSON(w, http.StatusOK, est)
}

// handleReset handles POST /v1/reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" {
		s.writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	if err := s.chat.Reset(r.Context(), req.ConversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("reset failed", "conversation_id", req.ConversationID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reset conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMemoryConfirm stores a fact the user accepted from a proposal.
func (s *Server) handleMemoryConfirm(w http.ResponseWriter, r *http.Request) {
	var req MemoryResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Fact == "" {
		s.writeError(w, http.StatusBadRequest, "fact is required")
		return
	}

	fact, err := s.facts.Save(r.Context(), req.ConversationID, req.Fact, req.Category, store.FactScope(req.Scope))
	if err != nil {
		s.logger.Error("save fact failed", "error", err)
		s.writeError(w, http.StatusBadRequest, "invalid memory request")
		return
	}
	respondJSON(w, http.StatusCreated, fact)
}

// handleMemoryReject acknowledges a rejected proposal. Nothing is stored;
// the endpoint exists so rejection is an explicit, auditable action.
func (s *Server) handleMemoryReject(w http.ResponseWriter, r *http.Request) {
	var req MemoryResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.logger.Info("memory proposal rejected", "conversation_id", req.ConversationID)
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
