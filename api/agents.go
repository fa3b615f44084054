package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fluxbroker/taskbroker/middleware"
	"github.com/fluxbroker/taskbroker/store"
)

type registerAgentRequest struct {
	ID           string             `json:"id"`
	DisplayName  string             `json:"displayName"`
	Role         string             `json:"role"`
	Capabilities []store.Capability `json:"capabilities"`
	Workspace    *store.Workspace   `json:"workspace"`
	Metadata     map[string]string  `json:"metadata"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantFromContext(r.Context())

	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	now := time.Now()
	agent, err := s.store.RegisterAgent(r.Context(), &store.Agent{
		ID:           req.ID,
		TenantID:     tenantID,
		DisplayName:  req.DisplayName,
		Role:         req.Role,
		Capabilities: req.Capabilities,
		Workspace:    req.Workspace,
		Metadata:     req.Metadata,
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

type pollRequest struct {
	Capabilities []store.Capability `json:"capabilities"`
	Workspace    *store.Workspace   `json:"workspace"`
}

type pollResponse struct {
	Task     *store.Task `json:"task,omitempty"`
	Eviction *evictionDTO `json:"eviction,omitempty"`
}

type evictionDTO struct {
	Reason string              `json:"reason"`
	Action store.EvictionAction `json:"action"`
}

// handlePoll is the long-poll endpoint; it blocks inside the Dispatcher for
// up to the configured long-poll timeout before returning a 200 response that
// carries neither a task nor an eviction.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantFromContext(r.Context())
	agentID := chi.URLParam(r, "agentId")

	var req pollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	task, eviction, err := s.dispatcher.WaitForTask(r.Context(), tenantID, agentID, req.Capabilities, req.Workspace)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := pollResponse{Task: task}
	if eviction != nil {
		resp.Eviction = &evictionDTO{Reason: eviction.Reason, Action: eviction.Action}
	}
	writeJSON(w, http.StatusOK, resp)
}
