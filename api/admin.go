package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fluxbroker/taskbroker/middleware"
	"github.com/fluxbroker/taskbroker/store"
)

type evictAgentRequest struct {
	Reason string              `json:"reason"`
	Action store.EvictionAction `json:"action"`
}

// handleEvictAgent queues an out-of-band eviction signal for the next poll
// (or immediately, if the agent is already waiting). Any authenticated caller
// of the tenant may use this route; the token's role claim is not checked.
func (s *Server) handleEvictAgent(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantFromContext(r.Context())
	agentID := chi.URLParam(r, "agentId")

	var req evictAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Action == "" {
		req.Action = store.EvictionRestart
	}

	if err := s.eviction.Queue(r.Context(), tenantID, agentID, req.Reason, req.Action); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
