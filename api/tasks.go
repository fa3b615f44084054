package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fluxbroker/taskbroker/dispatcher"
	"github.com/fluxbroker/taskbroker/middleware"
	"github.com/fluxbroker/taskbroker/store"
)

type enqueueRequest struct {
	Title        string            `json:"title"`
	Prompt       string            `json:"prompt"`
	From         store.Source      `json:"from"`
	To           store.RoutingHint `json:"to"`
	Priority     store.Priority    `json:"priority"`
	Source       string            `json:"source"`
	Dependencies []string          `json:"dependencies"`
	Context      map[string]string `json:"context"`
	Images       []string          `json:"images"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantFromContext(r.Context())

	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}

	task, err := s.dispatcher.Enqueue(r.Context(), dispatcher.EnqueueRequest{
		TenantID:     tenantID,
		Title:        req.Title,
		Prompt:       req.Prompt,
		From:         req.From,
		To:           req.To,
		Priority:     req.Priority,
		Source:       req.Source,
		Dependencies: req.Dependencies,
		Context:      req.Context,
		Images:       req.Images,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) taskID(r *http.Request) string {
	return chi.URLParam(r, "taskId")
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.dispatcher.Ack(r.Context(), s.taskID(r), req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.dispatcher.UpdateProgress(r.Context(), s.taskID(r), req.AgentID, req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleSendResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID  string        `json:"agentId"`
		Response store.Response `json:"response"`
		Finalize bool          `json:"finalize"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.dispatcher.SendResponse(r.Context(), s.taskID(r), req.AgentID, req.Response, req.Finalize); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.dispatcher.BlockTask(r.Context(), s.taskID(r), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.dispatcher.AnswerTask(r.Context(), s.taskID(r), req.Answer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.CancelTask(r.Context(), s.taskID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.ForceRetry(r.Context(), s.taskID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Approve(r.Context(), s.taskID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.dispatcher.Reject(r.Context(), s.taskID(r), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}
