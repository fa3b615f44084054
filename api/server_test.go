package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fluxbroker/taskbroker/auth"
	"github.com/fluxbroker/taskbroker/dispatcher"
	"github.com/fluxbroker/taskbroker/eventbus"
	"github.com/fluxbroker/taskbroker/eviction"
	"github.com/fluxbroker/taskbroker/idempotency"
	"github.com/fluxbroker/taskbroker/middleware"
	"github.com/fluxbroker/taskbroker/store"
	"github.com/fluxbroker/taskbroker/streaming"
	"github.com/fluxbroker/taskbroker/wshub"
)

const tenant = "tenant-1"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := eventbus.New()
	ev := eviction.New(s, bus)
	disp := dispatcher.New(s, bus, ev, dispatcher.AllowAllPolicy{}, dispatcher.DefaultConfig)
	hub := wshub.NewHub()
	idem := idempotency.NewStore(nil)
	issuer := auth.NewIssuer("test-secret")

	return NewServer(s, disp, ev, bus, hub, streaming.NewLogPublisher(), idem, issuer)
}

// contextWithChiParam mimics what chi's router installs before a handler
// runs, so handlers can be invoked directly in tests without a full mux.
func contextWithChiParam(ctx context.Context, key, value string) context.Context {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return context.WithValue(ctx, chi.RouteCtxKey, rctx)
}

// authedRequest injects an authenticated tenant into the request context,
// bypassing AuthMiddleware so handler tests exercise routing logic directly.
func authedRequest(method, target string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	ctx := context.WithValue(req.Context(), middleware.TenantKey, tenant)
	return req.WithContext(ctx)
}

func TestEnqueueThenPollReservesTask(t *testing.T) {
	s := newTestServer(t)

	agent := &store.Agent{ID: "agent-1", TenantID: tenant, DisplayName: "a1", Capabilities: []store.Capability{store.CapGeneralPurpose}}
	if _, err := s.store.RegisterAgent(context.Background(), agent); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	pollDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := authedRequest(http.MethodPost, "/agents/agent-1/poll", pollRequest{Capabilities: agent.Capabilities})
		req = req.WithContext(contextWithChiParam(req.Context(), "agentId", "agent-1"))
		w := httptest.NewRecorder()
		s.handlePoll(w, req)
		pollDone <- w
	}()

	// Give the poller a moment to park before enqueueing.
	time.Sleep(20 * time.Millisecond)

	enqueueReq := authedRequest(http.MethodPost, "/tasks", enqueueRequest{Prompt: "do the thing"})
	enqueueW := httptest.NewRecorder()
	s.handleEnqueue(enqueueW, enqueueReq)
	if enqueueW.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body = %s", enqueueW.Code, enqueueW.Body.String())
	}

	w := <-pollDone
	if w.Code != http.StatusOK {
		t.Fatalf("poll status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp pollResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding poll response: %v", err)
	}
	if resp.Task == nil {
		t.Fatal("expected task to be reserved for polling agent")
	}
	if resp.Task.Status != store.StatusPendingAck {
		t.Errorf("task status = %s, want PENDING_ACK", resp.Task.Status)
	}
}

func TestAckUnknownTaskReturnsNotFound(t *testing.T) {
	s := newTestServer(t)

	req := authedRequest(http.MethodPost, "/tasks/does-not-exist/ack", map[string]string{"agentId": "agent-1"})
	req = req.WithContext(contextWithChiParam(req.Context(), "taskId", "does-not-exist"))
	w := httptest.NewRecorder()
	s.handleAck(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestEnqueueEmptyPromptIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	req := authedRequest(http.MethodPost, "/tasks", enqueueRequest{})
	w := httptest.NewRecorder()
	s.handleEnqueue(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHealthzOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.handleHealthz(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
