// Package api implements the broker's HTTP surface: task admission and
// every agent/operator-initiated transition, agent registration and
// long-poll, the SSE and websocket event streams, admin eviction, health
// and metrics. Routing uses chi for its path-parameter routes
// (/tasks/{taskId}/ack) rather than hand-rolling prefix parsing on top of
// net/http.ServeMux.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

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

// Server wires the Dispatcher/Store/eviction channel to HTTP handlers.
type Server struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	eviction   *eviction.Channel
	bus        *eventbus.Bus
	hub        *wshub.Hub
	publisher  streaming.Publisher
	idempotent *idempotency.Store
	issuer     *auth.Issuer

	heartbeatLimiter *middleware.PerKeyLimiter
}

// upgrader allows any origin; the broker's auth middleware is what actually
// gates access.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func NewServer(s store.Store, d *dispatcher.Dispatcher, ev *eviction.Channel, bus *eventbus.Bus, hub *wshub.Hub, pub streaming.Publisher, idem *idempotency.Store, issuer *auth.Issuer) *Server {
	return &Server{
		store:            s,
		dispatcher:       d,
		eviction:         ev,
		bus:              bus,
		hub:              hub,
		publisher:        pub,
		idempotent:       idem,
		issuer:           issuer,
		heartbeatLimiter: middleware.NewPerKeyLimiter(5, 20),
	}
}

// Router builds the full chi router, public routes first, then the
// authenticated, tenant-scoped surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS)
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(s.issuer))

		r.Post("/agents/register", s.withIdempotency(s.handleRegisterAgent))
		r.With(middleware.RateLimit(s.heartbeatLimiter, func(r *http.Request) string {
			return chi.URLParam(r, "agentId")
		})).Post("/agents/{agentId}/poll", s.handlePoll)

		r.Post("/tasks", s.withIdempotency(s.handleEnqueue))
		r.Post("/tasks/{taskId}/ack", s.handleAck)
		r.Post("/tasks/{taskId}/progress", s.handleProgress)
		r.Post("/tasks/{taskId}/response", s.handleSendResponse)
		r.Post("/tasks/{taskId}/block", s.handleBlock)
		r.Post("/tasks/{taskId}/answer", s.handleAnswer)
		r.Post("/tasks/{taskId}/cancel", s.handleCancel)
		r.Post("/tasks/{taskId}/retry", s.handleForceRetry)
		r.Post("/tasks/{taskId}/approve", s.handleApprove)
		r.Post("/tasks/{taskId}/reject", s.handleReject)

		r.Get("/events", s.handleEventsSSE)
		r.Get("/events/ws", s.handleEventsWS)

		r.Post("/admin/agents/{agentId}/evict", s.handleEvictAgent)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	streaming.ServeSSE(w, r, s.bus, s.publisher, s.store, tenantID)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Register(conn, tenantID)
	defer s.hub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
