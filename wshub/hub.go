// Package wshub relays broker events to connected UI/operator websocket
// clients, scoped per tenant, fed directly by the eventbus.
package wshub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxbroker/taskbroker/eventbus"
	"github.com/fluxbroker/taskbroker/store"
)

const maxConnections = 500

const defaultSnapshotInterval = 5 * time.Second

// Frame is the wire shape of every message the hub pushes to clients.
type Frame struct {
	Kind      string      `json:"type"` // task-updated | completion | eviction | activity | agent-status
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SnapshotStore is the read-only slice of Store the hub polls to synthesize
// the activity and agent-status frames — derived views rather than their own
// bus channel, since neither corresponds to a single discrete domain event.
type SnapshotStore interface {
	ListActivity(ctx context.Context, tenantID string, limit int) ([]*store.ActivityEvent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*store.Agent, error)
}

type registration struct {
	conn     *websocket.Conn
	tenantID string
}

// Hub fans out Frames to the websocket clients subscribed to each tenant.
type Hub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	send       chan sendRequest

	mu sync.RWMutex

	snapshotStore    SnapshotStore
	snapshotInterval time.Duration
	lastActivityID   map[string]int64
}

type sendRequest struct {
	tenantID string
	frame    Frame
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		send:       make(chan sendRequest, 256),
	}
}

// AttachStore enables the periodic activity/agent-status snapshot poll
// against tenants with at least one connected client. interval <= 0 uses
// defaultSnapshotInterval.
func (h *Hub) AttachStore(s SnapshotStore, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	h.snapshotStore = s
	h.snapshotInterval = interval
	h.lastActivityID = make(map[string]int64)
}

// Attach wires the hub to a Bus so every task/completion event is relayed to
// the matching tenant's connected clients, and every eviction event to all
// connected clients.
func (h *Hub) Attach(bus *eventbus.Bus) {
	bus.SubscribeTask(func(e eventbus.TaskEvent) {
		h.Broadcast(e.Task.TenantID, Frame{Kind: "task-updated", Timestamp: time.Now(), Payload: e.Task})
	})
	bus.SubscribeCompletion(func(e eventbus.CompletionEvent) {
		h.Broadcast(e.Task.TenantID, Frame{Kind: "completion", Timestamp: time.Now(), Payload: e.Task})
	})
	bus.SubscribeEviction(func(e eventbus.EvictionEvent) {
		h.Broadcast("", Frame{Kind: "eviction", Timestamp: time.Now(), Payload: e})
	})
}

// Broadcast enqueues frame for delivery to tenantID's clients, or every
// connected client if tenantID is empty (used for eviction signals, which
// are agent-addressed rather than tenant-addressed at the bus layer).
func (h *Hub) Broadcast(tenantID string, frame Frame) {
	select {
	case h.send <- sendRequest{tenantID: tenantID, frame: frame}:
	default:
		log.Printf("wshub: send queue full, dropping frame kind=%s", frame.Kind)
	}
}

// Run drives the hub's single-writer loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	var snapshotC <-chan time.Time
	if h.snapshotStore != nil {
		ticker := time.NewTicker(h.snapshotInterval)
		defer ticker.Stop()
		snapshotC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				reg.conn.Close()
				continue
			}
			h.clients[reg.conn] = reg.tenantID
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		case req := <-h.send:
			h.deliver(req)
		case <-snapshotC:
			h.pollSnapshots(ctx)
		}
	}
}

// pollSnapshots reads activity/agent state for every tenant with a connected
// client and broadcasts what's new. Run's single-writer loop is the only
// caller, so lastActivityID needs no locking of its own.
func (h *Hub) pollSnapshots(ctx context.Context) {
	h.mu.RLock()
	tenants := make(map[string]bool, len(h.clients))
	for _, tid := range h.clients {
		if tid != "" {
			tenants[tid] = true
		}
	}
	h.mu.RUnlock()

	for tid := range tenants {
		events, err := h.snapshotStore.ListActivity(ctx, tid, 20)
		if err != nil {
			log.Printf("wshub: listing activity for tenant %s: %v", tid, err)
			continue
		}
		newest := h.lastActivityID[tid]
		for _, e := range events {
			if e.ID > h.lastActivityID[tid] {
				h.Broadcast(tid, Frame{Kind: "activity", Timestamp: time.Now(), Payload: e})
			}
			if e.ID > newest {
				newest = e.ID
			}
		}
		h.lastActivityID[tid] = newest

		agents, err := h.snapshotStore.ListAgents(ctx, tid)
		if err != nil {
			log.Printf("wshub: listing agents for tenant %s: %v", tid, err)
			continue
		}
		h.Broadcast(tid, Frame{Kind: "agent-status", Timestamp: time.Now(), Payload: agents})
	}
}

func (h *Hub) deliver(req sendRequest) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, tid := range h.clients {
		if req.tenantID != "" && tid != req.tenantID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(req.frame); err != nil {
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

func (h *Hub) Register(conn *websocket.Conn, tenantID string) {
	h.register <- registration{conn, tenantID}
}
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
