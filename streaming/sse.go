package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxbroker/taskbroker/eventbus"
	"github.com/fluxbroker/taskbroker/store"
)

// SnapshotStore is the read-only slice of Store ServeSSE polls to synthesize
// the activity and agent-status events — derived views rather than their own
// bus channel, since neither corresponds to a single discrete domain event.
type SnapshotStore interface {
	ListActivity(ctx context.Context, tenantID string, limit int) ([]*store.ActivityEvent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*store.Agent, error)
}

// ServeSSE writes a Server-Sent Events stream of every task and completion
// bus event for tenantID, for GET /events, plus a periodic activity/agent-status
// snapshot read from snap. It also forwards every event to pub (the
// LogPublisher audit trail) so the log carries a record even with no
// subscriber connected.
func ServeSSE(w http.ResponseWriter, r *http.Request, bus *eventbus.Bus, pub Publisher, snap SnapshotStore, tenantID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	write := func(topic string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", topic, data)
		flusher.Flush()
		_ = pub.Publish(r.Context(), topic, payload)
	}

	taskSub := bus.SubscribeTask(func(e eventbus.TaskEvent) {
		if e.Task.TenantID == tenantID {
			write("task-updated", e.Task)
		}
	})
	defer taskSub.Unsubscribe()

	completionSub := bus.SubscribeCompletion(func(e eventbus.CompletionEvent) {
		if e.Task.TenantID == tenantID {
			write("completion", e.Task)
		}
	})
	defer completionSub.Unsubscribe()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	snapshot := time.NewTicker(5 * time.Second)
	defer snapshot.Stop()
	var lastActivityID int64

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-snapshot.C:
			if snap == nil {
				continue
			}
			events, err := snap.ListActivity(r.Context(), tenantID, 20)
			if err == nil {
				// ListActivity returns newest-first; compare every entry against
				// the checkpoint before advancing it, rather than advancing
				// mid-loop and silently skipping everything behind the first hit.
				newest := lastActivityID
				for _, e := range events {
					if e.ID > lastActivityID {
						write("activity", e)
					}
					if e.ID > newest {
						newest = e.ID
					}
				}
				lastActivityID = newest
			}
			if agents, err := snap.ListAgents(r.Context(), tenantID); err == nil {
				write("agent-status", agents)
			}
		}
	}
}
