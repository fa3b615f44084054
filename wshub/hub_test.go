package wshub

import (
	"context"
	"testing"
	"time"

	"github.com/fluxbroker/taskbroker/store"
)

type fakeSnapshotStore struct {
	activity map[string][]*store.ActivityEvent
	agents   map[string][]*store.Agent
}

func (f *fakeSnapshotStore) ListActivity(ctx context.Context, tenantID string, limit int) ([]*store.ActivityEvent, error) {
	return f.activity[tenantID], nil
}

func (f *fakeSnapshotStore) ListAgents(ctx context.Context, tenantID string) ([]*store.Agent, error) {
	return f.agents[tenantID], nil
}

// drainFrames collects every Frame currently buffered in h.send without
// running the Hub's Run loop.
func drainFrames(h *Hub) []Frame {
	var out []Frame
	for {
		select {
		case req := <-h.send:
			out = append(out, req.frame)
		default:
			return out
		}
	}
}

func TestPollSnapshotsEmitsNewActivityOnceThenGoesQuiet(t *testing.T) {
	h := NewHub()
	snap := &fakeSnapshotStore{
		activity: map[string][]*store.ActivityEvent{
			"tenant-1": {
				{ID: 3, TenantID: "tenant-1", Kind: "task-updated"},
				{ID: 2, TenantID: "tenant-1", Kind: "task-created"},
			},
		},
		agents: map[string][]*store.Agent{
			"tenant-1": {{ID: "agent-1", TenantID: "tenant-1"}},
		},
	}
	h.AttachStore(snap, time.Second)
	h.clients[nil] = "tenant-1"

	h.pollSnapshots(context.Background())
	frames := drainFrames(h)

	var activityCount, agentStatusCount int
	for _, f := range frames {
		switch f.Kind {
		case "activity":
			activityCount++
		case "agent-status":
			agentStatusCount++
		}
	}
	if activityCount != 2 {
		t.Fatalf("expected 2 activity frames on first poll, got %d (%+v)", activityCount, frames)
	}
	if agentStatusCount != 1 {
		t.Fatalf("expected 1 agent-status frame, got %d", agentStatusCount)
	}

	// Second poll against the same unchanged activity log must not re-emit
	// events already seen, but still refreshes the agent-status snapshot.
	h.pollSnapshots(context.Background())
	frames = drainFrames(h)
	activityCount = 0
	agentStatusCount = 0
	for _, f := range frames {
		switch f.Kind {
		case "activity":
			activityCount++
		case "agent-status":
			agentStatusCount++
		}
	}
	if activityCount != 0 {
		t.Fatalf("expected no repeat activity frames, got %d", activityCount)
	}
	if agentStatusCount != 1 {
		t.Fatalf("expected agent-status to still be refreshed, got %d", agentStatusCount)
	}
}

func TestPollSnapshotsSkipsTenantsWithNoConnectedClient(t *testing.T) {
	h := NewHub()
	snap := &fakeSnapshotStore{
		activity: map[string][]*store.ActivityEvent{
			"tenant-1": {{ID: 1, TenantID: "tenant-1", Kind: "task-created"}},
		},
	}
	h.AttachStore(snap, time.Second)

	h.pollSnapshots(context.Background())
	if frames := drainFrames(h); len(frames) != 0 {
		t.Fatalf("expected no frames with no connected clients, got %+v", frames)
	}
}
