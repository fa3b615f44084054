package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/fluxbroker/taskbroker/store"
)

// insertQueuedTask bypasses Enqueue's synchronous reservation attempt so a
// task lands in the Store as plain QUEUED, letting a test drive AssignPending
// directly against a waiting pool it controls.
func insertQueuedTask(t *testing.T, s store.Store, createdAt time.Time, hint store.RoutingHint) *store.Task {
	t.Helper()
	task := &store.Task{
		ID:             newTaskID(createdAt),
		TenantID:       tenant,
		Prompt:         "x",
		To:             hint,
		Priority:       store.PriorityNormal,
		Status:         store.StatusQueued,
		History:        []store.TransitionRecord{{Timestamp: createdAt, Status: store.StatusQueued}},
		CreatedAt:      createdAt,
		LastActivityAt: createdAt,
	}
	if err := s.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

// TestAssignPendingFairnessOldestWaiterWinsRegardlessOfRowOrder pins down the
// fairness guarantee FindBestAgent gives the synchronous reservation path:
// the agent that has waited longest gets first pick, even when the Store
// happens to return the waiting pool in a different order.
func TestAssignPendingFairnessOldestWaiterWinsRegardlessOfRowOrder(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	registerAgent(t, s, "new-agent")
	registerAgent(t, s, "old-agent")

	now := time.Now()
	// "new-agent" is registered as waiting first, so an unsorted row scan
	// would hand it the first pick; "old-agent" has waited far longer and
	// must win it instead.
	newSince := now.Add(-1 * time.Second)
	oldSince := now.Add(-10 * time.Minute)
	if err := s.SetWaiting(ctx, tenant, "new-agent", &newSince, nil, nil); err != nil {
		t.Fatalf("set waiting new-agent: %v", err)
	}
	if err := s.SetWaiting(ctx, tenant, "old-agent", &oldSince, nil, nil); err != nil {
		t.Fatalf("set waiting old-agent: %v", err)
	}

	// task1 is hinted at old-agent specifically and is the older of the two;
	// task2 carries no hint. Whichever agent is scored first takes task1:
	// old-agent through the hint, new-agent through the createdAt tiebreak.
	task1 := insertQueuedTask(t, s, now.Add(-2*time.Minute), store.RoutingHint{AgentID: "old-agent"})
	task2 := insertQueuedTask(t, s, now.Add(-1*time.Minute), store.RoutingHint{})

	assigned, err := d.AssignPending(ctx, tenant)
	if err != nil {
		t.Fatalf("assign pending: %v", err)
	}
	if assigned != 2 {
		t.Fatalf("expected both tasks assigned, got %d", assigned)
	}

	got1, err := s.GetTaskByID(ctx, task1.ID)
	if err != nil {
		t.Fatalf("get task1: %v", err)
	}
	if got1.Reservation == nil || got1.Reservation.AgentID != "old-agent" {
		t.Fatalf("expected task1 (hinted at old-agent) reserved for old-agent, got %+v", got1.Reservation)
	}

	got2, err := s.GetTaskByID(ctx, task2.ID)
	if err != nil {
		t.Fatalf("get task2: %v", err)
	}
	if got2.Reservation == nil || got2.Reservation.AgentID != "new-agent" {
		t.Fatalf("expected task2 reserved for new-agent, got %+v", got2.Reservation)
	}
}
