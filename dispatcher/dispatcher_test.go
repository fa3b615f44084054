package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fluxbroker/taskbroker/eventbus"
	"github.com/fluxbroker/taskbroker/eviction"
	"github.com/fluxbroker/taskbroker/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bus := eventbus.New()
	ev := eviction.New(s, bus)
	cfg := DefaultConfig
	cfg.LongPollTimeout = 500 * time.Millisecond
	return New(s, bus, ev, nil, cfg), s
}

const tenant = "tenant-1"

func registerAgent(t *testing.T, s store.Store, id string, caps ...store.Capability) *store.Agent {
	t.Helper()
	a, err := s.RegisterAgent(context.Background(), &store.Agent{
		ID: id, TenantID: tenant, DisplayName: id, Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return a
}

func TestRoundTripHistoryOrder(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	task, err := d.Enqueue(ctx, EnqueueRequest{TenantID: tenant, Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Simulate the agent polling right after and being matched synchronously
	// would have already reserved it in Enqueue if an agent was waiting; here
	// no one was waiting yet, so drive the long-poll explicitly.
	var wg sync.WaitGroup
	var polled *store.Task
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, _, err := d.WaitForTask(ctx, tenant, "agent-1", nil, nil)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		polled = got
	}()
	wg.Wait()
	if polled == nil {
		t.Fatal("expected a reserved task")
	}
	if polled.Status != store.StatusPendingAck {
		t.Fatalf("expected PENDING_ACK, got %s", polled.Status)
	}

	if err := d.Ack(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := d.UpdateProgress(ctx, task.ID, "agent-1", "working on it"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := d.SendResponse(ctx, task.ID, "agent-1", store.Response{
		Status: "ok", Artifacts: &store.ResponseArtifacts{Diff: "+1 -0"},
	}, false); err != nil {
		t.Fatalf("send response: %v", err)
	}
	if err := d.Approve(ctx, task.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	final, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}

	wantOrder := []store.Status{
		store.StatusQueued, store.StatusPendingAck, store.StatusAssigned,
		store.StatusInProgress, store.StatusInReview, store.StatusApprovedQueued,
		store.StatusCompleted,
	}
	if len(final.History) != len(wantOrder) {
		t.Fatalf("expected %d history entries, got %d: %+v", len(wantOrder), len(final.History), final.History)
	}
	for i, want := range wantOrder {
		if final.History[i].Status != want {
			t.Fatalf("history[%d] = %s, want %s", i, final.History[i].Status, want)
		}
	}
}

func TestCancelAlreadyCancelledIsNoOp(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	task, err := d.Enqueue(ctx, EnqueueRequest{TenantID: tenant, Prompt: "cancel me"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := d.CancelTask(ctx, task.ID); err == nil {
		t.Fatal("expected error cancelling an already-cancelled task")
	}
}

func TestForceRetryPreservesDiff(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	task, err := d.Enqueue(ctx, EnqueueRequest{TenantID: tenant, Prompt: "do it"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, _, err := d.WaitForTask(ctx, tenant, "agent-1", nil, nil)
	if err != nil || got == nil {
		t.Fatalf("wait: %v %v", got, err)
	}
	if err := d.Ack(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := d.SendResponse(ctx, task.ID, "agent-1", store.Response{
		Status: "ok", Artifacts: &store.ResponseArtifacts{Diff: "diff-xyz"},
	}, false); err != nil {
		t.Fatalf("send response: %v", err)
	}
	if err := d.ForceRetry(ctx, task.ID); err != nil {
		t.Fatalf("force retry: %v", err)
	}

	retried, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if retried.Status != store.StatusQueued {
		t.Fatalf("expected QUEUED after retry, got %s", retried.Status)
	}
	if retried.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", retried.RetryCount)
	}
	if retried.Response == nil || retried.Response.Artifacts == nil || retried.Response.Artifacts.Diff != "diff-xyz" {
		t.Fatalf("expected diff preserved across retry, got %+v", retried.Response)
	}
}

func TestAckWrongAgentThenDoubleAck(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")
	registerAgent(t, s, "agent-2")

	task, err := d.Enqueue(ctx, EnqueueRequest{TenantID: tenant, Prompt: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := d.WaitForTask(ctx, tenant, "agent-1", nil, nil); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if err := d.Ack(ctx, task.ID, "agent-2"); err != store.ErrWrongAgent {
		t.Fatalf("expected ErrWrongAgent, got %v", err)
	}
	if err := d.Ack(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := d.Ack(ctx, task.ID, "agent-1"); err != store.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition on double ack, got %v", err)
	}
}

func TestTenSimultaneousPollersExactlyOneReserved(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		registerAgent(t, s, agentName(i))
	}

	task, err := d.Enqueue(ctx, EnqueueRequest{TenantID: tenant, Prompt: "contested"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, _, err := d.WaitForTask(ctx, tenant, agentName(i), nil, nil)
			if err != nil {
				t.Errorf("wait: %v", err)
				return
			}
			if got != nil && got.ID == task.ID {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func agentName(i int) string {
	return "agent-" + string(rune('a'+i))
}

func TestAnswerTaskReturnsToQueued(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	task, err := d.Enqueue(ctx, EnqueueRequest{TenantID: tenant, Prompt: "needs clarification"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.BlockTask(ctx, task.ID, "need more info"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := d.AnswerTask(ctx, task.ID, "here is more info"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	got, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.StatusQueued {
		t.Fatalf("expected QUEUED after answer, got %s", got.Status)
	}
	msgs, err := s.ListMessages(ctx, task.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != store.RoleSystem {
		t.Fatalf("expected one system message, got %+v", msgs)
	}
}

func TestRejectReturnsTaskToPoolForAnyAgent(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")
	registerAgent(t, s, "agent-2")

	task, err := d.Enqueue(ctx, EnqueueRequest{TenantID: tenant, Prompt: "needs review"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := d.WaitForTask(ctx, tenant, "agent-1", nil, nil); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := d.Ack(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := d.SendResponse(ctx, task.ID, "agent-1", store.Response{Status: "ok"}, false); err != nil {
		t.Fatalf("send response: %v", err)
	}
	if err := d.Reject(ctx, task.ID, "not good enough"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.StatusQueued {
		t.Fatalf("expected QUEUED after reject, got %s", got.Status)
	}
	if got.AssignedTo != "" {
		t.Fatalf("expected assignedTo cleared, got %q", got.AssignedTo)
	}
}

func TestEnqueueWithUnmetDependencyStartsBlocked(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	task, err := d.Enqueue(ctx, EnqueueRequest{
		TenantID: tenant, Prompt: "depends on something", Dependencies: []string{"nonexistent"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.Status != store.StatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", task.Status)
	}
}
