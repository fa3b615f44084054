package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/fluxbroker/taskbroker/dispatcher"
	"github.com/fluxbroker/taskbroker/eventbus"
	"github.com/fluxbroker/taskbroker/eviction"
	"github.com/fluxbroker/taskbroker/store"
)

const tenant = "tenant-1"

func newHarness(t *testing.T) (*dispatcher.Dispatcher, store.Store, *eventbus.Bus) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bus := eventbus.New()
	ev := eviction.New(s, bus)
	cfg := dispatcher.DefaultConfig
	cfg.LongPollTimeout = 300 * time.Millisecond
	return dispatcher.New(s, bus, ev, nil, cfg), s, bus
}

func TestRunCycleRequeuesExpiredReservation(t *testing.T) {
	d, s, bus := newHarness(t)
	ctx := context.Background()

	if _, err := s.RegisterAgent(ctx, &store.Agent{ID: "agent-1", TenantID: tenant, DisplayName: "agent-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	task, err := d.Enqueue(ctx, dispatcher.EnqueueRequest{TenantID: tenant, Prompt: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		d.WaitForTask(ctx, tenant, "agent-1", nil, nil)
		close(done)
	}()
	<-done

	reserved, err := s.GetTaskByID(ctx, task.ID)
	if err != nil || reserved.Status != store.StatusPendingAck {
		t.Fatalf("expected PENDING_ACK, got %+v err=%v", reserved, err)
	}

	sched := New(d, bus, s, nil, Config{AckTimeout: 0, StaleTaskTimeout: time.Hour, TickInterval: time.Hour})
	sched.runCycle(ctx)

	after, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status != store.StatusQueued {
		t.Fatalf("expected requeue to QUEUED, got %s", after.Status)
	}
}

func TestRunCycleUnblocksDependencyReadyTask(t *testing.T) {
	d, s, bus := newHarness(t)
	ctx := context.Background()

	dep, err := d.Enqueue(ctx, dispatcher.EnqueueRequest{TenantID: tenant, Prompt: "dep"})
	if err != nil {
		t.Fatalf("enqueue dep: %v", err)
	}
	blocked, err := d.Enqueue(ctx, dispatcher.EnqueueRequest{TenantID: tenant, Prompt: "blocked", Dependencies: []string{dep.ID}})
	if err != nil {
		t.Fatalf("enqueue blocked: %v", err)
	}
	if blocked.Status != store.StatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", blocked.Status)
	}

	if err := s.UpdateStatus(ctx, dep.ID, func(t *store.Task) error {
		t.Status = store.StatusCompleted
		now := time.Now()
		t.CompletedAt = &now
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusCompleted})
		return nil
	}); err != nil {
		t.Fatalf("complete dep: %v", err)
	}

	sched := New(d, bus, s, nil, Config{AckTimeout: time.Hour, StaleTaskTimeout: time.Hour, TickInterval: time.Hour})
	sched.runCycle(ctx)

	after, err := s.GetTaskByID(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status != store.StatusQueued {
		t.Fatalf("expected QUEUED after dependency completed, got %s", after.Status)
	}
}

func TestRunCycleRebalancesStaleInProgressTask(t *testing.T) {
	d, s, bus := newHarness(t)
	ctx := context.Background()

	if _, err := s.RegisterAgent(ctx, &store.Agent{ID: "agent-1", TenantID: tenant, DisplayName: "agent-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	task, err := d.Enqueue(ctx, dispatcher.EnqueueRequest{TenantID: tenant, Prompt: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := make(chan struct{})
	go func() {
		d.WaitForTask(ctx, tenant, "agent-1", nil, nil)
		close(done)
	}()
	<-done
	if err := d.Ack(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// Force the task's lastActivityAt far enough into the past to look stale.
	if err := s.UpdateStatus(ctx, task.ID, func(t *store.Task) error {
		t.LastActivityAt = time.Now().Add(-time.Hour)
		return nil
	}); err != nil {
		t.Fatalf("age task: %v", err)
	}

	sched := New(d, bus, s, nil, Config{AckTimeout: time.Hour, StaleTaskTimeout: time.Minute, TickInterval: time.Hour})
	sched.runCycle(ctx)

	after, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status != store.StatusQueued {
		t.Fatalf("expected rebalance to QUEUED via force-retry, got %s", after.Status)
	}
	if after.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", after.RetryCount)
	}
}

func TestNonLeaderSkipsCycle(t *testing.T) {
	d, s, bus := newHarness(t)
	ctx := context.Background()

	if _, err := s.RegisterAgent(ctx, &store.Agent{ID: "agent-1", TenantID: tenant, DisplayName: "agent-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	task, err := d.Enqueue(ctx, dispatcher.EnqueueRequest{TenantID: tenant, Prompt: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := make(chan struct{})
	go func() {
		d.WaitForTask(ctx, tenant, "agent-1", nil, nil)
		close(done)
	}()
	<-done

	sched := New(d, bus, s, neverLeader{}, Config{AckTimeout: 0, StaleTaskTimeout: time.Hour, TickInterval: time.Hour})
	sched.runCycle(ctx)

	after, err := s.GetTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status != store.StatusPendingAck {
		t.Fatalf("expected non-leader to skip the cycle, got %s", after.Status)
	}
}

type neverLeader struct{}

func (neverLeader) IsLeader() bool { return false }
