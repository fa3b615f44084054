package matcher

import (
	"testing"
	"time"

	"github.com/fluxbroker/taskbroker/store"
)

func agentWaitingSince(id string, when time.Time, caps ...store.Capability) *store.Agent {
	return &store.Agent{ID: id, Capabilities: caps, WaitingSince: &when}
}

func TestWorkspaceHardReject(t *testing.T) {
	task := &store.Task{To: store.RoutingHint{WorkspaceID: "repo-1"}}
	agentNoBinding := &store.Agent{ID: "a1"}
	if sc := DefaultWeights.Score(task, agentNoBinding); sc.Eligible {
		t.Fatal("expected hard reject when agent has no workspace binding")
	}

	agentWrongRepo := &store.Agent{ID: "a2", Workspace: &store.Workspace{RepoID: "repo-2"}}
	if sc := DefaultWeights.Score(task, agentWrongRepo); sc.Eligible {
		t.Fatal("expected hard reject on repo mismatch")
	}

	agentRightRepo := &store.Agent{ID: "a3", Workspace: &store.Workspace{RepoID: "repo-1"}}
	if sc := DefaultWeights.Score(task, agentRightRepo); !sc.Eligible {
		t.Fatal("expected eligible on repo match")
	}
}

func TestCapabilityHardReject(t *testing.T) {
	task := &store.Task{To: store.RoutingHint{RequiredCapabilities: []store.Capability{store.CapCodeWriting, store.CapTestWriting}}}
	missing := &store.Agent{ID: "a1", Capabilities: []store.Capability{store.CapCodeWriting}}
	if sc := DefaultWeights.Score(task, missing); sc.Eligible {
		t.Fatal("expected hard reject on missing capability")
	}

	superset := &store.Agent{ID: "a2", Capabilities: []store.Capability{store.CapCodeWriting, store.CapTestWriting, store.CapDocWriting}}
	if sc := DefaultWeights.Score(task, superset); !sc.Eligible {
		t.Fatal("expected eligible when agent is a superset")
	}
}

func TestMonotonicity(t *testing.T) {
	task := &store.Task{To: store.RoutingHint{RequiredCapabilities: []store.Capability{store.CapCodeWriting}}}
	agent := &store.Agent{ID: "a1", Capabilities: []store.Capability{}}
	before := DefaultWeights.Score(task, agent)
	if before.Eligible {
		t.Fatal("expected ineligible before capability added")
	}
	agent.Capabilities = append(agent.Capabilities, store.CapCodeWriting)
	after := DefaultWeights.Score(task, agent)
	if !after.Eligible {
		t.Fatal("adding a capability must never turn an eligible match ineligible")
	}
}

func TestFindBestAgentFairnessTiebreak(t *testing.T) {
	task := &store.Task{}
	now := time.Now()
	older := agentWaitingSince("older", now.Add(-time.Minute))
	newer := agentWaitingSince("newer", now)

	best := FindBestAgent(task, []*store.Agent{newer, older}, DefaultWeights)
	if best == nil || best.ID != "older" {
		t.Fatalf("expected oldest waiter to win tie, got %+v", best)
	}
}

func TestFindBestAgentNilWhenNoneEligible(t *testing.T) {
	task := &store.Task{To: store.RoutingHint{WorkspaceID: "repo-1"}}
	agents := []*store.Agent{{ID: "a1"}}
	if got := FindBestAgent(task, agents, DefaultWeights); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestFindBestTaskDependencyFilter(t *testing.T) {
	agent := &store.Agent{ID: "a1"}
	blocked := &store.Task{ID: "t1", Dependencies: []string{"dep-1"}, Priority: store.PriorityNormal}
	ready := &store.Task{ID: "t2", Priority: store.PriorityNormal}

	statuses := map[string]store.Status{"dep-1": store.StatusQueued}
	getStatus := func(id string) (store.Status, bool) {
		s, ok := statuses[id]
		return s, ok
	}

	got := FindBestTask(agent, []*store.Task{blocked, ready}, getStatus, DefaultWeights)
	if got == nil || got.ID != "t2" {
		t.Fatalf("expected t2 (dependency unmet for t1), got %+v", got)
	}
}

func TestFindBestTaskPriorityOrdering(t *testing.T) {
	agent := &store.Agent{ID: "a1"}
	now := time.Now()
	low := &store.Task{ID: "low", Priority: store.PriorityNormal, CreatedAt: now}
	high := &store.Task{ID: "high", Priority: store.PriorityCritical, CreatedAt: now.Add(time.Second)}

	getStatus := func(id string) (store.Status, bool) { return store.StatusCompleted, true }
	got := FindBestTask(agent, []*store.Task{low, high}, getStatus, DefaultWeights)
	if got == nil || got.ID != "high" {
		t.Fatalf("expected critical priority task first, got %+v", got)
	}
}

func TestFindBestTaskAffinity(t *testing.T) {
	agent := &store.Agent{ID: "a1"}
	now := time.Now()
	hinted := &store.Task{ID: "hinted", Priority: store.PriorityNormal, CreatedAt: now, To: store.RoutingHint{AgentID: "a1"}}
	unhinted := &store.Task{ID: "unhinted", Priority: store.PriorityCritical, CreatedAt: now.Add(-time.Minute)}

	getStatus := func(id string) (store.Status, bool) { return store.StatusCompleted, true }
	got := FindBestTask(agent, []*store.Task{unhinted, hinted}, getStatus, DefaultWeights)
	if got == nil || got.ID != "hinted" {
		t.Fatalf("expected affinity to outrank priority, got %+v", got)
	}
}
