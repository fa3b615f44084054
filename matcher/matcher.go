// Package matcher implements the pure capability/workspace/hint scoring
// function the Dispatcher and Scheduler both consult to decide which agent
// may receive which task. Nothing here touches the Store or the clock
// beyond what callers pass in; findBestAgent/findBestTask are deterministic
// given their inputs.
package matcher

import (
	"sort"
	"time"

	"github.com/fluxbroker/taskbroker/store"
)

// Weights combine the three sub-scores into one eligibility score.
type Weights struct {
	Workspace    float64
	Capabilities float64
	Hint         float64
}

// DefaultWeights backs the SCHEDULER_WEIGHTS configuration option's default.
var DefaultWeights = Weights{Workspace: 0.4, Capabilities: 0.4, Hint: 0.2}

// Score is the result of scoring one (task, agent) pair.
type Score struct {
	Eligible bool
	Value    float64
}

// Score computes eligibility and a weighted score for matching task against agent.
func (w Weights) Score(task *store.Task, agent *store.Agent) Score {
	ws, ok := workspaceScore(task, agent)
	if !ok {
		return Score{Eligible: false}
	}
	caps, ok := capabilityScore(task, agent)
	if !ok {
		return Score{Eligible: false}
	}
	hint := hintScore(task, agent)

	return Score{
		Eligible: true,
		Value:    w.Workspace*ws + w.Capabilities*caps + w.Hint*hint,
	}
}

func workspaceScore(task *store.Task, agent *store.Agent) (float64, bool) {
	if task.To.WorkspaceID == "" {
		return 0.5, true
	}
	if agent.Workspace == nil {
		return 0, false
	}
	if agent.Workspace.RepoID == task.To.WorkspaceID {
		return 1.0, true
	}
	return 0, false
}

func capabilityScore(task *store.Task, agent *store.Agent) (float64, bool) {
	required := task.To.RequiredCapabilities
	if len(required) == 0 {
		return 1.0, true
	}
	have := make(map[store.Capability]bool, len(agent.Capabilities))
	for _, c := range agent.Capabilities {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return 0, false
		}
	}
	return 1.0, true
}

func hintScore(task *store.Task, agent *store.Agent) float64 {
	switch {
	case task.To.AgentID == "":
		return 0.5
	case task.To.AgentID == agent.ID:
		return 1.0
	default:
		return 0.3
	}
}

// FindBestAgent filters agents to those eligible for task, sorts by score
// descending then by WaitingSince ascending (oldest waiter wins ties), and
// returns the best match or nil.
func FindBestAgent(task *store.Task, agents []*store.Agent, w Weights) *store.Agent {
	type candidate struct {
		agent *store.Agent
		score float64
	}
	var candidates []candidate
	for _, a := range agents {
		sc := w.Score(task, a)
		if sc.Eligible {
			candidates = append(candidates, candidate{agent: a, score: sc.Value})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		wi, wj := waitingSinceOrMax(candidates[i].agent), waitingSinceOrMax(candidates[j].agent)
		return wi.Before(wj)
	})
	return candidates[0].agent
}

func waitingSinceOrMax(a *store.Agent) time.Time {
	if a.WaitingSince != nil {
		return *a.WaitingSince
	}
	return time.Unix(1<<62, 0)
}

// DependenciesMet reports whether every id in deps resolves to a COMPLETED
// task via getStatus.
func DependenciesMet(deps []string, getStatus func(taskID string) (store.Status, bool)) bool {
	for _, id := range deps {
		status, ok := getStatus(id)
		if !ok || status != store.StatusCompleted {
			return false
		}
	}
	return true
}

var priorityRank = map[store.Priority]int{
	store.PriorityCritical: 0,
	store.PriorityHigh:     1,
	store.PriorityNormal:   2,
}

// FindBestTask is the dual of FindBestAgent: it filters candidates to tasks
// whose dependencies are all COMPLETED, sorts by (affinity to this agent,
// priority critical>high>normal, createdAt ascending), and returns the first
// one the agent is eligible for, or nil.
func FindBestTask(agent *store.Agent, candidates []*store.Task, getStatus func(taskID string) (store.Status, bool), w Weights) *store.Task {
	ready := make([]*store.Task, 0, len(candidates))
	for _, t := range candidates {
		if DependenciesMet(t.Dependencies, getStatus) {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		ai := ready[i].To.AgentID == agent.ID
		aj := ready[j].To.AgentID == agent.ID
		if ai != aj {
			return ai
		}
		pi, pj := priorityRank[ready[i].Priority], priorityRank[ready[j].Priority]
		if pi != pj {
			return pi < pj
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	for _, t := range ready {
		if w.Score(t, agent).Eligible {
			return t
		}
	}
	return nil
}
