// Package dispatcher implements the long-polling reserve/acknowledge state
// machine at the center of the broker. It is the only component that
// drives a Task through its status transitions; everything else either
// feeds it candidates (Matcher) or reacts to its output (eventbus, wshub).
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fluxbroker/taskbroker/eventbus"
	"github.com/fluxbroker/taskbroker/eviction"
	"github.com/fluxbroker/taskbroker/matcher"
	"github.com/fluxbroker/taskbroker/observability"
	"github.com/fluxbroker/taskbroker/store"
)

// Dispatcher owns task admission, reservation, acknowledgement and every
// agent-initiated transition. Safe for concurrent use; all serialization of
// conflicting reservations happens inside the Store's UpdateStatus.
type Dispatcher struct {
	store    store.Store
	bus      *eventbus.Bus
	eviction *eviction.Channel
	policy   PolicyChecker
	weights  matcher.Weights
	cfg      Config
}

// New constructs a Dispatcher. policy may be nil, in which case AllowAllPolicy is used.
func New(s store.Store, bus *eventbus.Bus, ev *eviction.Channel, policy PolicyChecker, cfg Config) *Dispatcher {
	if policy == nil {
		policy = AllowAllPolicy{}
	}
	return &Dispatcher{store: s, bus: bus, eviction: ev, policy: policy, weights: matcher.DefaultWeights, cfg: cfg}
}

// EnqueueRequest carries the fields a caller supplies when submitting a task.
type EnqueueRequest struct {
	TenantID     string
	Title        string
	Prompt       string
	From         store.Source
	To           store.RoutingHint
	Priority     store.Priority
	Source       string
	Dependencies []string
	Context      map[string]string
	Images       []string
}

// Enqueue admits a new task: mints its id, runs the policy check, decides its
// initial status (QUEUED, or BLOCKED if a dependency is not yet COMPLETED),
// records it, and makes one synchronous reservation attempt so an
// already-waiting agent doesn't have to wait for the next poll cycle.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*store.Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("dispatcher: prompt is required")
	}
	if flags := d.policy.Check(req.Prompt); len(flags) > 0 {
		_ = d.store.RecordSecurityEvent(ctx, &store.SecurityEvent{
			TenantID: req.TenantID,
			Kind:     "prompt-blocked",
			Detail:   strings.Join(flags, ","),
		})
		observability.PolicyRejections.WithLabelValues(req.TenantID).Inc()
		return nil, store.ErrPolicyBlocked
	}

	now := time.Now()
	priority := req.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}

	initial := store.StatusQueued
	if !matcher.DependenciesMet(req.Dependencies, d.depStatus(ctx)) {
		initial = store.StatusBlocked
	}

	task := &store.Task{
		ID:             newTaskID(now),
		TenantID:       req.TenantID,
		Title:          req.Title,
		Prompt:         req.Prompt,
		From:           req.From,
		To:             req.To,
		Priority:       priority,
		Status:         initial,
		Source:         req.Source,
		Dependencies:   req.Dependencies,
		Context:        req.Context,
		Images:         req.Images,
		History:        []store.TransitionRecord{{Timestamp: now, Status: initial}},
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := d.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	d.recordActivity(ctx, req.TenantID, "task-created", task.ID)
	observability.TasksEnqueued.WithLabelValues(req.TenantID, string(priority)).Inc()

	if task.Status == store.StatusQueued {
		if agent := d.pickAgentFor(ctx, task); agent != nil {
			reserved, err := d.reserve(ctx, req.TenantID, task, agent)
			if err == nil {
				return reserved, nil
			}
			// Lost the race, or dependency/status changed underneath us — fall
			// through and return the task as enqueued; the Scheduler's assign
			// step or the next waiting agent will pick it up.
		}
	}
	return task, nil
}

// pickAgentFor runs the Matcher over the tenant's currently waiting agents.
func (d *Dispatcher) pickAgentFor(ctx context.Context, task *store.Task) *store.Agent {
	waiting, err := d.store.ListWaitingAgents(ctx, task.TenantID)
	if err != nil || len(waiting) == 0 {
		return nil
	}
	matchable := make([]*store.Agent, len(waiting))
	byMatchable := make(map[*store.Agent]*store.Agent, len(waiting))
	for i, a := range waiting {
		m := matchableAgent(a)
		matchable[i] = m
		byMatchable[m] = a
	}
	best := matcher.FindBestAgent(task, matchable, d.weights)
	if best == nil {
		return nil
	}
	return byMatchable[best]
}

// matchableAgent returns a shallow copy of a with Capabilities/Workspace
// overridden by whatever it froze into its current long-poll claim, so the
// Matcher scores against what the agent asked for this cycle rather than its
// registered defaults.
func matchableAgent(a *store.Agent) *store.Agent {
	cp := *a
	if a.WaitingCapabilities != nil {
		cp.Capabilities = a.WaitingCapabilities
	}
	if a.WaitingWorkspace != nil {
		cp.Workspace = a.WaitingWorkspace
	}
	return &cp
}

// depStatus adapts the Store into the getStatus closure matcher.DependenciesMet expects.
func (d *Dispatcher) depStatus(ctx context.Context) func(string) (store.Status, bool) {
	return func(id string) (store.Status, bool) {
		t, err := d.store.GetTaskByID(ctx, id)
		if err != nil {
			return "", false
		}
		return t.Status, true
	}
}

// reserve is the single atomic reservation primitive: it moves task from
// QUEUED/APPROVED_QUEUED to PENDING_ACK for agent, or fails if either side
// has moved on in the meantime. Exactly one of any concurrent callers racing
// to reserve the same task succeeds, because the check-and-set happens inside
// the Store's single UpdateStatus transaction.
func (d *Dispatcher) reserve(ctx context.Context, tenantID string, task *store.Task, agent *store.Agent) (*store.Task, error) {
	now := time.Now()
	// Dependency statuses are read before the transaction: the Store holds its
	// only connection for the duration of UpdateStatus.
	depsMet := matcher.DependenciesMet(task.Dependencies, d.depStatus(ctx))
	err := d.store.UpdateStatus(ctx, task.ID, func(t *store.Task) error {
		if t.Status != store.StatusQueued && t.Status != store.StatusApprovedQueued {
			return store.ErrInvalidTransition
		}
		if !depsMet {
			return store.ErrDependencyUnmet
		}
		t.Status = store.StatusPendingAck
		t.Reservation = &store.Reservation{AgentID: agent.ID, SentAt: now}
		t.LastActivityAt = now
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusPendingAck, AgentID: agent.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = d.store.SetWaiting(ctx, tenantID, agent.ID, nil, nil, nil)

	reserved, err := d.store.GetTaskByID(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	d.recordActivity(ctx, tenantID, "task-updated", task.ID)
	d.bus.PublishTask(eventbus.TaskEvent{Task: reserved, IntendedAgentID: agent.ID})
	return reserved, nil
}

// WaitForTask implements the long-poll side of an agent's poll request. It
// first drains any pending eviction
// signal, then tries an immediate match against queued work, and only then
// parks on the event bus until either a task is reserved for this agent, an
// eviction is queued, or timeout elapses.
func (d *Dispatcher) WaitForTask(ctx context.Context, tenantID, agentID string, caps []store.Capability, ws *store.Workspace) (*store.Task, *EvictionSignal, error) {
	if reason, action, ok, err := d.eviction.Pop(ctx, tenantID, agentID); err != nil {
		return nil, nil, err
	} else if ok {
		return nil, &EvictionSignal{Reason: reason, Action: action}, nil
	}

	agent, err := d.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	if err := d.store.SetWaiting(ctx, tenantID, agentID, &now, caps, ws); err != nil {
		return nil, nil, err
	}
	agent.WaitingSince = &now
	agent.WaitingCapabilities = caps
	agent.WaitingWorkspace = ws

	if task := d.matchWaiting(ctx, tenantID, agent); task != nil {
		reserved, err := d.reserve(ctx, tenantID, task, agent)
		if err == nil {
			return reserved, nil, nil
		}
	}

	d.bus.PublishAgentWaiting(eventbus.AgentWaitingEvent{TenantID: tenantID, AgentID: agentID})

	type wake struct {
		task *store.Task
		ev   *EvictionSignal
	}
	woken := make(chan wake, 1)
	notifyOnce := func(w wake) {
		select {
		case woken <- w:
		default:
		}
	}

	taskSub := d.bus.SubscribeTask(func(e eventbus.TaskEvent) {
		if e.IntendedAgentID == agentID {
			notifyOnce(wake{task: e.Task})
		}
	})
	defer taskSub.Unsubscribe()

	evSub := d.bus.SubscribeEviction(func(e eventbus.EvictionEvent) {
		if e.AgentID == agentID {
			notifyOnce(wake{ev: &EvictionSignal{Reason: e.Reason, Action: e.Action}})
		}
	})
	defer evSub.Unsubscribe()

	timer := time.NewTimer(d.cfg.LongPollTimeout)
	defer timer.Stop()

	select {
	case w := <-woken:
		_ = d.store.SetWaiting(ctx, tenantID, agentID, nil, nil, nil)
		return w.task, w.ev, nil
	case <-timer.C:
		_ = d.store.SetWaiting(ctx, tenantID, agentID, nil, nil, nil)
		return nil, nil, nil
	case <-ctx.Done():
		_ = d.store.SetWaiting(ctx, tenantID, agentID, nil, nil, nil)
		return nil, nil, ctx.Err()
	}
}

// EvictionSignal is returned from WaitForTask in place of a task when the
// agent has a pending eviction instead.
type EvictionSignal struct {
	Reason string
	Action store.EvictionAction
}

func (d *Dispatcher) matchWaiting(ctx context.Context, tenantID string, agent *store.Agent) *store.Task {
	candidates, err := d.store.ListByStatuses(ctx, tenantID, store.StatusQueued, store.StatusApprovedQueued)
	if err != nil || len(candidates) == 0 {
		return nil
	}
	return matcher.FindBestTask(matchableAgent(agent), candidates, d.depStatus(ctx), d.weights)
}

// Ack acknowledges a reservation, moving PENDING_ACK -> ASSIGNED. Returns
// ErrWrongAgent if the reservation belongs to a different agent.
func (d *Dispatcher) Ack(ctx context.Context, taskID, agentID string) error {
	now := time.Now()
	return d.store.UpdateStatus(ctx, taskID, func(t *store.Task) error {
		if t.Status != store.StatusPendingAck {
			return store.ErrInvalidTransition
		}
		if t.Reservation == nil || t.Reservation.AgentID != agentID {
			return store.ErrWrongAgent
		}
		t.Status = store.StatusAssigned
		t.AssignedTo = agentID
		t.Reservation = nil
		t.LastActivityAt = now
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusAssigned, AgentID: agentID})
		return nil
	})
}

// UpdateProgress appends a progress message from the assigned agent,
// refreshes lastActivityAt, and moves an ASSIGNED task to IN_PROGRESS (the
// IN_PROGRESS history record is written only on that first move).
func (d *Dispatcher) UpdateProgress(ctx context.Context, taskID, agentID, message string) error {
	now := time.Now()
	err := d.store.UpdateStatus(ctx, taskID, func(t *store.Task) error {
		if t.AssignedTo != agentID {
			return store.ErrWrongAgent
		}
		if t.Status != store.StatusAssigned && t.Status != store.StatusInProgress {
			return store.ErrInvalidTransition
		}
		wasInProgress := t.Status == store.StatusInProgress
		t.Status = store.StatusInProgress
		t.LastActivityAt = now
		if !wasInProgress {
			t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusInProgress, AgentID: agentID})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return d.store.AppendMessage(ctx, &store.TaskMessage{
		ID: newMessageID(), TaskID: taskID, Role: store.RoleAgent, Content: message, Timestamp: now,
	})
}

// SendResponse attaches the agent's terminal payload and moves the task to a
// reviewable state. When finalize is true the task completes immediately
// (no human review required); otherwise it lands in IN_REVIEW awaiting
// Approve/Reject.
func (d *Dispatcher) SendResponse(ctx context.Context, taskID, agentID string, resp store.Response, finalize bool) error {
	now := time.Now()
	next := store.StatusInReview
	if finalize {
		next = store.StatusCompleted
	}
	var tenantID string
	err := d.store.UpdateStatus(ctx, taskID, func(t *store.Task) error {
		if t.AssignedTo != agentID {
			return store.ErrWrongAgent
		}
		if t.Status != store.StatusAssigned && t.Status != store.StatusInProgress {
			return store.ErrInvalidTransition
		}
		tenantID = t.TenantID
		t.Response = &resp
		t.Status = next
		t.LastActivityAt = now
		if next == store.StatusCompleted {
			t.CompletedAt = &now
		}
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: next, AgentID: agentID})
		return nil
	})
	if err != nil {
		return err
	}
	d.recordActivity(ctx, tenantID, "task-updated", taskID)
	if next == store.StatusCompleted {
		d.publishCompletion(ctx, taskID)
	}
	return nil
}

// Approve finalizes a reviewed task: IN_REVIEW -> APPROVED_QUEUED ->
// COMPLETED. The core only records the transition; any actual merge/publish
// side effect belongs to an external review collaborator.
func (d *Dispatcher) Approve(ctx context.Context, taskID string) error {
	now := time.Now()
	err := d.store.UpdateStatus(ctx, taskID, func(t *store.Task) error {
		if t.Status != store.StatusInReview {
			return store.ErrInvalidTransition
		}
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusApprovedQueued})
		t.Status = store.StatusCompleted
		t.CompletedAt = &now
		t.LastActivityAt = now
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusCompleted})
		return nil
	})
	if err != nil {
		return err
	}
	d.publishCompletion(ctx, taskID)
	return nil
}

// Reject sends a reviewed task back to the pool: IN_REVIEW -> REJECTED
// (audit marker) -> QUEUED, clearing the prior assignment so any eligible
// agent — not necessarily the same one — may pick it up again.
func (d *Dispatcher) Reject(ctx context.Context, taskID, reason string) error {
	now := time.Now()
	return d.store.UpdateStatus(ctx, taskID, func(t *store.Task) error {
		if t.Status != store.StatusInReview {
			return store.ErrInvalidTransition
		}
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusRejected, Message: reason})
		t.AssignedTo = ""
		t.Reservation = nil
		t.Status = store.StatusQueued
		t.LastActivityAt = now
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusQueued})
		return nil
	})
}

// BlockTask moves an in-flight task to BLOCKED with an operator-facing
// reason; it is the agent-initiated counterpart to a dependency block.
func (d *Dispatcher) BlockTask(ctx context.Context, taskID, reason string) error {
	now := time.Now()
	return d.store.UpdateStatus(ctx, taskID, func(t *store.Task) error {
		if t.Status.IsTerminal() {
			return store.ErrInvalidTransition
		}
		t.Status = store.StatusBlocked
		t.LastActivityAt = now
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusBlocked, Message: reason})
		return nil
	})
}

// AnswerTask resolves a BLOCKED task with an operator-supplied answer,
// appending it as a system message and returning the task to QUEUED.
func (d *Dispatcher) AnswerTask(ctx context.Context, taskID, answer string) error {
	now := time.Now()
	err := d.store.UpdateStatus(ctx, taskID, func(t *store.Task) error {
		if t.Status != store.StatusBlocked {
			return store.ErrInvalidTransition
		}
		t.Status = store.StatusQueued
		t.LastActivityAt = now
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusQueued})
		return nil
	})
	if err != nil {
		return err
	}
	return d.store.AppendMessage(ctx, &store.TaskMessage{
		ID: newMessageID(), TaskID: taskID, Role: store.RoleSystem, Content: answer, Timestamp: now,
	})
}

// CancelTask moves any non-terminal task to CANCELLED. It is a no-op error
// against a task that is already terminal, including one already cancelled.
func (d *Dispatcher) CancelTask(ctx context.Context, taskID string) error {
	now := time.Now()
	err := d.store.UpdateStatus(ctx, taskID, func(t *store.Task) error {
		if t.Status.IsTerminal() {
			return store.ErrInvalidTransition
		}
		t.Status = store.StatusCancelled
		t.AssignedTo = ""
		t.Reservation = nil
		t.CompletedAt = &now
		t.LastActivityAt = now
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusCancelled})
		return nil
	})
	if err != nil {
		return err
	}
	d.publishCompletion(ctx, taskID)
	return nil
}

// ForceRetry returns a task to QUEUED for re-dispatch, clearing any stale
// reservation/assignment and incrementing retryCount. The prior response's
// diff artifact, if any, survives the retry so review context isn't lost;
// the rest of the response is cleared since the agent will produce a fresh one.
func (d *Dispatcher) ForceRetry(ctx context.Context, taskID string) error {
	now := time.Now()
	return d.store.UpdateStatus(ctx, taskID, func(t *store.Task) error {
		if t.Status.IsTerminal() {
			return store.ErrInvalidTransition
		}
		var keptDiff string
		if t.Response != nil && t.Response.Artifacts != nil {
			keptDiff = t.Response.Artifacts.Diff
		}
		t.Response = nil
		if keptDiff != "" {
			t.Response = &store.Response{Artifacts: &store.ResponseArtifacts{Diff: keptDiff}}
		}
		t.AssignedTo = ""
		t.Reservation = nil
		t.RetryCount++
		t.Status = store.StatusQueued
		t.LastActivityAt = now
		t.History = append(t.History, store.TransitionRecord{Timestamp: now, Status: store.StatusQueued, Message: "force-retry"})
		return nil
	})
}

func (d *Dispatcher) publishCompletion(ctx context.Context, taskID string) {
	task, err := d.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return
	}
	d.recordActivity(ctx, task.TenantID, "task-completed", taskID)
	observability.TasksCompleted.WithLabelValues(task.TenantID, string(task.Status)).Inc()
	d.bus.PublishCompletion(eventbus.CompletionEvent{Task: task})
}

func (d *Dispatcher) recordActivity(ctx context.Context, tenantID, kind, taskID string) {
	_ = d.store.RecordActivity(ctx, &store.ActivityEvent{
		TenantID:  tenantID,
		Timestamp: time.Now(),
		Kind:      kind,
		Metadata:  map[string]string{"taskId": taskID},
	})
}
