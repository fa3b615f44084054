package dispatcher

import (
	"context"
	"sort"
	"time"

	"github.com/fluxbroker/taskbroker/matcher"
	"github.com/fluxbroker/taskbroker/observability"
	"github.com/fluxbroker/taskbroker/store"
)

// The methods in this file are the Scheduler's four maintenance primitives.
// They live on Dispatcher because each one ends by driving the same
// state-machine transitions Enqueue/Ack/etc. do, and the Scheduler has no
// business touching the Store directly.

// RequeueExpiredReservations finds PENDING_ACK tasks whose reservation was
// sent more than ackTimeout ago and returns them to QUEUED, freeing them for
// the next assign pass. An agent that later acks a reservation the Scheduler
// has already requeued simply gets ErrInvalidTransition back.
func (d *Dispatcher) RequeueExpiredReservations(ctx context.Context, ackTimeout time.Duration) (int, error) {
	pending, err := d.store.ListAllByStatuses(ctx, store.StatusPendingAck)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	requeued := 0
	for _, t := range pending {
		if t.Reservation == nil || now.Sub(t.Reservation.SentAt) < ackTimeout {
			continue
		}
		err := d.store.UpdateStatus(ctx, t.ID, func(task *store.Task) error {
			if task.Status != store.StatusPendingAck || task.Reservation == nil {
				return store.ErrInvalidTransition
			}
			if now.Sub(task.Reservation.SentAt) < ackTimeout {
				return store.ErrInvalidTransition
			}
			task.Reservation = nil
			task.Status = store.StatusQueued
			task.LastActivityAt = now
			task.History = append(task.History, store.TransitionRecord{Timestamp: now, Status: store.StatusQueued, Message: "ack-timeout"})
			return nil
		})
		if err == nil {
			requeued++
			d.recordActivity(ctx, t.TenantID, "task-updated", t.ID)
			observability.ReservationsRequeued.WithLabelValues(t.TenantID).Inc()
		}
	}
	return requeued, nil
}

// UnblockDependencyReady finds BLOCKED tasks that were blocked for unmet
// dependencies (they carry at least one dependency id) whose dependencies
// have since all completed, and returns them to QUEUED. Tasks blocked for
// other reasons (Dependencies empty — an agent-initiated BlockTask) are left
// alone; those require an explicit AnswerTask.
func (d *Dispatcher) UnblockDependencyReady(ctx context.Context) (int, error) {
	blocked, err := d.store.ListAllByStatuses(ctx, store.StatusBlocked)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	unblocked := 0
	getStatus := d.depStatus(ctx)
	for _, t := range blocked {
		if len(t.Dependencies) == 0 || !matcher.DependenciesMet(t.Dependencies, getStatus) {
			continue
		}
		err := d.store.UpdateStatus(ctx, t.ID, func(task *store.Task) error {
			if task.Status != store.StatusBlocked || len(task.Dependencies) == 0 {
				return store.ErrInvalidTransition
			}
			task.Status = store.StatusQueued
			task.LastActivityAt = now
			task.History = append(task.History, store.TransitionRecord{Timestamp: now, Status: store.StatusQueued, Message: "dependencies-met"})
			return nil
		})
		if err == nil {
			unblocked++
			d.recordActivity(ctx, t.TenantID, "task-updated", t.ID)
		}
	}
	return unblocked, nil
}

// AssignPending runs the reservation primitive repeatedly against one
// tenant's waiting-agent pool and QUEUED/APPROVED_QUEUED tasks until no
// further match is found — i.e. until the waiting pool empties or no
// remaining task is eligible for any of it.
func (d *Dispatcher) AssignPending(ctx context.Context, tenantID string) (int, error) {
	assigned := 0
	for {
		waiting, err := d.store.ListWaitingAgents(ctx, tenantID)
		if err != nil {
			return assigned, err
		}
		observability.WaitingAgents.WithLabelValues(tenantID).Set(float64(len(waiting)))
		if len(waiting) == 0 {
			return assigned, nil
		}
		candidates, err := d.store.ListByStatuses(ctx, tenantID, store.StatusQueued, store.StatusApprovedQueued)
		if err != nil {
			return assigned, err
		}
		observability.QueueDepth.WithLabelValues(tenantID).Set(float64(len(candidates)))
		if len(candidates) == 0 {
			return assigned, nil
		}

		// ListWaitingAgents carries no ordering guarantee of its own, so the
		// oldest-waiter-wins fairness tiebreak FindBestAgent applies on the
		// synchronous reservation path has to be imposed here too: without
		// this sort, whichever agent's row happens to come back first claims
		// the best task regardless of how long it has actually been waiting.
		sort.SliceStable(waiting, func(i, j int) bool {
			return waitingSinceOrMax(waiting[i]).Before(waitingSinceOrMax(waiting[j]))
		})

		madeProgress := false
		for _, a := range waiting {
			task := matcher.FindBestTask(matchableAgent(a), candidates, d.depStatus(ctx), d.weights)
			if task == nil {
				continue
			}
			if _, err := d.reserve(ctx, tenantID, task, a); err == nil {
				assigned++
				madeProgress = true
			}
		}
		if !madeProgress {
			return assigned, nil
		}
	}
}

// TenantsWithPendingWork returns the distinct tenant ids carrying
// QUEUED/APPROVED_QUEUED work, so the Scheduler can run AssignPending once
// per tenant without needing a dedicated cross-tenant listing in the Store.
func (d *Dispatcher) TenantsWithPendingWork(ctx context.Context) ([]string, error) {
	tasks, err := d.store.ListAllByStatuses(ctx, store.StatusQueued, store.StatusApprovedQueued)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var tenants []string
	for _, t := range tasks {
		if !seen[t.TenantID] {
			seen[t.TenantID] = true
			tenants = append(tenants, t.TenantID)
		}
	}
	return tenants, nil
}

func waitingSinceOrMax(a *store.Agent) time.Time {
	if a.WaitingSince != nil {
		return *a.WaitingSince
	}
	return time.Unix(1<<62, 0)
}

// RebalanceStale finds ASSIGNED/IN_PROGRESS tasks whose agent has gone quiet
// for longer than staleTimeout and force-retries them back into the pool.
func (d *Dispatcher) RebalanceStale(ctx context.Context, staleTimeout time.Duration) (int, error) {
	active, err := d.store.ListAllByStatuses(ctx, store.StatusAssigned, store.StatusInProgress)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	rebalanced := 0
	for _, t := range active {
		if now.Sub(t.LastActivityAt) < staleTimeout {
			continue
		}
		if err := d.ForceRetry(ctx, t.ID); err == nil {
			rebalanced++
			observability.TasksRebalanced.WithLabelValues(t.TenantID).Inc()
		}
	}
	return rebalanced, nil
}
