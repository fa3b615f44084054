// Package scheduler runs the background maintenance cycle that keeps the
// task pool moving: requeuing unacknowledged reservations, unblocking
// dependency-ready tasks, assigning pending work to waiting agents, and
// rebalancing stale in-flight tasks. It owns no direct Store
// access of its own — every actual transition goes through the Dispatcher's
// maintenance primitives, so the Scheduler is purely an orchestration loop.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/fluxbroker/taskbroker/dispatcher"
	"github.com/fluxbroker/taskbroker/eventbus"
	"github.com/fluxbroker/taskbroker/observability"
	"github.com/fluxbroker/taskbroker/store"
)

// Scheduler drives the four-step maintenance cycle on a ticker, plus an
// immediate assign pass whenever an agent parks with no match ("on-agent-waited").
type Scheduler struct {
	dispatcher *dispatcher.Dispatcher
	bus        *eventbus.Bus
	store      store.Store
	leader     Leader
	cfg        Config

	nudge chan string // tenant ids nudged for an immediate assign pass
}

// New constructs a Scheduler. leader may be nil, meaning this process always
// considers itself the leader (single-instance deployments).
func New(d *dispatcher.Dispatcher, bus *eventbus.Bus, s store.Store, leader Leader, cfg Config) *Scheduler {
	if leader == nil {
		leader = alwaysLeader{}
	}
	return &Scheduler{
		dispatcher: d,
		bus:        bus,
		store:      s,
		leader:     leader,
		cfg:        cfg,
		nudge:      make(chan string, 64),
	}
}

// Run blocks, executing the maintenance cycle on cfg.TickInterval and on
// every agent-waiting nudge, until ctx is cancelled. Intended to run in its
// own goroutine from cmd/broker.
func (s *Scheduler) Run(ctx context.Context) {
	sub := s.bus.SubscribeAgentWaiting(func(e eventbus.AgentWaitingEvent) {
		select {
		case s.nudge <- e.TenantID:
		default:
		}
	})
	defer sub.Unsubscribe()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case tenantID := <-s.nudge:
			if !s.leader.IsLeader() {
				continue
			}
			if _, err := s.dispatcher.AssignPending(ctx, tenantID); err != nil {
				log.Printf("scheduler: nudge assign pass for %s failed: %v", tenantID, err)
			}
		}
	}
}

// runCycle executes one full pass of the four maintenance steps, in order:
// requeue, unblock, assign, rebalance.
func (s *Scheduler) runCycle(ctx context.Context) {
	if !s.leader.IsLeader() {
		return
	}
	start := time.Now()
	defer func() { observability.SchedulerCycleDuration.Observe(time.Since(start).Seconds()) }()

	requeued, err := s.dispatcher.RequeueExpiredReservations(ctx, s.cfg.AckTimeout)
	if err != nil {
		log.Printf("scheduler: requeue step failed: %v", err)
	}

	unblocked, err := s.dispatcher.UnblockDependencyReady(ctx)
	if err != nil {
		log.Printf("scheduler: unblock step failed: %v", err)
	}

	assigned := 0
	tenants, err := s.dispatcher.TenantsWithPendingWork(ctx)
	if err != nil {
		log.Printf("scheduler: listing tenants with pending work failed: %v", err)
	}
	for _, tenantID := range tenants {
		n, err := s.dispatcher.AssignPending(ctx, tenantID)
		if err != nil {
			log.Printf("scheduler: assign step for tenant %s failed: %v", tenantID, err)
			continue
		}
		assigned += n
	}

	rebalanced, err := s.dispatcher.RebalanceStale(ctx, s.cfg.StaleTaskTimeout)
	if err != nil {
		log.Printf("scheduler: rebalance step failed: %v", err)
	}

	if requeued > 0 || unblocked > 0 || assigned > 0 || rebalanced > 0 {
		log.Printf("scheduler: cycle requeued=%d unblocked=%d assigned=%d rebalanced=%d", requeued, unblocked, assigned, rebalanced)
	}
}
