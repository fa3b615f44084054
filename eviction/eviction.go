// Package eviction implements the durable per-agent eviction channel (spec
// §4.5): an out-of-band control signal delivered the next time an agent
// polls, or immediately via the event bus if it is already waiting.
package eviction

import (
	"context"

	"github.com/fluxbroker/taskbroker/eventbus"
	"github.com/fluxbroker/taskbroker/store"
)

// Channel queues and delivers eviction signals against a Store, publishing to
// a Bus so an already-waiting long-poll unblocks immediately.
type Channel struct {
	store store.Store
	bus   *eventbus.Bus
}

func New(s store.Store, bus *eventbus.Bus) *Channel {
	return &Channel{store: s, bus: bus}
}

// Queue sets the pending eviction signal for an agent. Action escalation is
// monotonic: a pending SHUTDOWN is never downgraded by a later RESTART — the
// Store enforces this itself so concurrent queuers agree.
func (c *Channel) Queue(ctx context.Context, tenantID, agentID, reason string, action store.EvictionAction) error {
	if err := c.store.QueueEviction(ctx, tenantID, agentID, reason, action); err != nil {
		return err
	}
	c.bus.PublishEviction(eventbus.EvictionEvent{AgentID: agentID, Reason: reason, Action: action})
	return nil
}

// Pop returns and clears any pending eviction for the agent.
func (c *Channel) Pop(ctx context.Context, tenantID, agentID string) (reason string, action store.EvictionAction, ok bool, err error) {
	return c.store.PopEviction(ctx, tenantID, agentID)
}
