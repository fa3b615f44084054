package coordination

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxbroker/taskbroker/observability"
	"github.com/fluxbroker/taskbroker/store"
)

const leaderLockKey = "taskbroker:lock:scheduler-leader"

// Elector runs a renew-or-acquire loop against a Lease and a Store-persisted
// fencing epoch, and satisfies scheduler.Leader.
type Elector struct {
	lease   Lease
	store   store.Store
	nodeID  string
	ttl     time.Duration
	lockVal string

	mu       sync.RWMutex
	isLeader bool
}

func NewElector(lease Lease, s store.Store, nodeID string, ttl time.Duration) *Elector {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Elector{
		lease:   lease,
		store:   s,
		nodeID:  nodeID,
		ttl:     ttl,
		lockVal: nodeID + ":" + uuid.NewString(),
	}
}

// IsLeader reports whether this node currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Run drives the acquire/renew loop until ctx is cancelled, releasing the
// lease on the way out if held.
func (e *Elector) Run(ctx context.Context) {
	interval := e.ttl / 3
	minInterval := interval
	maxInterval := 10 * e.ttl

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				_ = e.lease.Release(context.Background(), leaderLockKey, e.lockVal)
			}
			return
		case <-ticker.C:
			err := e.tick(ctx)
			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Printf("coordination: elector tick error, backing off to %v: %v", interval, err)
			} else {
				interval = minInterval
			}
			ticker.Reset(interval)
		}
	}
}

func (e *Elector) tick(ctx context.Context) error {
	if e.IsLeader() {
		renewed, err := e.lease.Renew(ctx, leaderLockKey, e.lockVal, e.ttl)
		if err != nil {
			return err
		}
		if !renewed {
			e.setLeader(false)
		}
		return nil
	}

	acquired, err := e.lease.Acquire(ctx, leaderLockKey, e.lockVal, e.ttl)
	if err != nil {
		return err
	}
	if acquired {
		epoch, err := e.store.IncrementEpoch(ctx, "scheduler-leader")
		if err != nil {
			return err
		}
		observability.LeaderEpoch.WithLabelValues(e.nodeID).Set(float64(epoch))
		e.setLeader(true)
	}
	return nil
}

func (e *Elector) setLeader(v bool) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = v
	e.mu.Unlock()
	if wasLeader != v {
		event := "lost"
		if v {
			event = "acquired"
		}
		observability.LeadershipTransitions.WithLabelValues(e.nodeID, event).Inc()
		log.Printf("coordination: node %s %s scheduler leadership", e.nodeID, event)
	}
}
