package store

import (
	"context"
	"time"
)

// Store is the narrow, typed repository API every mutation funnels through.
// It exclusively owns persisted state: agents, tasks, task messages, activity
// logs and security events, plus the durable fragments of in-flight state
// (reservations and waiting-poll claims) that must survive a process restart.
type Store interface {
	// --- Agent operations ---

	// RegisterAgent creates or refreshes an agent. Re-registration with the
	// same display name on the same id refreshes LastSeen/Capabilities; a
	// colliding id under a different display name either overwrites a stale
	// agent or is handed back a fresh suffixed id.
	RegisterAgent(ctx context.Context, agent *Agent) (*Agent, error)
	GetAgent(ctx context.Context, tenantID, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*Agent, error)
	Heartbeat(ctx context.Context, tenantID, agentID string, t time.Time) error

	// GetByCapability lists agents carrying every capability in caps (used by
	// operator/debug tooling; the Dispatcher's matching works off
	// ListWaitingAgents).
	GetByCapability(ctx context.Context, tenantID string, caps []Capability) ([]*Agent, error)

	// SetWaiting marks/clears an agent's long-poll claim. Passing a nil
	// waitingSince clears it.
	SetWaiting(ctx context.Context, tenantID, agentID string, waitingSince *time.Time, caps []Capability, ws *Workspace) error
	ListWaitingAgents(ctx context.Context, tenantID string) ([]*Agent, error)

	// QueueEviction sets the pending eviction signal, escalating SHUTDOWN over
	// RESTART. PopEviction returns and clears it.
	QueueEviction(ctx context.Context, tenantID, agentID, reason string, action EvictionAction) error
	PopEviction(ctx context.Context, tenantID, agentID string) (reason string, action EvictionAction, ok bool, err error)

	// DeleteStaleAgents removes agents whose LastSeen predates the cutoff and
	// which hold no reservation or waiting claim (Store cleanup sweep).
	DeleteStaleAgents(ctx context.Context, tenantID string, cutoff time.Time) (int, error)

	// --- Task operations ---

	InsertTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, tenantID, taskID string) (*Task, error)
	GetTaskByID(ctx context.Context, taskID string) (*Task, error) // cross-tenant, used internally by dispatcher/scheduler
	ListByStatuses(ctx context.Context, tenantID string, statuses ...Status) ([]*Task, error)
	ListAllByStatuses(ctx context.Context, statuses ...Status) ([]*Task, error) // across tenants, for the Scheduler
	GetByAssigned(ctx context.Context, tenantID, agentID string) ([]*Task, error)
	GetHistory(ctx context.Context, taskID string) ([]TransitionRecord, error)

	// UpdateStatus applies the supplied mutator to the stored task (handed
	// over without its History) and writes back the row, including
	// status/assignedTo/completedAt/reservation fields, together with every
	// history record the mutator appended, all within a single write.
	UpdateStatus(ctx context.Context, taskID string, mutate func(t *Task) error) error

	// --- Task message operations ---

	AppendMessage(ctx context.Context, msg *TaskMessage) error
	GetUnread(ctx context.Context, taskID string) ([]*TaskMessage, error)
	MarkRead(ctx context.Context, taskID string, messageIDs ...string) error
	ListMessages(ctx context.Context, taskID string) ([]*TaskMessage, error)

	// --- Activity / security log ---

	RecordActivity(ctx context.Context, event *ActivityEvent) error
	ListActivity(ctx context.Context, tenantID string, limit int) ([]*ActivityEvent, error)
	RecordSecurityEvent(ctx context.Context, event *SecurityEvent) error

	// --- Coordination / idempotency durable fragments ---

	IncrementEpoch(ctx context.Context, resourceID string) (int64, error)
	GetEpoch(ctx context.Context, resourceID string) (int64, error)

	GetIdempotencyRecord(ctx context.Context, key string) (string, bool, error)
	SetIdempotencyRecord(ctx context.Context, key, value string, ttl time.Duration) error

	// RecoverySweep resets PENDING_ACK tasks to QUEUED and clears every
	// waiting claim. Called once at Store startup.
	RecoverySweep(ctx context.Context) (requeued int, waitersCleared int, err error)

	Close() error
}
