package store

import "time"

// Capability is a declared skill label drawn from a closed enumeration.
type Capability string

const (
	CapCodeWriting    Capability = "code-writing"
	CapTestWriting    Capability = "test-writing"
	CapSpecWriting    Capability = "spec-writing"
	CapDocWriting     Capability = "doc-writing"
	CapCodeDoctor     Capability = "code-doctor"
	CapGeneralPurpose Capability = "general-purpose"
)

// Priority orders tasks within the queue.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status is a task's position in the state machine.
type Status string

const (
	StatusQueued         Status = "QUEUED"
	StatusPendingAck     Status = "PENDING_ACK"
	StatusAssigned       Status = "ASSIGNED"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusInReview       Status = "IN_REVIEW"
	StatusApprovedQueued Status = "APPROVED_QUEUED"
	StatusCompleted      Status = "COMPLETED"
	StatusBlocked        Status = "BLOCKED"
	StatusRejected       Status = "REJECTED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

// IsTerminal reports whether a task in this status can never transition again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// EvictionAction is the remediation an evicted agent should take.
type EvictionAction string

const (
	EvictionRestart  EvictionAction = "RESTART"
	EvictionShutdown EvictionAction = "SHUTDOWN"
)

// Workspace ties an agent or a task's routing hint to a single repository identity.
type Workspace struct {
	Kind   string `json:"kind,omitempty"`
	RepoID string `json:"repoId,omitempty"`
	Branch string `json:"branch,omitempty"`
	Path   string `json:"path,omitempty"`
}

// RoutingHint narrows which agent may take a task.
type RoutingHint struct {
	AgentID              string       `json:"agentId,omitempty"`
	RequiredCapabilities []Capability `json:"requiredCapabilities,omitempty"`
	WorkspaceID          string       `json:"workspaceId,omitempty"`
}

// Source identifies who originated a task or a message.
type Source struct {
	Kind string `json:"kind"` // "user" | "agent"
	ID   string `json:"id"`
}

// Agent is a long-running worker that polls the broker and executes assigned tasks.
type Agent struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenantId"`
	DisplayName string       `json:"displayName"`
	Role        string       `json:"role,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Workspace   *Workspace   `json:"workspace,omitempty"`

	LastSeen     time.Time  `json:"lastSeen"`
	WaitingSince *time.Time `json:"waitingSince,omitempty"`
	// WaitingCapabilities/WaitingWorkspace freeze the long-poll's filter so the
	// reservation primitive can match against what the agent asked for, not its
	// registered defaults, without re-reading the HTTP request.
	WaitingCapabilities []Capability `json:"waitingCapabilities,omitempty"`
	WaitingWorkspace    *Workspace   `json:"waitingWorkspace,omitempty"`

	EvictionRequested bool           `json:"evictionRequested"`
	EvictionReason    string         `json:"evictionReason,omitempty"`
	EvictionAction    EvictionAction `json:"evictionAction,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// IsWaiting reports whether the agent currently holds an outstanding long-poll.
func (a *Agent) IsWaiting() bool {
	return a.WaitingSince != nil
}

// IsStale reports whether the agent has not been seen recently enough to survive
// the Store's cleanup sweep or a display-name collision on registration.
func (a *Agent) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(a.LastSeen) > threshold
}

// TransitionRecord is one entry in a task's history.
type TransitionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	AgentID   string    `json:"agentId,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ResponseArtifacts carries the terminal payload an agent attaches to a task.
type ResponseArtifacts struct {
	Diff  string            `json:"diff,omitempty"`
	Extra map[string]string `json:"extra,omitempty"`
}

// Response is the terminal payload a task carries once an agent has reported back.
type Response struct {
	Status    string             `json:"status"`
	Message   string             `json:"message,omitempty"`
	Artifacts *ResponseArtifacts `json:"artifacts,omitempty"`
}

// Reservation is the durable `{taskId -> agentId, sentAt}` record backing PENDING_ACK.
type Reservation struct {
	AgentID string    `json:"agentId"`
	SentAt  time.Time `json:"sentAt"`
}

// Task is a unit of work routed from a source to at most one agent at a time.
type Task struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Title    string `json:"title,omitempty"`
	Prompt   string `json:"prompt"`
	From     Source `json:"from"`
	To       RoutingHint `json:"to"`
	Priority Priority    `json:"priority"`
	Status   Status      `json:"status"`
	Source   string      `json:"source,omitempty"` // UI | CLI | Agent

	Dependencies []string `json:"dependencies,omitempty"`
	AssignedTo   string   `json:"assignedTo,omitempty"`
	Reservation  *Reservation `json:"reservation,omitempty"`
	Response     *Response    `json:"response,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	Images       []string          `json:"images,omitempty"`

	History []TransitionRecord `json:"history,omitempty"`

	RetryCount int `json:"retryCount"`

	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
}

// MessageRole identifies the author of a task message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// TaskMessage is one entry in a task's comment/progress thread.
type TaskMessage struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"taskId"`
	Role        MessageRole `json:"role"`
	Content     string      `json:"content"`
	Timestamp   time.Time   `json:"timestamp"`
	IsRead      bool        `json:"isRead"`
	ReplyTo     string      `json:"replyTo,omitempty"`
	MessageType string      `json:"messageType,omitempty"`
}

// ActivityEvent is an append-only audit-log row, independent of any one task.
type ActivityEvent struct {
	ID        int64             `json:"id"`
	TenantID  string            `json:"tenantId"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SecurityEvent records a policy-engine rejection for audit purposes.
type SecurityEvent struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenantId"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
}
